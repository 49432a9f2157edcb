package server

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/loykin/procdoctor/internal/diag"
)

type samplingBody struct {
	Enabled *bool `json:"enabled"`
}

type samplingResp struct {
	Enabled bool `json:"enabled"`
}

type recordingBody struct {
	Name         string `json:"name"`
	MaxAgeMillis int64  `json:"maxAgeMillis"`
}

type snapshotBody struct {
	Path string `json:"path"`
	Live *bool  `json:"live"`
}

type gcLogBody struct {
	Enabled *bool  `json:"enabled"`
	Path    string `json:"path"`
}

type extensionBody struct {
	Path string `json:"path"`
}

type pathResp struct {
	Path *string `json:"path"`
}

type loadedResp struct {
	Loaded bool `json:"loaded"`
}

// bindOptional decodes a JSON body when one was sent.
func bindOptional(c *gin.Context, v any) bool {
	if c.Request.ContentLength == 0 {
		return true
	}
	if err := c.ShouldBindJSON(v); err != nil {
		badRequest(c, "invalid JSON: "+err.Error())
		return false
	}
	return true
}

func (r *Router) handleGetSampling(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	on, err := r.diag.SamplingEnabled(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, samplingResp{Enabled: on})
}

func (r *Router) handleSetSampling(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var body samplingBody
	if err := c.ShouldBindJSON(&body); err != nil || body.Enabled == nil {
		badRequest(c, `body must be {"enabled": true|false}`)
		return
	}
	if err := r.diag.ToggleSampling(c.Request.Context(), id, *body.Enabled); err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, samplingResp{Enabled: *body.Enabled})
}

func (r *Router) handleStartRecording(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var body recordingBody
	if !bindOptional(c, &body) {
		return
	}
	if err := r.diag.StartRecording(c.Request.Context(), id, body.Name, body.MaxAgeMillis); err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleStopRecording(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	path, err := r.diag.StopRecording(c.Request.Context(), id, c.Query("path"))
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, pathResp{Path: path})
}

func (r *Router) handleHeapSnapshot(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var body snapshotBody
	if !bindOptional(c, &body) {
		return
	}
	if !isSafeAbsPath(body.Path) {
		badRequest(c, "invalid path: must be absolute path without traversal")
		return
	}
	live := true
	if body.Live != nil {
		live = *body.Live
	}
	p, err := r.diag.CaptureHeapSnapshot(c.Request.Context(), id, body.Path, live)
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, pathResp{Path: &p})
}

func (r *Router) handleHistogram(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	limit := diag.DefaultHistogramRows
	if s := c.Query("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			badRequest(c, "invalid limit: "+s)
			return
		}
		limit = n
	}
	rows, err := r.diag.HeapHistogram(c.Request.Context(), id, limit)
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, rows)
}

func (r *Router) handleGCLog(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var body gcLogBody
	if !bindOptional(c, &body) {
		return
	}
	if !isSafeAbsPath(body.Path) {
		badRequest(c, "invalid path: must be absolute path without traversal")
		return
	}
	enabled := true
	if body.Enabled != nil {
		enabled = *body.Enabled
	}
	p, err := r.diag.SetGCLogging(c.Request.Context(), id, enabled, body.Path)
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, pathResp{Path: &p})
}

func (r *Router) handleLoadExtension(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var body extensionBody
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, "invalid JSON: "+err.Error())
		return
	}
	loaded, err := r.diag.LoadExtension(c.Request.Context(), id, body.Path)
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, loadedResp{Loaded: loaded})
}

func (r *Router) handleProfile(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req diag.ProfileRequest
	if !bindOptional(c, &req) {
		return
	}
	if !isSafeAbsPath(req.OutputPath) {
		badRequest(c, "invalid filename: must be absolute path without traversal")
		return
	}
	run, err := r.diag.RunProfiler(c.Request.Context(), id, req)
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusAccepted, run)
}

func (r *Router) handleWorkerMetrics(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	text, err := r.diag.FetchMetrics(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.Data(http.StatusOK, "text/plain; version=0.0.4; charset=utf-8", []byte(text))
}
