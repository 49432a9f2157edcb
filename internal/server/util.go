package server

import (
	"encoding/json"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"
)

// sanitizeBase normalizes a mount prefix to "" or "/x" without a trailing slash.
func sanitizeBase(bp string) string {
	bp = strings.TrimSpace(bp)
	if bp == "" || bp == "/" {
		return ""
	}
	if !strings.HasPrefix(bp, "/") {
		bp = "/" + bp
	}
	return strings.TrimRight(bp, "/")
}

// isSafeName reports whether s is usable as a worker name, which ends up in
// output file names: [A-Za-z0-9._-] only and no "..".
func isSafeName(s string) bool {
	if s == "" || strings.Contains(s, "..") {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '.' || r == '_' || r == '-':
		default:
			return false
		}
	}
	return true
}

// isSafeAbsPath accepts "" or an absolute path that is already clean apart
// from trailing separators.
func isSafeAbsPath(p string) bool {
	if p == "" {
		return true
	}
	if !filepath.IsAbs(p) {
		return false
	}
	clean := filepath.Clean(p)
	trimmed := strings.TrimRight(p, string(filepath.Separator))
	if trimmed == "" {
		trimmed = p
	}
	return clean == p || clean == trimmed
}

func writeJSON(c *gin.Context, code int, v any) {
	c.Header("Content-Type", "application/json")
	c.Status(code)
	_ = json.NewEncoder(c.Writer).Encode(v)
}
