package diag

import (
	"bufio"
	"regexp"
	"strconv"
	"strings"
)

// HistogramEntry is one row of a heap histogram.
type HistogramEntry struct {
	Rank      int    `json:"rank"`
	Instances int64  `json:"instances"`
	Bytes     int64  `json:"bytes"`
	ClassName string `json:"className"`
}

var histogramRow = regexp.MustCompile(`^(\d+):\s+(\d+)\s+(\d+)\s+(.+)$`)

// ParseHistogram extracts up to maxRows entries from text in the form
// "rank: instances bytes className". Lines that do not match are skipped.
func ParseHistogram(text string, maxRows int) []HistogramEntry {
	out := make([]HistogramEntry, 0)
	if maxRows <= 0 {
		return out
	}
	sc := bufio.NewScanner(strings.NewReader(text))
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() && len(out) < maxRows {
		m := histogramRow.FindStringSubmatch(strings.TrimSpace(sc.Text()))
		if m == nil {
			continue
		}
		rank, err1 := strconv.Atoi(m[1])
		inst, err2 := strconv.ParseInt(m[2], 10, 64)
		size, err3 := strconv.ParseInt(m[3], 10, 64)
		if err1 != nil || err2 != nil || err3 != nil {
			continue
		}
		out = append(out, HistogramEntry{Rank: rank, Instances: inst, Bytes: size, ClassName: strings.TrimSpace(m[4])})
	}
	return out
}
