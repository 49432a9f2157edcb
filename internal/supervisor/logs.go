package supervisor

import (
	"regexp"
	"strings"

	"github.com/loykin/procdoctor/internal/fault"
)

// DefaultLogLimit applies when LogQuery.Limit is not positive.
const DefaultLogLimit = 200

// LogQuery filters retained output. Empty filters match every line; when
// both Contains and Regex are set a line must satisfy both.
type LogQuery struct {
	Contains   string `json:"contains" form:"contains"`
	Regex      string `json:"regex" form:"regex"`
	IgnoreCase bool   `json:"ignore_case" form:"ignore_case"`
	Limit      int    `json:"limit" form:"limit"`
}

func (q LogQuery) matcher() (func(string) bool, error) {
	var re *regexp.Regexp
	if q.Regex != "" {
		expr := q.Regex
		if q.IgnoreCase {
			expr = "(?i)" + expr
		}
		var err error
		re, err = regexp.Compile(expr)
		if err != nil {
			return nil, fault.Wrap(fault.CodeInvalidArgument, err, "invalid regex %q", q.Regex)
		}
	}
	needle := q.Contains
	if q.IgnoreCase {
		needle = strings.ToLower(needle)
	}
	return func(line string) bool {
		if needle != "" {
			hay := line
			if q.IgnoreCase {
				hay = strings.ToLower(hay)
			}
			if !strings.Contains(hay, needle) {
				return false
			}
		}
		return re == nil || re.MatchString(line)
	}, nil
}

// QueryLogs returns the most recent retained lines of id that match q, at
// most q.Limit of them, in original order. An unregistered id yields no
// lines and no error.
func (s *Supervisor) QueryLogs(id int64, q LogQuery) ([]string, error) {
	match, err := q.matcher()
	if err != nil {
		return nil, err
	}
	limit := q.Limit
	if limit <= 0 {
		limit = DefaultLogLimit
	}
	e, ok := s.lookup(id)
	if !ok {
		return []string{}, nil
	}
	lines := e.tail.Snapshot()
	out := make([]string, 0, min(limit, len(lines)))
	// walk backwards so the scan stops once limit is reached
	for i := len(lines) - 1; i >= 0 && len(out) < limit; i-- {
		if match(lines[i]) {
			out = append(out, lines[i])
		}
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}
