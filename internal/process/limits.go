package process

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/loykin/procdoctor/internal/fault"
)

// DefaultLimitFlags are the launch argument prefixes whose values are
// checked against Limits.MaxHeapMB.
var DefaultLimitFlags = []string{"-Xmx", "-Xms"}

// Limits bounds the resources a worker may request on its command line.
type Limits struct {
	MaxHeapMB int64    // 0 disables the check
	Flags     []string // argument prefixes carrying a size value
}

// ParseSize parses a size with an optional k/m/g/t suffix (case-insensitive,
// binary multiples). A bare number is a byte count.
func ParseSize(s string) (int64, error) {
	v := strings.TrimSpace(strings.ToLower(s))
	if v == "" {
		return 0, fmt.Errorf("empty size")
	}
	mult := int64(1)
	switch v[len(v)-1] {
	case 'k':
		mult = 1 << 10
	case 'm':
		mult = 1 << 20
	case 'g':
		mult = 1 << 30
	case 't':
		mult = 1 << 40
	}
	if mult != 1 {
		v = v[:len(v)-1]
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, fmt.Errorf("negative size %q", s)
	}
	if n > (1<<63-1)/mult {
		return 0, fmt.Errorf("size %q overflows", s)
	}
	return n * mult, nil
}

// CheckLimits rejects arguments whose size value exceeds the configured
// maximum. A value without a suffix counts as megabytes, so -Xmx2048 means
// 2048 MB. Values that do not parse as sizes are passed through.
func CheckLimits(args []string, l Limits) error {
	if l.MaxHeapMB <= 0 {
		return nil
	}
	flags := l.Flags
	if len(flags) == 0 {
		flags = DefaultLimitFlags
	}
	maxBytes := l.MaxHeapMB << 20
	for _, a := range args {
		for _, f := range flags {
			if !strings.HasPrefix(a, f) {
				continue
			}
			size, err := parseLimit(a[len(f):])
			if err != nil {
				continue
			}
			if size > maxBytes {
				return fault.New(fault.CodeResourceLimitExceeded, "%s exceeds the %d MB maximum", a, l.MaxHeapMB).
					WithHint("lower the value or raise supervisor.max_heap_mb")
			}
		}
	}
	return nil
}

func parseLimit(v string) (int64, error) {
	v = strings.TrimSpace(v)
	if v != "" && v[len(v)-1] >= '0' && v[len(v)-1] <= '9' {
		v += "m"
	}
	return ParseSize(v)
}
