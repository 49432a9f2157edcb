package factory

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/procdoctor/internal/history/opensearch"
	"github.com/loykin/procdoctor/internal/history/sqlite"
)

func TestNewSinkFromDSN(t *testing.T) {
	tests := []struct {
		name    string
		dsn     string
		wantErr bool
	}{
		{"empty", "", true},
		{"unknown scheme", "invalid://test", true},
		{"sqlite file", "sqlite://" + filepath.Join(t.TempDir(), "h.db"), false},
		{"sqlite memory", "sqlite://:memory:", false},
		{"bare path", filepath.Join(t.TempDir(), "bare.db"), false},
		{"opensearch", "opensearch://localhost:9200/logs", false},
		{"opensearch no host", "opensearch:///logs", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sink, err := NewSinkFromDSN(tt.dsn)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.NotNil(t, sink)
			if c, ok := sink.(interface{ Close() error }); ok {
				_ = c.Close()
			}
		})
	}
}

func TestNewSinkFromDSN_Types(t *testing.T) {
	s, err := NewSinkFromDSN("sqlite://:memory:")
	require.NoError(t, err)
	assert.IsType(t, &sqlite.Sink{}, s)

	s, err = NewSinkFromDSN("elasticsearch://es:9200")
	require.NoError(t, err)
	assert.IsType(t, &opensearch.Sink{}, s)
}

func TestParseClickHouseDSN(t *testing.T) {
	addr, table, err := parseClickHouseDSN("clickhouse://ch:9000?table=events")
	require.NoError(t, err)
	assert.Equal(t, "ch:9000", addr)
	assert.Equal(t, "events", table)

	addr, table, err = parseClickHouseDSN("clickhouse://")
	require.NoError(t, err)
	assert.Equal(t, "localhost:9000", addr)
	assert.Equal(t, "process_history", table)
}

func TestParseOpenSearchDSN(t *testing.T) {
	base, index, err := parseOpenSearchDSN("opensearch://os:9200/process-logs")
	require.NoError(t, err)
	assert.Equal(t, "http://os:9200", base)
	assert.Equal(t, "process-logs", index)

	base, index, err = parseOpenSearchDSN("opensearch://os:9200?tls=true")
	require.NoError(t, err)
	assert.Equal(t, "https://os:9200", base)
	assert.Equal(t, "process-history", index)
}

func TestNewSinks_ClosesOnFailure(t *testing.T) {
	_, err := NewSinks([]string{"sqlite://:memory:", "bogus://x"})
	assert.Error(t, err)

	sinks, err := NewSinks([]string{"sqlite://:memory:", "opensearch://os:9200"})
	require.NoError(t, err)
	assert.Len(t, sinks, 2)
}
