package tls

import (
	"crypto/tls"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServerConfigDisabled(t *testing.T) {
	cfg, err := ServerConfig(Config{})
	require.NoError(t, err)
	assert.Nil(t, cfg)
}

func TestServerConfigRequiresSource(t *testing.T) {
	_, err := ServerConfig(Config{Enabled: true})
	assert.Error(t, err)
	_, err = ServerConfig(Config{Enabled: true, Dir: t.TempDir(), MinVersion: "1.0"})
	assert.Error(t, err)
}

func TestAutoGenerateAndHandshake(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "tls")
	c := Config{Enabled: true, Dir: dir, AutoGenerate: true, MinVersion: "1.2"}
	srvCfg, err := ServerConfig(c)
	require.NoError(t, err)
	assert.Equal(t, uint16(tls.VersionTLS12), srvCfg.MinVersion)
	for _, f := range []string{certCrt, keyFile, caCrt} {
		_, err := os.Stat(filepath.Join(dir, f))
		require.NoError(t, err, f)
	}

	srv := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	srv.TLS = srvCfg
	srv.StartTLS()
	defer srv.Close()

	cliCfg, err := ClientConfig(c.CAPath(), "127.0.0.1", false)
	require.NoError(t, err)
	client := &http.Client{Transport: &http.Transport{TLSClientConfig: cliCfg}}
	resp, err := client.Get(srv.URL)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// a second start reuses the files
	before, err := os.ReadFile(filepath.Join(dir, certCrt))
	require.NoError(t, err)
	_, err = ServerConfig(c)
	require.NoError(t, err)
	after, err := os.ReadFile(filepath.Join(dir, certCrt))
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestClientConfig(t *testing.T) {
	cfg, err := ClientConfig("", "", true)
	require.NoError(t, err)
	assert.True(t, cfg.InsecureSkipVerify)

	_, err = ClientConfig(filepath.Join(t.TempDir(), "missing.crt"), "", false)
	assert.Error(t, err)

	bad := filepath.Join(t.TempDir(), "bad.crt")
	require.NoError(t, os.WriteFile(bad, []byte("not pem"), 0o600))
	_, err = ClientConfig(bad, "", false)
	assert.Error(t, err)
}
