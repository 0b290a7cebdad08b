package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func env(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func TestDefaults(t *testing.T) {
	c, err := FromEnv(env(nil))
	require.NoError(t, err)
	assert.Equal(t, 8887, c.ListenPort)
	assert.Equal(t, "/{ws}", c.ListenPath)
	assert.Equal(t, 30*time.Second, c.RequestTimeout)
	assert.Equal(t, logrus.InfoLevel, c.Level())

	// A node id is always required.
	assert.Error(t, c.Validate())
	c.NodeID = "CSMS"
	assert.NoError(t, c.Validate())
}

func TestFromEnv(t *testing.T) {
	c, err := FromEnv(env(map[string]string{
		"NODE_ID":            "NN1",
		"SERVER_LISTEN_PORT": "9000",
		"UPSTREAM_URL":       "ws://csms.local:8887/ocpp",
		"UPSTREAM_ID":        "CSMS",
		"UPSTREAM_ENVELOPE":  "false",
		"REQUEST_TIMEOUT":    "5s",
		"NATS_URL":           "nats://127.0.0.1:4222",
		"LOG_LEVEL":          "DEBUG",
	}))
	require.NoError(t, err)
	require.NoError(t, c.Validate())

	assert.Equal(t, "NN1", c.NodeID)
	assert.Equal(t, 9000, c.ListenPort)
	assert.Equal(t, "CSMS", c.UpstreamID)
	assert.True(t, c.UpstreamPlain)
	assert.Equal(t, 5*time.Second, c.RequestTimeout)
	assert.Equal(t, logrus.DebugLevel, c.Level())
}

func TestFromEnvRejectsBadValues(t *testing.T) {
	for k, v := range map[string]string{
		"SERVER_LISTEN_PORT": "port",
		"REQUEST_TIMEOUT":    "soon",
		"TLS_ENABLED":        "maybe",
		"UPSTREAM_ENVELOPE":  "perhaps",
	} {
		_, err := FromEnv(env(map[string]string{k: v}))
		assert.ErrorContains(t, err, k)
	}
}

func TestValidate(t *testing.T) {
	c := Default()
	c.NodeID = "NN1"

	c.UpstreamURL = "ws://csms.local:8887"
	assert.Error(t, c.Validate(), "upstream id missing")
	c.UpstreamID = "CSMS"
	assert.NoError(t, c.Validate())

	c.TLS = true
	assert.Error(t, c.Validate(), "certificates missing")
	c.ServerCertificatePath = "server.pem"
	c.ServerCertificateKeyPath = "server.key"
	assert.NoError(t, c.Validate())

	c.RequestTimeout = 0
	assert.Error(t, c.Validate())
}

func TestLoadDotEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("NODE_ID=CS42\nREQUEST_TIMEOUT=250ms\n"), 0o600))
	t.Setenv("NODE_ID", "")
	require.NoError(t, os.Unsetenv("NODE_ID"))
	t.Setenv("REQUEST_TIMEOUT", "1s")

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "CS42", c.NodeID)
	// Variables already set win over the file.
	assert.Equal(t, time.Second, c.RequestTimeout)

	_, err = Load(filepath.Join(t.TempDir(), "missing.env"))
	assert.Error(t, err)
}
