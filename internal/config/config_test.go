package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadParsesSettingsJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	writeFile(t, path, `{
		"proxyAddr": "0.0.0.0:12345",
		"apiUrl": "http://localhost:9000/ingest",
		"helperSwitch": true,
		"modSwitch": true,
		"sendMethod": [".lq.ActionPrototype"],
		"sendAction": ["ActionDiscardTile"],
		"liqiVersion": "0.12.0"
	}`)

	s, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:12345", s.ProxyAddr)
	assert.True(t, s.AllowsMethod(".lq.ActionPrototype"))
	assert.False(t, s.AllowsMethod(".lq.NotifyMatchTimeout"))
	assert.True(t, s.AllowsAction("ActionDiscardTile"))
}

func TestLoadMissingFileIsFatalError(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

func TestApplyDefaultsFillsProxyAddr(t *testing.T) {
	s := &Settings{}
	s.applyDefaults()
	assert.NotEmpty(t, s.ProxyAddr)
	assert.NotNil(t, s.SendMethod)
	assert.NotNil(t, s.SendAction)
}

func TestFinalizeAppliesEnvOverride(t *testing.T) {
	t.Setenv("LIQIPROXY_ADDR", "0.0.0.0:9999")
	s := &Settings{}
	s.Finalize()
	assert.Equal(t, "0.0.0.0:9999", s.ProxyAddr)
}

func TestConfigDirPaths(t *testing.T) {
	d := ConfigDir{Path: "/tmp/liqi_config"}
	assert.Equal(t, "/tmp/liqi_config/settings.json", d.Settings())
	assert.Equal(t, "/tmp/liqi_config/settings.mod.json", d.ModSettings())
	assert.Equal(t, "/tmp/liqi_config/liqi.json", d.Manifest())
	assert.Equal(t, "/tmp/liqi_config/lqc.lqbin", d.ContentBundle())
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}
