package cmd

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GoCodeAlone/scr"
)

const extraDescriptor = `
components:
  - name: greeter.static
    implementation: greeting.Provider
    activate: Activate
    configuration-policy: ignore
    properties:
      - name: lang
        value: de
    services: [greeting.Greeter]
`

func startDaemon(t *testing.T) (*Daemon, *httptest.Server) {
	t.Helper()
	componentsDir := t.TempDir()
	configDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(componentsDir, "extra.yaml"), []byte(extraDescriptor), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(componentsDir, "README.txt"), []byte("ignored"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(configDir, "greeter~en.yaml"), []byte("lang: en\n"), 0o600))

	opts := DefaultOptions()
	opts.Components = []string{componentsDir}
	opts.ConfigDir = configDir
	opts.Example = true

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	d, err := NewDaemon(opts, logger)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, d.Start(ctx))
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, d.Stop())
	})

	srv := httptest.NewServer(NewStatusHandler(d.Runtime(), d.Gatherer(), logger))
	t.Cleanup(srv.Close)
	return d, srv
}

func getJSON(t *testing.T, url string, v any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if v != nil && resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
	}
	return resp.StatusCode
}

func greetingID(t *testing.T, d *Daemon) int64 {
	t.Helper()
	cfgs := d.Runtime().ConfigsByName("greeting")
	require.Len(t, cfgs, 1)
	return cfgs[0].ID()
}

func TestDaemon_ComponentsEndpoint(t *testing.T) {
	d, srv := startDaemon(t)

	id := greetingID(t, d)
	require.Eventually(t, func() bool {
		cfg, ok := d.Runtime().Config(id)
		if !ok || cfg.State() != scr.StateActive {
			return false
		}
		return len(cfg.References()[0].Bound()) == 2
	}, 2*time.Second, 10*time.Millisecond, "configured greeter arrives through the watcher")

	var list struct {
		Components []scr.ComponentDTO `json:"components"`
		Count      int                `json:"count"`
	}
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/components", &list))
	assert.Equal(t, len(list.Components), list.Count)
	names := make([]string, 0, len(list.Components))
	for _, c := range list.Components {
		names = append(names, c.Name)
	}
	assert.Contains(t, names, "greeting")
	assert.Contains(t, names, "greeter")
	assert.Contains(t, names, "greeter.static")

	var dto scr.ComponentDTO
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/components/"+strconv.FormatInt(id, 10), &dto))
	assert.Equal(t, "greeting", dto.Name)
	assert.Equal(t, "active", dto.State)
	require.Len(t, dto.References, 1)
	assert.Len(t, dto.References[0].Bound, 2, "configured greeter and static greeter")

	assert.Equal(t, http.StatusBadRequest, getJSON(t, srv.URL+"/components/abc", nil))
	assert.Equal(t, http.StatusNotFound, getJSON(t, srv.URL+"/components/9999", nil))
}

func TestDaemon_EnableDisable(t *testing.T) {
	d, srv := startDaemon(t)
	id := strconv.FormatInt(greetingID(t, d), 10)

	resp, err := http.Post(srv.URL+"/components/"+id+"/disable", "application/json", nil)
	require.NoError(t, err)
	var dto scr.ComponentDTO
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&dto))
	resp.Body.Close()
	assert.Equal(t, "disabled", dto.State)

	resp, err = http.Post(srv.URL+"/components/"+id+"/enable", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	cfgs := d.Runtime().ConfigsByName("greeting")
	assert.True(t, cfgs[0].IsEnabled())
}

func TestDaemon_CyclesAndMetrics(t *testing.T) {
	_, srv := startDaemon(t)

	var cycles struct {
		Count int `json:"count"`
	}
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/cycles", &cycles))
	assert.Zero(t, cycles.Count)

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), "scr_components_enabled"))
	assert.True(t, strings.Contains(string(body), "go_goroutines"))
}

func TestDescriptorFiles(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"b.toml", "a.yaml", "notes.md"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), nil, 0o600))
	}
	files, err := descriptorFiles([]string{dir})
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(dir, "a.yaml"), filepath.Join(dir, "b.toml")}, files)

	_, err = descriptorFiles([]string{filepath.Join(dir, "missing")})
	assert.Error(t, err)
}
