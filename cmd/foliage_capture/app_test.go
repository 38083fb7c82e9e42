package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terrascape/foliage/internal/config"
	"github.com/terrascape/foliage/internal/monitor"
	"github.com/terrascape/foliage/internal/orchestrator"
)

func writeTestConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	cfg := fmt.Sprintf(`{
		"logsDir": %q,
		"capture": {
			"width": 20000,
			"resolution": 32,
			"updateFoliageAfterNumFrames": 1,
			"maxComponentsToUpdatePerFrame": 8
		},
		"sampling": { "gridSize": { "x": 4, "y": 4 } },
		"journal": { "path": %q },
		"categories": [
			{
				"name": "Grass",
				"color": [0, 1, 0, 1],
				"pooledComponentsPerType": 2,
				"geometryTypes": [ { "mesh": "/Game/Grass", "density": 0.05 } ]
			},
			{
				"name": "Trees",
				"color": [0, 0.4, 0, 1],
				"alignToSurfaceWithRaycast": true,
				"geometryTypes": [ { "mesh": "/Game/Pine", "density": 0.01, "alignToNormal": true } ]
			}
		]
	}`, filepath.Join(dir, "logs"), filepath.Join(dir, "journal.db"))
	require.NoError(t, os.WriteFile(filepath.Join(dir, config.FileName), []byte(cfg), 0644))
	return dir
}

func runCLI(t *testing.T, args ...string) string {
	t.Helper()
	viper.Reset()
	var out bytes.Buffer
	require.NoError(t, run(context.Background(), args, &out))
	return out.String()
}

func TestRun_ProceduralScene(t *testing.T) {
	t.Cleanup(viper.Reset)
	dir := writeTestConfig(t)

	out := runCLI(t, "--config-dir", dir, "--frames", "5", "--frame-interval", "0", "--viewer-speed", "0")

	var st monitor.Status
	require.NoError(t, json.Unmarshal([]byte(out), &st))
	assert.Equal(t, "idle", st.State)
	assert.False(t, st.Building)
	assert.GreaterOrEqual(t, st.Ticks, uint64(5))
	require.NotNil(t, st.LastBuild)
	assert.Equal(t, orchestrator.StatusSucceeded, st.LastBuild.Status)
	assert.Greater(t, st.LastBuild.Transforms, 0)
	assert.Equal(t, st.LastBuild.Transforms, st.Instances)
	assert.Len(t, st.Pools, 2)

	entries, err := os.ReadDir(filepath.Join(dir, "logs"))
	require.NoError(t, err)
	assert.NotEmpty(t, entries, "a session log file is written")

	journalOut := runCLI(t, "--config-dir", dir, "journal")
	var j struct {
		Summary struct {
			Builds    int64 `json:"builds"`
			Succeeded int64 `json:"succeeded"`
		} `json:"summary"`
		Recent []struct {
			BuildID string `json:"buildId"`
		} `json:"recent"`
	}
	require.NoError(t, json.Unmarshal([]byte(journalOut), &j))
	assert.Equal(t, int64(1), j.Summary.Builds)
	assert.Equal(t, int64(1), j.Summary.Succeeded)
	require.Len(t, j.Recent, 1)
	assert.Equal(t, st.LastBuild.BuildID, j.Recent[0].BuildID)
}

func TestRun_RenderedCaptureFiles(t *testing.T) {
	t.Cleanup(viper.Reset)
	dir := writeTestConfig(t)
	outDir := filepath.Join(t.TempDir(), "capture")

	var files map[string]string
	require.NoError(t, json.Unmarshal([]byte(runCLI(t, "--config-dir", dir, "--out", outDir, "render")), &files))
	require.FileExists(t, files["classification"])
	require.FileExists(t, files["normalDepth"])

	out := runCLI(t, "--config-dir", dir, "--frames", "1", "--frame-interval", "0",
		"--classification", files["classification"], "--normal-depth", files["normalDepth"])

	var st monitor.Status
	require.NoError(t, json.Unmarshal([]byte(out), &st))
	require.NotNil(t, st.LastBuild)
	assert.Equal(t, orchestrator.StatusSucceeded, st.LastBuild.Status)
	assert.Greater(t, st.Instances, 0)
}

func TestRun_Errors(t *testing.T) {
	t.Cleanup(viper.Reset)
	dir := writeTestConfig(t)

	viper.Reset()
	err := run(context.Background(), []string{"--config-dir", dir, "bogus"}, &bytes.Buffer{})
	assert.ErrorContains(t, err, "unknown command")

	viper.Reset()
	err = run(context.Background(), []string{"--config-dir", dir, "--frames", "1", "--classification", "only-one.tif"}, &bytes.Buffer{})
	assert.ErrorContains(t, err, "must be given together")
}
