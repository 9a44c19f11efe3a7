package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

const snapshotJSON = `{
	"mediaId": "vid1",
	"graphics": [
		{"d": "M 0,100 C 1,1 2,2 5,80 C 3,3 4,4 505,60 C 6,6 7,7 1005,40"}
	]
}`

func TestRun(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshot.json")
	require.NoError(t, os.WriteFile(path, []byte(snapshotJSON), 0644))

	var stdout, stderr bytes.Buffer
	err := run(context.Background(), []string{"-f", path, "-at", "0.5, 0.25", "-max", "3"}, &stdout, &stderr)
	require.NoError(t, err, stderr.String())

	var out dump
	require.NoError(t, yaml.Unmarshal(stdout.Bytes(), &out))
	assert.Equal(t, "vid1", out.MediaID)
	assert.Equal(t, 3, out.Samples)
	require.NotNil(t, out.RawRange)
	assert.Equal(t, rawRange{Min: 40, Max: 80}, *out.RawRange)
	assert.Len(t, out.Curve, 3)

	require.Len(t, out.Lookups, 2)
	require.NotNil(t, out.Lookups[0].Speed)
	assert.InDelta(t, 2.0, *out.Lookups[0].Speed, 1e-9)
	assert.InDelta(t, 2.5, *out.Lookups[1].Speed, 1e-9)
}

func TestRun_Config(t *testing.T) {
	dir := t.TempDir()
	snapPath := filepath.Join(dir, "snapshot.json")
	require.NoError(t, os.WriteFile(snapPath, []byte(snapshotJSON), 0644))
	cfgPath := filepath.Join(dir, "kinewatch.yaml")
	cfgYAML := "rate:\n  maxSpeed: 3\ncalibration:\n  xSpan: 2000\n"
	require.NoError(t, os.WriteFile(cfgPath, []byte(cfgYAML), 0644))

	var stdout, stderr bytes.Buffer
	err := run(context.Background(), []string{"-c", cfgPath, "-f", snapPath}, &stdout, &stderr)
	require.NoError(t, err, stderr.String())

	var out dump
	require.NoError(t, yaml.Unmarshal(stdout.Bytes(), &out))
	assert.Equal(t, 3.0, out.Config.MaxSpeed)
	require.Len(t, out.Curve, 3)
	assert.InDelta(t, 0.5, out.Curve[2].TimeRatio, 1e-9, "x spread over the configured span")

	stdout.Reset()
	err = run(context.Background(), []string{"-c", cfgPath, "-f", snapPath, "-max", "4"}, &stdout, &stderr)
	require.NoError(t, err, stderr.String())
	out = dump{}
	require.NoError(t, yaml.Unmarshal(stdout.Bytes(), &out))
	assert.Equal(t, 4.0, out.Config.MaxSpeed, "explicit flag wins")

	err = run(context.Background(), []string{"-c", filepath.Join(dir, "missing.yaml"), "-f", snapPath}, &stdout, &stderr)
	assert.Error(t, err)
}

func TestRun_Errors(t *testing.T) {
	var stdout, stderr bytes.Buffer
	assert.Error(t, run(context.Background(), nil, &stdout, &stderr))

	path := filepath.Join(t.TempDir(), "empty.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"graphics":[]}`), 0644))
	assert.Error(t, run(context.Background(), []string{"-f", path}, &stdout, &stderr))
	assert.Error(t, run(context.Background(), []string{"-f", path, "-at", "2"}, &stdout, &stderr))
}
