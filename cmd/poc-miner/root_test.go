package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/withObsrvr/obsrvr-poc-miner/internal/hasher"
)

func execute(t *testing.T, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	require.NoError(t, cmd.Execute())
	return out.String()
}

func TestTiersCommand(t *testing.T) {
	out := execute(t, "tiers")
	for _, tier := range hasher.Tiers() {
		assert.Contains(t, out, tier)
	}
	assert.Contains(t, out, "host")
}

func TestPlotsCommand(t *testing.T) {
	plots := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(plots, "7_0_8"), make([]byte, 8*hasher.NonceSize), 0o644))

	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	body := "url: http://localhost:8125\nhdd_use_direct_io: false\nplot_dirs:\n  - " + plots + "\n"
	require.NoError(t, os.WriteFile(cfgPath, []byte(body), 0o644))

	out := execute(t, "plots", "--config", cfgPath)
	assert.Contains(t, out, "7_0_8")
	assert.Contains(t, out, "nonces=8")
	assert.Contains(t, out, "total: 1 drives")
}

func TestRunWithoutWorkersExitsCleanly(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	body := "url: http://localhost:8125\ncpu_worker_thread_count: 0\naccel_worker_thread_count: 0\n"
	require.NoError(t, os.WriteFile(cfgPath, []byte(body), 0o644))

	execute(t, "run", "--config", cfgPath)
}
