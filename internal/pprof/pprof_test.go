package pprof

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDisabledIsNoop(t *testing.T) {
	h := NewHandler(Config{})
	require.NoError(t, h.Start())
	assert.Nil(t, h.Addr())
	assert.NoError(t, h.Stop(context.Background()))
}

func TestServesIndexAndDumpsAfterDrain(t *testing.T) {
	dump := filepath.Join(t.TempDir(), "prof", "goroutines.txt")
	h := NewHandler(Config{HTTPAddr: "127.0.0.1:0", GoroutineDump: dump})
	require.NoError(t, h.Start())

	resp, err := http.Get("http://" + h.Addr().String() + "/debug/pprof/")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, h.Stop(context.Background()))
	require.NoError(t, h.Stop(context.Background()))
	require.NoError(t, h.Wait(context.Background()))

	data, err := os.ReadFile(dump)
	require.NoError(t, err)
	assert.Contains(t, string(data), "goroutine")
}
