package backend

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/DeltaPrimeLabs/deltaprime-contracts-v2/internal/config"
	"github.com/DeltaPrimeLabs/deltaprime-contracts-v2/internal/progress/bolt"
	"github.com/DeltaPrimeLabs/deltaprime-contracts-v2/internal/progress/jsonfile"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestOpen_JSON(t *testing.T) {
	cfg := &config.Config{Progress: config.ProgressConfig{
		Backend: config.ProgressBackendJSON,
		File:    filepath.Join(t.TempDir(), "progress.json"),
	}}
	s, err := Open(context.Background(), cfg, discardLogger())
	require.NoError(t, err)
	defer s.Close()
	assert.IsType(t, &jsonfile.Store{}, s)
}

func TestOpen_Bolt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "progress.db")
	cfg := &config.Config{Progress: config.ProgressConfig{Backend: config.ProgressBackendBolt, BoltPath: path}}

	s, err := Open(context.Background(), cfg, discardLogger())
	require.NoError(t, err)
	assert.IsType(t, &bolt.Store{}, s)
	require.NoError(t, s.Close())

	r, err := OpenReader(context.Background(), cfg, discardLogger())
	require.NoError(t, err)
	require.NoError(t, r.Close())
}

func TestOpen_UnknownBackend(t *testing.T) {
	cfg := &config.Config{Progress: config.ProgressConfig{Backend: "sqlite"}}
	_, err := Open(context.Background(), cfg, discardLogger())
	assert.ErrorContains(t, err, "unknown progress backend")
}
