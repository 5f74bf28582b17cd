package boltdb

import (
	"testing"

	"github.com/ctrliq/vks/pkg/database"
	"github.com/ctrliq/vks/pkg/database/databasetest"
	"github.com/stretchr/testify/require"
)

func TestEngine(t *testing.T) {
	engine, ok := database.GetDatabaseEngine(EngineName)
	require.True(t, ok)

	cfg := engine.NewConfig().(*Config)
	require.Error(t, engine.CheckConfig())

	cfg.Dir = t.TempDir()
	require.NoError(t, engine.CheckConfig())
	require.Equal(t, defaultTimeout, cfg.Timeout)
	require.NoError(t, engine.Connect())
	defer engine.Disconnect()

	databasetest.TestEngine(t, engine)
}
