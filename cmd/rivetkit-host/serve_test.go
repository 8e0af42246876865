package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rivetkit-go/rivetkit/internal/driver"
	"github.com/rivetkit-go/rivetkit/internal/rivetconfig"
)

func TestBuildDriverDefaultsToMemory(t *testing.T) {
	drv, err := buildDriver(rivetconfig.Env{RivetRunner: "host-a"}, "", zap.NewNop())
	require.NoError(t, err)
	_, ok := drv.Placement.(*driver.Memory)
	assert.True(t, ok, "empty --driver must select the memory backend")
}

func TestBuildDriverEngineWithoutEndpointFallsBackToFile(t *testing.T) {
	env := rivetconfig.Env{RivetRunner: "host-a", StoragePath: t.TempDir()}
	drv, err := buildDriver(env, "engine", zap.NewNop())
	require.NoError(t, err, "a missing RIVET_ENDPOINT must degrade rather than fail the host")
	lf, ok := drv.Placement.(*driver.LocalFile)
	require.True(t, ok, "engine driver without RIVET_ENDPOINT must fall back to the local-file driver")
	lf.Close()
}

func TestBuildDriverEngineWithEndpointUsesEngineClient(t *testing.T) {
	env := rivetconfig.Env{RivetRunner: "host-a", RivetEndpoint: "http://127.0.0.1:0"}
	drv, err := buildDriver(env, "engine", zap.NewNop())
	require.NoError(t, err)
	_, ok := drv.Placement.(*driver.EngineClient)
	assert.True(t, ok)
}

func TestBuildDriverUnknownNameErrors(t *testing.T) {
	_, err := buildDriver(rivetconfig.Env{}, "bogus", zap.NewNop())
	assert.Error(t, err)
}
