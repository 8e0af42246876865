package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/rivetkit-go/rivetkit/internal/actor"
	"github.com/rivetkit-go/rivetkit/internal/driver"
	"github.com/rivetkit-go/rivetkit/internal/host"
	"github.com/rivetkit-go/rivetkit/internal/manager"
	"github.com/rivetkit-go/rivetkit/internal/rivetconfig"
	"github.com/rivetkit-go/rivetkit/internal/rivetlog"
	"github.com/rivetkit-go/rivetkit/internal/rivetmetrics"
)

func newServeCmd() *cobra.Command {
	var driverName string
	var basePath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the actor host, listening for client connections over HTTP/WS",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), driverName, basePath)
		},
	}
	cmd.Flags().StringVar(&driverName, "driver", "memory", "backend driver: memory|file|engine")
	cmd.Flags().StringVar(&basePath, "base-path", "/rivet", "URL prefix for the client<->actor protocol routes")
	return cmd
}

func runServe(ctx context.Context, driverName, basePath string) (err error) {
	env := rivetconfig.EnvFromOS()
	logger := rivetlog.New(rivetlog.FromEnv())

	drv, err := buildDriver(env, driverName, logger)
	if err != nil {
		return &configError{err}
	}

	defs, err := buildDefinitions()
	if err != nil {
		return &handlerErrorExit{err}
	}

	metrics := rivetmetrics.New()
	mgr := manager.New(env.RivetRunner, drv, defs, logger, manager.Options{
		OnHibernate: func(string) { metrics.IncHibernations() },
	})
	if err := mgr.ReconcileStartup(ctx); err != nil {
		logger.Warn("startup reconciliation failed, continuing without it", zap.Error(err))
	}

	h := host.New(host.Deps{
		Manager:           mgr,
		Log:               logger,
		BasePath:          basePath,
		InspectorToken:    env.InspectorToken,
		InspectorDisabled: env.InspectorDisable,
		Metrics:           metrics,
	})

	runCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	addr := env.Hostname + ":" + env.Port
	return h.ListenAndServe(runCtx, addr)
}

// buildDriver resolves the --driver flag to a backing driver.Driver. The
// engine driver degrades gracefully rather than refusing to start, the same
// way the teacher's optional convClient/thumbClient fall back to nil and a
// reduced feature set instead of aborting the process when their URL env
// var is unset (backend/main.go): an operator who asked for "engine" but
// forgot RIVET_ENDPOINT still gets a running host, backed by local disk,
// with the gap logged loudly instead of silently.
func buildDriver(env rivetconfig.Env, name string, logger *zap.Logger) (*driver.Driver, error) {
	switch name {
	case "", "memory":
		return driver.NewMemory(env.RivetRunner), nil
	case "file":
		return driver.NewLocalFile(env.RivetRunner, env.StoragePath)
	case "engine":
		if !env.UsesEngineDriver() {
			logger.Warn("RIVET_ENDPOINT not set; falling back to the local-file driver instead of the requested engine driver",
				zap.String("storagePath", env.StoragePath))
			return driver.NewLocalFile(env.RivetRunner, env.StoragePath)
		}
		return driver.NewEngineClient(env.RivetEndpoint, 0), nil
	default:
		return nil, fmt.Errorf("unknown driver %q (want memory, file, or engine)", name)
	}
}

// buildDefinitions recovers from a panic in registry construction so a
// mistake in a registered definition's builder chain (e.g. a nil handler
// a Builder method didn't validate) surfaces as exit 64, not a crash.
func buildDefinitions() (defs map[string]*actor.Definition, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("building actor registry: %v", r)
		}
	}()
	return demoDefinitions(), nil
}
