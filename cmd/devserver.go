package main

import (
	"context"
	"fmt"

	"github.com/desertthunder/genx/internal/server"
	"github.com/desertthunder/genx/internal/shared"
	"github.com/urfave/cli/v3"
)

// Devserver runs the simulated backend until the command is interrupted.
func (r *Runner) Devserver(ctx context.Context, cmd *cli.Command) error {
	cfg := r.config.Server
	if host := cmd.String("host"); host != "" {
		cfg.Host = host
	}
	if port := cmd.Int("port"); port != 0 {
		cfg.Port = port
	}
	step := cfg.Step()
	if d := cmd.Duration("step"); d > 0 {
		step = d
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return fmt.Errorf("%w: port %d", shared.ErrInvalidFlag, cfg.Port)
	}

	backend, err := server.NewBackend(server.Options{
		Step:      step,
		UploadDir: cmd.String("upload-dir"),
		Logger:    r.logger,
	})
	if err != nil {
		return err
	}

	addr := cfg.Addr()
	r.writePlain("Development backend on http://%s/api (step %s)\n", addr, step)
	r.writePlain("Submit with requirements %q to simulate a failure\n", server.FailMarker)
	return backend.ListenAndServe(ctx, addr)
}
