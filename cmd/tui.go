package main

import (
	"context"
	"fmt"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/desertthunder/genx/internal/shared"
	"github.com/desertthunder/genx/internal/ui"
	"github.com/urfave/cli/v3"
)

const tuiLogPath = "./tmp/genx-tui.log"

// TUI launches the interactive task browser.
func (r *Runner) TUI(ctx context.Context, cmd *cli.Command) error {
	// Logs would draw over the TUI
	fileLogger, f, err := shared.NewFileLogger(tuiLogPath)
	if err != nil {
		return fmt.Errorf("failed to create file logger: %w", err)
	}
	defer f.Close()
	r.SetLogger(fileLogger)

	model := ui.NewModel(ctx, r.api, r.engine)
	p := tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(ctx))

	if _, err := p.Run(); err != nil {
		return fmt.Errorf("error running TUI: %w", err)
	}

	return nil
}
