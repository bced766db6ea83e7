// submodule cmd contains command definitions
package main

import "github.com/urfave/cli/v3"

func globalFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "config",
			Aliases: []string{"c"},
			Usage:   "Path to configuration file",
			Value:   "config.toml",
		},
		&cli.StringFlag{
			Name:  "base-url",
			Usage: "Backend API base URL (overrides backend.base_url)",
		},
		&cli.BoolFlag{
			Name:  "no-push",
			Usage: "Track tasks by polling only",
		},
		&cli.BoolFlag{
			Name:  "no-db",
			Usage: "Do not record task history",
		},
		&cli.BoolFlag{
			Name:  "debug",
			Usage: "Enable debug logging",
		},
	}
}

func formatFlag(value string, formats string) *cli.StringFlag {
	return &cli.StringFlag{
		Name:    "format",
		Aliases: []string{"f"},
		Usage:   "Output format (" + formats + ")",
		Value:   value,
	}
}

func taskIDArg() []cli.Argument {
	return []cli.Argument{&cli.StringArg{Name: "id"}}
}

// healthCommand checks the backend
func healthCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:   "health",
		Usage:  "Check that the backend is reachable",
		Action: r.Health,
	}
}

// uploadCommand stores input files on the backend without submitting a task
func uploadCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:  "upload",
		Usage: "Upload PDF drawings and 3D models",
		Flags: []cli.Flag{
			&cli.StringSliceFlag{
				Name:  "pdf",
				Usage: "PDF drawing to upload (repeatable)",
			},
			&cli.StringSliceFlag{
				Name:  "model",
				Usage: "3D model to upload (repeatable)",
			},
			&cli.BoolFlag{
				Name:  "json",
				Usage: "Output raw JSON",
			},
		},
		Action: r.Upload,
	}
}

// generateCommand uploads, submits and optionally watches a generation task
func generateCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:    "generate",
		Aliases: []string{"gen"},
		Usage:   "Upload files and generate an assembly manual",
		Flags: []cli.Flag{
			&cli.StringSliceFlag{
				Name:  "pdf",
				Usage: "PDF drawing (repeatable, at least one --pdf or --model)",
			},
			&cli.StringSliceFlag{
				Name:  "model",
				Usage: "3D model (repeatable)",
			},
			&cli.StringFlag{
				Name:  "focus",
				Usage: "Manual focus (general, welding, precision, heavy)",
				Value: "general",
			},
			&cli.StringFlag{
				Name:  "quality",
				Usage: "Quality standard (basic, standard, high, critical)",
				Value: "standard",
			},
			&cli.StringFlag{
				Name:  "language",
				Usage: "Output language (zh, en)",
				Value: "zh",
			},
			&cli.StringFlag{
				Name:  "requirements",
				Usage: "Free-form requirements for the manual",
			},
			&cli.BoolFlag{
				Name:    "watch",
				Aliases: []string{"w"},
				Usage:   "Track the task until it finishes",
				Value:   true,
			},
		},
		Action: r.Generate,
	}
}

// taskCommand groups operations on a single remote task
func taskCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:  "task",
		Usage: "Inspect and manage generation tasks",
		Commands: []*cli.Command{
			{
				Name:      "status",
				Usage:     "Show the current state of a task",
				Arguments: taskIDArg(),
				Flags: []cli.Flag{
					formatFlag("text", "text, json, markdown"),
					&cli.StringFlag{
						Name:    "output",
						Aliases: []string{"o"},
						Usage:   "Write markdown to this file instead of stdout",
					},
				},
				Action: r.TaskStatus,
			},
			{
				Name:   "list",
				Usage:  "List all tasks known to the backend",
				Flags:  []cli.Flag{formatFlag("table", "text, table, json, csv")},
				Action: r.TaskList,
			},
			{
				Name:      "watch",
				Usage:     "Track a task until it finishes",
				Arguments: taskIDArg(),
				Action:    r.TaskWatch,
			},
			{
				Name:      "delete",
				Aliases:   []string{"rm"},
				Usage:     "Delete a task on the backend",
				Arguments: taskIDArg(),
				Action:    r.TaskDelete,
			},
			{
				Name:      "download",
				Usage:     "Download the artifact of a completed task",
				Arguments: taskIDArg(),
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "output",
						Aliases: []string{"o"},
						Usage:   "Output directory (default: download.dir)",
					},
				},
				Action: r.TaskDownload,
			},
			{
				Name:      "download-all",
				Usage:     "Download the artifacts of many tasks (all completed tasks when no ids are given)",
				ArgsUsage: "[id...]",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "output",
						Aliases: []string{"o"},
						Usage:   "Output directory (default: download.dir)",
					},
					&cli.IntFlag{
						Name:  "workers",
						Usage: "Concurrent downloads (default: download.num_workers)",
					},
					&cli.FloatFlag{
						Name:  "rate",
						Usage: "Requests per second (default: download.rate_limit)",
					},
				},
				Action: r.TaskDownloadAll,
			},
			{
				Name:      "preview",
				Usage:     "Print the backend's preview of a task",
				Arguments: taskIDArg(),
				Action:    r.TaskPreview,
			},
			{
				Name:      "open",
				Usage:     "Open the manual of a completed task in the browser",
				Arguments: taskIDArg(),
				Action:    r.TaskOpen,
			},
		},
	}
}

// historyCommand lists tasks recorded in the local database
func historyCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:  "history",
		Usage: "List tasks tracked from this machine",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "status",
				Usage: "Only show tasks with this status",
			},
			&cli.IntFlag{
				Name:  "limit",
				Usage: "Maximum number of tasks to show",
				Value: 20,
			},
			formatFlag("table", "text, table, json, csv"),
		},
		Action: r.History,
	}
}

// apiCommand handles direct backend API calls
func apiCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:  "api",
		Usage: "Direct calls to the backend API",
		Commands: []*cli.Command{
			{
				Name:  "get",
				Usage: "Direct GET to the backend, prints raw JSON",
				Arguments: []cli.Argument{
					&cli.StringArg{
						Name: "path",
					},
				},
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "pretty",
						Usage: "Pretty-print output",
						Value: true,
					},
				},
				Action: r.APIGet,
			},
			{
				Name:  "post",
				Usage: "Direct POST with JSON body",
				Arguments: []cli.Argument{
					&cli.StringArg{
						Name: "path",
					},
				},
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "data",
						Aliases:  []string{"d"},
						Usage:    "JSON body to send",
						Required: true,
					},
				},
				Action: r.APIPost,
			},
		},
	}
}

// setupCommand handles setup operations for configuration and the database.
func setupCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:  "setup",
		Usage: "Setup and configuration commands",
		Commands: []*cli.Command{
			{
				Name:   "config",
				Usage:  "Write an example config.toml",
				Action: r.SetupConfig,
			},
			{
				Name:  "database",
				Usage: "Initialize database and run migrations",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "rollback",
						Usage: "Roll back the latest migration instead",
					},
				},
				Action: r.SetupDatabase,
			},
		},
	}
}

// devserverCommand runs the simulated generation backend
func devserverCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:  "devserver",
		Usage: "Run a local backend that simulates generation tasks",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "host",
				Usage: "Listen host (default: server.host)",
			},
			&cli.IntFlag{
				Name:  "port",
				Usage: "Listen port (default: server.port)",
			},
			&cli.DurationFlag{
				Name:  "step",
				Usage: "Time between simulated progress steps (default: server.step_ms)",
			},
			&cli.StringFlag{
				Name:  "upload-dir",
				Usage: "Directory for uploaded files (default: a temp dir)",
			},
		},
		Action: r.Devserver,
	}
}

// tuiCommand launches the interactive task browser
func tuiCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:   "tui",
		Usage:  "Browse and watch tasks interactively",
		Action: r.TUI,
	}
}

func (r *Runner) register() []*cli.Command {
	commands := []*cli.Command{}
	for _, fn := range [](func(*Runner) *cli.Command){
		healthCommand, uploadCommand, generateCommand, taskCommand, historyCommand,
		apiCommand, setupCommand, devserverCommand, tuiCommand,
	} {
		commands = append(commands, fn(r))
	}

	return commands
}
