package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/charmbracelet/log"
	"github.com/desertthunder/genx/internal/repositories"
	"github.com/desertthunder/genx/internal/services"
	"github.com/desertthunder/genx/internal/shared"
	"github.com/desertthunder/genx/internal/tasks"
	"github.com/urfave/cli/v3"
)

// Runner holds all dependencies for CLI commands and provides methods for each command action.
type Runner struct {
	config     *shared.Config
	configPath string
	api        *services.APIService
	httpClient *http.Client
	db         *sql.DB
	tasks      *repositories.TaskRepository
	uploads    *repositories.UploadCacheAdapter
	syncer     *tasks.Synchronizer
	engine     *tasks.Engine
	logger     *log.Logger
	output     io.Writer
}

// RunnerOpts contains configuration options for creating a Runner.
type RunnerOpts struct {
	Config     *shared.Config
	ConfigPath string
	API        *services.APIService
	HTTPClient *http.Client
	DB         *sql.DB
	Logger     *log.Logger
	Output     io.Writer
}

// NewRunner creates a new Runner with the provided configuration
func NewRunner(opts RunnerOpts) *Runner {
	if opts.Config == nil {
		opts.Config = shared.DefaultConfig()
	}
	if opts.Logger == nil {
		opts.Logger = shared.NewLogger(nil)
	}
	if opts.Output == nil {
		opts.Output = os.Stdout
	}

	r := &Runner{
		config:     opts.Config,
		configPath: opts.ConfigPath,
		api:        opts.API,
		httpClient: opts.HTTPClient,
		logger:     opts.Logger,
		output:     opts.Output,
	}
	r.wire(opts.DB)
	return r
}

// wire builds the services that depend on the config: the API client, the
// snapshot store and the synchronizer behind the engine.
func (r *Runner) wire(db *sql.DB) {
	if r.httpClient == nil {
		r.httpClient = &http.Client{Timeout: r.config.Backend.Timeout()}
	}
	if r.api == nil {
		r.api = services.NewAPIService(r.config.Backend.BaseURL, r.config.Backend.SocketURL, r.httpClient)
	}

	r.db = db
	r.tasks, r.uploads = nil, nil
	if db != nil {
		r.tasks = repositories.NewTaskRepository(db)
		r.uploads = repositories.NewUploadCacheAdapter(repositories.NewUploadRepository(db))
	}

	if r.syncer != nil {
		r.syncer.StopAll()
	}
	r.syncer = tasks.NewSynchronizer(r.api, r.syncOptions())
	r.engine = tasks.NewEngine(r.api, r.syncer)
}

func (r *Runner) syncOptions() tasks.SyncOptions {
	tracking := r.config.Tracking
	opts := tasks.SyncOptions{
		Poll:            tasks.PollOptions{Interval: tracking.PollInterval(), MaxInterval: tracking.MaxPollInterval()},
		MaxPollFailures: tracking.MaxPollFailures,
		DisablePush:     !tracking.UsePush,
		Reconnect:       tasks.ReconnectOptions{Interval: tracking.ReconnectInterval(), MaxAttempts: tracking.MaxReconnects},
		Logger:          shared.WithLogger(r.logger, "component", "sync"),
	}
	if r.tasks != nil {
		opts.Store = r.tasks
	}
	return opts
}

// SetLogger replaces the logger and rebuilds the services that captured the old one.
func (r *Runner) SetLogger(logger *log.Logger) {
	r.logger = logger
	r.wire(r.db)
}

// configure runs before every command: it loads the config file and the
// environment, applies global flags and opens the history database.
func (r *Runner) configure(ctx context.Context, cmd *cli.Command) (context.Context, error) {
	if cmd.Bool("debug") {
		shared.SetLogLevel(r.logger, log.DebugLevel)
	}

	path := cmd.String("config")
	config := shared.DefaultConfig()
	if _, err := os.Stat(path); err == nil {
		if config, err = shared.LoadConfig(path); err != nil {
			return ctx, err
		}
		r.logger.Debug("loaded config", "path", path)
	} else if err := shared.ApplyEnv(config); err != nil {
		return ctx, err
	}

	if url := cmd.String("base-url"); url != "" {
		config.Backend.BaseURL = url
		config.Backend.SocketURL = ""
	}
	if cmd.Bool("no-push") {
		config.Tracking.UsePush = false
	}
	if err := config.Validate(); err != nil {
		return ctx, err
	}

	r.config = config
	r.configPath = path
	r.api = nil
	r.httpClient = nil

	var db *sql.DB
	if !cmd.Bool("no-db") {
		opened, err := shared.OpenDatabase(config.Database)
		if err != nil {
			r.logger.Warn("task history disabled", "error", err)
		} else {
			db = opened
		}
	}
	r.wire(db)
	return ctx, nil
}

// Close stops tracking and releases the database.
func (r *Runner) Close() error {
	if r.syncer != nil {
		r.syncer.StopAll()
	}
	if r.db != nil {
		err := r.db.Close()
		r.db = nil
		return err
	}
	return nil
}

func (r *Runner) requireHistory() error {
	if r.tasks == nil {
		return fmt.Errorf("%w: task history needs a database, run 'genx setup database'", shared.ErrServiceUnavailable)
	}
	return nil
}

func (r *Runner) writeJSON(data any, pretty bool) error {
	output, err := shared.MarshalJSON(data, pretty)
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}

	if _, err := r.output.Write(output); err != nil {
		return fmt.Errorf("failed to write output: %w", err)
	}

	if _, err := r.output.Write([]byte("\n")); err != nil {
		return fmt.Errorf("failed to write newline: %w", err)
	}

	return nil
}

func (r *Runner) writePlain(format string, args ...any) error {
	text := fmt.Sprintf(format, args...)
	if _, err := r.output.Write([]byte(text)); err != nil {
		return fmt.Errorf("failed to write output: %w", err)
	}
	return nil
}

func (r *Runner) writePlainln(format string, args ...any) error {
	text := "\n" + fmt.Sprintf(format, args...) + "\n"
	if _, err := r.output.Write([]byte(text)); err != nil {
		return fmt.Errorf("failed to write output: %w", err)
	}
	return nil
}

func (r *Runner) writePlainHeader(title string) {
	r.writePlain("═══════════════════════════════════════\n")
	r.writePlain("%v\n", title)
	r.writePlain("═══════════════════════════════════════\n")
}
