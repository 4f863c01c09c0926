// Package cli implements the invokeflow command-line client.
package cli

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/me/invokeflow/internal/config"
	"github.com/me/invokeflow/internal/logging"
	"github.com/me/invokeflow/internal/store"
	"github.com/me/invokeflow/pkg/events"
	"github.com/me/invokeflow/pkg/queue"
	"github.com/me/invokeflow/pkg/run"
)

var (
	flagConfig    string
	flagServer    string
	flagQueue     string
	flagLogLevel  string
	flagLogFormat string
	flagHistoryDB string
	flagDebug     bool

	cfg    *config.ClientConfig
	logger *slog.Logger
	client *queue.Client

	// eventDialer opens the push channel; nil uses socket.io.
	eventDialer events.Dialer
)

// NewRootCmd creates the root cobra command for the invokeflow CLI.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "invokeflow",
		Short: "invokeflow submits workflows to an InvokeAI-compatible server",
		Long: "invokeflow loads workflows authored in the node editor, fills in their form inputs, " +
			"enqueues them on a generation server and follows them to completion.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			cfg, err = config.Load(flagConfig, cmd.Flags())
			if err != nil {
				return err
			}
			if flagDebug {
				cfg.LogLevel = "debug"
			}
			level, err := logging.ParseLevel(cfg.LogLevel)
			if err != nil {
				return err
			}
			if err := logging.ValidateFormat(cfg.LogFormat); err != nil {
				return err
			}
			logger = logging.NewLoggerWithWriter(level, cfg.LogFormat, cmd.ErrOrStderr())
			client = queue.NewClient(cfg.QueueConfig(), logger)
			logger.Debug("config loaded", "server", cfg.Server, "queue", cfg.Queue)
			return nil
		},
		SilenceUsage: true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&flagConfig, "config", "", "Config file (default ./invokeflow.yaml or ~/.config/invokeflow/invokeflow.yaml)")
	pf.StringVar(&flagServer, "server", "", "Server URL (or INVOKEFLOW_SERVER env)")
	pf.StringVar(&flagQueue, "queue", "", "Queue id (or INVOKEFLOW_QUEUE env)")
	pf.StringVar(&flagLogLevel, "log-level", "", "Log level (debug, info, warn, error)")
	pf.StringVar(&flagLogFormat, "log-format", "", "Log format (text, json)")
	pf.StringVar(&flagHistoryDB, "history-db", "", "SQLite job history path; empty string disables history")
	pf.BoolVar(&flagDebug, "debug", false, "Enable debug logging")

	root.AddCommand(
		newInputsCmd(),
		newSubmitCmd(),
		newStatusCmd(),
		newCancelCmd(),
		newCancelBatchCmd(),
		newClearCmd(),
		newHistoryCmd(),
	)

	return root
}

// openHistory opens the configured history store. It returns nil when
// history is disabled.
func openHistory(ctx context.Context) (*store.SQLiteStore, error) {
	if cfg.HistoryDB == "" {
		return nil, nil
	}
	if err := ensureParentDir(cfg.HistoryDB); err != nil {
		return nil, err
	}
	st, err := store.NewSQLiteStore(cfg.HistoryDB, logger)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close()
		return nil, fmt.Errorf("migrate history: %w", err)
	}
	return st, nil
}

// newRunner wires the queue client, the push channel and the history store.
func newRunner(rec run.Recorder, withEvents bool) *run.Runner {
	opts := []run.Option{run.WithLogger(logger)}
	if withEvents {
		var m *events.Manager
		if eventDialer != nil {
			m = events.NewManager(cfg.Server, eventDialer, logger)
		} else {
			m = events.Shared(cfg.Server, logger)
		}
		opts = append(opts, run.WithEvents(m))
	}
	if rec != nil {
		opts = append(opts, run.WithRecorder(rec))
	}
	return run.NewRunner(client, opts...)
}
