// Command syncbridge synchronizes a local SQLite database with a remote
// MySQL database over their shared change logs.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/ricardomaia/syncbridge/internal/config"
	"github.com/ricardomaia/syncbridge/internal/logging"
	"github.com/ricardomaia/syncbridge/internal/models"
	"github.com/ricardomaia/syncbridge/internal/store"
	syncengine "github.com/ricardomaia/syncbridge/internal/sync"
	"github.com/ricardomaia/syncbridge/internal/sync/scheduler"
)

var (
	cfgPath  string
	logLevel string
)

func main() {
	root := &cobra.Command{
		Use:           "syncbridge",
		Short:         "Bidirectional sync between a local SQLite replica and a remote MySQL replica",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "config.yaml", "path to the configuration file")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "override the configured log level")

	root.AddCommand(
		newInitCmd(),
		newVerifyCmd(),
		newSyncCmd(),
		newDaemonCmd(),
		newConflictsCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// app bundles everything a subcommand needs.
type app struct {
	cfg    *config.Config
	log    *logrus.Logger
	local  *store.SQLStore
	remote *store.SQLStore
	engine *syncengine.Engine
}

func (a *app) close() {
	if a.local != nil {
		a.local.Close()
	}
	if a.remote != nil {
		a.remote.Close()
	}
}

func setup() (*app, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	log := logging.New(os.Stderr, cfg.Logging.Level)

	pks := make(map[string]string, len(cfg.Tables))
	for _, t := range cfg.Tables {
		pks[t.Name] = t.PrimaryKey
	}

	a := &app{cfg: cfg, log: log}

	if a.local, err = openStore(cfg.Local, "local", pks); err != nil {
		return nil, err
	}
	if a.remote, err = openStore(cfg.Remote, "remote", pks); err != nil {
		a.close()
		return nil, err
	}

	a.engine = syncengine.NewEngine(a.local, a.remote, cfg, log)
	return a, nil
}

func openStore(sc config.StoreConfig, role string, pks map[string]string) (*store.SQLStore, error) {
	switch sc.Driver {
	case "sqlite":
		return store.OpenSQLite(sc.Path, pks)
	case "mysql":
		return store.OpenMySQL(store.MySQLConfig{
			Host:     sc.Host,
			Port:     sc.Port,
			User:     sc.User,
			Password: sc.Password,
			Database: sc.Database,
		}, pks)
	default:
		return nil, fmt.Errorf("%s store: unknown driver %q", role, sc.Driver)
	}
}

func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the sync control tables on both stores",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup()
			if err != nil {
				return err
			}
			defer a.close()

			ctx := cmd.Context()
			for _, st := range []*store.SQLStore{a.local, a.remote} {
				if err := st.EnsureSchema(ctx); err != nil {
					return err
				}
				a.log.WithField("store", st.Name()).Info("control tables ready")
			}
			return nil
		},
	}
}

func newVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Check that both stores carry the control tables and version columns",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup()
			if err != nil {
				return err
			}
			defer a.close()

			ctx := cmd.Context()
			tables := a.cfg.TableNames()
			clean := true
			for _, st := range []*store.SQLStore{a.local, a.remote} {
				issues, err := st.VerifySchema(ctx, tables)
				if err != nil {
					return err
				}
				for _, issue := range issues {
					clean = false
					fmt.Printf("%s: %s\n", st.Name(), issue)
				}
			}
			if !clean {
				return fmt.Errorf("schema verification failed")
			}
			fmt.Println("schema ok")
			return nil
		},
	}
}

func newSyncCmd() *cobra.Command {
	var direction string

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one sync cycle",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := syncengine.ParseDirection(direction)
			if err != nil {
				return err
			}

			a, err := setup()
			if err != nil {
				return err
			}
			defer a.close()

			res, err := a.engine.Sync(cmd.Context(), dir)
			if err != nil {
				return err
			}

			out, err := json.MarshalIndent(res, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}
	cmd.Flags().StringVarP(&direction, "direction", "d", string(syncengine.DirectionBidirectional),
		"LOCAL_TO_REMOTE, REMOTE_TO_LOCAL or BIDIRECTIONAL")
	return cmd
}

func newDaemonCmd() *cobra.Command {
	var direction string

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run periodic sync cycles until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := syncengine.ParseDirection(direction)
			if err != nil {
				return err
			}

			a, err := setup()
			if err != nil {
				return err
			}
			defer a.close()

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			sched := scheduler.New(a.engine, a.cfg.Sync.Interval, dir, a.log)
			sched.Start(ctx)
			defer sched.Stop()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			sig := <-sigCh
			a.log.WithField("signal", sig.String()).Info("shutting down")
			return nil
		},
	}
	cmd.Flags().StringVarP(&direction, "direction", "d", string(syncengine.DirectionBidirectional),
		"LOCAL_TO_REMOTE, REMOTE_TO_LOCAL or BIDIRECTIONAL")
	return cmd
}

func newConflictsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "conflicts",
		Short: "Inspect and resolve sync conflicts",
	}
	cmd.AddCommand(newConflictsListCmd(), newConflictsResolveCmd())
	return cmd
}

func newConflictsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List conflicts awaiting resolution",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup()
			if err != nil {
				return err
			}
			defer a.close()

			conflicts, err := a.engine.ListConflicts(cmd.Context())
			if err != nil {
				return err
			}
			if len(conflicts) == 0 {
				fmt.Println("no unresolved conflicts")
				return nil
			}

			out, err := json.MarshalIndent(conflicts, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}
}

func newConflictsResolveCmd() *cobra.Command {
	var dataJSON string
	var remove bool
	var resolvedBy string

	cmd := &cobra.Command{
		Use:   "resolve <conflict-id>",
		Short: "Apply a chosen record state to both stores and settle the conflict",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if dataJSON == "" && !remove {
				return fmt.Errorf("either --data or --delete is required")
			}
			if dataJSON != "" && remove {
				return fmt.Errorf("--data and --delete are mutually exclusive")
			}

			var data models.RowData
			if dataJSON != "" {
				var err error
				if data, err = models.UnmarshalRowData(dataJSON); err != nil {
					return fmt.Errorf("bad --data: %w", err)
				}
			}

			a, err := setup()
			if err != nil {
				return err
			}
			defer a.close()

			if err := a.engine.ResolveConflict(cmd.Context(), args[0], data, resolvedBy); err != nil {
				return err
			}
			fmt.Println("conflict resolved")
			return nil
		},
	}
	cmd.Flags().StringVar(&dataJSON, "data", "", "winning record payload as JSON")
	cmd.Flags().BoolVar(&remove, "delete", false, "resolve by deleting the record on both stores")
	cmd.Flags().StringVar(&resolvedBy, "by", "operator", "who resolved the conflict")
	return cmd
}
