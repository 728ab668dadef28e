package main

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/soaringjerry/surveyengine/internal/config"
	dbstore "github.com/soaringjerry/surveyengine/internal/db"
	"github.com/soaringjerry/surveyengine/internal/logging"
	"github.com/soaringjerry/surveyengine/internal/models"
	"github.com/soaringjerry/surveyengine/internal/services"
	"github.com/soaringjerry/surveyengine/internal/surveydef"
)

type cli struct {
	out           io.Writer
	cfg           *config.Config
	logger        *slog.Logger
	dbPath        string
	migrationsDir string
}

func newRootCmd(out io.Writer) *cobra.Command {
	c := &cli{out: out}
	root := &cobra.Command{
		Use:           "surveyctl",
		Short:         "Administer survey definitions and respondents",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			c.cfg = cfg
			if c.dbPath == "" {
				c.dbPath = cfg.DBPath
			}
			if c.migrationsDir == "" {
				c.migrationsDir = cfg.MigrationsDir
			}
			c.logger = logging.NewWriter(cmd.ErrOrStderr(), cfg.LogLevel, cfg.LogJSON)
			return nil
		},
	}
	root.SetOut(out)
	root.PersistentFlags().StringVar(&c.dbPath, "db", "", "SQLite database path (default $SURVEY_DB_PATH)")
	root.PersistentFlags().StringVar(&c.migrationsDir, "migrations", "", "migrations directory (default embedded)")

	root.AddCommand(c.migrateCmd(), c.loadCmd(), c.tokensCmd(), c.finalizeCmd(), c.purgeCmd(), c.exportCmd())
	return root
}

func (c *cli) open(ctx context.Context) (*dbstore.SQLiteStore, error) {
	return dbstore.OpenStore(ctx, c.dbPath, c.cfg.BusyTimeout, c.migrationsDir)
}

func (c *cli) surveyService(store services.Store, notify bool) (*services.SurveyService, error) {
	policy, err := services.ParseRegrowPolicy(c.cfg.RegrowPolicy)
	if err != nil {
		return nil, err
	}
	opts := services.SurveyOptions{Retry: services.DefaultRetryPolicy(), NotifyTries: c.cfg.NotifyTries, Logger: c.logger}
	opts.Retry.MaxTries = c.cfg.RetryMaxTries
	if notify {
		opts.Notifier = services.NewHTTPNotifier(c.cfg.NotifyTimeout)
	}
	if c.cfg.ReportDir != "" {
		opts.Reports = services.CSVReportSink{Dir: c.cfg.ReportDir}
	}
	return services.NewSurveyService(store, services.NewDefinitionCache(store), services.NewEngine(policy, c.logger), opts), nil
}

// withStore opens the store for one command and closes it afterwards.
func (c *cli) withStore(cmd *cobra.Command, fn func(ctx context.Context, store *dbstore.SQLiteStore) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	store, err := c.open(ctx)
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(ctx, store)
}

func (c *cli) migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			sqlDB, err := dbstore.Open(c.dbPath, c.cfg.BusyTimeout)
			if err != nil {
				return err
			}
			defer sqlDB.Close()
			if err := dbstore.RunMigrations(cmd.Context(), sqlDB, c.migrationsDir); err != nil {
				return err
			}
			names, err := dbstore.AppliedMigrations(cmd.Context(), sqlDB)
			if err != nil {
				return err
			}
			for _, n := range names {
				fmt.Fprintln(c.out, n)
			}
			return nil
		},
	}
}

func (c *cli) loadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "load PATH...",
		Short: "Load survey definitions from YAML files or directories, replacing stored ones",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var defs []*models.Survey
			for _, p := range args {
				st, err := os.Stat(p)
				if err != nil {
					return err
				}
				if st.IsDir() {
					more, err := surveydef.LoadDir(p)
					if err != nil {
						return err
					}
					defs = append(defs, more...)
					continue
				}
				sv, err := surveydef.Load(p)
				if err != nil {
					return err
				}
				defs = append(defs, sv)
			}
			return c.withStore(cmd, func(ctx context.Context, store *dbstore.SQLiteStore) error {
				svc, err := c.surveyService(store, false)
				if err != nil {
					return err
				}
				for _, sv := range defs {
					if err := svc.Publish(ctx, sv); err != nil {
						return err
					}
					fmt.Fprintf(c.out, "loaded survey %d (%s)\n", sv.ID, sv.Name)
				}
				return nil
			})
		},
	}
}

func (c *cli) tokensCmd() *cobra.Command {
	var surveyID, count int
	cmd := &cobra.Command{
		Use:   "tokens",
		Short: "Issue respondent tokens as CSV",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withStore(cmd, func(ctx context.Context, store *dbstore.SQLiteStore) error {
				tokens := services.NewTokenService(store, services.NewDefinitionCache(store), nil, c.cfg.SessionTTL, c.logger)
				rs, err := tokens.Issue(ctx, surveyID, count)
				if err != nil {
					return err
				}
				w := csv.NewWriter(c.out)
				_ = w.Write([]string{"respondent_id", "token"})
				for _, r := range rs {
					if err := w.Write([]string{r.ID, r.Token}); err != nil {
						return err
					}
				}
				w.Flush()
				return w.Error()
			})
		},
	}
	cmd.Flags().IntVar(&surveyID, "survey", 0, "survey id")
	cmd.Flags().IntVar(&count, "count", 1, "number of tokens")
	_ = cmd.MarkFlagRequired("survey")
	return cmd
}

func (c *cli) finalizeCmd() *cobra.Command {
	var notify bool
	cmd := &cobra.Command{
		Use:   "finalize RESPONDENT_ID",
		Short: "Finalize a respondent and run post-survey actions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withStore(cmd, func(ctx context.Context, store *dbstore.SQLiteStore) error {
				svc, err := c.surveyService(store, notify)
				if err != nil {
					return err
				}
				res, err := svc.Finalize(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(c.out, "finalized %s at %s, purged %d rows\n", res.RespondentID, res.FinalizedAt.Format(time.RFC3339), res.Purged)
				if res.HandoffError != "" {
					fmt.Fprintf(c.out, "report hand-off failed: %s\n", res.HandoffError)
				}
				for _, a := range res.Actions {
					fmt.Fprintf(c.out, "action %d: %s after %d attempts %s\n", a.ActionID, a.Status, a.Attempts, a.Message)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&notify, "notify", true, "deliver post-survey actions")
	return cmd
}

func (c *cli) purgeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "purge RESPONDENT_ID",
		Short: "Hard-delete a respondent's soft-deleted answer rows",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withStore(cmd, func(ctx context.Context, store *dbstore.SQLiteStore) error {
				svc, err := c.surveyService(store, false)
				if err != nil {
					return err
				}
				n, err := svc.Purge(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(c.out, "purged %d rows\n", n)
				return nil
			})
		},
	}
}

func (c *cli) exportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "export RESPONDENT_ID",
		Short: "Write a respondent's answers as CSV",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withStore(cmd, func(ctx context.Context, store *dbstore.SQLiteStore) error {
				svc, err := c.surveyService(store, false)
				if err != nil {
					return err
				}
				b, err := svc.ExportCSV(ctx, args[0])
				if err != nil {
					return err
				}
				_, err = c.out.Write(b)
				return err
			})
		},
	}
}
