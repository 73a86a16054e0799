package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/atlekbai/formula_engine/internal/dialect"
	"github.com/atlekbai/formula_engine/internal/engine"
	"github.com/atlekbai/formula_engine/internal/exec"
	"github.com/atlekbai/formula_engine/internal/schema"
)

type ExecuteOptions struct {
	requestOptions

	DatabaseURL      string
	LocalDatabaseURL string
	CachePath        string
	NoCache          bool
}

func NewExecuteCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ExecuteOptions{}

	cmd := &cobra.Command{
		Use:   "execute",
		Short: "Compile a request and run it against PostgreSQL",
		Long: `Execute compiles the request like compile does, runs the statements on
the source database and the local compute database, and prints the rows.

Without --sources the source tables are read from the database catalog.
With --cache-path results are kept in a bolt file between runs.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExecute(opts, rootOpts, cmd)
		},
	}

	opts.addFlags(cmd)
	f := cmd.Flags()
	f.StringVar(&opts.DatabaseURL, "database-url", os.Getenv("DATABASE_URL"), "source database URL")
	f.StringVar(&opts.LocalDatabaseURL, "local-database-url", "", "local compute database URL (defaults to --database-url)")
	f.StringVar(&opts.CachePath, "cache-path", "", "bolt file for cached results")
	f.BoolVar(&opts.NoCache, "no-cache", false, "bypass the result cache")
	return cmd
}

func runExecute(opts *ExecuteOptions, rootOpts *RootOptions, cmd *cobra.Command) error {
	ctx := cmd.Context()
	if opts.Dialect != dialect.PostgreSQL {
		return fmt.Errorf("execute supports only the %s dialect, got %s", dialect.PostgreSQL, opts.Dialect)
	}
	if opts.DatabaseURL == "" {
		return fmt.Errorf("--database-url or DATABASE_URL is required")
	}
	req, err := opts.request()
	if err != nil {
		return err
	}
	req.NoCache = req.NoCache || opts.NoCache

	pool, err := pgxpool.New(ctx, opts.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer pool.Close()

	local := pool
	if opts.LocalDatabaseURL != "" && opts.LocalDatabaseURL != opts.DatabaseURL {
		if local, err = pgxpool.New(ctx, opts.LocalDatabaseURL); err != nil {
			return fmt.Errorf("connect local: %w", err)
		}
		defer local.Close()
	}

	var sources *schema.Cache
	if opts.SourcesPath == "" {
		sources = schema.NewCache()
		if err := sources.Load(ctx, pool); err != nil {
			return err
		}
	}
	e, err := opts.engine(sources)
	if err != nil {
		return err
	}

	log := logrus.StandardLogger()
	e.Log = log
	e.Runner = &exec.Runner{
		Source: &exec.PgxExecutor{DB: pool},
		Local:  &exec.PgxLocalExecutor{DB: local},
		Log:    log,
	}
	if opts.CachePath != "" {
		b, err := exec.OpenBolt(opts.CachePath, time.Second)
		if err != nil {
			return err
		}
		defer b.Close()
		e.Runner.Cache = exec.NewCacheAdapter(b)
		e.Runner.Cache.Log = log
	}

	resp, err := e.Execute(ctx, req)
	if err != nil {
		return err
	}
	return writeResponse(cmd, rootOpts, resp)
}

func writeResponse(cmd *cobra.Command, rootOpts *RootOptions, resp *engine.Response) error {
	out := cmd.OutOrStdout()
	if rootOpts.Format == FormatJSON {
		return writeJSON(out, resp)
	}
	header := make([]string, len(resp.Columns))
	for i, c := range resp.Columns {
		header[i] = c.Title
	}
	if err := writeTable(out, header, resp.Rows); err != nil {
		return err
	}
	logrus.WithFields(logrus.Fields{
		"situation":  resp.Situation,
		"statements": resp.Statements,
	}).Debug("request executed")
	return nil
}
