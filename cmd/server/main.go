/*
main.go - Application entry point

PURPOSE:
  Command-line front end of the hours engine: runs the HTTP API server and
  offers offline views of margins and hierarchy roll-ups.

COMMANDS:
  serve                         Start the HTTP API server
  margin preview --base 20      Final hourly cost for a base cost
  report drilldown --resource R Hierarchy drill-down table

CONFIGURATION:
  Flags override HOURS_* environment variables, which override the .env
  file, which overrides the built-in defaults (see config/config.go).

  --db            SQLite database path (":memory:" for an ephemeral store)
  --policy-file   Billing policy YAML (margin defaults, presets, bonus rate)
  --env-file      dotenv file loaded before reading the environment
  --log-level     debug | info | warn | error
  --log-format    text | json

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (server.shutdown_timeout)
  3. Close database connection
  4. Exit

EXAMPLES:
  hours serve --db ./data/hours.db --addr :3000
  hours margin preview --base 20 --policy full_stack
  hours report drilldown --db ./data/hours.db --resource res-mario

SEE ALSO:
  - api/server.go: Router configuration
  - config/config.go: Configuration keys
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/warp/hours-engine/api"
	"github.com/warp/hours-engine/config"
	"github.com/warp/hours-engine/core"
	"github.com/warp/hours-engine/factory"
	"github.com/warp/hours-engine/margin"
	"github.com/warp/hours-engine/rollup"
	"github.com/warp/hours-engine/store/sqlite"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// app carries what PersistentPreRunE resolves for the subcommands.
type app struct {
	v      *viper.Viper
	cfg    *config.Config
	logger *logrus.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{v: viper.New()}
	var envFile string

	root := &cobra.Command{
		Use:   "hours",
		Short: "Billable hours engine",
		Long: `Allocates billable hours of resources to a client hierarchy.
- Margins: a base hourly cost plus markup components gives the final hourly cost.
- Pools: each resource has a project pool and a reserve pool; commits never overdraw them.
- Bonus: a completed task earns or loses a percentage of its variance at the final cost.
- Reassignment: minutes saved on one task can cover the overrun of another.
- Drill-down: client > project > area > activity > task with rolled-up totals.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(a.v, envFile)
			if err != nil {
				return err
			}
			a.cfg = cfg
			a.logger = cfg.NewLogger()
			return nil
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&envFile, "env-file", ".env", "dotenv file loaded before reading the environment")
	pf.String("db", "hours.db", `SQLite database path (":memory:" for an ephemeral store)`)
	pf.String("policy-file", "hours.yml", "billing policy file")
	pf.String("log-level", "info", "log level")
	pf.String("log-format", "text", "log format (text or json)")
	_ = a.v.BindPFlag("database.path", pf.Lookup("db"))
	_ = a.v.BindPFlag("policy.file", pf.Lookup("policy-file"))
	_ = a.v.BindPFlag("log.level", pf.Lookup("log-level"))
	_ = a.v.BindPFlag("log.format", pf.Lookup("log-format"))

	root.AddCommand(a.serveCmd())
	root.AddCommand(a.marginCmd())
	root.AddCommand(a.reportCmd())
	return root
}

func (a *app) margins() (*factory.MarginFactory, error) {
	f := factory.NewMarginFactory()
	if err := f.LoadPolicyFile(a.cfg.Policy.File); err != nil {
		return nil, err
	}
	return f, nil
}

// =============================================================================
// SERVE
// =============================================================================

func (a *app) serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.serve(cmd.Context())
		},
	}
	cmd.Flags().String("addr", ":8080", "listen address")
	_ = a.v.BindPFlag("server.addr", cmd.Flags().Lookup("addr"))
	return cmd
}

func (a *app) serve(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg := a.cfg
	if err := cfg.Auth.Validate(); err != nil {
		return err
	}

	store, err := sqlite.New(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer store.Close()

	margins, err := a.margins()
	if err != nil {
		return err
	}

	handler := api.NewHandler(store, margins, a.logger)
	router := api.NewRouter(handler, api.RouterOptions{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Auth: api.AuthConfig{
			JWTSecret:        cfg.Auth.JWTSecret,
			AllowActorHeader: cfg.Auth.AllowActorHeader,
			Logger:           a.logger.WithField("component", "auth"),
		},
	})
	if cfg.Auth.AllowActorHeader {
		a.logger.Warn("X-Actor-Id header accepted without a token; disable auth.allow_actor_header in production")
	}

	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Start server in goroutine
	errCh := make(chan error, 1)
	go func() {
		a.logger.WithFields(logrus.Fields{"addr": cfg.Server.Addr, "db": cfg.Database.Path}).Info("server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-quit:
	case <-ctx.Done():
	}

	a.logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	a.logger.Info("server stopped")
	return nil
}

// =============================================================================
// MARGIN
// =============================================================================

func (a *app) marginCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "margin", Short: "Margin calculations"}

	var base, policy, preset string
	preview := &cobra.Command{
		Use:   "preview",
		Short: "Show the final hourly cost for a base cost",
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := decimal.NewFromString(base)
			if err != nil {
				return fmt.Errorf("invalid --base %q: %w", base, err)
			}
			f, err := a.margins()
			if err != nil {
				return err
			}
			pol, lines, err := f.FromJSON(factory.MarginJSON{Policy: policy, Preset: preset})
			if err != nil {
				return err
			}
			res, err := margin.Calculate(b, pol, lines)
			if err != nil {
				return err
			}
			renderMargin(cmd.OutOrStdout(), res, lines)
			return nil
		},
	}
	preview.Flags().StringVar(&base, "base", "", "base hourly cost")
	preview.Flags().StringVar(&policy, "policy", "", "additive or full_stack (default from the policy file)")
	preview.Flags().StringVar(&preset, "preset", "", "named preset from the policy file")
	_ = preview.MarkFlagRequired("base")

	cmd.AddCommand(preview)
	return cmd
}

func renderMargin(w io.Writer, res margin.Result, lines []margin.Line) {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.AppendHeader(table.Row{"Component", "Percentage", "Active"})
	for _, l := range lines {
		active := "yes"
		if !l.Active {
			active = "no"
		}
		tw.AppendRow(table.Row{string(l.Name), l.Percentage.StringFixed(2) + "%", active})
	}
	tw.AppendSeparator()
	tw.AppendRow(table.Row{"Policy", string(res.Policy), ""})
	tw.AppendRow(table.Row{"Base hourly cost", res.Base.StringFixed(2), ""})
	tw.AppendRow(table.Row{"Total markup", res.TotalMarkupPercentage.StringFixed(2) + "%", ""})
	tw.AppendFooter(table.Row{"Final hourly cost", res.Final.StringFixed(2), ""})
	tw.Render()
}

// =============================================================================
// REPORT
// =============================================================================

func (a *app) reportCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "report", Short: "Hierarchy reports"}

	var resource, client string
	drill := &cobra.Command{
		Use:   "drilldown",
		Short: "Roll estimated, actual and bonus totals up the hierarchy",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := sqlite.New(a.cfg.Database.Path)
			if err != nil {
				return fmt.Errorf("failed to open database: %w", err)
			}
			defer store.Close()

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			report, err := rollup.New(store).Build(ctx, rollup.Scope{
				ResourceID: core.ResourceID(resource),
				ClientID:   core.ClientID(client),
			})
			if err != nil {
				return err
			}
			if err := rollup.Verify(report); err != nil {
				return err
			}
			renderDrilldown(cmd.OutOrStdout(), report)
			return nil
		},
	}
	drill.Flags().StringVar(&resource, "resource", "", "resource id (empty for the whole organisation)")
	drill.Flags().StringVar(&client, "client", "", "client id")

	cmd.AddCommand(drill)
	return cmd
}

func renderDrilldown(w io.Writer, report *rollup.Report) {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.AppendHeader(table.Row{"Name", "Level", "ID", "Estimated h", "Actual h", "Bonus", "Bonus state"})
	rollup.Walk(report, func(n *rollup.Node, depth int) {
		state := ""
		if n.BonusRecord != nil {
			state = string(n.BonusRecord.State)
		}
		tw.AppendRow(table.Row{
			strings.Repeat("  ", depth) + n.Name,
			string(n.Level),
			string(n.ID),
			n.EstimatedHours().StringFixed(2),
			n.ActualHours().StringFixed(2),
			n.Bonus.StringFixed(2),
			state,
		})
	})
	tw.AppendFooter(table.Row{"Total", "", "",
		report.EstimatedHours().StringFixed(2),
		report.ActualHours().StringFixed(2),
		report.Bonus.StringFixed(2),
		"",
	})
	tw.Render()
}
