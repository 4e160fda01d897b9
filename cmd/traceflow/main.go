package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/vincentbai/traceflow-agent/internal/app"
	"github.com/vincentbai/traceflow-agent/internal/config"
	"github.com/vincentbai/traceflow-agent/internal/format"
	"github.com/vincentbai/traceflow-agent/internal/models"
	"github.com/vincentbai/traceflow-agent/internal/replay"
	"github.com/vincentbai/traceflow-agent/internal/server"
	"github.com/vincentbai/traceflow-agent/internal/telemetry"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "traceflow: %v\n", err)
		os.Exit(1)
	}
}

// cli carries state shared by every subcommand once the root has loaded
// the configuration.
type cli struct {
	configPath string
	cfg        *config.Config
	logger     *slog.Logger
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:           "traceflow",
		Short:         "Record, store and replay user sessions",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(c.configPath)
			if err != nil {
				return err
			}
			c.cfg = cfg
			c.logger = telemetry.NewLogger(cmd.ErrOrStderr(), cfg.Log.Level, cfg.Log.Format)
			slog.SetDefault(c.logger)
			return nil
		},
	}
	root.PersistentFlags().StringVar(&c.configPath, "config", "", "path to a YAML or JSON config file")

	root.AddCommand(c.newServeCmd())
	root.AddCommand(c.newSessionsCmd())
	root.AddCommand(c.newReplayCmd())
	return root
}

// openTracker builds a Tracker over the configured backend and loads the
// stored sessions. It never starts a recording; only serve calls Start.
func (c *cli) openTracker(ctx context.Context, platform *server.Platform, opts ...app.Option) (*app.Tracker, error) {
	if err := c.cfg.EnsureDirectories(); err != nil {
		return nil, err
	}
	backend, err := app.OpenBackend(c.cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}
	tracker := app.New(c.cfg, platform, platform, backend, opts...)
	tracker.Load(ctx)
	return tracker, nil
}

func (c *cli) newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the local agent HTTP server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			shutdownMetrics, err := telemetry.SetupMetrics(ctx, c.cfg.Telemetry.OTLPEndpoint)
			if err != nil {
				return err
			}
			defer func() {
				shutdownContext, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := shutdownMetrics(shutdownContext); err != nil {
					c.logger.Warn("failed to flush metrics", "error", err)
				}
			}()

			metrics, err := telemetry.NewMetrics(telemetry.GetMeter())
			if err != nil {
				return err
			}

			platform := server.NewPlatform()
			tracker, err := c.openTracker(ctx, platform, app.WithMetrics(metrics))
			if err != nil {
				return err
			}
			if err := tracker.Start(ctx); err != nil {
				return errors.Join(err, tracker.Close(context.Background()))
			}

			srv := server.NewServer(tracker, platform, c.cfg.HTTP, c.logger)
			serveErr := srv.Start(ctx)
			return errors.Join(serveErr, tracker.Close(context.Background()))
		},
	}
}

func (c *cli) newSessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect stored sessions",
	}
	cmd.AddCommand(c.newSessionsListCmd())
	cmd.AddCommand(c.newSessionsShowCmd())
	cmd.AddCommand(c.newSessionsClearCmd())
	return cmd
}

func (c *cli) newSessionsListCmd() *cobra.Command {
	var noHeader bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored sessions, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			tracker, err := c.openTracker(ctx, server.NewPlatform())
			if err != nil {
				return err
			}
			defer tracker.Close(ctx)

			return writeSessions(cmd.OutOrStdout(), tracker.GetSessions(), !noHeader, time.Now())
		},
	}
	cmd.Flags().BoolVar(&noHeader, "no-header", false, "omit the header row")
	return cmd
}

func writeSessions(w io.Writer, sessions []models.SessionRecord, includeHeader bool, now time.Time) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	if includeHeader {
		fmt.Fprintln(tw, "SESSION\tSTARTED\tEVENTS\tDURATION\tSIZE")
	}
	for _, s := range sessions {
		size := 0
		if data, err := json.Marshal(s); err == nil {
			size = len(data)
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n",
			s.SessionID,
			format.FormatRelative(s.StartTime, now),
			len(s.Events),
			format.FormatDuration(s.Duration()),
			format.FormatSize(size),
		)
	}
	return tw.Flush()
}

func (c *cli) newSessionsShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <session-id>",
		Short: "Print one session as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			tracker, err := c.openTracker(ctx, server.NewPlatform())
			if err != nil {
				return err
			}
			defer tracker.Close(ctx)

			session, ok := tracker.GetSessionByID(args[0])
			if !ok {
				return fmt.Errorf("%w: %s", app.ErrSessionNotFound, args[0])
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(session)
		},
	}
}

func (c *cli) newSessionsClearCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Delete every stored session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			tracker, err := c.openTracker(ctx, server.NewPlatform())
			if err != nil {
				return err
			}
			defer tracker.Close(ctx)

			if err := tracker.ClearAllSessions(ctx); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "sessions cleared")
			return nil
		},
	}
}

func (c *cli) newReplayCmd() *cobra.Command {
	var speed float64

	cmd := &cobra.Command{
		Use:   "replay <session-id>",
		Short: "Replay a stored session as text in real time",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			tracker, err := c.openTracker(ctx, server.NewPlatform())
			if err != nil {
				return err
			}
			defer tracker.Close(context.Background())

			out := &lockedWriter{w: cmd.OutOrStdout()}
			ended := make(chan struct{})
			var once sync.Once
			observer := func(p replay.Progress) {
				fmt.Fprintf(out, "%s %s / %s (%s)\n", p.State,
					format.FormatClock(p.CurrentTime),
					format.FormatClock(p.TotalDuration),
					format.Percentage(p.Percentage, 100),
				)
				if p.State == replay.StateEnded {
					once.Do(func() { close(ended) })
				}
			}

			opts := []replay.Option{replay.WithObserver(observer)}
			if cmd.Flags().Changed("speed") {
				opts = append(opts, replay.WithSpeed(speed))
			}
			scheduler, err := tracker.NewReplay(args[0], replay.NewWriterSurface(out), opts...)
			if err != nil {
				return err
			}
			defer scheduler.Close()
			if cmd.Flags().Changed("speed") && scheduler.Speed() != speed {
				return fmt.Errorf("%w: %v", replay.ErrInvalidSpeed, speed)
			}

			if session, ok := tracker.GetSessionByID(args[0]); ok {
				fmt.Fprintf(out, "replaying %s recorded %s (%d events)\n",
					session.SessionID,
					format.FormatTimestamp(session.StartTime),
					len(session.Events),
				)
			}
			scheduler.Play()
			select {
			case <-ended:
				return nil
			case <-ctx.Done():
				return nil
			}
		},
	}
	cmd.Flags().Float64Var(&speed, "speed", 1, "playback speed multiplier")
	return cmd
}

type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}
