package main

import (
	"context"
	"errors"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"pkt.systems/pslog"
	"pkt.systems/termscript"
	"pkt.systems/termscript/internal/appconfig"
	"pkt.systems/termscript/internal/persist"
	"pkt.systems/termscript/internal/replayterm"
	"pkt.systems/termscript/internal/version"
)

func newRunCmd() *cobra.Command {
	var cfgPath string
	var eventsPath string
	var interval time.Duration
	var drain time.Duration
	var disableAuditTrails bool
	var noWatch bool
	var exitOnEOF bool
	var sessionName string
	var snapshotEvery time.Duration
	var noState bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run configured scripts against a replayed terminal event stream",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := pslog.Ctx(cmd.Context())
			cfg, err := appconfig.Load(cfgPath)
			if err != nil {
				return err
			}
			if disableAuditTrails {
				cfg.Logging.DisableAuditTrails = true
			}
			logger.Info("termscript run", "version", version.Current(), "definitions", len(cfg.Scripts))

			events, closeEvents, err := openEvents(eventsPath, cmd.InOrStdin())
			if err != nil {
				return err
			}
			defer func() { _ = closeEvents() }()

			term := replayterm.New(cmd.OutOrStdout(), logger)
			session, err := termscript.New(sessionConfigFrom(cfg), termscript.SessionDeps{
				Terminal: term,
				Notifier: headlessNotifier{log: logger},
				Session:  newHeadlessSession(logger),
				Config:   newHeadlessConfig(logger),
				Logger:   logger,
			})
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			if err := session.Start(ctx); err != nil {
				return err
			}

			if !noState && cfg.StateDir != "" {
				store, err := persist.NewStoreWithLogger(cfg.StateDir, logger)
				if err != nil {
					return err
				}
				snapshots := newSnapshotter(session.Host(), store, sessionName, snapshotEvery)
				snapshotsDone := make(chan struct{})
				go func() {
					defer close(snapshotsDone)
					snapshots.Run(ctx)
				}()
				defer func() {
					stop()
					<-snapshotsDone
					snapshots.Save()
				}()
			}

			if !noWatch {
				watcher, err := appconfig.Watch(ctx, cfgPath, func(next appconfig.Config, err error) {
					if err != nil {
						logger.Warn("config reload failed", "err", err)
						return
					}
					if err := session.UpdateDefinitions(ctx, next.Scripts); err != nil {
						logger.Warn("config reload apply failed", "err", err)
					}
				})
				if err != nil {
					logger.Warn("config watch unavailable", "err", err)
				} else {
					defer func() { _ = watcher.Close() }()
				}
			}

			go func() {
				n, err := term.Replay(ctx, events, interval)
				if err != nil && !errors.Is(err, context.Canceled) {
					logger.Warn("event replay failed", "err", err, "events", n)
				} else {
					logger.Info("event replay finished", "events", n)
				}
				if !exitOnEOF {
					return
				}
				timer := time.NewTimer(drain)
				defer timer.Stop()
				select {
				case <-ctx.Done():
				case <-timer.C:
				}
				stop()
			}()

			waitErr := session.Wait()
			stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := session.Stop(stopCtx); err != nil {
				logger.Warn("session stop failed", "err", err)
			}
			return waitErr
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "path to config file")
	cmd.Flags().StringVarP(&eventsPath, "events", "e", "-", "line-JSON terminal event stream (- for stdin)")
	cmd.Flags().DurationVar(&interval, "interval", 0, "delay between replayed events")
	cmd.Flags().DurationVar(&drain, "drain", 500*time.Millisecond, "time to keep ticking after the event stream ends")
	cmd.Flags().BoolVar(&disableAuditTrails, "disable-audit-trails", false, "disable audit trail logging for script commands")
	cmd.Flags().BoolVar(&noWatch, "no-watch", false, "do not reload scripts when the config file changes")
	cmd.Flags().StringVar(&sessionName, "session", "default", "session name used for status snapshots")
	cmd.Flags().DurationVar(&snapshotEvery, "snapshot-interval", time.Second, "how often script status is written to state_dir")
	cmd.Flags().BoolVar(&noState, "no-state", false, "do not write status snapshots")
	cmd.Flags().BoolVar(&exitOnEOF, "exit-on-eof", false, "stop once the event stream ends and the drain period passes")
	return cmd
}

func sessionConfigFrom(cfg appconfig.Config) termscript.SessionConfig {
	return termscript.SessionConfig{
		TickInterval:        time.Duration(cfg.Session.TickIntervalMs) * time.Millisecond,
		OutputMaxLines:      cfg.Session.OutputMaxLines,
		CommandDenylist:     cfg.Session.CommandDenylist,
		WriteTimeout:        time.Duration(cfg.Session.WriteTimeoutMs) * time.Millisecond,
		DisableAuditLogging: cfg.Logging.DisableAuditTrails,
		Scripts:             cfg.Scripts,
	}
}

func openEvents(path string, stdin io.Reader) (io.Reader, func() error, error) {
	if path == "" || path == "-" {
		return stdin, func() error { return nil }, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	return f, f.Close, nil
}
