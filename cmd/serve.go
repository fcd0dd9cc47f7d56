package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/janLo/punkow/internal/booking"
	"github.com/janLo/punkow/internal/config"
	"github.com/janLo/punkow/internal/db"
	"github.com/janLo/punkow/internal/migrate"
	"github.com/janLo/punkow/internal/notify"
	"github.com/janLo/punkow/internal/requests"
	"github.com/janLo/punkow/internal/timer"
	"github.com/janLo/punkow/internal/worker"
)

func newServeCmd() *cobra.Command {
	var migrateUp bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the booking worker until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromEnv()
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			d, err := db.Open(ctx, cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer d.Close()

			if err := d.Ping(ctx); err != nil {
				return fmt.Errorf("db ping: %w", err)
			}

			if migrateUp {
				if err := migrate.Up(ctx, d); err != nil {
					return err
				}
			}

			loc, err := time.LoadLocation(cfg.Timezone)
			if err != nil {
				return fmt.Errorf("timezone %q: %w", cfg.Timezone, err)
			}

			repo := requests.NewRepo(d)
			booker := booking.NewService(cfg.SiteBaseURL, cfg.DryRun)

			var notifier worker.Notifier = notify.LogOnly{}
			if cfg.Mail.Enabled() {
				m, err := notify.NewMailer(cfg.Mail, cfg.PublicBaseURL, booker.ManageURL())
				if err != nil {
					return fmt.Errorf("mailer: %w", err)
				}
				notifier = m
			}

			w := worker.New(repo, booker, notifier, timer.New(cfg.PollInterval, cfg.HotWindows, loc), cfg.TargetLimit, cfg.Retention)
			if err := w.Run(ctx); !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&migrateUp, "migrate", true, "run database migrations on startup")
	cmd.Flags().Lookup("migrate").NoOptDefVal = "true"
	return cmd
}
