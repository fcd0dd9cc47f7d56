package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/janLo/punkow/internal/booking"
	"github.com/janLo/punkow/internal/config"
)

// book is the database-free one-shot mode: keep trying a single target
// for a single applicant until a slot is claimed or the user gives up.
func newBookCmd() *cobra.Command {
	var (
		name     string
		email    string
		target   string
		interval time.Duration
		dryRun   bool
	)

	cmd := &cobra.Command{
		Use:   "book",
		Short: "Try to book one appointment directly, retrying until success",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromEnv()
			if err != nil {
				return err
			}
			if interval < 30*time.Second {
				interval = 30 * time.Second
			}

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			svc := booking.NewService(cfg.SiteBaseURL, dryRun)
			applicant := booking.Applicant{Name: name, Email: email}

			for {
				log.Info().Str("target", target).Msg("trying to get an appointment")
				res, err := svc.Book(ctx, target, applicant)
				if err != nil {
					log.Error().Err(err).Msg("booking attempt failed")
				}
				if res != nil {
					fmt.Printf("booked: process=%s auth=%s\n", res.ProcessID, res.AuthKey)
					fmt.Printf("manage at %s\n", svc.ManageURL())
					return nil
				}

				select {
				case <-ctx.Done():
					log.Info().Msg("interrupted, stopping")
					return nil
				case <-time.After(interval):
				}
			}
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "name of the applicant")
	cmd.Flags().StringVar(&email, "email", "", "email of the applicant")
	cmd.Flags().StringVar(&target, "url", "", "calendar entry-point URL of the offering")
	cmd.Flags().DurationVar(&interval, "interval", 30*time.Second, "retry interval (minimum 30s)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "walk the full claim flow but abort instead of submitting")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("email")
	_ = cmd.MarkFlagRequired("url")

	return cmd
}
