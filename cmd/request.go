package cmd

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/janLo/punkow/internal/config"
	"github.com/janLo/punkow/internal/db"
	"github.com/janLo/punkow/internal/migrate"
	"github.com/janLo/punkow/internal/notify"
	"github.com/janLo/punkow/internal/requests"
)

// intakeNotifier covers the confirmation/cancellation mails triggered by
// the intake commands, the part of the notifier the worker never uses.
type intakeNotifier interface {
	RequestReceived(ctx context.Context, email, key string)
	RequestCancelled(ctx context.Context, email, key string)
}

func newRequestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "request",
		Short: "Manage booking requests",
	}
	cmd.AddCommand(newRequestAddCmd())
	cmd.AddCommand(newRequestListCmd())
	cmd.AddCommand(newRequestCancelCmd())
	return cmd
}

func withRepo(fn func(ctx context.Context, cfg config.Config, repo *requests.Repo, mail intakeNotifier) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cfg, err := config.FromEnv()
		if err != nil {
			return err
		}
		ctx := cmd.Context()

		d, err := db.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer d.Close()

		if err := migrate.Up(ctx, d); err != nil {
			return err
		}

		var mail intakeNotifier = notify.LogOnly{}
		if cfg.Mail.Enabled() {
			m, err := notify.NewMailer(cfg.Mail, cfg.PublicBaseURL, "")
			if err != nil {
				return fmt.Errorf("mailer: %w", err)
			}
			mail = m
		}

		return fn(ctx, cfg, requests.NewRepo(d), mail)
	}
}

func newRequestAddCmd() *cobra.Command {
	var (
		target      string
		name        string
		email       string
		acceptTerms bool
	)

	c := &cobra.Command{
		Use:   "add",
		Short: "Enqueue a booking request",
		RunE: withRepo(func(ctx context.Context, cfg config.Config, repo *requests.Repo, mail intakeNotifier) error {
			req, err := repo.Create(ctx, target, name, email, acceptTerms)
			if err != nil {
				return err
			}
			mail.RequestReceived(ctx, req.Email, req.Key)
			fmt.Printf("request %d enqueued, key %s\n", req.ID, req.Key)
			return nil
		}),
	}

	c.Flags().StringVar(&target, "target", "", "calendar entry-point URL of the offering")
	c.Flags().StringVar(&name, "name", "", "name of the applicant")
	c.Flags().StringVar(&email, "email", "", "email of the applicant")
	c.Flags().BoolVar(&acceptTerms, "accept-terms", false, "confirm the applicant accepted the terms")
	_ = c.MarkFlagRequired("target")
	_ = c.MarkFlagRequired("name")
	_ = c.MarkFlagRequired("email")

	return c
}

func newRequestListCmd() *cobra.Command {
	var limit int

	c := &cobra.Command{
		Use:   "list",
		Short: "List open booking requests",
		RunE: withRepo(func(ctx context.Context, cfg config.Config, repo *requests.Repo, _ intakeNotifier) error {
			open, err := repo.ListOpen(ctx, limit)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tKEY\tSTATE\tCREATED\tTARGET")
			for _, req := range open {
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n",
					req.ID, req.Key, req.State, req.CreatedAt.Format("2006-01-02 15:04"), req.Target)
			}
			return w.Flush()
		}),
	}

	c.Flags().IntVar(&limit, "limit", 100, "maximum number of requests to list")
	return c
}

func newRequestCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <key>",
		Short: "Cancel an open booking request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := args[0]
			return withRepo(func(ctx context.Context, cfg config.Config, repo *requests.Repo, mail intakeNotifier) error {
				req, err := repo.Cancel(ctx, key)
				if err != nil {
					return err
				}
				mail.RequestCancelled(ctx, req.Email, req.Key)
				fmt.Printf("request %s cancelled\n", req.Key)
				return nil
			})(cmd, args)
		},
	}
}
