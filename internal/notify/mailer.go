// Package notify sends the outgoing applicant emails. Every send is best
// effort: failures are logged and swallowed, the booking flow never waits
// on or fails because of a notification.
package notify

import (
	"bytes"
	"context"
	"embed"
	"text/template"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/wneessen/go-mail"

	"github.com/janLo/punkow/internal/booking"
	"github.com/janLo/punkow/internal/config"
)

//go:embed templates/*.txt
var templateFS embed.FS

var templates = template.Must(template.ParseFS(templateFS, "templates/*.txt"))

type Mailer struct {
	client    *mail.Client
	from      string
	baseURL   string
	manageURL string
}

// NewMailer builds an SMTP notifier. baseURL is the public address of the
// intake service used for status links, manageURL the remote site's page
// for changing a booked appointment.
func NewMailer(cfg config.MailConfig, baseURL, manageURL string) (*Mailer, error) {
	opts := []mail.Option{mail.WithPort(cfg.Port)}
	if cfg.User != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(cfg.User),
			mail.WithPassword(cfg.Password),
		)
	}
	if cfg.StartTLS {
		opts = append(opts, mail.WithTLSPolicy(mail.TLSMandatory))
	} else {
		opts = append(opts, mail.WithTLSPolicy(mail.TLSOpportunistic))
	}

	client, err := mail.NewClient(cfg.Host, opts...)
	if err != nil {
		return nil, err
	}
	return &Mailer{client: client, from: cfg.From, baseURL: baseURL, manageURL: manageURL}, nil
}

func (m *Mailer) BookingSucceeded(ctx context.Context, email string, res booking.Result) {
	m.send(ctx, email, "Your appointment was booked", "success.txt", map[string]any{
		"ProcessID": res.ProcessID,
		"AuthKey":   res.AuthKey,
		"Meta":      res.Metadata,
		"ManageURL": m.manageURL,
	})
}

func (m *Mailer) RequestExpired(ctx context.Context, email, key string) {
	m.send(ctx, email, "Your booking request was cancelled", "cancelled.txt", map[string]any{
		"BaseURL": m.baseURL,
		"Key":     key,
	})
}

func (m *Mailer) RequestReceived(ctx context.Context, email, key string) {
	m.send(ctx, email, "Your booking request was registered", "confirmation.txt", map[string]any{
		"BaseURL": m.baseURL,
		"Key":     key,
	})
}

func (m *Mailer) RequestCancelled(ctx context.Context, email, key string) {
	m.RequestExpired(ctx, email, key)
}

func (m *Mailer) send(ctx context.Context, to, subject, tpl string, data map[string]any) {
	if to == "" {
		return
	}

	var body bytes.Buffer
	if err := templates.ExecuteTemplate(&body, tpl, data); err != nil {
		log.Error().Err(err).Str("template", tpl).Msg("render mail body")
		return
	}

	msg := mail.NewMsg()
	if err := msg.From(m.from); err != nil {
		log.Error().Err(err).Msg("invalid sender address")
		return
	}
	if err := msg.To(to); err != nil {
		log.Warn().Err(err).Msg("invalid recipient address")
		return
	}
	msg.Subject(subject)
	msg.SetBodyString(mail.TypeTextPlain, body.String())

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := m.client.DialAndSendWithContext(ctx, msg); err != nil {
		log.Warn().Err(err).Str("subject", subject).Msg("could not send mail")
		return
	}
	log.Info().Str("subject", subject).Msg("sent an email")
}

// LogOnly is the notifier used when no SMTP relay is configured. It just
// records what would have been sent.
type LogOnly struct{}

func (LogOnly) BookingSucceeded(_ context.Context, email string, res booking.Result) {
	log.Info().Str("email", email).Str("process_id", res.ProcessID).Msg("booking succeeded (mail disabled)")
}

func (LogOnly) RequestExpired(_ context.Context, email, key string) {
	log.Info().Str("email", email).Str("key", key).Msg("request expired (mail disabled)")
}

func (LogOnly) RequestReceived(_ context.Context, email, key string) {
	log.Info().Str("email", email).Str("key", key).Msg("request received (mail disabled)")
}

func (LogOnly) RequestCancelled(_ context.Context, email, key string) {
	log.Info().Str("email", email).Str("key", key).Msg("request cancelled (mail disabled)")
}
