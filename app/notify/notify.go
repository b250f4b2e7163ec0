// Package notify delivers job failure and batch completion messages via email and webhooks
package notify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html/template"
	"net/url"
	"os"
	"strings"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/notify"
)

// Params defines which messages are sent and how they are rendered
type Params struct {
	EnabledError       bool
	EnabledCompletion  bool
	ErrorTemplate      string // custom template file, default used if empty or broken
	CompletionTemplate string
	Host               string // reported in messages, hostname by default
}

// SendersParams defines destinations
type SendersParams struct {
	notify.SMTPParams
	FromEmail string
	ToEmails  []string
	Webhooks  []string // http(s) urls, message posted as body
}

// Service sends messages to all configured destinations
type Service struct {
	Params
	destinations []notify.Notifier
	fromEmail    string
	toEmail      []string
	webhooks     []string
}

// FailureInfo describes failed or killed job
type FailureInfo struct {
	JobID     string
	ScanID    string
	BatchID   string
	State     string
	ExitCode  int
	Iteration int
	Started   time.Time
	Stopped   time.Time
	Output    string
}

// BatchInfo describes finished batch
type BatchInfo struct {
	BatchID   string
	State     string // complete or aborted
	Processed int
	Failed    []string // scans with failed jobs
	Started   time.Time
	Stopped   time.Time
}

// NewService makes notification service, returns nil if no destinations defined
func NewService(p Params, sp SendersParams) *Service {
	res := Service{Params: p, fromEmail: sp.FromEmail, toEmail: sp.ToEmails, webhooks: sp.Webhooks}
	if res.Host == "" {
		res.Host, _ = os.Hostname()
	}
	if len(sp.ToEmails) > 0 {
		res.destinations = append(res.destinations, notify.NewEmail(sp.SMTPParams))
	}
	if len(sp.Webhooks) > 0 {
		res.destinations = append(res.destinations, notify.NewWebhook(notify.WebhookParams{
			Timeout: sp.TimeOut,
			Headers: []string{"Content-Type:text/html; charset=UTF-8"},
		}))
	}
	if len(res.destinations) == 0 {
		return nil
	}
	log.Printf("[INFO] notifications enabled, emails %v, webhooks %d, on error %v, on completion %v",
		sp.ToEmails, len(sp.Webhooks), p.EnabledError, p.EnabledCompletion)
	return &res
}

// Send message to all destinations
func (s *Service) Send(ctx context.Context, subj, text string) error {
	var errs []error
	for _, dest := range s.destinations {
		switch dest.Schema() {
		case "mailto":
			if len(s.toEmail) == 0 {
				continue
			}
			to := fmt.Sprintf("mailto:%s?from=%s&subject=%s", strings.Join(s.toEmail, ","), s.fromEmail,
				url.QueryEscape(subj))
			if err := dest.Send(ctx, to, text); err != nil {
				errs = append(errs, err)
			}
		default:
			for _, wh := range s.webhooks {
				if err := dest.Send(ctx, wh, text); err != nil {
					errs = append(errs, err)
				}
			}
		}
	}
	return errors.Join(errs...)
}

// IsOnError reports whether failures are sent
func (s *Service) IsOnError() bool {
	return s.EnabledError
}

// IsOnCompletion reports whether batch completions are sent
func (s *Service) IsOnCompletion() bool {
	return s.EnabledCompletion
}

// MakeErrorHTML renders failure message
func (s *Service) MakeErrorHTML(info FailureInfo) (string, error) {
	data := struct {
		FailureInfo
		Host     string
		TS       time.Time
		Duration time.Duration
	}{FailureInfo: info, Host: s.Host, TS: time.Now(), Duration: info.Stopped.Sub(info.Started).Round(time.Second)}
	return s.render(s.ErrorTemplate, defaultErrorTemplate, data)
}

// MakeCompletionHTML renders batch completion message
func (s *Service) MakeCompletionHTML(info BatchInfo) (string, error) {
	data := struct {
		BatchInfo
		Host     string
		TS       time.Time
		Duration time.Duration
	}{BatchInfo: info, Host: s.Host, TS: time.Now(), Duration: info.Stopped.Sub(info.Started).Round(time.Second)}
	return s.render(s.CompletionTemplate, defaultCompletionTemplate, data)
}

func (s *Service) render(fname, fallback string, data any) (string, error) {
	tmpl := fallback
	if fname != "" {
		content, err := os.ReadFile(fname) // nolint gosec
		if err != nil {
			log.Printf("[WARN] can't read template %s, using default, %v", fname, err)
		} else {
			tmpl = string(content)
		}
	}

	t, err := template.New("msg").Parse(tmpl)
	if err != nil && tmpl != fallback {
		log.Printf("[WARN] can't parse template %s, using default, %v", fname, err)
		t, err = template.New("msg").Parse(fallback)
	}
	if err != nil {
		return "", fmt.Errorf("can't parse message template: %w", err)
	}

	buf := bytes.Buffer{}
	if err := t.Execute(&buf, data); err != nil {
		if tmpl == fallback {
			return "", fmt.Errorf("failed to apply template: %w", err)
		}
		log.Printf("[WARN] can't apply template %s, using default, %v", fname, err)
		return s.render("", fallback, data)
	}
	return buf.String(), nil
}
