package refresh

import (
	"context"
	"net/http"
	"time"

	"github.com/parnurzeal/gorequest"
	"golang.org/x/xerrors"
)

// Hook is told once per successful refresh cycle that tracked targets should
// be evaluated again.
type Hook interface {
	Reevaluate(ctx context.Context) error
}

// NopHook is used when nothing downstream needs to know about refreshes.
type NopHook struct{}

func (NopHook) Reevaluate(context.Context) error { return nil }

// WebhookHook notifies an external service with an HTTP POST.
type WebhookHook struct {
	url     string
	timeout time.Duration
}

func NewWebhookHook(url string, timeout time.Duration) WebhookHook {
	return WebhookHook{url: url, timeout: timeout}
}

type webhookPayload struct {
	Event string    `json:"event"`
	Time  time.Time `json:"time"`
}

func (h WebhookHook) Reevaluate(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	req := gorequest.New()
	if h.timeout > 0 {
		req = req.Timeout(h.timeout)
	}
	resp, _, errs := req.Post(h.url).
		Send(webhookPayload{Event: "reevaluate", Time: time.Now().UTC()}).
		End()
	if len(errs) > 0 {
		return xerrors.Errorf("webhook error. url: %s, err: %w", h.url, errs[0])
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return xerrors.Errorf("webhook error. status code: %d, url: %s", resp.StatusCode, h.url)
	}
	return nil
}
