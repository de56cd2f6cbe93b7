package events

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

// webhookTimeout bounds a single delivery attempt. Deliveries are
// fire-and-forget: a failed POST is logged and the event is gone.
const webhookTimeout = 5 * time.Second

// deliveryTokenTTL is the lifetime of the signature token attached to a
// delivery. Short on purpose; replaying a captured delivery is pointless
// once it lapses.
const deliveryTokenTTL = 5 * time.Minute

// DeliveryClaims are the JWT claims signed onto each webhook delivery so
// the receiver can verify origin and bind the token to one event.
type DeliveryClaims struct {
	EventType string `json:"event_type"`
	CallID    string `json:"call_id,omitempty"`
	jwt.RegisteredClaims
}

// WebhookEmitter POSTs bus events to one HTTP endpoint as JSON, each
// delivery carrying an HS256 bearer token.
type WebhookEmitter struct {
	url    string
	secret []byte
	client *http.Client
	logger *slog.Logger
}

// NewWebhookEmitter creates an emitter for the given endpoint URL. The
// secret signs delivery tokens; the receiver verifies with the same value.
func NewWebhookEmitter(url string, secret []byte, logger *slog.Logger) *WebhookEmitter {
	return &WebhookEmitter{
		url:    url,
		secret: secret,
		client: &http.Client{Timeout: webhookTimeout},
		logger: logger.With("component", "webhook"),
	}
}

// Run consumes the subscription until ctx is cancelled or the channel
// closes, delivering each event in turn. Intended to run as a goroutine.
func (w *WebhookEmitter) Run(ctx context.Context, sub *Subscription) {
	w.logger.Info("webhook emitter started", "url", w.url)
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("webhook emitter stopped", "dropped", sub.Dropped())
			return
		case ev, ok := <-sub.C():
			if !ok {
				w.logger.Info("webhook emitter stopped: bus closed", "dropped", sub.Dropped())
				return
			}
			if err := w.deliver(ctx, ev); err != nil {
				w.logger.Warn("webhook delivery failed",
					"type", ev.Type,
					"call_id", ev.CallID,
					"error", err,
				)
			}
		}
	}
}

func (w *WebhookEmitter) deliver(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}

	token, err := w.sign(ev)
	if err != nil {
		return fmt.Errorf("signing delivery: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, webhookTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	res, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.StatusCode >= 300 {
		return fmt.Errorf("endpoint returned %s", res.Status)
	}
	return nil
}

func (w *WebhookEmitter) sign(ev Event) (string, error) {
	now := time.Now()
	claims := DeliveryClaims{
		EventType: string(ev.Type),
		CallID:    ev.CallID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "ironpbx",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(deliveryTokenTTL)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(w.secret)
}
