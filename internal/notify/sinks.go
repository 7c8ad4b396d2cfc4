package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"civicroute/internal/config"
	"civicroute/internal/domain"
	"civicroute/internal/logging"
)

const defaultWebhookTimeout = 5 * time.Second

// Envelope is the wire form of an event for every sink.
type Envelope struct {
	ID          int64           `json:"id"`
	Type        string          `json:"type"`
	ComplaintID string          `json:"complaint_id,omitempty"`
	AuthorityID string          `json:"authority_id,omitempty"`
	ActorID     string          `json:"actor_id"`
	TS          string          `json:"ts"`
	Payload     json.RawMessage `json:"payload"`
	PayloadRaw  string          `json:"payload_raw,omitempty"`
}

func NewEnvelope(evt domain.Event) Envelope {
	env := Envelope{
		ID:          evt.ID,
		Type:        evt.Type,
		ComplaintID: evt.ComplaintID,
		AuthorityID: evt.AuthorityID,
		ActorID:     evt.ActorID,
		TS:          evt.TS,
		Payload:     json.RawMessage("{}"),
	}
	if evt.Payload != "" {
		if json.Valid([]byte(evt.Payload)) {
			env.Payload = json.RawMessage(evt.Payload)
		} else {
			env.PayloadRaw = evt.Payload
		}
	}
	return env
}

// WebhookSink POSTs each event as JSON.
type WebhookSink struct {
	URL    string
	Secret string
	Client *http.Client
}

func NewWebhookSink(hook config.WebhookConfig) WebhookSink {
	timeout := defaultWebhookTimeout
	if hook.TimeoutSeconds > 0 {
		timeout = time.Duration(hook.TimeoutSeconds) * time.Second
	}
	return WebhookSink{
		URL:    strings.TrimSpace(hook.URL),
		Secret: strings.TrimSpace(hook.Secret),
		Client: &http.Client{Timeout: timeout},
	}
}

func (w WebhookSink) Name() string { return "webhook:" + w.URL }

func (w WebhookSink) Deliver(ctx context.Context, evt domain.Event) error {
	data, err := json.Marshal(NewEnvelope(evt))
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Civic-Event", evt.Type)
	req.Header.Set("X-Civic-Delivery", strconv.FormatInt(evt.ID, 10))
	if evt.AuthorityID != "" {
		req.Header.Set("X-Civic-Authority", evt.AuthorityID)
	}
	if w.Secret != "" {
		req.Header.Set("X-Civic-Secret", w.Secret)
	}
	client := w.Client
	if client == nil {
		client = &http.Client{Timeout: defaultWebhookTimeout}
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

// RedisSink publishes events on a pub/sub channel.
type RedisSink struct {
	Client  redis.Cmdable
	Channel string
}

func (r RedisSink) Name() string { return "redis:" + r.Channel }

func (r RedisSink) Deliver(ctx context.Context, evt domain.Event) error {
	data, err := json.Marshal(NewEnvelope(evt))
	if err != nil {
		return err
	}
	return r.Client.Publish(ctx, r.Channel, data).Err()
}

// LogSink writes authority notifications and escalations to the log.
type LogSink struct {
	Logger *slog.Logger
}

func (LogSink) Name() string { return "log" }

func (l LogSink) Deliver(ctx context.Context, evt domain.Event) error {
	level := slog.LevelInfo
	if evt.Type == domain.EventComplaintEscalated {
		level = slog.LevelWarn
	}
	logging.OrDiscard(l.Logger).Log(ctx, level, "civic event",
		"id", evt.ID,
		"type", evt.Type,
		"complaint", evt.ComplaintID,
		"authority", evt.AuthorityID,
		"actor", evt.ActorID,
	)
	return nil
}
