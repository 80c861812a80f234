package notify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/goccy/go-json"

	"github.com/rowjay/report-backup/internal/backup"
	"github.com/rowjay/report-backup/internal/config"
)

// Event describes one finished backup.
type Event struct {
	ID        int64         `json:"id"`
	Name      string        `json:"name"`
	Type      backup.Kind   `json:"type"`
	Status    backup.Status `json:"status"`
	SizeBytes int64         `json:"size_bytes"`
	Artifact  string        `json:"artifact,omitempty"`
	Remote    string        `json:"remote,omitempty"`
	Error     string        `json:"error,omitempty"`
	StartedAt time.Time     `json:"started_at"`
	EndedAt   time.Time     `json:"ended_at"`
	Duration  string        `json:"duration"`
}

// EventFor builds the event of a terminal record.
func EventFor(rec backup.Record, started, ended time.Time) Event {
	return Event{
		ID:        rec.ID,
		Name:      rec.Name,
		Type:      rec.Type,
		Status:    rec.Status,
		SizeBytes: rec.SizeBytes,
		Artifact:  rec.ArtifactPath,
		Remote:    rec.RemoteKey,
		Error:     rec.ErrorMessage,
		StartedAt: started,
		EndedAt:   ended,
		Duration:  ended.Sub(started).Round(time.Millisecond).String(),
	}
}

func (e Event) summary() string {
	if e.Status == backup.StatusFailed {
		return fmt.Sprintf("[%s] backup #%d (%s) failed: %s", e.Status, e.ID, e.Type, e.Error)
	}
	return fmt.Sprintf("[%s] backup #%d (%s) %s, %d bytes in %s", e.Status, e.ID, e.Type, e.Name, e.SizeBytes, e.Duration)
}

type Notifier interface {
	Notify(ctx context.Context, event Event) error
}

// Multi fans an event out to every target and joins their errors.
type Multi struct {
	Targets []Notifier
	// OnSuccess also sends completed events; failures always go out.
	OnSuccess bool
}

func (m Multi) Notify(ctx context.Context, event Event) error {
	if event.Status == backup.StatusCompleted && !m.OnSuccess {
		return nil
	}
	var errs []error
	for _, target := range m.Targets {
		if target == nil {
			continue
		}
		if err := target.Notify(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type Webhook struct {
	Name    string
	URL     string
	Headers map[string]string
	Client  *http.Client
}

func (w Webhook) Notify(ctx context.Context, event Event) error {
	return post(ctx, w.Client, "webhook "+w.Name, w.URL, event, w.Headers)
}

type Mattermost struct {
	Name   string
	URL    string
	Client *http.Client
}

func (m Mattermost) Notify(ctx context.Context, event Event) error {
	payload := map[string]string{"text": event.summary()}
	return post(ctx, m.Client, "mattermost "+m.Name, m.URL, payload, nil)
}

type Matrix struct {
	Name        string
	ServerURL   string
	AccessToken string
	RoomID      string
	Client      *http.Client
}

func (m Matrix) Notify(ctx context.Context, event Event) error {
	endpoint := fmt.Sprintf("%s/_matrix/client/v3/rooms/%s/send/m.room.message/rbu-%d-%d",
		m.ServerURL, url.PathEscape(m.RoomID), event.ID, event.EndedAt.UnixNano())
	payload := map[string]any{
		"msgtype": "m.text",
		"body":    event.summary(),
	}
	headers := map[string]string{"Authorization": "Bearer " + m.AccessToken}
	return post(ctx, m.Client, "matrix "+m.Name, endpoint, payload, headers)
}

// FromConfig returns nil when no target is configured.
func FromConfig(cfg config.NotificationsConfig) Notifier {
	var targets []Notifier
	for _, w := range cfg.Webhooks {
		targets = append(targets, Webhook{Name: w.Name, URL: w.URL, Headers: w.Headers})
	}
	for _, mm := range cfg.Mattermost {
		targets = append(targets, Mattermost{Name: mm.Name, URL: mm.URL})
	}
	for _, mx := range cfg.Matrix {
		targets = append(targets, Matrix{Name: mx.Name, ServerURL: mx.ServerURL, AccessToken: mx.AccessToken, RoomID: mx.RoomID})
	}
	if len(targets) == 0 {
		return nil
	}
	return Multi{Targets: targets, OnSuccess: cfg.OnSuccess}
}

func post(ctx context.Context, client *http.Client, target, endpoint string, payload any, headers map[string]string) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if client == nil {
		client = defaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", target, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s returned %s", target, resp.Status)
	}
	return nil
}

var defaultClient = &http.Client{Timeout: 10 * time.Second}
