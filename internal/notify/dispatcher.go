package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"riskline/internal/config"
	"riskline/internal/domain"
	"riskline/internal/repo"
)

const (
	defaultInterval = 2 * time.Second
	defaultTimeout  = 5 * time.Second
	defaultBatch    = 100
)

// Dispatcher pushes audit events and stop-work alerts to configured
// endpoints. Stop-work requests come from the outbox table, which dedups at
// write time, so delivery here is at-least-once over an at-most-once queue.
type Dispatcher struct {
	Repo     repo.Repo
	OrgID    string
	Webhooks []config.WebhookConfig
	Now      func() time.Time

	client  *http.Client
	mu      sync.Mutex
	cursors map[int]int64
}

// Start runs the dispatcher in the background. It is a no-op without
// configured webhooks.
func Start(r repo.Repo, orgID string, hooks []config.WebhookConfig) *Dispatcher {
	if len(hooks) == 0 || strings.TrimSpace(orgID) == "" {
		return nil
	}
	d := &Dispatcher{
		Repo:     r,
		OrgID:    orgID,
		Webhooks: hooks,
		Now:      time.Now,
		client:   &http.Client{Timeout: defaultTimeout},
		cursors:  make(map[int]int64),
	}
	go d.run()
	return d
}

func (d *Dispatcher) run() {
	ticker := time.NewTicker(defaultInterval)
	defer ticker.Stop()
	for {
		d.DispatchStopWork(context.Background())
		d.dispatchEvents()
		<-ticker.C
	}
}

// DispatchStopWork drains the outbox. Failed deliveries record an attempt
// and stay queued for the next tick.
func (d *Dispatcher) DispatchStopWork(ctx context.Context) {
	pending, err := d.Repo.PendingStopWorkNotifications(ctx, defaultBatch)
	if err != nil {
		log.Printf("notify: fetch stop-work queue failed: %v", err)
		return
	}
	for _, n := range pending {
		if err := d.postStopWork(ctx, n); err != nil {
			log.Printf("notify: stop-work delivery for session %s failed: %v", n.SessionID, err)
			if err := d.Repo.RecordStopWorkNotificationAttempt(ctx, n.SessionID, n.StopWorkAt); err != nil {
				log.Printf("notify: record attempt failed: %v", err)
			}
			continue
		}
		now := d.now().UTC().Format(time.RFC3339)
		if err := d.Repo.MarkStopWorkNotificationDelivered(ctx, n.SessionID, n.StopWorkAt, now); err != nil {
			log.Printf("notify: mark delivered failed: %v", err)
		}
	}
}

type stopWorkPayload struct {
	SessionID  string `json:"session_id"`
	OrgID      string `json:"org_id"`
	Reason     string `json:"reason"`
	StopWorkAt string `json:"stop_work_at"`
}

func (d *Dispatcher) postStopWork(ctx context.Context, n repo.StopWorkNotification) error {
	body := stopWorkPayload{
		SessionID:  n.SessionID,
		OrgID:      d.OrgID,
		Reason:     n.Reason,
		StopWorkAt: n.StopWorkAt,
	}
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	delivered := false
	for _, hook := range d.Webhooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		if err := d.post(ctx, hook, "lmra.stop_work", n.SessionID, data); err != nil {
			return err
		}
		delivered = true
	}
	if !delivered {
		return fmt.Errorf("no enabled webhook endpoints")
	}
	return nil
}

func (d *Dispatcher) dispatchEvents() {
	for i, hook := range d.Webhooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		d.dispatchHook(i, hook)
	}
}

func (d *Dispatcher) dispatchHook(idx int, hook config.WebhookConfig) {
	ctx := context.Background()
	cursor := d.cursorFor(idx)
	events, err := d.Repo.EventsAfter(ctx, defaultBatch, cursor, d.OrgID)
	if err != nil {
		log.Printf("notify: fetch events failed: %v", err)
		return
	}
	filter := newEventFilter(hook.Events)
	for _, evt := range events {
		if !filter.match(evt.Type) {
			d.setCursor(idx, evt.ID)
			continue
		}
		if err := d.postEvent(ctx, hook, evt); err != nil {
			log.Printf("notify: deliver to %s failed: %v", hook.URL, err)
			return
		}
		d.setCursor(idx, evt.ID)
	}
}

func (d *Dispatcher) cursorFor(idx int) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.cursors[idx]; ok {
		return cur
	}
	cur, err := d.Repo.LatestEventID(context.Background(), d.OrgID)
	if err != nil {
		log.Printf("notify: init cursor failed: %v", err)
		cur = 0
	}
	d.cursors[idx] = cur
	return cur
}

func (d *Dispatcher) setCursor(idx int, value int64) {
	d.mu.Lock()
	d.cursors[idx] = value
	d.mu.Unlock()
}

func (d *Dispatcher) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

type hookEvent struct {
	ID         int64           `json:"id"`
	Type       string          `json:"type"`
	Severity   string          `json:"severity"`
	OrgID      string          `json:"org_id"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	TS         string          `json:"ts"`
	Payload    json.RawMessage `json:"payload"`
}

func (d *Dispatcher) postEvent(ctx context.Context, hook config.WebhookConfig, evt domain.Event) error {
	payload := json.RawMessage([]byte("{}"))
	if evt.Payload != "" && json.Valid([]byte(evt.Payload)) {
		payload = json.RawMessage([]byte(evt.Payload))
	}
	body := hookEvent{
		ID:         evt.ID,
		Type:       evt.Type,
		Severity:   evt.Severity,
		OrgID:      evt.OrgID,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		TS:         evt.TS,
		Payload:    payload,
	}
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	return d.post(ctx, hook, evt.Type, fmt.Sprintf("%d", evt.ID), data)
}

func (d *Dispatcher) post(ctx context.Context, hook config.WebhookConfig, eventType, deliveryID string, data []byte) error {
	timeout := defaultTimeout
	if hook.TimeoutSeconds > 0 {
		timeout = time.Duration(hook.TimeoutSeconds) * time.Second
	}
	client := d.client
	if client == nil || timeout != client.Timeout {
		client = &http.Client{Timeout: timeout}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Riskline-Event", eventType)
	req.Header.Set("X-Riskline-Delivery", deliveryID)
	req.Header.Set("X-Riskline-Org", d.OrgID)
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Riskline-Secret", hook.Secret)
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(bodyBytes)))
	}
	return nil
}

type eventFilter struct {
	all bool
	set map[string]struct{}
}

func newEventFilter(events []string) eventFilter {
	if len(events) == 0 {
		return eventFilter{all: true}
	}
	set := make(map[string]struct{}, len(events))
	for _, evt := range events {
		key := strings.TrimSpace(evt)
		if key == "" {
			continue
		}
		set[key] = struct{}{}
	}
	if len(set) == 0 {
		return eventFilter{all: true}
	}
	return eventFilter{set: set}
}

func (f eventFilter) match(evt string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[evt]
	return ok
}
