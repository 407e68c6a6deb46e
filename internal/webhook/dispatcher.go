package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/synapse-hq/synapse/internal/config"
	"github.com/synapse-hq/synapse/internal/store"
	"github.com/synapse-hq/synapse/pkg/contracts"
	"github.com/synapse-hq/synapse/pkg/models"
)

// task is one matched event waiting for delivery to one webhook.
type task struct {
	webhookID string
	workspace string
	event     models.AuditEvent
}

// Dispatcher evaluates bridge policies against audit events and
// delivers matches asynchronously. One bounded FIFO queue and one
// worker per webhook: ordering holds per webhook, never across
// webhooks. Delivery is at-least-once — receivers deduplicate by
// event id.
type Dispatcher struct {
	store  store.Store
	cfg    config.WebhookConfig
	client *http.Client
	cache  *exprCache

	mu      sync.Mutex
	queues  map[string]chan task
	pending int

	wg     sync.WaitGroup
	done   chan struct{}
	closed bool

	// initialBackoff seeds the exponential backoff between delivery
	// attempts. Tests shrink it.
	initialBackoff time.Duration
}

// NewDispatcher creates a webhook dispatcher. Call Close to drain
// workers on shutdown.
func NewDispatcher(s store.Store, cfg config.WebhookConfig) *Dispatcher {
	return &Dispatcher{
		store:          s,
		cfg:            cfg,
		client:         &http.Client{Timeout: cfg.AttemptTimeout},
		cache:          newExprCache(),
		queues:         make(map[string]chan task),
		done:           make(chan struct{}),
		initialBackoff: 500 * time.Millisecond,
	}
}

// WithInitialBackoff overrides the first retry delay.
func (d *Dispatcher) WithInitialBackoff(delay time.Duration) *Dispatcher {
	d.initialBackoff = delay
	return d
}

// Publish evaluates every webhook's bridge policy against the event
// and enqueues matches. It returns immediately: delivery is decoupled
// from the request path. Webhook-fired events are never re-evaluated,
// which keeps delivery from generating recursive notifications.
func (d *Dispatcher) Publish(ctx context.Context, ev *models.AuditEvent) {
	if ev.Action == models.ActionWebhookFired {
		return
	}

	hooks, err := d.store.ListWebhooks(ctx, ev.Workspace)
	if err != nil {
		log.Warn().Err(err).Str("workspace", ev.Workspace).Msg("Failed to list webhooks for event")
		return
	}

	for i := range hooks {
		hook := &hooks[i]
		if hook.Status != models.WebhookActive {
			continue
		}
		matched, err := d.cache.matches(hook.Policy, ev)
		if err != nil {
			log.Warn().Err(err).Str("webhook", hook.ID).Msg("Bridge policy evaluation failed")
			continue
		}
		if !matched {
			continue
		}
		d.enqueue(task{webhookID: hook.ID, workspace: hook.Workspace, event: *ev})
	}
}

// enqueue places the task on the webhook's FIFO queue, starting the
// worker on first use. A full queue drops the task with a warning —
// the queue bound is the backpressure mechanism.
func (d *Dispatcher) enqueue(t task) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	k := t.workspace + ":" + t.webhookID
	q, ok := d.queues[k]
	if !ok {
		q = make(chan task, d.cfg.QueueDepth)
		d.queues[k] = q
		d.wg.Add(1)
		go d.worker(q)
	}
	d.mu.Unlock()

	d.mu.Lock()
	d.pending++
	d.mu.Unlock()

	select {
	case q <- t:
	default:
		d.mu.Lock()
		d.pending--
		d.mu.Unlock()
		log.Warn().
			Str("webhook", t.webhookID).
			Str("event", t.event.ID).
			Msg("Webhook queue full, dropping delivery")
	}
}

// worker drains one webhook's queue in FIFO order.
func (d *Dispatcher) worker(q chan task) {
	defer d.wg.Done()
	for {
		select {
		case <-d.done:
			return
		case t := <-q:
			d.deliver(t)
			d.mu.Lock()
			d.pending--
			d.mu.Unlock()
		}
	}
}

// deliver attempts one task with exponential backoff up to the retry
// bound, then records the outcome in the webhook's delivery history
// and advances the webhook state machine.
func (d *Dispatcher) deliver(t task) {
	ctx := context.Background()

	// Re-check state at dispatch time: a pause or failure between
	// enqueue and dispatch cancels the queued delivery.
	hook, err := d.store.GetWebhook(ctx, t.workspace, t.webhookID)
	if err != nil || hook.Status != models.WebhookActive {
		return
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = d.initialBackoff

	attempts := 0
	operation := func() error {
		attempts++
		return d.attempt(ctx, hook, &t.event)
	}

	err = backoff.Retry(operation, backoff.WithMaxRetries(bo, uint64(d.cfg.MaxRetries)))

	delivery := &models.Delivery{
		ID:        uuid.New().String(),
		Webhook:   hook.ID,
		Workspace: hook.Workspace,
		EventID:   t.event.ID,
		Attempts:  attempts,
		Timestamp: time.Now().UTC(),
	}
	if err == nil {
		delivery.Status = models.DeliveryDelivered
	} else {
		delivery.Status = models.DeliveryFailed
		delivery.Error = err.Error()
	}
	if herr := d.store.AppendDelivery(ctx, delivery); herr != nil {
		log.Error().Err(herr).Str("webhook", hook.ID).Msg("Failed to record delivery history")
	}

	d.advance(ctx, hook.Workspace, hook.ID, t.event.ID, err)
}

// attempt performs a single HTTP POST of the event, HMAC-signed when
// the webhook has a secret.
func (d *Dispatcher) attempt(ctx context.Context, hook *models.Webhook, ev *models.AuditEvent) error {
	body, err := json.Marshal(contracts.EventPayload{Event: *ev})
	if err != nil {
		return backoff.Permanent(fmt.Errorf("marshal webhook payload: %w", err))
	}

	attemptCtx, cancel := context.WithTimeout(ctx, d.cfg.AttemptTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, hook.URL, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(fmt.Errorf("build webhook request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Synapse-Webhook/1.0")
	req.Header.Set("X-Synapse-Event", ev.ID)
	req.Header.Set("X-Synapse-Action", string(ev.Action))
	req.Header.Set("X-Synapse-Workspace", ev.Workspace)

	if hook.Secret != "" {
		mac := hmac.New(sha256.New, []byte(hook.Secret))
		mac.Write(body)
		req.Header.Set("X-Synapse-Signature", "sha256="+hex.EncodeToString(mac.Sum(nil)))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook HTTP %d from %s", resp.StatusCode, hook.URL)
	}
	return nil
}

// advance updates the consecutive-failure counter and trips the
// active → failed transition at the configured threshold. Success
// resets the counter and records a webhook-fired audit event.
func (d *Dispatcher) advance(ctx context.Context, workspace, webhookID, eventID string, deliveryErr error) {
	hook, err := d.store.GetWebhook(ctx, workspace, webhookID)
	if err != nil {
		return
	}

	if deliveryErr == nil {
		if hook.FailureCount != 0 {
			hook.FailureCount = 0
			hook.UpdatedAt = time.Now().UTC()
			if err := d.store.UpdateWebhook(ctx, hook); err != nil {
				log.Warn().Err(err).Str("webhook", hook.ID).Msg("Failed to reset webhook failure count")
			}
		}
		if err := d.store.AppendAuditEvent(ctx, &models.AuditEvent{
			ID:        uuid.New().String(),
			Workspace: workspace,
			Actor:     "system",
			Action:    models.ActionWebhookFired,
			Target:    webhookID,
			Result:    models.ResultSuccess,
			Detail:    "delivered event " + eventID,
			Timestamp: time.Now().UTC(),
		}); err != nil {
			log.Error().Err(err).Str("webhook", webhookID).Msg("Failed to audit webhook delivery")
		}
		return
	}

	hook.FailureCount++
	hook.UpdatedAt = time.Now().UTC()
	if hook.FailureCount >= d.cfg.FailureThreshold {
		hook.Status = models.WebhookFailed
		log.Warn().
			Str("webhook", hook.ID).
			Int("failures", hook.FailureCount).
			Msg("Webhook tripped to failed after consecutive delivery failures")
	}
	if err := d.store.UpdateWebhook(ctx, hook); err != nil {
		log.Warn().Err(err).Str("webhook", hook.ID).Msg("Failed to update webhook failure state")
	}
}

// Flush blocks until every queued and in-flight task has completed,
// or the timeout elapses. Test helper.
func (d *Dispatcher) Flush(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		d.mu.Lock()
		idle := d.pending == 0
		d.mu.Unlock()
		if idle {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return false
}

// Close stops all workers. Queued but undispatched tasks are dropped;
// at-least-once semantics tolerate this because the audit log retains
// the events.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.mu.Unlock()

	close(d.done)
	d.wg.Wait()
}
