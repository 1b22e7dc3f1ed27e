// Package relay forwards committed outbox rows to HTTP consumers. Delivery
// runs outside the transaction that created the rows: rows are marked
// delivered only after a consumer acknowledges with a 2xx, which gives
// at-least-once semantics. Consumers must tolerate duplicates.
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"taskwell/internal/config"
	"taskwell/internal/outbox"
)

const (
	defaultInterval = 2 * time.Second
	defaultTimeout  = 5 * time.Second
	defaultBatch    = 100
)

type Relay struct {
	Store     outbox.Store
	Consumers []config.ConsumerConfig
	Client    *http.Client
	Log       *zap.Logger
	Interval  time.Duration
	Batch     int
}

func New(store outbox.Store, cfg *config.Config, log *zap.Logger) *Relay {
	r := &Relay{
		Store:    store,
		Client:   &http.Client{Timeout: defaultTimeout},
		Log:      log,
		Interval: defaultInterval,
		Batch:    defaultBatch,
	}
	if cfg != nil {
		if cfg.Relay.IntervalSeconds > 0 {
			r.Interval = time.Duration(cfg.Relay.IntervalSeconds) * time.Second
		}
		if cfg.Relay.Batch > 0 {
			r.Batch = cfg.Relay.Batch
		}
		r.Consumers = cfg.Relay.Consumers
	}
	if r.Log == nil {
		r.Log = zap.NewNop()
	}
	return r
}

// Run polls until ctx is canceled.
func (r *Relay) Run(ctx context.Context) {
	ticker := time.NewTicker(r.Interval)
	defer ticker.Stop()
	for {
		if n, err := r.DispatchOnce(ctx); err != nil {
			r.Log.Warn("relay dispatch", zap.Error(err))
		} else if n > 0 {
			r.Log.Info("relay delivered", zap.Int("count", n))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// DispatchOnce fetches one batch of undelivered rows in insertion order and
// forwards each to every matching consumer. A row is marked delivered only
// after all its consumers acknowledged; on the first failure dispatch stops
// so ordering is preserved on retry.
func (r *Relay) DispatchOnce(ctx context.Context) (int, error) {
	if len(r.Consumers) == 0 {
		return 0, nil
	}
	entries, err := r.Store.FetchUndelivered(ctx, r.Batch)
	if err != nil {
		return 0, fmt.Errorf("fetch undelivered: %w", err)
	}
	delivered := 0
	for _, entry := range entries {
		for _, consumer := range r.Consumers {
			if consumer.Enabled != nil && !*consumer.Enabled {
				continue
			}
			if !matchKind(consumer.Events, string(entry.Kind)) {
				continue
			}
			if err := r.post(ctx, consumer.URL, entry); err != nil {
				return delivered, fmt.Errorf("deliver %s to %s: %w", entry.ID, consumer.URL, err)
			}
		}
		if err := r.Store.MarkDelivered(ctx, entry.ID); err != nil {
			return delivered, fmt.Errorf("mark delivered %s: %w", entry.ID, err)
		}
		delivered++
	}
	return delivered, nil
}

type envelope struct {
	ID          string          `json:"id"`
	Kind        string          `json:"kind"`
	AggregateID string          `json:"aggregate_id"`
	Payload     json.RawMessage `json:"payload"`
	CreatedAt   string          `json:"created_at"`
}

func (r *Relay) post(ctx context.Context, url string, entry outbox.Entry) error {
	body, err := json.Marshal(envelope{
		ID:          entry.ID.String(),
		Kind:        string(entry.Kind),
		AggregateID: entry.AggregateID.String(),
		Payload:     entry.Payload,
		CreatedAt:   entry.CreatedAt.Format(time.RFC3339Nano),
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := r.Client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return fmt.Errorf("consumer responded %d", res.StatusCode)
	}
	return nil
}

func matchKind(kinds []string, kind string) bool {
	if len(kinds) == 0 {
		return true
	}
	for _, k := range kinds {
		if k == kind {
			return true
		}
	}
	return false
}
