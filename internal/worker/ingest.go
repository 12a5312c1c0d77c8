package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/jmehdipour/shop-events/internal/kafka"
	"github.com/jmehdipour/shop-events/internal/model"
	"github.com/jmehdipour/shop-events/internal/registry"
	"github.com/jmehdipour/shop-events/internal/service/queue"
	"go.uber.org/zap"
)

type Source interface {
	Fetch(ctx context.Context) (kafka.Message, error)
	Commit(ctx context.Context, m kafka.Message) error
}

type Submitter interface {
	Submit(ctx context.Context, topic model.Topic, tenantID string, payload []byte, meta model.Meta) error
}

// Ingest reads platform events published by the webhook edge and admits them
// through the queue service. Offsets are committed per partition only up to
// the last message with every earlier message admitted, so a failed submit
// holds its partition back instead of being skipped by a later commit.
type Ingest struct {
	Source  Source
	Submit  Submitter
	Workers int
	// Backoff is the first wait between submit retries; it doubles up to MaxBackoff.
	Backoff    time.Duration
	MaxBackoff time.Duration
	Log        *zap.Logger

	offsets *offsets
}

func NewIngest(src Source, svc Submitter, log *zap.Logger) *Ingest {
	if log == nil {
		log = zap.NewNop()
	}
	return &Ingest{
		Source:     src,
		Submit:     svc,
		Workers:    8,
		Backoff:    200 * time.Millisecond,
		MaxBackoff: 10 * time.Second,
		Log:        log,
	}
}

// Run blocks until ctx is cancelled and every processor has returned.
func (w *Ingest) Run(ctx context.Context) error {
	if w.Source == nil || w.Submit == nil {
		return errors.New("ingest: source and submitter are required")
	}
	if w.Workers <= 0 {
		w.Workers = 8
	}
	if w.Backoff <= 0 {
		w.Backoff = 200 * time.Millisecond
	}
	if w.MaxBackoff < w.Backoff {
		w.MaxBackoff = w.Backoff
	}
	w.offsets = newOffsets()

	msgCh := make(chan kafka.Message, w.Workers*2)

	go func() {
		defer close(msgCh)
		for {
			m, err := w.Source.Fetch(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				w.Log.Warn("kafka fetch failed", zap.Error(err))
				select {
				case <-ctx.Done():
					return
				case <-time.After(200 * time.Millisecond):
				}
				continue
			}
			w.offsets.fetched(m)
			select {
			case msgCh <- m:
			case <-ctx.Done():
				return
			}
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < w.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for m := range msgCh {
				w.processOne(ctx, m)
			}
		}()
	}

	wg.Wait()
	return nil
}

func (w *Ingest) processOne(ctx context.Context, m kafka.Message) {
	var ev model.InboundEvent
	if err := json.Unmarshal(m.Value, &ev); err != nil {
		// poison: commit and skip
		w.Log.Error("bad inbound event", zap.Int64("offset", m.Offset), zap.Error(err))
		w.finish(ctx, m)
		return
	}

	wait := w.Backoff
	for {
		err := w.Submit.Submit(ctx, model.ParseTopic(ev.Topic), ev.TenantID, ev.Payload, model.Meta{
			CorrelationID: ev.CorrelationID,
			SessionID:     ev.SessionID,
			Scopes:        ev.Scopes,
		})
		switch {
		case err == nil:
		case registry.IsPermanent(err), errors.Is(err, registry.ErrUnknownTopic), errors.Is(err, queue.ErrInvalidEvent):
			w.Log.Warn("inbound event rejected",
				zap.String("topic", ev.Topic),
				zap.String("tenant_id", ev.TenantID),
				zap.Error(err),
			)
		default:
			w.Log.Error("submit failed",
				zap.String("topic", ev.Topic),
				zap.Int64("offset", m.Offset),
				zap.Duration("retry_in", wait),
				zap.Error(err),
			)
			select {
			case <-ctx.Done():
				// uncommitted; redelivered to whoever owns the partition next
				return
			case <-time.After(wait):
			}
			wait = min(wait*2, w.MaxBackoff)
			continue
		}
		break
	}

	w.finish(ctx, m)
}

// finish marks m admitted and commits whatever its partition can now advance to.
func (w *Ingest) finish(ctx context.Context, m kafka.Message) {
	w.offsets.done(m, func(c kafka.Message) {
		if err := w.Source.Commit(ctx, c); err != nil && ctx.Err() == nil {
			w.Log.Warn("kafka commit failed", zap.Int64("offset", c.Offset), zap.Error(err))
		}
	})
}

// offsets tracks fetched messages per partition in fetch order.
type offsets struct {
	mu    sync.Mutex
	parts map[int]*partition
}

type partition struct {
	pending []int64
	ready   map[int64]kafka.Message
}

func newOffsets() *offsets {
	return &offsets{parts: make(map[int]*partition)}
}

func (o *offsets) fetched(m kafka.Message) {
	o.mu.Lock()
	defer o.mu.Unlock()
	p, ok := o.parts[m.Partition]
	if !ok {
		p = &partition{ready: make(map[int64]kafka.Message)}
		o.parts[m.Partition] = p
	}
	p.pending = append(p.pending, m.Offset)
}

// done records m and calls commit with the newest message whose
// predecessors are all done. commit runs under the lock so commits on a
// partition never go backwards.
func (o *offsets) done(m kafka.Message, commit func(kafka.Message)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	p, ok := o.parts[m.Partition]
	if !ok {
		return
	}
	p.ready[m.Offset] = m

	var last kafka.Message
	advanced := false
	for len(p.pending) > 0 {
		r, ok := p.ready[p.pending[0]]
		if !ok {
			break
		}
		delete(p.ready, p.pending[0])
		p.pending = p.pending[1:]
		last, advanced = r, true
	}
	if advanced {
		commit(last)
	}
}
