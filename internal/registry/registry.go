// Package registry maps event topics to the handlers that process them.
// Queue workers and the fallback executor dispatch through the same registry.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/jmehdipour/shop-events/internal/model"
)

var (
	ErrUnknownTopic = errors.New("unknown topic")
	// ErrPermanent marks handler failures that no retry can fix.
	ErrPermanent = errors.New("permanent failure")
)

type permanentError struct{ err error }

func (e permanentError) Error() string        { return e.err.Error() }
func (e permanentError) Unwrap() error        { return e.err }
func (e permanentError) Is(target error) bool { return target == ErrPermanent }

// Permanent wraps err so that the queue dead-letters the job instead of retrying it.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

func IsPermanent(err error) bool { return errors.Is(err, ErrPermanent) }

type Handler func(ctx context.Context, job model.Job) error

type Registry struct {
	mu       sync.RWMutex
	handlers map[model.Topic]Handler
}

func New() *Registry {
	return &Registry{handlers: make(map[model.Topic]Handler)}
}

// Register binds h to topic. Registering a topic twice is a programming error.
func (r *Registry) Register(topic model.Topic, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.handlers[topic]; dup {
		panic(fmt.Sprintf("registry: topic %q registered twice", topic))
	}
	r.handlers[topic] = h
}

func (r *Registry) Has(topic model.Topic) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[topic]
	return ok
}

func (r *Registry) Topics() []model.Topic {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.Topic, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (r *Registry) Dispatch(ctx context.Context, job model.Job) error {
	r.mu.RLock()
	h, ok := r.handlers[job.Topic]
	r.mu.RUnlock()
	if !ok {
		return Permanent(fmt.Errorf("%w: %s", ErrUnknownTopic, job.Topic))
	}
	return h(ctx, job)
}
