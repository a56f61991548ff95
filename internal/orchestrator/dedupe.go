package orchestrator

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"ai-workflows/backend/pkg/models"
)

// deduper collapses requests sharing a key. Callers arriving while a run is
// in flight wait for it; callers arriving within window after it succeeded
// get the same envelope. Failures are not remembered so a retry runs again.
//
// A run that ends because its own caller went away is not shared: waiters
// whose context is still live move the key to a new generation and run again.
type deduper struct {
	group  singleflight.Group
	window time.Duration
	now    func() time.Time

	mu   sync.Mutex
	done map[string]dedupeEntry
	gens map[string]uint64
}

type dedupeEntry struct {
	env     models.Envelope
	expires time.Time
}

func newDeduper(window time.Duration, now func() time.Time) *deduper {
	return &deduper{window: window, now: now, done: map[string]dedupeEntry{}, gens: map[string]uint64{}}
}

func (d *deduper) lookup(key string) (models.Envelope, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now()
	for k, e := range d.done {
		if !now.Before(e.expires) {
			delete(d.done, k)
		}
	}
	e, ok := d.done[key]
	return e.env, ok
}

func (d *deduper) remember(key string, env models.Envelope) {
	if d.window <= 0 {
		return
	}
	d.mu.Lock()
	d.done[key] = dedupeEntry{env: env, expires: d.now().Add(d.window)}
	d.mu.Unlock()
}

func (d *deduper) generation(key string) uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.gens[key]
}

// abandon retires gen. Only the first waiter to see it fail moves the key on,
// so the others join that waiter's run.
func (d *deduper) abandon(key string, gen uint64) {
	d.mu.Lock()
	if d.gens[key] == gen {
		d.gens[key] = gen + 1
	}
	d.mu.Unlock()
}

func (d *deduper) settle(key string, gen uint64) {
	d.mu.Lock()
	if d.gens[key] == gen {
		delete(d.gens, key)
	}
	d.mu.Unlock()
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// do runs fn once per key. An empty key disables deduplication. ctx is the
// caller's own request context.
func (d *deduper) do(ctx context.Context, key string, fn func() (models.Envelope, error)) (models.Envelope, error) {
	if key == "" {
		return fn()
	}
	for {
		if env, ok := d.lookup(key); ok {
			return env, nil
		}
		gen := d.generation(key)
		ran := false
		v, err, _ := d.group.Do(key+"#"+strconv.FormatUint(gen, 10), func() (any, error) {
			ran = true
			if env, ok := d.lookup(key); ok {
				return env, nil
			}
			env, err := fn()
			if err == nil {
				d.remember(key, env)
			}
			if !isContextErr(err) {
				d.settle(key, gen)
			}
			return env, err
		})
		if !ran && isContextErr(err) && ctx.Err() == nil {
			d.abandon(key, gen)
			continue
		}
		return v.(models.Envelope), err
	}
}
