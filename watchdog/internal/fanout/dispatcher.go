package fanout

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/heartwatch/heartwatch/watchdog/internal/config"
)

// Dispatcher routes messages to endpoint senders. Delivery is
// fire-and-forget: each failure is logged and the remaining endpoints are
// still tried. Nothing is retried.
//
// Dispatcher is safe for concurrent use; Reload swaps the whole endpoint set.
type Dispatcher struct {
	client *http.Client

	mu  sync.RWMutex
	gen *generation
}

// generation is one endpoint set. Its senders are closed only after every
// send that picked it up has returned.
type generation struct {
	router   *Router
	senders  map[string]Sender
	inflight sync.WaitGroup
}

// NewDispatcher builds senders for every endpoint in cfg.
func NewDispatcher(cfg config.WatchdogConfig) (*Dispatcher, error) {
	d := &Dispatcher{client: &http.Client{Timeout: sendTimeout}}
	if err := d.Reload(cfg); err != nil {
		return nil, err
	}
	return d, nil
}

// Reload replaces endpoints and routing with those of cfg. It returns once
// in-flight sends on the previous set have finished and its senders that
// hold connections are closed.
func (d *Dispatcher) Reload(cfg config.WatchdogConfig) error {
	senders := make(map[string]Sender, len(cfg.Endpoints))
	for _, ep := range cfg.Endpoints {
		s, err := NewSender(ep, d.client)
		if err != nil {
			closeAll(senders)
			return fmt.Errorf("endpoint %q: %w", ep.ID, err)
		}
		senders[ep.ID] = s
	}
	d.swap(&generation{router: NewRouter(cfg), senders: senders})
	return nil
}

func (d *Dispatcher) swap(next *generation) {
	d.mu.Lock()
	old := d.gen
	d.gen = next
	d.mu.Unlock()

	if old != nil {
		old.inflight.Wait()
		closeAll(old.senders)
	}
}

// Category returns the routing category of service.
func (d *Dispatcher) Category(service string) string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.gen == nil {
		return DefaultCategory
	}
	return d.gen.router.Category(service)
}

// Dispatch sends msg to the endpoints of its category and returns the number
// of successful deliveries.
func (d *Dispatcher) Dispatch(ctx context.Context, msg Message) int {
	return d.send(ctx, msg, func(r *Router) []string { return r.Targets(msg.Category) })
}

// Broadcast sends msg to every endpoint and returns the number of
// successful deliveries.
func (d *Dispatcher) Broadcast(ctx context.Context, msg Message) int {
	return d.send(ctx, msg, (*Router).All)
}

// acquire pins the current generation and resolves targets against it.
// The caller must call gen.inflight.Done.
func (d *Dispatcher) acquire(targets func(*Router) []string) (*generation, []Sender) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	gen := d.gen
	if gen == nil {
		return nil, nil
	}
	gen.inflight.Add(1)

	ids := targets(gen.router)
	senders := make([]Sender, 0, len(ids))
	for _, id := range ids {
		if s, ok := gen.senders[id]; ok {
			senders = append(senders, s)
		}
	}
	return gen, senders
}

func (d *Dispatcher) send(ctx context.Context, msg Message, targets func(*Router) []string) int {
	gen, senders := d.acquire(targets)
	if gen == nil {
		return 0
	}
	defer gen.inflight.Done()

	delivered := 0
	for _, s := range senders {
		if err := s.Send(ctx, msg); err != nil {
			slog.Error("fanout: delivery failed",
				"endpoint", s.ID(),
				"message_id", msg.ID,
				"service", msg.Service,
				"err", err,
			)
			continue
		}
		delivered++
		slog.Info("fanout: notification sent",
			"endpoint", s.ID(),
			"message_id", msg.ID,
			"service", msg.Service,
			"host", msg.Host,
		)
	}
	return delivered
}

// Close waits for in-flight sends and releases sender resources (kafka
// writers). Later sends deliver nothing.
func (d *Dispatcher) Close() error {
	d.swap(nil)
	return nil
}

func closeAll(senders map[string]Sender) {
	for id, s := range senders {
		if c, ok := s.(io.Closer); ok {
			if err := c.Close(); err != nil {
				slog.Warn("fanout: close endpoint", "endpoint", id, "err", err)
			}
		}
	}
}
