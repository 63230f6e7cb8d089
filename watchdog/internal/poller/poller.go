package poller

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/heartwatch/heartwatch/watchdog/internal/config"
	"github.com/heartwatch/heartwatch/watchdog/internal/dedup"
	"github.com/heartwatch/heartwatch/watchdog/internal/downtime"
	"github.com/heartwatch/heartwatch/watchdog/internal/fanout"
	"github.com/heartwatch/heartwatch/watchdog/internal/source"
)

// Evaluator decides per host whether a sighting raises an alert.
// *dedup.Deduplicator implements it.
type Evaluator interface {
	Evaluate(ctx context.Context, host string, t time.Time) (dedup.Decision, error)
}

// Notifier delivers alert messages. *fanout.Dispatcher implements it.
type Notifier interface {
	Category(service string) string
	Dispatch(ctx context.Context, msg fanout.Message) int
	Broadcast(ctx context.Context, msg fanout.Message) int
}

// Options tunes the poll loop.
type Options struct {
	// Interval is the pause after a completed cycle.
	Interval time.Duration
	// Window is the trailing span queried for down events.
	Window time.Duration
	// Backoff bounds the delay between failed connection attempts.
	Backoff config.BackoffConfig
}

// OptionsFrom extracts poll loop options from the watchdog config.
func OptionsFrom(cfg config.WatchdogConfig) Options {
	return Options{
		Interval: cfg.PollInterval,
		Window:   cfg.Source.QueryWindow,
		Backoff:  cfg.Backoff,
	}
}

// CycleStats summarises one poll cycle.
type CycleStats struct {
	Services int // services with at least one down host
	Hosts    int // hosts evaluated
	Notified int // hosts whose alert was dispatched
	Failed   int // hosts whose state could not be evaluated
}

// Poller drives the watchdog: connect, query, evaluate, notify, sleep.
type Poller struct {
	connector source.Connector
	eval      Evaluator
	out       Notifier
	opts      Options

	now func() time.Time
}

// New returns a Poller. Zero durations in opts fall back to the config defaults.
func New(connector source.Connector, eval Evaluator, out Notifier, opts Options) *Poller {
	if opts.Interval <= 0 {
		opts.Interval = config.DefaultPollInterval
	}
	if opts.Window <= 0 {
		opts.Window = config.DefaultQueryWindow
	}
	if opts.Backoff.Initial <= 0 {
		opts.Backoff.Initial = config.DefaultBackoffInitial
	}
	if opts.Backoff.Max < opts.Backoff.Initial {
		opts.Backoff.Max = opts.Backoff.Initial
	}
	return &Poller{
		connector: connector,
		eval:      eval,
		out:       out,
		opts:      opts,
		now:       time.Now,
	}
}

// Run loops until ctx is cancelled. A failed connection attempt broadcasts
// the connection-failure alert to every endpoint and retries after a capped
// exponential backoff; a successful one resets the backoff.
func (p *Poller) Run(ctx context.Context) {
	bo := newBackoff(p.opts.Backoff.Initial, p.opts.Backoff.Max)

	for {
		if ctx.Err() != nil {
			return
		}

		conn, err := p.connector.Connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			wait := bo.next()
			slog.Error("poller: connection to data source failed, will retry",
				"err", err,
				"retry_in", wait)
			p.out.Broadcast(ctx, fanout.ConnectionFailedMessage())
			if !sleep(ctx, wait) {
				return
			}
			continue
		}
		bo.reset()

		stats, err := p.RunCycle(ctx, conn, p.now())
		if err != nil {
			slog.Error("poller: cycle failed", "err", err)
		} else {
			slog.Debug("poller: cycle complete",
				"services", stats.Services,
				"hosts", stats.Hosts,
				"notified", stats.Notified,
				"failed", stats.Failed)
		}

		if !sleep(ctx, p.opts.Interval) {
			return
		}
	}
}

// RunCycle queries conn once and feeds every down host through the
// deduplicator at timestamp now. Query and decode errors end the cycle and
// are returned; a panic is recovered and returned as an error. A state
// store error for one host is logged and the remaining hosts still run.
func (p *Poller) RunCycle(ctx context.Context, conn source.Conn, now time.Time) (stats CycleStats, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("poller: panic in cycle: %v", r)
		}
	}()

	agg, err := conn.DownEvents(ctx, p.opts.Window)
	if err != nil {
		return stats, fmt.Errorf("poller: query down events: %w", err)
	}

	reports := downtime.Reports(agg)
	stats.Services = len(reports)
	for _, rep := range reports {
		category := p.out.Category(rep.Service)
		for _, h := range rep.Hosts {
			stats.Hosts++
			dec, err := p.eval.Evaluate(ctx, h.Host, now)
			if err != nil {
				stats.Failed++
				slog.Error("poller: evaluate host",
					"service", rep.Service,
					"host", h.Host,
					"err", err)
				continue
			}
			slog.Debug("poller: host evaluated",
				"service", rep.Service,
				"host", h.Host,
				"from", dec.From.String(),
				"to", dec.To.String(),
				"notify", dec.Notify)
			if !dec.Notify {
				continue
			}
			stats.Notified++
			p.out.Dispatch(ctx, fanout.DownMessage(rep.Service, h.Host, category))
		}
	}
	return stats, nil
}

// sleep waits for d or until ctx is done. It reports whether d elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
