package dedup

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

// lockStripes is the number of mutexes hosts are spread over. Hosts that
// share a stripe serialise.
const lockStripes = 64

// State is the alerting state of one host.
type State int

const (
	// Unseen: no record exists for the host.
	Unseen State = iota
	// ArmedSilent: first sighting recorded, nothing sent.
	ArmedSilent
	// Alerting: a second sighting arrived inside the window and the alert fired.
	Alerting
	// Rearmed: a sighting arrived after the window lapsed and started a new incident.
	Rearmed
)

func (s State) String() string {
	switch s {
	case Unseen:
		return "unseen"
	case ArmedSilent:
		return "armed_silent"
	case Alerting:
		return "alerting"
	case Rearmed:
		return "rearmed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// HostAlertState is the persisted record for one host.
type HostAlertState struct {
	LastSeen   time.Time
	Suppressed bool // the alert for the current incident has fired
}

// Store keeps HostAlertState records keyed by host identifier.
type Store interface {
	Load(ctx context.Context, host string) (HostAlertState, bool, error)
	Save(ctx context.Context, host string, st HostAlertState) error
}

// Decision is the outcome of evaluating one sighting of a host.
type Decision struct {
	Host   string
	From   State
	To     State
	Notify bool
}

// Deduplicator decides, per host, whether a down sighting should raise an
// alert. The first sighting is silent; a second sighting within the window
// fires once; a sighting after the window starts a new, silent incident.
//
// Evaluate is safe for concurrent use. Calls for the same host are
// serialised; calls for different hosts never depend on each other.
type Deduplicator struct {
	store  Store
	window time.Duration
	locks  [lockStripes]sync.Mutex
}

// New returns a Deduplicator over store using the given window.
func New(store Store, window time.Duration) *Deduplicator {
	return &Deduplicator{store: store, window: window}
}

// Window returns the deduplication window.
func (d *Deduplicator) Window() time.Duration { return d.window }

// Evaluate records a sighting of host at t and reports whether to notify.
//
// When the store fails the returned error is non-nil and the decision must
// not be acted upon: the state change was not recorded.
func (d *Deduplicator) Evaluate(ctx context.Context, host string, t time.Time) (Decision, error) {
	mu := &d.locks[xxhash.Sum64String(host)%lockStripes]
	mu.Lock()
	defer mu.Unlock()

	dec := Decision{Host: host, From: Unseen}

	prev, ok, err := d.store.Load(ctx, host)
	if err != nil {
		return dec, fmt.Errorf("dedup: load %q: %w", host, err)
	}

	var next HostAlertState
	switch {
	case !ok:
		dec.To = ArmedSilent
		next = HostAlertState{LastSeen: t}

	case t.Sub(prev.LastSeen) >= d.window:
		dec.From = stateOf(prev)
		dec.To = Rearmed
		next = HostAlertState{LastSeen: t}

	case prev.Suppressed:
		// Already fired for this incident; the timestamp is left alone so
		// the incident still expires one window after its first sighting.
		dec.From, dec.To = Alerting, Alerting
		next = prev

	default:
		dec.From = ArmedSilent
		dec.To = Alerting
		dec.Notify = true
		next = HostAlertState{LastSeen: prev.LastSeen, Suppressed: true}
	}

	if err := d.store.Save(ctx, host, next); err != nil {
		return Decision{Host: host, From: dec.From, To: dec.From}, fmt.Errorf("dedup: save %q: %w", host, err)
	}
	return dec, nil
}

func stateOf(st HostAlertState) State {
	if st.Suppressed {
		return Alerting
	}
	return ArmedSilent
}
