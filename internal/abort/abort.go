// Package abort merges independent cancellation sources into one signal while
// remembering which tier fired and why.
//
// Three tiers exist: external (the caller went away), scrape (the whole job
// deadline) and engine (one extraction attempt). A Manager owns a set of
// sources; Signal lazily materializes a merged context whose cause is an
// *Error tagged with the tier of the first source that fired.
package abort

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Tier classifies a cancellation source.
type Tier string

// Supported tiers.
const (
	TierExternal Tier = "external"
	TierScrape   Tier = "scrape"
	TierEngine   Tier = "engine"
)

// ErrDisposed is the merged signal's cause once the manager is disposed
// without any source having fired.
var ErrDisposed = errors.New("abort manager disposed")

// Error is the tier-tagged reason carried by a fired signal. It is a control
// flow signal, not a failure.
type Error struct {
	Tier   Tier
	Reason error
}

func (e *Error) Error() string {
	if e.Reason == nil {
		return fmt.Sprintf("aborted (%s)", e.Tier)
	}
	return fmt.Sprintf("aborted (%s): %v", e.Tier, e.Reason)
}

func (e *Error) Unwrap() error {
	return e.Reason
}

// TierOf extracts the tier of an abort error anywhere in err's chain.
func TierOf(err error) (Tier, bool) {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Tier, true
	}
	return "", false
}

// IsAbort reports whether err is a tier-tagged cancellation.
func IsAbort(err error) bool {
	_, ok := TierOf(err)
	return ok
}

// ReasonFunc produces the error describing why a source fired. It may panic;
// the recovered value becomes the reason.
type ReasonFunc func() error

// Source is one cancellation input.
type Source struct {
	ctx      context.Context
	tier     Tier
	deadline time.Time
	reason   ReasonFunc
}

// FromContext wraps an existing context (for example a request context) as
// a source. A deadline on ctx is picked up automatically.
func FromContext(ctx context.Context, tier Tier, reason ReasonFunc) *Source {
	if ctx == nil {
		return nil
	}
	src := &Source{ctx: ctx, tier: tier, reason: reason}
	if dl, ok := ctx.Deadline(); ok {
		src.deadline = dl
	}
	return src
}

// WithTimeout creates a source that fires after d or when parent is done.
// The returned cancel func releases the timer and must be called.
func WithTimeout(parent context.Context, d time.Duration, tier Tier, reason ReasonFunc) (*Source, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithTimeout(parent, d)
	return FromContext(ctx, tier, reason), cancel
}

// Tier returns the source's tier.
func (s *Source) Tier() Tier {
	return s.tier
}

// Deadline returns the absolute deadline, if the source carries one.
func (s *Source) Deadline() (time.Time, bool) {
	return s.deadline, !s.deadline.IsZero()
}

func (s *Source) fired() bool {
	return s.ctx.Err() != nil
}

// tagged builds the tier-tagged error, capturing a panicking reason func.
func (s *Source) tagged() (out *Error) {
	out = &Error{Tier: s.tier}
	if s.reason == nil {
		out.Reason = context.Cause(s.ctx)
		return out
	}
	defer func() {
		if r := recover(); r != nil {
			if err, ok := r.(error); ok {
				out.Reason = err
			} else {
				out.Reason = fmt.Errorf("%v", r)
			}
		}
	}()
	out.Reason = s.reason()
	return out
}

// Manager merges sources. The zero value is not usable; call New.
type Manager struct {
	mu       sync.Mutex
	sources  []*Source
	merged   context.Context
	cancel   context.CancelCauseFunc
	stops    []func() bool
	live     int
	disposed bool
}

// New builds a manager, dropping nil sources.
func New(sources ...*Source) *Manager {
	m := &Manager{}
	m.sources = appendSources(nil, sources)
	return m
}

func appendSources(dst, src []*Source) []*Source {
	for _, s := range src {
		if s != nil {
			dst = append(dst, s)
		}
	}
	return dst
}

// Add attaches more sources. If the merged signal already exists, listeners
// for the new sources are wired immediately.
func (m *Manager) Add(sources ...*Source) {
	m.mu.Lock()
	defer m.mu.Unlock()
	added := appendSources(nil, sources)
	m.sources = append(m.sources, added...)
	if m.merged != nil && !m.disposed {
		for _, s := range added {
			m.listenLocked(s)
		}
	}
}

// Child returns a new manager scoped to this manager's sources plus extra
// ones. The parent's listeners are not touched.
func (m *Manager) Child(sources ...*Source) *Manager {
	m.mu.Lock()
	parent := append([]*Source(nil), m.sources...)
	m.mu.Unlock()
	return New(append(parent, sources...)...)
}

// Signal returns the merged context, creating it on first use. Its cause
// (context.Cause) is the *Error of the first source that fired.
func (m *Manager) Signal() context.Context {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.merged != nil {
		return m.merged
	}
	m.merged, m.cancel = context.WithCancelCause(context.Background())
	if m.disposed {
		m.cancel(ErrDisposed)
		return m.merged
	}
	for _, s := range m.sources {
		m.listenLocked(s)
	}
	return m.merged
}

func (m *Manager) listenLocked(s *Source) {
	cancel := m.cancel
	m.live++
	stop := context.AfterFunc(s.ctx, func() {
		cancel(s.tagged())
		m.mu.Lock()
		m.live--
		m.mu.Unlock()
	})
	m.stops = append(m.stops, stop)
}

// Err returns the tagged reason of the merged signal once it has fired.
func (m *Manager) Err() error {
	m.mu.Lock()
	merged := m.merged
	m.mu.Unlock()
	if merged == nil || merged.Err() == nil {
		return nil
	}
	return context.Cause(merged)
}

// IsAborted checks every raw source, so it works before Signal is called.
func (m *Manager) IsAborted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sources {
		if s.fired() {
			return true
		}
	}
	return false
}

// ThrowIfAborted returns the tagged error of the first fired source.
func (m *Manager) ThrowIfAborted() error {
	m.mu.Lock()
	sources := append([]*Source(nil), m.sources...)
	m.mu.Unlock()
	for _, s := range sources {
		if s.fired() {
			return s.tagged()
		}
	}
	return nil
}

// ScrapeTimeout returns the time remaining until the soonest scrape-tier
// deadline; ok is false when no scrape source has one.
func (m *Manager) ScrapeTimeout() (time.Duration, bool) {
	return m.nearest(TierScrape)
}

// EngineNearestTimeout is ScrapeTimeout for engine-tier sources.
func (m *Manager) EngineNearestTimeout() (time.Duration, bool) {
	return m.nearest(TierEngine)
}

func (m *Manager) nearest(tier Tier) (time.Duration, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var soonest time.Time
	for _, s := range m.sources {
		if s.tier != tier || s.deadline.IsZero() {
			continue
		}
		if soonest.IsZero() || s.deadline.Before(soonest) {
			soonest = s.deadline
		}
	}
	if soonest.IsZero() {
		return 0, false
	}
	remaining := time.Until(soonest)
	if remaining < 0 {
		remaining = 0
	}
	return remaining, true
}

// ListenerCount reports how many source listeners are still registered.
func (m *Manager) ListenerCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.live
}

// Dispose detaches every listener and releases the merged signal. It must be
// called on every exit path of a unit of work; it is safe to call twice.
func (m *Manager) Dispose() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.disposed {
		return
	}
	m.disposed = true
	for _, stop := range m.stops {
		if stop() {
			m.live--
		}
	}
	m.stops = nil
	m.sources = nil
	if m.cancel != nil {
		m.cancel(ErrDisposed)
	}
}
