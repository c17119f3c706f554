package streaming

import (
	"log/slog"
	"reflect"
	"sync/atomic"

	"github.com/rendis/buildcore/pkg/schema"
)

// Listener observes build events.
type Listener interface {
	OnEvent(e schema.Event)
}

// funcListener adapts a function to Listener. It is always used through a
// pointer so listeners stay comparable for RemoveListener.
type funcListener struct {
	fn func(schema.Event)
}

func (f *funcListener) OnEvent(e schema.Event) { f.fn(e) }

// ListenerFunc wraps fn as a Listener with its own identity.
func ListenerFunc(fn func(schema.Event)) Listener {
	return &funcListener{fn: fn}
}

// Tee returns a Listener that delivers every event to each of listeners in
// order. Nil entries are ignored.
func Tee(listeners ...Listener) Listener {
	var ls []Listener
	for _, l := range listeners {
		if l != nil {
			ls = append(ls, l)
		}
	}
	return ListenerFunc(func(e schema.Event) {
		for _, l := range ls {
			l.OnEvent(e)
		}
	})
}

type slot struct {
	l Listener
}

// Broadcaster fans events out to one always-present primary observer and at
// most one secondary observer.
//
// The primary is invoked first and any panic it raises is swallowed. The
// secondary is invoked afterwards without protection, so its panics reach the
// caller of Emit. Both halves of that contract are relied upon.
type Broadcaster struct {
	primary   Listener
	secondary atomic.Pointer[slot]
	logger    *slog.Logger
}

// NewBroadcaster creates a Broadcaster around primary. A nil primary is
// replaced by a no-op observer.
func NewBroadcaster(primary Listener, logger *slog.Logger) *Broadcaster {
	if primary == nil {
		primary = ListenerFunc(func(schema.Event) {})
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{primary: primary, logger: logger}
}

// Emit delivers e to the primary, then to the secondary if one is set.
func (b *Broadcaster) Emit(e schema.Event) {
	b.emitPrimary(e)
	if s := b.secondary.Load(); s != nil {
		s.l.OnEvent(e)
	}
}

func (b *Broadcaster) emitPrimary(e schema.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Warn("primary listener panicked",
				slog.String("kind", string(e.Kind)),
				slog.Any("panic", r),
			)
		}
	}()
	b.primary.OnEvent(e)
}

// SetListener installs l as the secondary observer, replacing any previous one.
// A nil l clears the slot.
func (b *Broadcaster) SetListener(l Listener) {
	if l == nil {
		b.secondary.Store(nil)
		return
	}
	b.secondary.Store(&slot{l: l})
}

// RemoveListener clears the secondary slot only if l is the listener
// currently installed.
func (b *Broadcaster) RemoveListener(l Listener) {
	for {
		cur := b.secondary.Load()
		if cur == nil || !sameListener(cur.l, l) {
			return
		}
		if b.secondary.CompareAndSwap(cur, nil) {
			return
		}
	}
}

// sameListener compares by identity. Listeners whose dynamic type is not
// comparable never match, so removing one is a no-op instead of a panic.
func sameListener(a, b Listener) bool {
	ta, tb := reflect.TypeOf(a), reflect.TypeOf(b)
	if ta == nil || ta != tb || !ta.Comparable() {
		return false
	}
	return a == b
}

// Listener returns the current secondary observer, or nil.
func (b *Broadcaster) Listener() Listener {
	if s := b.secondary.Load(); s != nil {
		return s.l
	}
	return nil
}
