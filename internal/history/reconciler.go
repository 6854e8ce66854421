package history

import (
	"cmp"
	"slices"

	"github.com/tinytelemetry/flowscope/internal/model"
	"github.com/tinytelemetry/flowscope/internal/ringbuf"
)

// Reconciler holds the bounded set of historical messages merged so far.
// It is not safe for concurrent use; the store serializes access.
type Reconciler struct {
	buf  *ringbuf.Buffer[model.Message]
	keys map[string]struct{}
}

// NewReconciler creates a Reconciler keeping at most capacity messages.
func NewReconciler(capacity int) *Reconciler {
	if capacity <= 0 {
		capacity = model.DefaultHistoryCapacity
	}
	return &Reconciler{
		buf:  ringbuf.New[model.Message](capacity),
		keys: make(map[string]struct{}),
	}
}

// Add records historical messages not already present. Each added message
// gets its arrival sequence from nextSeq. When the set is full the oldest
// arrival is evicted. It returns the number of messages added.
func (r *Reconciler) Add(msgs []model.Message, nextSeq func() uint64) int {
	added := 0
	for _, m := range msgs {
		k := Key(m)
		if k != "" {
			if _, dup := r.keys[k]; dup {
				continue
			}
		}
		if r.buf.Len() == r.buf.Cap() {
			oldest := r.buf.Snapshot()[0]
			delete(r.keys, Key(oldest))
		}
		m.Origin = model.OriginHistorical
		m.Seq = nextSeq()
		r.buf.Append(m)
		if k != "" {
			r.keys[k] = struct{}{}
		}
		added++
	}
	return added
}

// Historical returns the current historical set in arrival order.
func (r *Reconciler) Historical() []model.Message {
	return r.buf.Snapshot()
}

// Len returns the number of historical messages held.
func (r *Reconciler) Len() int { return r.buf.Len() }

// Reset drops every historical message.
func (r *Reconciler) Reset() {
	r.buf.Clear()
	clear(r.keys)
}

// Merge combines live and historical messages. A historical message is
// kept only when its key is empty or absent from live. The result is
// ordered by timestamp, then arrival sequence.
func Merge(live, historical []model.Message) []model.Message {
	liveKeys := make(map[string]struct{}, len(live))
	for _, m := range live {
		if k := Key(m); k != "" {
			liveKeys[k] = struct{}{}
		}
	}

	out := make([]model.Message, 0, len(live)+len(historical))
	out = append(out, live...)
	for _, m := range historical {
		if k := Key(m); k != "" {
			if _, shadowed := liveKeys[k]; shadowed {
				continue
			}
		}
		out = append(out, m)
	}

	slices.SortFunc(out, func(a, b model.Message) int {
		if c := cmp.Compare(a.Timestamp, b.Timestamp); c != 0 {
			return c
		}
		return cmp.Compare(a.Seq, b.Seq)
	})
	return out
}
