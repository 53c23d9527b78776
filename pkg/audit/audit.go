package audit

import (
	"sync"

	"github.com/podup/podup/pkg/log"
	"github.com/podup/podup/pkg/store"
	"github.com/podup/podup/pkg/types"
)

const queueDepth = 256

// Writer records audit events without ever failing the request that
// produced them. In async mode events flow through a bounded queue
// drained by one goroutine; a full queue drops the event with a WARN.
// Sync mode (and discovery events, whose ordering matters to the
// /api/manual/services response) write inline.
type Writer struct {
	store *store.Store
	sync  bool

	queue chan *types.Event
	done  chan struct{}
	once  sync.Once
}

// NewWriter builds an audit writer. syncMode forces every event to be
// written inline before Record returns.
func NewWriter(s *store.Store, syncMode bool) *Writer {
	w := &Writer{
		store: s,
		sync:  syncMode,
		queue: make(chan *types.Event, queueDepth),
		done:  make(chan struct{}),
	}
	if !syncMode {
		go w.drain()
	}
	return w
}

// Record persists one event. It never returns an error: a failed or
// dropped write is logged and the request proceeds.
func (w *Writer) Record(ev *types.Event) {
	if ev == nil {
		return
	}
	if w.sync || ev.Action == "discovery" {
		w.write(ev)
		return
	}
	select {
	case w.queue <- ev:
	default:
		log.WithRequestID(ev.RequestID).Warn().
			Str("action", ev.Action).Msg("audit queue full, dropping event")
	}
}

func (w *Writer) drain() {
	defer close(w.done)
	for ev := range w.queue {
		w.write(ev)
	}
}

func (w *Writer) write(ev *types.Event) {
	if err := w.store.InsertEvent(ev); err != nil {
		log.WithRequestID(ev.RequestID).Warn().Err(err).
			Str("action", ev.Action).Msg("failed to persist audit event")
	}
}

// Close flushes queued events and stops the drain goroutine
func (w *Writer) Close() {
	w.once.Do(func() {
		close(w.queue)
		if !w.sync {
			<-w.done
		}
	})
}
