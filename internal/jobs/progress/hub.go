package progress

import (
	"sync"

	"github.com/google/uuid"

	"github.com/yungbote/scholarcast-backend/internal/observability"
	"github.com/yungbote/scholarcast-backend/internal/platform/logger"
)

const defaultBuffer = 64

type subscriber struct {
	out  chan Event
	once sync.Once
}

/*
Hub fans committed transitions out to in-process subscribers. Delivery is
best-effort and lossy: Publish never blocks, a subscriber whose buffer is
full just misses that event and catches up from the ledger. Per-job ordering
holds because each job's transitions are committed, and therefore published,
serially.

Subscriptions are keyed by job id; a nil id subscribes to everything.
*/
type Hub struct {
	log *logger.Logger

	mu       sync.RWMutex
	byJob    map[uuid.UUID]map[*subscriber]bool
	firehose map[*subscriber]bool
}

func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		log:      log.With("component", "progress_hub"),
		byJob:    make(map[uuid.UUID]map[*subscriber]bool),
		firehose: make(map[*subscriber]bool),
	}
}

// Subscribe registers for events of one job, or all jobs when jobID is nil.
// The returned cancel is idempotent and closes the channel once the hub has
// forgotten the subscriber.
func (h *Hub) Subscribe(jobID *uuid.UUID, buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	sub := &subscriber{out: make(chan Event, buffer)}

	h.mu.Lock()
	if jobID == nil {
		h.firehose[sub] = true
	} else {
		set, ok := h.byJob[*jobID]
		if !ok {
			set = make(map[*subscriber]bool)
			h.byJob[*jobID] = set
		}
		set[sub] = true
	}
	h.mu.Unlock()

	cancel := func() {
		sub.once.Do(func() {
			h.mu.Lock()
			if jobID == nil {
				delete(h.firehose, sub)
			} else if set, ok := h.byJob[*jobID]; ok {
				delete(set, sub)
				if len(set) == 0 {
					delete(h.byJob, *jobID)
				}
			}
			h.mu.Unlock()
			close(sub.out)
		})
	}
	return sub.out, cancel
}

// Publish delivers ev to every matching subscriber without ever blocking a
// transition commit.
func (h *Hub) Publish(ev Event) {
	if m := observability.Current(); m != nil {
		m.IncBusPublished()
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for sub := range h.byJob[ev.JobID] {
		h.send(sub, ev)
	}
	for sub := range h.firehose {
		h.send(sub, ev)
	}
}

func (h *Hub) send(sub *subscriber, ev Event) {
	select {
	case sub.out <- ev:
	default:
		if m := observability.Current(); m != nil {
			m.IncBusDropped()
		}
		h.log.Debug("dropping progress event; subscriber buffer full",
			"job_id", ev.JobID, "seq", ev.Seq)
	}
}
