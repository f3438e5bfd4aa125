package research

import (
	"sync"

	"github.com/google/uuid"

	"github.com/braidhq/braid/internal/model"
)

// ProgressEvent is one research progress update. Events with a complete or
// failed status are terminal; the hub closes subscriber channels after
// delivering one.
type ProgressEvent struct {
	JobID   uuid.UUID            `json:"job_id"`
	Status  model.ResearchStatus `json:"status"`
	Percent int                  `json:"percent"`
	Stage   string               `json:"stage,omitempty"`
}

// Hub fans research progress out to in-process subscribers, letting a
// session stream a job it did not start. Slow subscribers lose events
// rather than block the coordinator.
type Hub struct {
	mu   sync.Mutex
	subs map[uuid.UUID]map[chan ProgressEvent]struct{}
}

func NewHub() *Hub {
	return &Hub{subs: make(map[uuid.UUID]map[chan ProgressEvent]struct{})}
}

// Subscribe registers for events about one job. The returned cancel func
// releases the subscription; the channel closes when the job reaches a
// terminal status or the subscription is cancelled.
func (h *Hub) Subscribe(jobID uuid.UUID) (<-chan ProgressEvent, func()) {
	ch := make(chan ProgressEvent, 16)

	h.mu.Lock()
	set := h.subs[jobID]
	if set == nil {
		set = make(map[chan ProgressEvent]struct{})
		h.subs[jobID] = set
	}
	set[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			set, ok := h.subs[jobID]
			if !ok {
				return
			}
			if _, live := set[ch]; live {
				delete(set, ch)
				close(ch)
			}
			if len(set) == 0 {
				delete(h.subs, jobID)
			}
		})
	}
	return ch, cancel
}

// publish delivers without blocking; a full subscriber buffer drops the
// event. Terminal events close every subscriber channel for the job.
func (h *Hub) publish(ev ProgressEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()

	set := h.subs[ev.JobID]
	for ch := range set {
		select {
		case ch <- ev:
		default:
		}
	}
	if ev.Status == model.ResearchComplete || ev.Status == model.ResearchFailed {
		for ch := range set {
			close(ch)
		}
		delete(h.subs, ev.JobID)
	}
}
