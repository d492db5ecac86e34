package tracking

import (
	"time"

	sync "github.com/sasha-s/go-deadlock"
)

// EpochEvent is emitted to subscribed dashboard clients for every logged
// epoch.
type EpochEvent struct {
	RunID    string             `json:"run_id"`
	Epoch    int                `json:"epoch"`
	Metrics  map[string]float64 `json:"metrics"`
	LoggedAt time.Time          `json:"logged_at"`
}

// StatusEvent is emitted when a run reaches a terminal status.
type StatusEvent struct {
	RunID  string `json:"run_id"`
	Status string `json:"status"`
}

// subscriber is the slice of a socket.io connection the hub needs.
type subscriber interface {
	ID() string
	Emit(event string, v ...interface{})
}

// hub tracks which socket connections watch which runs and fans logged
// events out to them.
type hub struct {
	mu    sync.Mutex
	subs  map[string]map[string]subscriber // run id -> conn id -> conn
	conns map[string][]string              // conn id -> subscribed run ids
}

func newHub() *hub {
	return &hub{
		subs:  make(map[string]map[string]subscriber),
		conns: make(map[string][]string),
	}
}

func (h *hub) subscribe(runID string, conn subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()

	connID := conn.ID()
	if _, ok := h.subs[runID][connID]; ok {
		return
	}
	if h.subs[runID] == nil {
		h.subs[runID] = make(map[string]subscriber)
	}
	h.subs[runID][connID] = conn
	h.conns[connID] = append(h.conns[connID], runID)
}

func (h *hub) unsubscribe(runID string, conn subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()

	connID := conn.ID()
	if watchers := h.subs[runID]; watchers != nil {
		delete(watchers, connID)
		if len(watchers) == 0 {
			delete(h.subs, runID)
		}
	}
	ids := h.conns[connID]
	for i, id := range ids {
		if id == runID {
			h.conns[connID] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(h.conns[connID]) == 0 {
		delete(h.conns, connID)
	}
}

// drop forgets every subscription held by a departed connection.
func (h *hub) drop(connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, runID := range h.conns[connID] {
		if watchers := h.subs[runID]; watchers != nil {
			delete(watchers, connID)
			if len(watchers) == 0 {
				delete(h.subs, runID)
			}
		}
	}
	delete(h.conns, connID)
}

// broadcast emits an event to every connection watching runID. Emit runs
// outside the lock.
func (h *hub) broadcast(runID, event string, payload interface{}) {
	h.mu.Lock()
	watchers := make([]subscriber, 0, len(h.subs[runID]))
	for _, conn := range h.subs[runID] {
		watchers = append(watchers, conn)
	}
	h.mu.Unlock()

	for _, conn := range watchers {
		conn.Emit(event, payload)
	}
}

// watcherCount reports how many connections watch runID.
func (h *hub) watcherCount(runID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[runID])
}
