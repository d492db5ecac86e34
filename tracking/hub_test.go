package tracking

import "testing"

// fakeConn records emitted events in place of a socket.io connection.
type fakeConn struct {
	id       string
	events   []string
	payloads []interface{}
}

func (f *fakeConn) ID() string {
	return f.id
}

func (f *fakeConn) Emit(event string, v ...interface{}) {
	f.events = append(f.events, event)
	if len(v) > 0 {
		f.payloads = append(f.payloads, v[0])
	}
}

func TestHubBroadcastReachesSubscribers(t *testing.T) {
	h := newHub()
	a1 := &fakeConn{id: "a1"}
	a2 := &fakeConn{id: "a2"}
	b1 := &fakeConn{id: "b1"}

	h.subscribe("run-a", a1)
	h.subscribe("run-a", a2)
	h.subscribe("run-b", b1)

	event := EpochEvent{RunID: "run-a", Epoch: 1}
	h.broadcast("run-a", "epoch", event)

	for _, conn := range []*fakeConn{a1, a2} {
		if len(conn.events) != 1 || conn.events[0] != "epoch" {
			t.Errorf("Conn %s events = %v, want one epoch event", conn.id, conn.events)
		}
	}
	if len(b1.events) != 0 {
		t.Errorf("Conn b1 received %v for a run it does not watch", b1.events)
	}
	got, ok := a1.payloads[0].(EpochEvent)
	if !ok || got.Epoch != 1 || got.RunID != "run-a" {
		t.Errorf("Unexpected payload %+v", a1.payloads[0])
	}
}

func TestHubSubscribeIsIdempotent(t *testing.T) {
	h := newHub()
	conn := &fakeConn{id: "c"}

	h.subscribe("run-a", conn)
	h.subscribe("run-a", conn)
	if n := h.watcherCount("run-a"); n != 1 {
		t.Fatalf("Expected 1 watcher, got %d", n)
	}

	h.broadcast("run-a", "epoch", EpochEvent{Epoch: 1})
	if len(conn.events) != 1 {
		t.Errorf("Expected a single delivery, got %d", len(conn.events))
	}
}

func TestHubUnsubscribe(t *testing.T) {
	h := newHub()
	conn := &fakeConn{id: "c"}

	h.subscribe("run-a", conn)
	h.unsubscribe("run-a", conn)
	if n := h.watcherCount("run-a"); n != 0 {
		t.Fatalf("Expected 0 watchers, got %d", n)
	}

	h.broadcast("run-a", "epoch", EpochEvent{Epoch: 1})
	if len(conn.events) != 0 {
		t.Errorf("Unsubscribed conn received %v", conn.events)
	}
}

func TestHubDropForgetsAllSubscriptions(t *testing.T) {
	h := newHub()
	conn := &fakeConn{id: "c"}
	other := &fakeConn{id: "d"}

	h.subscribe("run-a", conn)
	h.subscribe("run-b", conn)
	h.subscribe("run-a", other)

	h.drop("c")
	if n := h.watcherCount("run-a"); n != 1 {
		t.Errorf("Expected 1 watcher on run-a after drop, got %d", n)
	}
	if n := h.watcherCount("run-b"); n != 0 {
		t.Errorf("Expected 0 watchers on run-b after drop, got %d", n)
	}

	h.broadcast("run-a", "epoch", EpochEvent{Epoch: 1})
	if len(conn.events) != 0 {
		t.Errorf("Dropped conn received %v", conn.events)
	}
	if len(other.events) != 1 {
		t.Errorf("Remaining conn events = %v, want one", other.events)
	}
}
