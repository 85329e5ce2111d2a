package push

import (
	"encoding/json"
	"testing"

	"github.com/hybridcore/dispatchd/internal/model"
)

// testClient builds a client that is never registered, so no pumps run
// and no socket is needed.
func testClient(hub *Hub, id string, role model.Role) *Client {
	return NewClient(hub, nil, id, role)
}

func recvEvent(t *testing.T, c *Client) Event {
	t.Helper()
	select {
	case raw := <-c.send:
		var ev Event
		if err := json.Unmarshal(raw, &ev); err != nil {
			t.Fatalf("bad frame: %v", err)
		}
		return ev
	default:
		t.Fatalf("no frame queued for %s", c.PrincipalID)
		return Event{}
	}
}

func TestGroupNames(t *testing.T) {
	if g := CaptainGroup("c1"); g != "captain_c1" {
		t.Errorf("CaptainGroup = %q", g)
	}
	if g := UserGroup("u1"); g != "user_u1" {
		t.Errorf("UserGroup = %q", g)
	}
	if g := JobGroup(model.KindOrder, "j1"); g != "order_j1" {
		t.Errorf("JobGroup(order) = %q", g)
	}
	if g := JobGroup(model.KindRide, "j1"); g != "ride_j1" {
		t.Errorf("JobGroup(ride) = %q", g)
	}
}

func TestHub_PublishReachesGroupMembers(t *testing.T) {
	hub := NewHub(nil)
	a := testClient(hub, "u1", model.RoleUser)
	b := testClient(hub, "u2", model.RoleUser)
	outsider := testClient(hub, "u3", model.RoleUser)

	hub.Join(a, "order_j1")
	hub.Join(b, "order_j1")
	hub.Join(outsider, "order_j2")

	hub.Publish("order_j1", EventJobStatus, map[string]string{"status": "ASSIGNED"})

	for _, c := range []*Client{a, b} {
		ev := recvEvent(t, c)
		if ev.Type != EventJobStatus {
			t.Errorf("%s got event %q, want %q", c.PrincipalID, ev.Type, EventJobStatus)
		}
	}
	if len(outsider.send) != 0 {
		t.Errorf("outsider received %d frames", len(outsider.send))
	}
}

func TestHub_PublishToEmptyGroupIsNoop(t *testing.T) {
	hub := NewHub(nil)
	hub.Publish("ride_missing", EventJobOffer, nil)
}

func TestHub_LeaveStopsDelivery(t *testing.T) {
	hub := NewHub(nil)
	c := testClient(hub, "c1", model.RoleCaptain)

	hub.Join(c, "captain_c1")
	if n := hub.GroupSize("captain_c1"); n != 1 {
		t.Fatalf("GroupSize = %d, want 1", n)
	}

	hub.Leave(c, "captain_c1")
	if n := hub.GroupSize("captain_c1"); n != 0 {
		t.Errorf("GroupSize after Leave = %d, want 0", n)
	}

	hub.Publish("captain_c1", EventJobOffer, nil)
	if len(c.send) != 0 {
		t.Errorf("departed client received %d frames", len(c.send))
	}
}

func TestHub_SlowConsumerDropsFrames(t *testing.T) {
	hub := NewHub(nil)
	c := testClient(hub, "u1", model.RoleUser)
	hub.Join(c, "user_u1")

	// Nobody drains c.send; overflow must drop, not block.
	for i := 0; i < sendBuffer+10; i++ {
		hub.Publish("user_u1", EventLocationUpdate, map[string]int{"seq": i})
	}
	if len(c.send) != sendBuffer {
		t.Errorf("buffered %d frames, want %d", len(c.send), sendBuffer)
	}
}
