package service

import (
	"testing"
	"time"

	"github.com/hybridcore/dispatchd/internal/model"
	"github.com/hybridcore/dispatchd/internal/push"
)

func TestBackoffDelay_Linear(t *testing.T) {
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 6 * time.Second},
	}
	for _, c := range cases {
		if got := backoffDelay(c.attempt); got != c.want {
			t.Errorf("backoffDelay(%d) = %s, want %s", c.attempt, got, c.want)
		}
	}
}

func TestGroupFor(t *testing.T) {
	if got := groupFor(model.RoleCaptain, "c1"); got != push.CaptainGroup("c1") {
		t.Errorf("groupFor(CAPTAIN) = %q", got)
	}
	if got := groupFor(model.RoleUser, "u1"); got != push.UserGroup("u1") {
		t.Errorf("groupFor(USER) = %q", got)
	}
	// Restaurant staff ride the user channel.
	if got := groupFor(model.RoleRestaurant, "r1"); got != push.UserGroup("r1") {
		t.Errorf("groupFor(RESTAURANT) = %q", got)
	}
}
