package repository

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/hybridcore/dispatchd/internal/model"
)

func TestTransitionQuery_RecordsActualPriorStatus(t *testing.T) {
	// Several from-states can be allowed in one CAS; the history entry
	// must name the state the row actually left, which only the SQL side
	// still knows at update time.
	if !strings.Contains(transitionQuery, "'from', status") {
		t.Errorf("transition history does not read the row's own status column")
	}
	if strings.Contains(transitionQuery, "$5") {
		t.Errorf("transition history must not come from a caller-supplied patch")
	}
}

func TestStatusHistory_DecodesDatabaseBuiltEntry(t *testing.T) {
	// Shape and timestamp format as jsonb_build_object/now() emit them.
	raw := []byte(`[{"at": "2026-08-25T10:15:30.123456+00:00", "to": "CANCELLED", "from": "PLACED", "reason": "USER_CANCELLED"}]`)

	var history []model.StatusChange
	if err := json.Unmarshal(raw, &history); err != nil {
		t.Fatalf("decode database-built history entry: %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("decoded %d entries, want 1", len(history))
	}
	e := history[0]
	if e.From != model.StatePlaced || e.To != model.StateCancelled {
		t.Errorf("entry = %s -> %s, want PLACED -> CANCELLED", e.From, e.To)
	}
	if e.Reason != "USER_CANCELLED" {
		t.Errorf("reason = %q", e.Reason)
	}
	if e.At.IsZero() {
		t.Errorf("timestamp did not decode")
	}
}

func TestHistoryPatch_SingleElementArray(t *testing.T) {
	patch, err := historyPatch(model.StateAssigned, model.StateDelivered, "completed by captain")
	if err != nil {
		t.Fatalf("historyPatch: %v", err)
	}

	var entries []model.StatusChange
	if err := json.Unmarshal(patch, &entries); err != nil {
		t.Fatalf("decode patch: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("patch holds %d entries, want 1", len(entries))
	}
	if entries[0].From != model.StateAssigned || entries[0].To != model.StateDelivered {
		t.Errorf("patch = %s -> %s, want ASSIGNED -> DELIVERED", entries[0].From, entries[0].To)
	}
}
