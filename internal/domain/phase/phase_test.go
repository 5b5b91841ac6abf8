package phase

import "testing"

func TestValid(t *testing.T) {
	for _, p := range All {
		if !p.Valid() {
			t.Errorf("%q should be valid", p)
		}
	}
	if Phase("bogus").Valid() {
		t.Error("bogus phase should be invalid")
	}
}

func TestEventsMatchPhases(t *testing.T) {
	cases := map[Event]Phase{
		EventQuery:     Query,
		EventEnhance:   Enhance,
		EventKnowledge: Knowledge,
		EventPlan:      Plan,
		EventExecute:   Execute,
		EventVerify:    Verify,
	}
	for ev, p := range cases {
		if Phase(ev) != p {
			t.Errorf("event %q should correspond to phase %q", ev, p)
		}
	}
}
