package workflow

import (
	"testing"

	"github.com/wreckit/wreckit/internal/store"
)

func TestGetNextStateChain(t *testing.T) {
	want := map[store.ItemState]store.ItemState{
		store.StateRaw:          store.StateResearched,
		store.StateResearched:   store.StatePlanned,
		store.StatePlanned:      store.StateImplementing,
		store.StateImplementing: store.StateCritique,
		store.StateCritique:     store.StateInPR,
		store.StateInPR:         store.StateDone,
		store.StateDone:         "",
	}
	for from, to := range want {
		if got := GetNextState(from); got != to {
			t.Errorf("next(%s) = %s, want %s", from, got, to)
		}
	}
}

func prdWith(statuses ...store.StoryStatus) *store.PRD {
	prd := &store.PRD{ID: "001-x", BranchName: "wreckit/001-x"}
	for i, st := range statuses {
		prd.UserStories = append(prd.UserStories, store.UserStory{
			ID: "US-1", Title: "story", Priority: 1 + i%4, Status: st,
		})
	}
	return prd
}

func TestValidateTransitionPreconditions(t *testing.T) {
	cases := []struct {
		name    string
		from    store.ItemState
		to      store.ItemState
		ctx     ValidationContext
		valid   bool
	}{
		{"skip is never valid", store.StateRaw, store.StatePlanned, ValidationContext{HasResearchMD: true, HasPlanMD: true}, false},
		{"regression is never valid", store.StatePlanned, store.StateResearched, ValidationContext{}, false},
		{"raw needs research.md", store.StateRaw, store.StateResearched, ValidationContext{}, false},
		{"raw ok", store.StateRaw, store.StateResearched, ValidationContext{HasResearchMD: true}, true},
		{"planned needs plan and prd", store.StateResearched, store.StatePlanned, ValidationContext{HasPlanMD: true}, false},
		{"planned needs a story", store.StateResearched, store.StatePlanned, ValidationContext{HasPlanMD: true, PRD: &store.PRD{}}, false},
		{"planned ok", store.StateResearched, store.StatePlanned, ValidationContext{HasPlanMD: true, PRD: prdWith(store.StoryPending)}, true},
		{"implementing needs pending story", store.StatePlanned, store.StateImplementing, ValidationContext{PRD: prdWith(store.StoryDone)}, false},
		{"implementing ok", store.StatePlanned, store.StateImplementing, ValidationContext{PRD: prdWith(store.StoryPending, store.StoryDone)}, true},
		{"critique needs all done", store.StateImplementing, store.StateCritique, ValidationContext{PRD: prdWith(store.StoryPending), HasPR: true}, false},
		{"critique needs branch", store.StateImplementing, store.StateCritique, ValidationContext{PRD: prdWith(store.StoryDone)}, false},
		{"critique ok", store.StateImplementing, store.StateCritique, ValidationContext{PRD: prdWith(store.StoryDone), HasPR: true}, true},
		{"done needs merge evidence", store.StateInPR, store.StateDone, ValidationContext{}, false},
		{"done ok", store.StateInPR, store.StateDone, ValidationContext{PRMerged: true}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			v := ValidateTransition(tc.from, tc.to, tc.ctx)
			if v.Valid != tc.valid {
				t.Fatalf("valid=%v (reason %q), want %v", v.Valid, v.Reason, tc.valid)
			}
			if !v.Valid && v.Reason == "" {
				t.Fatal("invalid transitions must carry a reason")
			}
		})
	}
}

func TestApplyStateTransitionIsPure(t *testing.T) {
	it := &store.Item{ID: "001-x", State: store.StateRaw, DependsOn: []string{"000-y"}}
	next, tr, reason := ApplyStateTransition(it, ValidationContext{HasResearchMD: true})
	if reason != "" || next == nil {
		t.Fatalf("transition failed: %s", reason)
	}
	if it.State != store.StateRaw {
		t.Fatal("input item was mutated")
	}
	if next.State != store.StateResearched || tr.From != store.StateRaw {
		t.Fatalf("next: %+v tr: %+v", next, tr)
	}
	next.DependsOn[0] = "mutated"
	if it.DependsOn[0] != "000-y" {
		t.Fatal("clone aliases input slices")
	}

	done := &store.Item{ID: "001-x", State: store.StateDone}
	if n, _, reason := ApplyStateTransition(done, ValidationContext{}); n != nil || reason == "" {
		t.Fatal("done must not advance")
	}
}

func TestPhaseForState(t *testing.T) {
	if p, ok := PhaseForState(store.StateImplementing); !ok || p != PhaseImplement {
		t.Fatalf("%v %v", p, ok)
	}
	if _, ok := PhaseForState(store.StateDone); ok {
		t.Fatal("done has no phase")
	}
}
