package agent

import (
	"reflect"
	"testing"
)

func TestEffectiveAllowlist(t *testing.T) {
	cases := []struct {
		name     string
		explicit []string
		phase    string
		skills   []string
		want     []string
	}{
		{"explicit wins", []string{"Read"}, "implement", nil, []string{"Read"}},
		{"explicit empty denies all", []string{}, "implement", nil, []string{}},
		{"phase default research", nil, "research", nil, []string{"Glob", "Grep", "Read", "Write"}},
		{"critique is read only", nil, "critique", nil, []string{"Glob", "Grep", "Read"}},
		{"unknown phase unrestricted", nil, "weird", nil, nil},
		{"skills cannot widen", nil, "critique", []string{"Bash", "Read"}, []string{"Glob", "Grep", "Read"}},
		{"skills intersect explicit", []string{"Read", "Write"}, "", []string{"Write", "Bash"}, []string{"Read", "Write"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := EffectiveAllowlist(tc.explicit, tc.phase, tc.skills)
			if !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("got %#v want %#v", got, tc.want)
			}
		})
	}
}

func TestToolAllowed(t *testing.T) {
	if !ToolAllowed(nil, "Bash") {
		t.Fatal("nil allowlist must be unrestricted")
	}
	if ToolAllowed([]string{}, "Read") {
		t.Fatal("empty allowlist must deny")
	}
	if !ToolAllowed([]string{"Read", "Grep"}, "Grep") {
		t.Fatal("listed tool must be allowed")
	}
	if ToolAllowed([]string{"Read"}, "Bash") {
		t.Fatal("unlisted tool must be denied")
	}
}
