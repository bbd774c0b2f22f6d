package agent

import "testing"

func TestRegistryCancelAll(t *testing.T) {
	r := &cancelRegistry{cancels: map[string]func(){}}
	fired := map[string]bool{}
	rel1 := r.Register("a", func() { fired["a"] = true })
	rel2 := r.Register("b", func() { fired["b"] = true })
	if r.Active() != 2 {
		t.Fatalf("active %d", r.Active())
	}
	r.CancelAll()
	if !fired["a"] || !fired["b"] {
		t.Fatalf("cancel not delivered: %v", fired)
	}
	// CancelAll does not unregister; the owners do.
	if r.Active() != 2 {
		t.Fatalf("active after cancel %d", r.Active())
	}
	rel1()
	rel1() // double release is a no-op
	rel2()
	if r.Active() != 0 {
		t.Fatalf("active after release %d", r.Active())
	}
}
