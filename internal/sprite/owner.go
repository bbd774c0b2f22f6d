package sprite

import (
	"context"
	"sync"
	"time"
)

// ownedVM is the "currently-owned ephemeral VM" pointer: at most one per
// process, set while a sandbox turn is live so interrupt handling can reap it
// without plumbing through the call stack.
var ownedVM struct {
	mu     sync.Mutex
	name   string
	client *Client
}

// ClaimOwned records the live ephemeral VM. Returns a release that clears the
// pointer; release is safe to call twice.
func ClaimOwned(client *Client, name string) (release func()) {
	ownedVM.mu.Lock()
	ownedVM.name = name
	ownedVM.client = client
	ownedVM.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			ownedVM.mu.Lock()
			if ownedVM.name == name {
				ownedVM.name = ""
				ownedVM.client = nil
			}
			ownedVM.mu.Unlock()
		})
	}
}

// OwnedVM returns the currently-claimed name, empty when none.
func OwnedVM() string {
	ownedVM.mu.Lock()
	defer ownedVM.mu.Unlock()
	return ownedVM.name
}

// KillOwned destroys the claimed VM if any. Called from the interrupt path;
// errors are swallowed, teardown is best-effort there.
func KillOwned() {
	ownedVM.mu.Lock()
	name, client := ownedVM.name, ownedVM.client
	ownedVM.name = ""
	ownedVM.client = nil
	ownedVM.mu.Unlock()
	if name == "" || client == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = client.KillVM(ctx, name)
}
