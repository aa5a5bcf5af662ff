package core

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func TestCreateExclusiveConflicts(t *testing.T) {
	ls := NewLockSystem()
	l1, err := ls.Create(LockDetails{Root: "/a/b"})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if l1.Token == "" {
		t.Fatalf("Create returned an empty token")
	}

	// same root, exclusive vs exclusive
	if _, err := ls.Create(LockDetails{Root: "/a/b"}); !errors.Is(err, ErrLocked) {
		t.Fatalf("expected ErrLocked, got %v", err)
	}
	var conflict *ConflictError
	if _, err := ls.Create(LockDetails{Root: "/a/b"}); !errors.As(err, &conflict) {
		t.Fatalf("expected ConflictError, got %v", err)
	} else if len(conflict.Roots) != 1 || conflict.Roots[0] != "/a/b" {
		t.Fatalf("ConflictError names %v, want [/a/b]", conflict.Roots)
	}

	// an unrelated root is fine
	if _, err := ls.Create(LockDetails{Root: "/a/c"}); err != nil {
		t.Fatalf("Create on sibling failed: %v", err)
	}

	if err := ls.Unlock(l1.Token); err != nil {
		t.Fatalf("Unlock failed: %v", err)
	}
	if _, err := ls.Create(LockDetails{Root: "/a/b"}); err != nil {
		t.Fatalf("Create after Unlock failed: %v", err)
	}
}

func TestSharedLocksCoexist(t *testing.T) {
	ls := NewLockSystem()
	if _, err := ls.Create(LockDetails{Root: "/x", Shared: true}); err != nil {
		t.Fatalf("first shared Create failed: %v", err)
	}
	if _, err := ls.Create(LockDetails{Root: "/x", Shared: true}); err != nil {
		t.Fatalf("second shared Create failed: %v", err)
	}
	if _, err := ls.Create(LockDetails{Root: "/x"}); !errors.Is(err, ErrLocked) {
		t.Fatalf("exclusive over shared: expected ErrLocked, got %v", err)
	}
}

func TestDepthCoverage(t *testing.T) {
	ls := NewLockSystem()
	// infinite depth blocks the whole subtree
	deep, err := ls.Create(LockDetails{Root: "/a"})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := ls.Create(LockDetails{Root: "/a/b/c"}); !errors.Is(err, ErrLocked) {
		t.Fatalf("descendant under infinite lock: expected ErrLocked, got %v", err)
	}
	if !ls.ValidToken(deep.Token, "/a/b/c") {
		t.Fatalf("infinite lock's token should be valid for a descendant")
	}
	if err := ls.Unlock(deep.Token); err != nil {
		t.Fatalf("Unlock failed: %v", err)
	}

	// zero depth covers only the root itself
	flat, err := ls.Create(LockDetails{Root: "/a", ZeroDepth: true})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := ls.Create(LockDetails{Root: "/a/b"}); err != nil {
		t.Fatalf("descendant under zero-depth lock should be free: %v", err)
	}
	if ls.ValidToken(flat.Token, "/a/b") {
		t.Fatalf("zero-depth token must not be valid for a descendant")
	}
	// but a new infinite lock on an ancestor would swallow /a
	if _, err := ls.Create(LockDetails{Root: "/"}); !errors.Is(err, ErrLocked) {
		t.Fatalf("infinite lock over locked descendant: expected ErrLocked, got %v", err)
	}
}

func TestExpiryAndRefresh(t *testing.T) {
	ls := NewLockSystem()
	clock := time.Now()
	ls.now = func() time.Time { return clock }

	l, err := ls.Create(LockDetails{Root: "/f", Duration: time.Minute})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	clock = clock.Add(30 * time.Second)
	if _, ok := ls.Get(l.Token); !ok {
		t.Fatalf("lock should still be active at half its timeout")
	}
	if _, err := ls.Refresh(l.Token, time.Minute); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}

	// the refresh restarted the clock
	clock = clock.Add(45 * time.Second)
	if _, ok := ls.Get(l.Token); !ok {
		t.Fatalf("refreshed lock expired too early")
	}

	clock = clock.Add(30 * time.Second)
	if _, ok := ls.Get(l.Token); ok {
		t.Fatalf("lock should have expired")
	}
	if _, err := ls.Refresh(l.Token, time.Minute); err != ErrNoSuchLock {
		t.Fatalf("Refresh of expired lock: expected ErrNoSuchLock, got %v", err)
	}
	// the root is free again
	if _, err := ls.Create(LockDetails{Root: "/f"}); err != nil {
		t.Fatalf("Create after expiry failed: %v", err)
	}
}

func TestConfirm(t *testing.T) {
	ls := NewLockSystem()
	l, err := ls.Create(LockDetails{Root: "/d"})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if err := ls.Confirm("/d"); !errors.Is(err, ErrLocked) {
		t.Fatalf("Confirm without token: expected ErrLocked, got %v", err)
	}
	if err := ls.Confirm("/d", l.Token); err != nil {
		t.Fatalf("Confirm with token failed: %v", err)
	}
	// descendants inherit the requirement from the infinite lock
	if err := ls.Confirm("/d/e"); !errors.Is(err, ErrLocked) {
		t.Fatalf("Confirm on descendant without token: expected ErrLocked, got %v", err)
	}
	// unlocked siblings need nothing
	if err := ls.Confirm("/other"); err != nil {
		t.Fatalf("Confirm on unlocked resource failed: %v", err)
	}
}

func TestConfirmTree(t *testing.T) {
	ls := NewLockSystem()
	inner, err := ls.Create(LockDetails{Root: "/t/sub/file"})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	// Confirm on /t sees no covering lock, but a tree operation on /t
	// must also present the token of the lock buried inside
	if err := ls.Confirm("/t"); err != nil {
		t.Fatalf("Confirm failed: %v", err)
	}
	var conflict *ConflictError
	if err := ls.ConfirmTree("/t"); !errors.As(err, &conflict) {
		t.Fatalf("ConfirmTree without token: expected ConflictError, got %v", err)
	} else if len(conflict.Roots) != 1 || conflict.Roots[0] != "/t/sub/file" {
		t.Fatalf("ConfirmTree names %v, want [/t/sub/file]", conflict.Roots)
	}
	if err := ls.ConfirmTree("/t", inner.Token); err != nil {
		t.Fatalf("ConfirmTree with token failed: %v", err)
	}
}

func TestReleaseTree(t *testing.T) {
	ls := NewLockSystem()
	a, _ := ls.Create(LockDetails{Root: "/p/q"})
	b, _ := ls.Create(LockDetails{Root: "/p/q/r", Shared: true, ZeroDepth: true})
	c, _ := ls.Create(LockDetails{Root: "/p2"})

	ls.ReleaseTree("/p/q")
	if _, ok := ls.Get(a.Token); ok {
		t.Fatalf("lock at the released root survived")
	}
	if _, ok := ls.Get(b.Token); ok {
		t.Fatalf("lock under the released root survived")
	}
	if _, ok := ls.Get(c.Token); !ok {
		t.Fatalf("unrelated lock was released")
	}
}

func TestLookup(t *testing.T) {
	ls := NewLockSystem()
	if _, err := ls.Create(LockDetails{Root: "/m"}); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := ls.Create(LockDetails{Root: "/m/n", Shared: true}); err == nil {
		t.Fatalf("expected conflict") // exclusive ancestor blocks it
	}
	if locks := ls.Lookup("/m/n"); len(locks) != 1 || locks[0].Root != "/m" {
		t.Fatalf("Lookup(/m/n) = %v, want the inherited /m lock", locks)
	}
	if locks := ls.Lookup("/elsewhere"); len(locks) != 0 {
		t.Fatalf("Lookup on untouched resource = %v, want none", locks)
	}
}

// Many goroutines race to take the same exclusive lock; exactly one may
// win, and after it unlocks exactly one of the next wave may win, etc.
func TestCreateRace(t *testing.T) {
	ls := NewLockSystem()
	const workers = 32
	var wg sync.WaitGroup
	var mu sync.Mutex
	var granted []string

	wg.Add(workers)
	for k := 0; k < workers; k++ {
		go func() {
			defer wg.Done()
			if l, err := ls.Create(LockDetails{Root: "/contended"}); err == nil {
				mu.Lock()
				granted = append(granted, l.Token)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(granted) != 1 {
		t.Fatalf("%d exclusive locks granted for one root", len(granted))
	}
	if err := ls.Unlock(granted[0]); err != nil {
		t.Fatalf("Unlock failed: %v", err)
	}
	if _, err := ls.Create(LockDetails{Root: "/contended"}); err != nil {
		t.Fatalf("Create after release failed: %v", err)
	}
}
