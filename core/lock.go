package core

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrLocked is returned by Create and Confirm when an active lock
	// blocks the operation.
	ErrLocked = errors.New("webdav: locked")
	// ErrNoSuchLock is returned by Refresh and Unlock for unknown or
	// expired tokens.
	ErrNoSuchLock = errors.New("webdav: no such lock")
)

// ConflictError lists the roots of the locks that blocked an operation.
// It matches ErrLocked under errors.Is.
type ConflictError struct {
	Roots []string
}

func (err *ConflictError) Error() string {
	return "webdav: locked by " + strings.Join(err.Roots, ", ")
}

func (err *ConflictError) Is(target error) bool {
	return target == ErrLocked
}

// LockDetails are a lock's metadata.
type LockDetails struct {
	// Root is the resource name being locked. For a zero-depth lock the
	// root is the only resource covered; otherwise the whole subtree is.
	Root string
	// Duration is the lock timeout. Zero or negative means no timeout.
	Duration time.Duration
	// Owner is the verbatim <owner> fragment from the LOCK request.
	Owner *Any
	// ZeroDepth is whether the lock has zero depth. If it does not have
	// zero depth, it has infinite depth.
	ZeroDepth bool
	// Shared is whether the lock scope is shared rather than exclusive.
	Shared bool
}

// Lock is an active lock: details plus the token naming it.
type Lock struct {
	LockDetails
	Token  string
	expiry time.Time
}

// Expired reports whether the lock timed out at time now.
func (l *Lock) Expired(now time.Time) bool {
	return !l.expiry.IsZero() && now.After(l.expiry)
}

// LockSystem is the engine's one piece of cross-request mutable state: the
// table of active locks. All access goes through one mutex; conflict check
// and insert happen under the same critical section so two exclusive locks
// can never both be granted. Expired entries are dropped lazily whenever
// they are seen and swept wholesale on Create.
type LockSystem struct {
	mu      sync.Mutex
	byToken map[string]*Lock
	byRoot  map[string][]*Lock
	now     func() time.Time
}

func NewLockSystem() *LockSystem {
	return &LockSystem{
		byToken: make(map[string]*Lock),
		byRoot:  make(map[string][]*Lock),
		now:     time.Now,
	}
}

// isAncestor reports whether parent strictly contains child.
func isAncestor(parent, child string) bool {
	if parent == child {
		return false
	}
	if parent == "/" {
		return true
	}
	return strings.HasPrefix(child, parent+"/")
}

// covers reports whether the lock's scope includes name.
func (l *Lock) covers(name string) bool {
	if l.Root == name {
		return true
	}
	return !l.ZeroDepth && isAncestor(l.Root, name)
}

func (ls *LockSystem) removeLocked(l *Lock) {
	delete(ls.byToken, l.Token)
	roots := ls.byRoot[l.Root]
	for k, o := range roots {
		if o == l {
			roots[k] = roots[len(roots)-1]
			roots = roots[:len(roots)-1]
			break
		}
	}
	if len(roots) == 0 {
		delete(ls.byRoot, l.Root)
	} else {
		ls.byRoot[l.Root] = roots
	}
}

func (ls *LockSystem) sweepLocked(now time.Time) {
	for _, l := range ls.byToken {
		if l.Expired(now) {
			ls.removeLocked(l)
		}
	}
}

// conflictsLocked collects the active locks that block a new lock with the
// given root, depth and scope.
func (ls *LockSystem) conflictsLocked(now time.Time, root string, zeroDepth, shared bool) (blocking []string) {
	for _, l := range ls.byToken {
		if l.Expired(now) {
			continue
		}
		var overlap bool
		switch {
		case l.Root == root:
			overlap = true
		case isAncestor(l.Root, root):
			// an ancestor lock reaches down only at infinite depth
			overlap = !l.ZeroDepth
		case isAncestor(root, l.Root):
			overlap = !zeroDepth
		}
		if !overlap {
			continue
		}
		if !shared || !l.Shared {
			blocking = append(blocking, l.Root)
		}
	}
	return blocking
}

// Create acquires a new lock, or returns a ConflictError enumerating the
// blocking lock roots. The token is a urn:uuid URI, unique for the lifetime
// of the LockSystem.
func (ls *LockSystem) Create(details LockDetails) (Lock, error) {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	now := ls.now()
	ls.sweepLocked(now)
	if blocking := ls.conflictsLocked(now, details.Root, details.ZeroDepth, details.Shared); len(blocking) != 0 {
		return Lock{}, &ConflictError{Roots: blocking}
	}

	l := &Lock{
		LockDetails: details,
		Token:       "urn:uuid:" + uuid.NewString(),
	}
	if details.Duration > 0 {
		l.expiry = now.Add(details.Duration)
	}
	ls.byToken[l.Token] = l
	ls.byRoot[l.Root] = append(ls.byRoot[l.Root], l)
	return *l, nil
}

// Refresh replaces the timeout of an active lock.
func (ls *LockSystem) Refresh(token string, duration time.Duration) (Lock, error) {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	now := ls.now()
	l, ok := ls.byToken[token]
	if !ok {
		return Lock{}, ErrNoSuchLock
	} else if l.Expired(now) {
		ls.removeLocked(l)
		return Lock{}, ErrNoSuchLock
	}
	l.Duration = duration
	if duration > 0 {
		l.expiry = now.Add(duration)
	} else {
		l.expiry = time.Time{}
	}
	return *l, nil
}

// Unlock releases an active lock.
func (ls *LockSystem) Unlock(token string) error {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	l, ok := ls.byToken[token]
	if !ok {
		return ErrNoSuchLock
	} else if l.Expired(ls.now()) {
		ls.removeLocked(l)
		return ErrNoSuchLock
	}
	ls.removeLocked(l)
	return nil
}

// Get returns the active lock named by token.
func (ls *LockSystem) Get(token string) (Lock, bool) {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	l, ok := ls.byToken[token]
	if !ok {
		return Lock{}, false
	} else if l.Expired(ls.now()) {
		ls.removeLocked(l)
		return Lock{}, false
	}
	return *l, true
}

// ReleaseTree drops every lock rooted at or under name. Called after a
// successful DELETE or MOVE so locks do not outlive the resources they
// were taken on.
func (ls *LockSystem) ReleaseTree(name string) {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	for _, l := range ls.byToken {
		if l.Root == name || isAncestor(name, l.Root) {
			ls.removeLocked(l)
		}
	}
}

// Lookup returns the active locks covering name, directly or inherited
// from depth-infinite locks on ancestors.
func (ls *LockSystem) Lookup(name string) []Lock {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	now := ls.now()
	var covering []Lock
	for _, l := range ls.byToken {
		if l.Expired(now) {
			ls.removeLocked(l)
		} else if l.covers(name) {
			covering = append(covering, *l)
		}
	}
	return covering
}

// ValidToken reports whether token names an active lock covering name.
func (ls *LockSystem) ValidToken(token string, name string) bool {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	l, ok := ls.byToken[token]
	if !ok {
		return false
	} else if l.Expired(ls.now()) {
		ls.removeLocked(l)
		return false
	}
	return l.covers(name)
}

// Confirm checks that the submitted tokens cover every active lock on name
// and its depth-infinite ancestors. A ConflictError lists the roots of the
// locks whose tokens were not submitted.
func (ls *LockSystem) Confirm(name string, tokens ...string) error {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	now := ls.now()
	var missing []string
	for _, l := range ls.byToken {
		if l.Expired(now) {
			ls.removeLocked(l)
			continue
		} else if !l.covers(name) {
			continue
		}
		var held bool
		for _, t := range tokens {
			if t == l.Token {
				held = true
				break
			}
		}
		if !held {
			missing = append(missing, l.Root)
		}
	}
	if len(missing) != 0 {
		return &ConflictError{Roots: missing}
	}
	return nil
}

// ConfirmTree is Confirm extended to locks rooted inside the subtree at
// name, for operations that affect every descendant (DELETE, MOVE).
func (ls *LockSystem) ConfirmTree(name string, tokens ...string) error {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	now := ls.now()
	var missing []string
	for _, l := range ls.byToken {
		if l.Expired(now) {
			ls.removeLocked(l)
			continue
		} else if !l.covers(name) && !isAncestor(name, l.Root) {
			continue
		}
		var held bool
		for _, t := range tokens {
			if t == l.Token {
				held = true
				break
			}
		}
		if !held {
			missing = append(missing, l.Root)
		}
	}
	if len(missing) != 0 {
		return &ConflictError{Roots: missing}
	}
	return nil
}
