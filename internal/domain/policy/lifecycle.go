package policy

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Lifecycle errors.
var (
	ErrRevisionNotFound  = errors.New("policy revision not found")
	ErrBadTransition     = errors.New("invalid policy revision transition")
	ErrNothingPublished  = errors.New("no published policy revision")
	ErrAlreadyPublished  = errors.New("another revision is already published")
	ErrRestoreRolledBack = errors.New("cannot restore a rolled back revision into review")
)

// RevisionStore persists policy revisions.
type RevisionStore interface {
	PutRevision(ctx context.Context, r Revision) error
	ListRevisions(ctx context.Context) ([]Revision, error)
}

// Lifecycle is the policy revision state machine:
// draft -> in_review -> published, with rolled_back as a sink.
// At most one revision is published at a time.
type Lifecycle struct {
	mu    sync.Mutex
	byID  map[string]Revision
	store RevisionStore
	now   func() time.Time

	// onPublish is invoked (outside the lock) with the newly published bundle.
	onPublish func(Revision)
}

// NewLifecycle creates a lifecycle FSM backed by the given store. store may be
// nil for tests.
func NewLifecycle(store RevisionStore) *Lifecycle {
	return &Lifecycle{
		byID:  make(map[string]Revision),
		store: store,
		now:   time.Now,
	}
}

// SetOnPublish registers a callback fired after each successful publish or
// rollback restore, receiving the now-published revision.
func (l *Lifecycle) SetOnPublish(fn func(Revision)) {
	l.onPublish = fn
}

// Bootstrap loads persisted revisions.
func (l *Lifecycle) Bootstrap(ctx context.Context) error {
	if l.store == nil {
		return nil
	}
	persisted, err := l.store.ListRevisions(ctx)
	if err != nil {
		return fmt.Errorf("load policy revisions: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	for _, r := range persisted {
		l.byID[r.RevisionID] = r
	}
	return nil
}

// CreateDraft registers a new draft revision.
func (l *Lifecycle) CreateDraft(ctx context.Context, version string, bundle Bundle, createdBy string) (Revision, error) {
	now := l.now().UTC()
	r := Revision{
		RevisionID: uuid.NewString(),
		Version:    version,
		State:      RevisionDraft,
		Bundle:     bundle,
		CreatedBy:  createdBy,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	l.mu.Lock()
	l.byID[r.RevisionID] = r
	l.mu.Unlock()

	return r, l.persist(ctx, r)
}

// SubmitForReview moves a draft to in_review.
func (l *Lifecycle) SubmitForReview(ctx context.Context, revisionID string) (Revision, error) {
	return l.transition(ctx, revisionID, RevisionDraft, RevisionInReview)
}

// Publish moves an in_review revision to published. Fails if another revision
// is currently published.
func (l *Lifecycle) Publish(ctx context.Context, revisionID string) (Revision, error) {
	l.mu.Lock()
	r, ok := l.byID[revisionID]
	if !ok {
		l.mu.Unlock()
		return Revision{}, ErrRevisionNotFound
	}
	if r.State != RevisionInReview {
		l.mu.Unlock()
		return Revision{}, fmt.Errorf("%w: publish requires in_review, revision is %s", ErrBadTransition, r.State)
	}
	for _, other := range l.byID {
		if other.RevisionID != revisionID && other.State == RevisionPublished {
			l.mu.Unlock()
			return Revision{}, ErrAlreadyPublished
		}
	}
	r.State = RevisionPublished
	r.UpdatedAt = l.now().UTC()
	l.byID[revisionID] = r
	l.mu.Unlock()

	if err := l.persist(ctx, r); err != nil {
		return Revision{}, err
	}
	if l.onPublish != nil {
		l.onPublish(r)
	}
	return r, nil
}

// Rollback moves the currently published revision to rolled_back and restores
// the revision named by restoreID to published.
func (l *Lifecycle) Rollback(ctx context.Context, restoreID string) (Revision, error) {
	l.mu.Lock()
	restore, ok := l.byID[restoreID]
	if !ok {
		l.mu.Unlock()
		return Revision{}, ErrRevisionNotFound
	}
	if restore.State == RevisionRolledBack {
		l.mu.Unlock()
		return Revision{}, ErrRestoreRolledBack
	}

	now := l.now().UTC()
	var demoted *Revision
	for id, r := range l.byID {
		if r.State == RevisionPublished && id != restoreID {
			r.State = RevisionRolledBack
			r.UpdatedAt = now
			l.byID[id] = r
			rr := r
			demoted = &rr
		}
	}

	restore.State = RevisionPublished
	restore.UpdatedAt = now
	l.byID[restoreID] = restore
	l.mu.Unlock()

	if demoted != nil {
		if err := l.persist(ctx, *demoted); err != nil {
			return Revision{}, err
		}
	}
	if err := l.persist(ctx, restore); err != nil {
		return Revision{}, err
	}
	if l.onPublish != nil {
		l.onPublish(restore)
	}
	return restore, nil
}

// Published returns the currently published revision.
func (l *Lifecycle) Published() (Revision, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, r := range l.byID {
		if r.State == RevisionPublished {
			return r, nil
		}
	}
	return Revision{}, ErrNothingPublished
}

// Get returns a revision by ID.
func (l *Lifecycle) Get(revisionID string) (Revision, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.byID[revisionID]
	if !ok {
		return Revision{}, ErrRevisionNotFound
	}
	return r, nil
}

// List returns all revisions, newest first.
func (l *Lifecycle) List() []Revision {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Revision, 0, len(l.byID))
	for _, r := range l.byID {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// transition performs a simple from->to state move.
func (l *Lifecycle) transition(ctx context.Context, revisionID string, from, to RevisionState) (Revision, error) {
	l.mu.Lock()
	r, ok := l.byID[revisionID]
	if !ok {
		l.mu.Unlock()
		return Revision{}, ErrRevisionNotFound
	}
	if r.State != from {
		l.mu.Unlock()
		return Revision{}, fmt.Errorf("%w: %s -> %s requires %s, revision is %s", ErrBadTransition, from, to, from, r.State)
	}
	r.State = to
	r.UpdatedAt = l.now().UTC()
	l.byID[revisionID] = r
	l.mu.Unlock()

	return r, l.persist(ctx, r)
}

func (l *Lifecycle) persist(ctx context.Context, r Revision) error {
	if l.store == nil {
		return nil
	}
	if err := l.store.PutRevision(ctx, r); err != nil {
		return fmt.Errorf("persist policy revision: %w", err)
	}
	return nil
}
