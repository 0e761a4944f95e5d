package policy

import (
	"context"
	"errors"
	"testing"
)

func TestLifecycleHappyPath(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	l := NewLifecycle(nil)

	draft, err := l.CreateDraft(ctx, "v1", testBundle(), "alice")
	if err != nil {
		t.Fatalf("CreateDraft: %v", err)
	}
	if draft.State != RevisionDraft {
		t.Fatalf("state = %s, want draft", draft.State)
	}

	rev, err := l.SubmitForReview(ctx, draft.RevisionID)
	if err != nil {
		t.Fatalf("SubmitForReview: %v", err)
	}
	if rev.State != RevisionInReview {
		t.Fatalf("state = %s, want in_review", rev.State)
	}

	var published []Revision
	l.SetOnPublish(func(r Revision) { published = append(published, r) })

	rev, err = l.Publish(ctx, draft.RevisionID)
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if rev.State != RevisionPublished {
		t.Fatalf("state = %s, want published", rev.State)
	}
	if len(published) != 1 || published[0].RevisionID != draft.RevisionID {
		t.Errorf("onPublish fired %d times, want 1 for %s", len(published), draft.RevisionID)
	}

	got, err := l.Published()
	if err != nil {
		t.Fatalf("Published: %v", err)
	}
	if got.RevisionID != draft.RevisionID {
		t.Errorf("published revision = %s, want %s", got.RevisionID, draft.RevisionID)
	}
}

func TestLifecycleRejectsBadTransitions(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	l := NewLifecycle(nil)

	draft, err := l.CreateDraft(ctx, "v1", Bundle{}, "alice")
	if err != nil {
		t.Fatalf("CreateDraft: %v", err)
	}

	// Publish straight from draft is invalid.
	if _, err := l.Publish(ctx, draft.RevisionID); !errors.Is(err, ErrBadTransition) {
		t.Fatalf("publish from draft: err = %v, want ErrBadTransition", err)
	}

	// Unknown revision.
	if _, err := l.SubmitForReview(ctx, "nope"); !errors.Is(err, ErrRevisionNotFound) {
		t.Fatalf("unknown revision: err = %v, want ErrRevisionNotFound", err)
	}
}

func TestLifecycleSinglePublishedRevision(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	l := NewLifecycle(nil)

	first := mustPublish(t, l, "v1")
	second, err := l.CreateDraft(ctx, "v2", Bundle{}, "bob")
	if err != nil {
		t.Fatalf("CreateDraft v2: %v", err)
	}
	if _, err := l.SubmitForReview(ctx, second.RevisionID); err != nil {
		t.Fatalf("SubmitForReview v2: %v", err)
	}

	if _, err := l.Publish(ctx, second.RevisionID); !errors.Is(err, ErrAlreadyPublished) {
		t.Fatalf("second publish: err = %v, want ErrAlreadyPublished", err)
	}

	got, err := l.Published()
	if err != nil {
		t.Fatalf("Published: %v", err)
	}
	if got.RevisionID != first.RevisionID {
		t.Errorf("published = %s, want first revision %s", got.RevisionID, first.RevisionID)
	}
}

func TestLifecycleRollbackRestores(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	l := NewLifecycle(nil)

	v1 := mustPublish(t, l, "v1")

	// Roll v1 back by restoring... itself would be a no-op path, so publish a
	// v2 first via rollback semantics: demote v1, restore a fresh in_review v2.
	v2, err := l.CreateDraft(ctx, "v2", Bundle{}, "bob")
	if err != nil {
		t.Fatalf("CreateDraft v2: %v", err)
	}
	if _, err := l.SubmitForReview(ctx, v2.RevisionID); err != nil {
		t.Fatalf("SubmitForReview v2: %v", err)
	}

	restored, err := l.Rollback(ctx, v2.RevisionID)
	if err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	if restored.State != RevisionPublished {
		t.Fatalf("restored state = %s, want published", restored.State)
	}

	demoted, err := l.Get(v1.RevisionID)
	if err != nil {
		t.Fatalf("Get v1: %v", err)
	}
	if demoted.State != RevisionRolledBack {
		t.Errorf("demoted state = %s, want rolled_back", demoted.State)
	}

	// A rolled-back revision cannot be restored again.
	if _, err := l.Rollback(ctx, v1.RevisionID); !errors.Is(err, ErrRestoreRolledBack) {
		t.Fatalf("restore rolled back: err = %v, want ErrRestoreRolledBack", err)
	}
}

func mustPublish(t *testing.T, l *Lifecycle, version string) Revision {
	t.Helper()
	ctx := context.Background()
	draft, err := l.CreateDraft(ctx, version, testBundle(), "alice")
	if err != nil {
		t.Fatalf("CreateDraft %s: %v", version, err)
	}
	if _, err := l.SubmitForReview(ctx, draft.RevisionID); err != nil {
		t.Fatalf("SubmitForReview %s: %v", version, err)
	}
	rev, err := l.Publish(ctx, draft.RevisionID)
	if err != nil {
		t.Fatalf("Publish %s: %v", version, err)
	}
	return rev
}
