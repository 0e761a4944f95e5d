package taint

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/agentgate-io/agentgate/internal/domain/gateway"
	"github.com/agentgate-io/agentgate/internal/domain/trace"
)

// labelStore is a trace.Store stub that only implements taint label
// persistence; the journal methods are unused here.
type labelStore struct {
	mu     sync.Mutex
	labels map[string][]string
	puts   int
	getErr error
}

func newLabelStore() *labelStore {
	return &labelStore{labels: make(map[string][]string)}
}

func (s *labelStore) GetTaintLabels(_ context.Context, sessionID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getErr != nil {
		return nil, s.getErr
	}
	return s.labels[sessionID], nil
}

func (s *labelStore) PutTaintLabels(_ context.Context, sessionID string, labels []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.puts++
	s.labels[sessionID] = labels
	return nil
}

func (s *labelStore) Append(context.Context, trace.Event) error { return nil }
func (s *labelStore) Query(context.Context, string, *time.Time) ([]trace.Event, error) {
	return nil, nil
}
func (s *labelStore) ListSessions(context.Context) ([]string, error) { return nil, nil }

func (s *labelStore) PutCheckpoint(context.Context, trace.Checkpoint) error { return nil }
func (s *labelStore) ListCheckpoints(context.Context, string) ([]trace.Checkpoint, error) {
	return nil, nil
}
func (s *labelStore) PutArchive(_ context.Context, a trace.Archive) (trace.Archive, error) {
	return a, nil
}
func (s *labelStore) GetArchive(context.Context, string, string, string) (trace.Archive, error) {
	return trace.Archive{}, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func requestWithLabels(session string, labels []string, sensitive bool) *gateway.ToolCallRequest {
	ctx := make(map[string]json.RawMessage)
	if len(labels) > 0 {
		raw, _ := json.Marshal(labels)
		ctx["taint_labels"] = raw
	}
	if sensitive {
		ctx["contains_sensitive_data"] = json.RawMessage(`true`)
	}
	return &gateway.ToolCallRequest{SessionID: session, ToolName: "read_file", Context: ctx}
}

func TestObserveContextMergesLabels(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newLabelStore()
	tr := New(store, []string{"sensitive"}, []string{"send_email"}, testLogger())

	if err := tr.ObserveContext(ctx, requestWithLabels("s1", []string{"pii"}, false)); err != nil {
		t.Fatalf("ObserveContext: %v", err)
	}
	if err := tr.ObserveContext(ctx, requestWithLabels("s1", []string{"credentials"}, false)); err != nil {
		t.Fatalf("ObserveContext: %v", err)
	}

	labels, err := tr.Labels(ctx, "s1")
	if err != nil {
		t.Fatalf("Labels: %v", err)
	}
	if len(labels) != 2 || labels[0] != "credentials" || labels[1] != "pii" {
		t.Errorf("labels = %v, want sorted [credentials pii]", labels)
	}
}

func TestObserveContextSensitiveFlag(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newLabelStore()
	tr := New(store, []string{SensitiveLabel}, nil, testLogger())

	if err := tr.ObserveContext(ctx, requestWithLabels("s1", nil, true)); err != nil {
		t.Fatalf("ObserveContext: %v", err)
	}
	labels, _ := tr.Labels(ctx, "s1")
	if len(labels) != 1 || labels[0] != SensitiveLabel {
		t.Errorf("labels = %v, want [%s]", labels, SensitiveLabel)
	}
}

func TestObserveContextWritesOnlyOnGrowth(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newLabelStore()
	tr := New(store, nil, nil, testLogger())

	_ = tr.ObserveContext(ctx, requestWithLabels("s1", []string{"pii"}, false))
	if store.puts != 1 {
		t.Fatalf("puts = %d, want 1", store.puts)
	}

	// Same labels again: no write.
	_ = tr.ObserveContext(ctx, requestWithLabels("s1", []string{"pii"}, false))
	if store.puts != 1 {
		t.Errorf("puts = %d after duplicate observe, want 1", store.puts)
	}

	// No labels at all: no read, no write.
	_ = tr.ObserveContext(ctx, requestWithLabels("s1", nil, false))
	if store.puts != 1 {
		t.Errorf("puts = %d after empty observe, want 1", store.puts)
	}
}

func TestBlockReason(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newLabelStore()
	store.labels["tainted"] = []string{"pii", "public", "credentials"}
	store.labels["clean"] = []string{"public"}
	tr := New(store, []string{"pii", "credentials"}, []string{"send_email", "http_post"}, testLogger())

	tests := []struct {
		name    string
		session string
		tool    string
		blocked bool
	}{
		{"tainted session, exfil tool", "tainted", "send_email", true},
		{"tainted session, safe tool", "tainted", "read_file", false},
		{"clean session, exfil tool", "clean", "send_email", false},
		{"unknown session, exfil tool", "nope", "http_post", false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			reason, err := tr.BlockReason(ctx, tt.session, tt.tool)
			if err != nil {
				t.Fatalf("BlockReason: %v", err)
			}
			if got := reason != ""; got != tt.blocked {
				t.Errorf("reason = %q, want blocked=%v", reason, tt.blocked)
			}
		})
	}
}

func TestBlockReasonNamesLabels(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newLabelStore()
	store.labels["s1"] = []string{"pii", "credentials"}
	tr := New(store, []string{"pii", "credentials"}, []string{"send_email"}, testLogger())

	reason, err := tr.BlockReason(ctx, "s1", "send_email")
	if err != nil {
		t.Fatalf("BlockReason: %v", err)
	}
	if !strings.Contains(reason, "send_email") || !strings.Contains(reason, "credentials, pii") {
		t.Errorf("reason = %q, want tool name and sorted labels", reason)
	}
}

func TestBlockReasonStoreError(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newLabelStore()
	store.getErr = errors.New("db locked")
	tr := New(store, []string{"pii"}, []string{"send_email"}, testLogger())

	if _, err := tr.BlockReason(ctx, "s1", "send_email"); err == nil {
		t.Error("store failure not surfaced")
	}
	// Non-exfiltration tools never touch the store.
	if _, err := tr.BlockReason(ctx, "s1", "read_file"); err != nil {
		t.Errorf("safe tool hit the store: %v", err)
	}
}
