// Package evidence exports per-session audit packs as write-once archives.
package evidence

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/gowebpki/jcs"

	"github.com/agentgate-io/agentgate/internal/domain/trace"
)

// SchemaURL identifies the evidence pack JSON schema version.
const SchemaURL = "https://schemas.agentgate.io/evidence-pack/v1.json"

// Formats an archive can be rendered in.
const (
	FormatJSON = "json"
	FormatHTML = "html"
	FormatPDF  = "pdf"
)

// ErrUnsupportedFormat is returned when no renderer can produce the requested
// format (surfaces as HTTP 501).
var ErrUnsupportedFormat = errors.New("unsupported evidence format")

// Pack is the exported audit record for one session.
type Pack struct {
	SchemaURL   string          `json:"schema_url"`
	SessionID   string          `json:"session_id"`
	GeneratedAt time.Time       `json:"generated_at"`
	EventCount  int             `json:"event_count"`
	MerkleRoot  string          `json:"merkle_root,omitempty"`
	TaintLabels []string        `json:"taint_labels,omitempty"`
	Events      []trace.Event   `json:"events"`
	Checkpoints []trace.Checkpoint `json:"checkpoints,omitempty"`
}

// Renderer turns a pack into archive bytes for one format.
type Renderer interface {
	Format() string
	Render(p Pack) ([]byte, error)
}

// ThemedRenderer is a renderer that can produce a display-theme variant.
type ThemedRenderer interface {
	Renderer
	WithTheme(theme string) Renderer
}

// Exporter builds packs from the trace store and archives them write-once.
type Exporter struct {
	traces    trace.Store
	renderers map[string]Renderer
	scrub     func(string) string
	now       func() time.Time
}

// NewExporter wires the exporter with the available renderers; formats with no
// renderer yield ErrUnsupportedFormat at export time. scrub may be nil.
func NewExporter(traces trace.Store, scrub func(string) string, renderers ...Renderer) *Exporter {
	byFormat := make(map[string]Renderer, len(renderers))
	for _, r := range renderers {
		byFormat[r.Format()] = r
	}
	if scrub == nil {
		scrub = func(s string) string { return s }
	}
	return &Exporter{traces: traces, renderers: byFormat, scrub: scrub, now: time.Now}
}

// Build assembles the scrubbed pack for a session.
func (e *Exporter) Build(ctx context.Context, sessionID string) (Pack, error) {
	events, err := e.traces.Query(ctx, sessionID, nil)
	if err != nil {
		return Pack{}, fmt.Errorf("query session events: %w", err)
	}
	for i := range events {
		events[i].PolicyReason = e.scrub(events[i].PolicyReason)
		events[i].Error = e.scrub(events[i].Error)
	}

	pack := Pack{
		SchemaURL:   SchemaURL,
		SessionID:   sessionID,
		GeneratedAt: e.now().UTC(),
		EventCount:  len(events),
		Events:      events,
	}
	if len(events) > 0 {
		tree := trace.BuildTree(events)
		pack.MerkleRoot = tree.Root()
	}
	if labels, err := e.traces.GetTaintLabels(ctx, sessionID); err == nil {
		pack.TaintLabels = labels
	}
	if cps, err := e.traces.ListCheckpoints(ctx, sessionID); err == nil {
		pack.Checkpoints = cps
	}
	return pack, nil
}

// Export builds, renders, and archives the pack. Re-exporting an identical
// pack returns the existing archive. theme selects a display variant on
// renderers that support one; other renderers ignore it.
func (e *Exporter) Export(ctx context.Context, sessionID, format, theme string) (trace.Archive, error) {
	renderer, ok := e.renderers[format]
	if !ok {
		return trace.Archive{}, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}
	if theme != "" {
		if themed, ok := renderer.(ThemedRenderer); ok {
			renderer = themed.WithTheme(theme)
		}
	}
	pack, err := e.Build(ctx, sessionID)
	if err != nil {
		return trace.Archive{}, err
	}
	payload, err := renderer.Render(pack)
	if err != nil {
		return trace.Archive{}, fmt.Errorf("render %s pack: %w", format, err)
	}

	sum := sha256.Sum256(payload)
	archive := trace.Archive{
		ArchiveID:     uuid.NewString(),
		SessionID:     sessionID,
		Format:        format,
		Payload:       payload,
		IntegrityHash: hex.EncodeToString(sum[:]),
		CreatedAt:     e.now().UTC(),
	}
	stored, err := e.traces.PutArchive(ctx, archive)
	if err != nil {
		return trace.Archive{}, fmt.Errorf("archive evidence pack: %w", err)
	}
	return stored, nil
}

// Formats lists the renderable formats.
func (e *Exporter) Formats() []string {
	out := make([]string, 0, len(e.renderers))
	for f := range e.renderers {
		out = append(out, f)
	}
	return out
}

// canonicalJSON renders the pack with sorted keys and no whitespace so the
// integrity hash is stable across exports of identical content.
func canonicalJSON(p Pack) ([]byte, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return jcs.Transform(raw)
}
