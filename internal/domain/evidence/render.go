package evidence

import (
	"bytes"
	"fmt"
	"html/template"
)

// JSONRenderer emits the pack as canonical JSON (sorted keys, no whitespace).
type JSONRenderer struct{}

func (JSONRenderer) Format() string { return FormatJSON }

func (JSONRenderer) Render(p Pack) ([]byte, error) {
	out, err := canonicalJSON(p)
	if err != nil {
		return nil, fmt.Errorf("encode evidence pack: %w", err)
	}
	return out, nil
}

// HTMLRenderer emits a self-contained report page.
type HTMLRenderer struct {
	Theme string // "dark" or "" for light
}

func (HTMLRenderer) Format() string { return FormatHTML }

// WithTheme returns a copy rendering with the given theme.
func (r HTMLRenderer) WithTheme(theme string) Renderer {
	r.Theme = theme
	return r
}

func (r HTMLRenderer) Render(p Pack) ([]byte, error) {
	var buf bytes.Buffer
	data := struct {
		Pack
		Theme string
	}{Pack: p, Theme: r.Theme}
	if err := reportTmpl.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("render evidence report: %w", err)
	}
	return buf.Bytes(), nil
}

var reportTmpl = template.Must(template.New("report").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>Evidence pack {{.SessionID}}</title>
<style>
body { font-family: ui-monospace, monospace; margin: 2rem; {{if eq .Theme "dark"}}background:#111;color:#ddd;{{end}} }
table { border-collapse: collapse; width: 100%; }
th, td { border: 1px solid #888; padding: 4px 8px; text-align: left; font-size: 0.85rem; }
.meta { margin-bottom: 1rem; }
</style>
</head>
<body>
<h1>Session {{.SessionID}}</h1>
<div class="meta">
<p>Schema: {{.SchemaURL}}</p>
<p>Generated: {{.GeneratedAt.Format "2006-01-02T15:04:05Z07:00"}}</p>
<p>Events: {{.EventCount}}{{if .MerkleRoot}} | Merkle root: <code>{{.MerkleRoot}}</code>{{end}}</p>
{{if .TaintLabels}}<p>Taint labels: {{range .TaintLabels}}<code>{{.}}</code> {{end}}</p>{{end}}
</div>
<table>
<tr><th>Timestamp</th><th>Tool</th><th>Decision</th><th>Rule</th><th>Executed</th><th>Reason</th></tr>
{{range .Events}}<tr>
<td>{{.Timestamp.Format "2006-01-02T15:04:05Z07:00"}}</td>
<td>{{.ToolName}}</td>
<td>{{.PolicyDecision}}</td>
<td>{{.MatchedRule}}</td>
<td>{{.Executed}}</td>
<td>{{.PolicyReason}}</td>
</tr>{{end}}
</table>
</body>
</html>
`))

// ProbePDFRenderer reports whether a PDF renderer is available in this build.
// None ships today; the evidence endpoint maps the absence to 501. A build
// that links one registers it with NewExporter instead of calling this.
func ProbePDFRenderer() (Renderer, bool) { return nil, false }
