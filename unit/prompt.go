// Package unit implements the cognitive unit: one node in the hierarchy
// that consumes a signal, builds a prompt from its template plus recalled
// memory, calls the backend multiplexer, and parses the artifact into zero
// or more child signals per its layer's contract.
package unit

import (
	"bytes"
	"fmt"
	"text/template"
)

// PromptData is what a unit's template can reference: the fields a
// cognitive unit's prompt is built from (template, signal payload,
// recalled context).
type PromptData struct {
	UnitID   string
	Layer    string
	Payload  string
	Recalled []string // up to RecallDepth (default 3) recalled memory entries, most similar first
	ParentID string
}

// PromptTemplate renders a unit's prompt_template against a PromptData.
// Templates are admin-authored at topology construction time, never from
// user input, so text/template's lack of sandboxing is not a concern
// here.
type PromptTemplate struct {
	version string
	tmpl    *template.Template
}

// DefaultPromptTemplateSource is used when a unit is registered without an
// explicit template: it states the task plainly and lists recalled context,
// matching the mock backend's simple layer-tag-based artifacts.
const DefaultPromptTemplateSource = `You are cognitive unit {{.UnitID}} operating at the {{.Layer}} layer.

Input:
{{.Payload}}
{{if .Recalled}}
Relevant prior context:
{{range .Recalled}}- {{.}}
{{end}}{{end}}
Produce your layer's output.`

// NewPromptTemplate parses source into a renderable template tagged with
// version (part of the cache fingerprint — editing a template invalidates
// every cache entry keyed on its old version).
func NewPromptTemplate(version, source string) (*PromptTemplate, error) {
	if source == "" {
		source = DefaultPromptTemplateSource
	}
	tmpl, err := template.New("unit-prompt-" + version).Parse(source)
	if err != nil {
		return nil, fmt.Errorf("unit: parse prompt template: %w", err)
	}
	return &PromptTemplate{version: version, tmpl: tmpl}, nil
}

// Version returns the template's version tag, part of the cache fingerprint.
func (p *PromptTemplate) Version() string { return p.version }

// Render executes the template against data.
func (p *PromptTemplate) Render(data PromptData) (string, error) {
	var buf bytes.Buffer
	if err := p.tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("unit: render prompt template: %w", err)
	}
	return buf.String(), nil
}
