package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Well-known research component keys, in display order.
var ResearchComponentOrder = []string{"research_purpose", "methodology", "theoretical_framework"}

// BibliographyEntry is an annotated bibliography entry owned by a single user.
type BibliographyEntry struct {
	ID                  string              `db:"id" json:"id"`
	UserID              string              `db:"user_id" json:"user_id"`
	Citation            json.RawMessage     `db:"citation" json:"citation"`
	NarrativeOverview   string              `db:"narrative_overview" json:"narrative_overview"`
	ResearchComponents  map[string]string   `db:"research_components" json:"research_components,omitempty"`
	CoreFindings        string              `db:"core_findings" json:"core_findings,omitempty"`
	MethodologicalValue MethodologicalValue `db:"methodological_value" json:"methodological_value"`
	KeyQuotes           []Quote             `db:"key_quotes" json:"key_quotes"`
	ResearchFocus       string              `db:"research_focus" json:"research_focus"`
	SourceTaskID        string              `db:"source_task_id" json:"source_task_id,omitempty"`
	CreatedAt           time.Time           `db:"created_at" json:"created_at"`
	UpdatedAt           time.Time           `db:"updated_at" json:"updated_at"`
}

// MethodologicalValue holds the strengths and limitations assessment.
type MethodologicalValue struct {
	Strengths   string `json:"strengths,omitempty"`
	Limitations string `json:"limitations,omitempty"`
}

// Quote is a key quote with its page reference.
type Quote struct {
	Text string  `json:"text"`
	Page PageRef `json:"page,omitempty"`
}

// PageRef accepts both numeric and string page references.
type PageRef string

func (p *PageRef) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*p = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*p = PageRef(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("page reference: %w", err)
	}
	*p = PageRef(n.String())
	return nil
}

// CitationText renders the citation whether it was stored as a plain string or as a
// structured object with a formatted field.
func (e *BibliographyEntry) CitationText() string {
	if len(e.Citation) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(e.Citation, &s); err == nil {
		return s
	}
	var obj map[string]any
	if err := json.Unmarshal(e.Citation, &obj); err != nil {
		return string(e.Citation)
	}
	for _, key := range []string{"formatted", "apa", "text", "full"} {
		if v, ok := obj[key].(string); ok && v != "" {
			return v
		}
	}
	var parts []string
	for _, key := range []string{"authors", "year", "title", "journal"} {
		if v, ok := obj[key]; ok && v != nil {
			parts = append(parts, fmt.Sprint(v))
		}
	}
	return strings.Join(parts, ". ")
}

// SortedComponents returns research components with the well-known keys first and the
// rest in alphabetical order.
func (e *BibliographyEntry) SortedComponents() []string {
	seen := make(map[string]bool, len(e.ResearchComponents))
	var keys []string
	for _, k := range ResearchComponentOrder {
		if _, ok := e.ResearchComponents[k]; ok {
			keys = append(keys, k)
			seen[k] = true
		}
	}
	var rest []string
	for k := range e.ResearchComponents {
		if !seen[k] {
			rest = append(rest, k)
		}
	}
	sort.Strings(rest)
	return append(keys, rest...)
}

// Matches reports whether term occurs (case-insensitively) in the citation, overview
// or research focus.
func (e *BibliographyEntry) Matches(term string) bool {
	term = strings.ToLower(strings.TrimSpace(term))
	if term == "" {
		return true
	}
	haystack := strings.ToLower(e.CitationText() + " " + e.NarrativeOverview + " " + e.ResearchFocus)
	return strings.Contains(haystack, term)
}

// EntryUpdate is a partial update applied by an explicit user edit.
type EntryUpdate struct {
	NarrativeOverview   *string              `json:"narrative_overview,omitempty"`
	ResearchComponents  map[string]string    `json:"research_components,omitempty"`
	CoreFindings        *string              `json:"core_findings,omitempty"`
	MethodologicalValue *MethodologicalValue `json:"methodological_value,omitempty"`
	KeyQuotes           []Quote              `json:"key_quotes,omitempty"`
	ResearchFocus       *string              `json:"research_focus,omitempty"`
}

// Apply copies the set fields of u onto e.
func (u EntryUpdate) Apply(e *BibliographyEntry) {
	if u.NarrativeOverview != nil {
		e.NarrativeOverview = *u.NarrativeOverview
	}
	if u.ResearchComponents != nil {
		e.ResearchComponents = u.ResearchComponents
	}
	if u.CoreFindings != nil {
		e.CoreFindings = *u.CoreFindings
	}
	if u.MethodologicalValue != nil {
		e.MethodologicalValue = *u.MethodologicalValue
	}
	if u.KeyQuotes != nil {
		e.KeyQuotes = u.KeyQuotes
	}
	if u.ResearchFocus != nil {
		e.ResearchFocus = *u.ResearchFocus
	}
}
