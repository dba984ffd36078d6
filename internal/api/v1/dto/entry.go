package dto

import (
	"encoding/json"
	"time"

	"researchdesk/internal/model"
)

// EntryResponseDTO is a bibliography entry as returned by the API.
type EntryResponseDTO struct {
	ID                  string                    `json:"id"`
	Citation            json.RawMessage           `json:"citation"`
	CitationText        string                    `json:"citation_text"`
	NarrativeOverview   string                    `json:"narrative_overview"`
	ResearchComponents  map[string]string         `json:"research_components,omitempty"`
	CoreFindings        string                    `json:"core_findings,omitempty"`
	MethodologicalValue model.MethodologicalValue `json:"methodological_value"`
	KeyQuotes           []model.Quote             `json:"key_quotes"`
	ResearchFocus       string                    `json:"research_focus"`
	CreatedAt           time.Time                 `json:"created_at"`
	UpdatedAt           time.Time                 `json:"updated_at"`
}

func NewEntryResponse(e *model.BibliographyEntry) EntryResponseDTO {
	return EntryResponseDTO{
		ID:                  e.ID,
		Citation:            e.Citation,
		CitationText:        e.CitationText(),
		NarrativeOverview:   e.NarrativeOverview,
		ResearchComponents:  e.ResearchComponents,
		CoreFindings:        e.CoreFindings,
		MethodologicalValue: e.MethodologicalValue,
		KeyQuotes:           e.KeyQuotes,
		ResearchFocus:       e.ResearchFocus,
		CreatedAt:           e.CreatedAt,
		UpdatedAt:           e.UpdatedAt,
	}
}

// AnalyzeResponseDTO is returned once an uploaded document has been analyzed.
type AnalyzeResponseDTO struct {
	TaskID       string           `json:"task_id"`
	Entry        EntryResponseDTO `json:"entry"`
	Subscription SubscriptionDTO  `json:"subscription"`
}

// EntryUpdateDTO is a partial edit; omitted fields are left unchanged.
type EntryUpdateDTO struct {
	NarrativeOverview   *string                    `json:"narrative_overview" validate:"omitempty,max=20000"`
	ResearchComponents  map[string]string          `json:"research_components"`
	CoreFindings        *string                    `json:"core_findings" validate:"omitempty,max=20000"`
	MethodologicalValue *model.MethodologicalValue `json:"methodological_value"`
	KeyQuotes           []model.Quote              `json:"key_quotes" validate:"omitempty,dive"`
	ResearchFocus       *string                    `json:"research_focus" validate:"omitempty,min=3,max=100"`
}

func (d EntryUpdateDTO) ToModel() model.EntryUpdate {
	return model.EntryUpdate{
		NarrativeOverview:   d.NarrativeOverview,
		ResearchComponents:  d.ResearchComponents,
		CoreFindings:        d.CoreFindings,
		MethodologicalValue: d.MethodologicalValue,
		KeyQuotes:           d.KeyQuotes,
		ResearchFocus:       d.ResearchFocus,
	}
}

// ExportResponseDTO is returned when an export was uploaded instead of streamed.
type ExportResponseDTO struct {
	URL      string `json:"url"`
	FileName string `json:"file_name"`
	Entries  int    `json:"entries"`
}
