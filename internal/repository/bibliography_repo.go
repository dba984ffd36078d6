package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"researchdesk/internal/model"
)

// ErrEntryNotFound is returned when the entry does not exist or belongs to another user.
var ErrEntryNotFound = errors.New("entry not found")

// BibliographyRepository stores annotated bibliography entries.
type BibliographyRepository interface {
	CreateEntry(ctx context.Context, db DBTX, e *model.BibliographyEntry) error
	GetEntry(ctx context.Context, userID, id string) (*model.BibliographyEntry, error)
	GetEntryByTaskID(ctx context.Context, userID, taskID string) (*model.BibliographyEntry, error)
	// ListEntries returns the user's entries, newest first. limit <= 0 means no limit.
	ListEntries(ctx context.Context, userID string, limit int) ([]model.BibliographyEntry, error)
	// SearchEntries matches term case-insensitively against citation, overview and focus.
	SearchEntries(ctx context.Context, userID, term string, limit int) ([]model.BibliographyEntry, error)
	GetEntriesByIDs(ctx context.Context, userID string, ids []string) ([]model.BibliographyEntry, error)
	UpdateEntry(ctx context.Context, e *model.BibliographyEntry) error
	DeleteEntry(ctx context.Context, userID, id string) error
	CountEntries(ctx context.Context, userID string) (int, error)
}

type bibliographyRepo struct {
	db *sql.DB
}

func NewBibliographyRepo(db *sql.DB) BibliographyRepository {
	return &bibliographyRepo{db: db}
}

const entryColumns = `id, user_id, citation, narrative_overview, research_components, core_findings,
	methodological_value, key_quotes, research_focus, source_task_id, created_at, updated_at`

func scanEntry(row rowScanner) (*model.BibliographyEntry, error) {
	var (
		e          model.BibliographyEntry
		citation   []byte
		components []byte
		value      []byte
		quotes     []byte
		taskID     sql.NullString
	)
	if err := row.Scan(&e.ID, &e.UserID, &citation, &e.NarrativeOverview, &components, &e.CoreFindings,
		&value, &quotes, &e.ResearchFocus, &taskID, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return nil, err
	}
	e.Citation = json.RawMessage(citation)
	e.SourceTaskID = taskID.String
	if len(components) > 0 {
		if err := json.Unmarshal(components, &e.ResearchComponents); err != nil {
			return nil, fmt.Errorf("unmarshal research_components for entry %s: %w", e.ID, err)
		}
	}
	if len(value) > 0 {
		if err := json.Unmarshal(value, &e.MethodologicalValue); err != nil {
			return nil, fmt.Errorf("unmarshal methodological_value for entry %s: %w", e.ID, err)
		}
	}
	e.KeyQuotes = []model.Quote{}
	if len(quotes) > 0 {
		if err := json.Unmarshal(quotes, &e.KeyQuotes); err != nil {
			return nil, fmt.Errorf("unmarshal key_quotes for entry %s: %w", e.ID, err)
		}
	}
	return &e, nil
}

func scanEntries(rows *sql.Rows) ([]model.BibliographyEntry, error) {
	defer rows.Close()
	entries := []model.BibliographyEntry{}
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan entry: %w", err)
		}
		entries = append(entries, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return entries, nil
}

func marshalEntryFields(e *model.BibliographyEntry) (citation, components, value, quotes []byte, err error) {
	citation = e.Citation
	if len(citation) == 0 {
		citation = []byte(`""`)
	}
	if components, err = json.Marshal(e.ResearchComponents); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("marshal research_components: %w", err)
	}
	if value, err = json.Marshal(e.MethodologicalValue); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("marshal methodological_value: %w", err)
	}
	if e.KeyQuotes == nil {
		e.KeyQuotes = []model.Quote{}
	}
	if quotes, err = json.Marshal(e.KeyQuotes); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("marshal key_quotes: %w", err)
	}
	return citation, components, value, quotes, nil
}

// CreateEntry inserts e using db, which may be a transaction.
func (r *bibliographyRepo) CreateEntry(ctx context.Context, db DBTX, e *model.BibliographyEntry) error {
	if db == nil {
		db = r.db
	}
	citation, components, value, quotes, err := marshalEntryFields(e)
	if err != nil {
		return err
	}
	query := `INSERT INTO bibliography_entries
              (id, user_id, citation, narrative_overview, research_components, core_findings,
               methodological_value, key_quotes, research_focus, source_task_id)
              VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NULLIF($10, ''))
              RETURNING created_at, updated_at`
	err = db.QueryRowContext(ctx, query, e.ID, e.UserID, citation, e.NarrativeOverview, components, e.CoreFindings,
		value, quotes, e.ResearchFocus, e.SourceTaskID).Scan(&e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert entry: %w", err)
	}
	return nil
}

func (r *bibliographyRepo) GetEntry(ctx context.Context, userID, id string) (*model.BibliographyEntry, error) {
	query := `SELECT ` + entryColumns + ` FROM bibliography_entries WHERE id = $1 AND user_id = $2`
	e, err := scanEntry(r.db.QueryRowContext(ctx, query, id, userID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrEntryNotFound
		}
		return nil, fmt.Errorf("fetch entry %s: %w", id, err)
	}
	return e, nil
}

func (r *bibliographyRepo) GetEntryByTaskID(ctx context.Context, userID, taskID string) (*model.BibliographyEntry, error) {
	query := `SELECT ` + entryColumns + ` FROM bibliography_entries WHERE source_task_id = $1 AND user_id = $2`
	e, err := scanEntry(r.db.QueryRowContext(ctx, query, taskID, userID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrEntryNotFound
		}
		return nil, fmt.Errorf("fetch entry for task %s: %w", taskID, err)
	}
	return e, nil
}

func (r *bibliographyRepo) ListEntries(ctx context.Context, userID string, limit int) ([]model.BibliographyEntry, error) {
	query := `SELECT ` + entryColumns + ` FROM bibliography_entries WHERE user_id = $1 ORDER BY created_at DESC`
	args := []any{userID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query entries: %w", err)
	}
	return scanEntries(rows)
}

func (r *bibliographyRepo) SearchEntries(ctx context.Context, userID, term string, limit int) ([]model.BibliographyEntry, error) {
	term = strings.TrimSpace(term)
	if term == "" {
		return r.ListEntries(ctx, userID, limit)
	}
	query := `SELECT ` + entryColumns + ` FROM bibliography_entries
              WHERE user_id = $1
                AND (citation::text ILIKE $2 OR narrative_overview ILIKE $2 OR research_focus ILIKE $2)
              ORDER BY created_at DESC`
	args := []any{userID, "%" + escapeLike(term) + "%"}
	if limit > 0 {
		query += ` LIMIT $3`
		args = append(args, limit)
	}
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to search entries: %w", err)
	}
	return scanEntries(rows)
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

func (r *bibliographyRepo) GetEntriesByIDs(ctx context.Context, userID string, ids []string) ([]model.BibliographyEntry, error) {
	if len(ids) == 0 {
		return []model.BibliographyEntry{}, nil
	}
	raw, err := json.Marshal(ids)
	if err != nil {
		return nil, fmt.Errorf("marshal entry ids: %w", err)
	}
	query := `SELECT ` + entryColumns + ` FROM bibliography_entries
              WHERE user_id = $1 AND id IN (SELECT jsonb_array_elements_text($2::jsonb))
              ORDER BY created_at DESC`
	rows, err := r.db.QueryContext(ctx, query, userID, raw)
	if err != nil {
		return nil, fmt.Errorf("failed to query entries by id: %w", err)
	}
	return scanEntries(rows)
}

func (r *bibliographyRepo) UpdateEntry(ctx context.Context, e *model.BibliographyEntry) error {
	_, components, value, quotes, err := marshalEntryFields(e)
	if err != nil {
		return err
	}
	query := `UPDATE bibliography_entries
              SET narrative_overview = $3, research_components = $4, core_findings = $5,
                  methodological_value = $6, key_quotes = $7, research_focus = $8, updated_at = NOW()
              WHERE id = $1 AND user_id = $2
              RETURNING updated_at`
	err = r.db.QueryRowContext(ctx, query, e.ID, e.UserID, e.NarrativeOverview, components, e.CoreFindings,
		value, quotes, e.ResearchFocus).Scan(&e.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrEntryNotFound
		}
		return fmt.Errorf("failed to update entry %s: %w", e.ID, err)
	}
	return nil
}

func (r *bibliographyRepo) DeleteEntry(ctx context.Context, userID, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM bibliography_entries WHERE id = $1 AND user_id = $2`, id, userID)
	if err != nil {
		return fmt.Errorf("failed to delete entry %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrEntryNotFound
	}
	return nil
}

func (r *bibliographyRepo) CountEntries(ctx context.Context, userID string) (int, error) {
	var count int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM bibliography_entries WHERE user_id = $1`, userID).Scan(&count); err != nil {
		return 0, fmt.Errorf("counting entries for user %s: %w", userID, err)
	}
	return count, nil
}
