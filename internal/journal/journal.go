// Package journal records bridge state transitions and inbound command
// outcomes in SQLite, for the status API and post-mortem debugging.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Kind distinguishes journal entries.
type Kind string

const (
	KindTransition Kind = "transition"
	KindCommand    Kind = "command"
)

// Command outcomes.
const (
	OutcomeOK        = "ok"
	OutcomeRejected  = "rejected"
	OutcomeFailed    = "failed"
	OutcomeCancelled = "cancelled"
)

// List paging limits.
const (
	defaultLimit = 50
	maxLimit     = 500
)

// timeLayout is fixed width so created_at sorts lexically.
const timeLayout = "2006-01-02T15:04:05.000000Z"

// ErrInvalidKind is returned by List for an unknown kind filter.
var ErrInvalidKind = errors.New("journal: invalid kind")

// Entry is one journal row.
type Entry struct {
	ID        string    `json:"id"`
	Kind      Kind      `json:"kind"`
	From      string    `json:"from,omitempty"`
	To        string    `json:"to,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	TaskID    string    `json:"task_id,omitempty"`
	Property  string    `json:"property,omitempty"`
	Value     string    `json:"value,omitempty"`
	Outcome   string    `json:"outcome,omitempty"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// CommandRecord is the outcome of one inbound property write.
type CommandRecord struct {
	TaskID   string
	Property string
	Value    string
	Outcome  string
	Err      error
	At       time.Time
}

// Filter controls which entries List returns.
type Filter struct {
	Kind   Kind // optional
	Limit  int  // default 50, max 500
	Offset int
}

// ListResult is a page of entries, most recent first.
type ListResult struct {
	Entries []Entry `json:"entries"`
	Total   int     `json:"total"`
	Limit   int     `json:"limit"`
	Offset  int     `json:"offset"`
}

// Repository reads and writes the journal_entries table.
type Repository struct {
	db  *sql.DB
	now func() time.Time
}

// NewRepository creates a repository on an already migrated database.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db, now: time.Now}
}

// RecordTransition stores a state machine transition.
func (r *Repository) RecordTransition(ctx context.Context, from, to, reason string) error {
	return r.insert(ctx, Entry{
		Kind:   KindTransition,
		From:   from,
		To:     to,
		Reason: reason,
	})
}

// RecordCommand stores the outcome of an inbound command.
func (r *Repository) RecordCommand(ctx context.Context, rec CommandRecord) error {
	e := Entry{
		Kind:      KindCommand,
		TaskID:    rec.TaskID,
		Property:  rec.Property,
		Value:     rec.Value,
		Outcome:   rec.Outcome,
		CreatedAt: rec.At,
	}
	if rec.Err != nil {
		e.Error = rec.Err.Error()
	}
	return r.insert(ctx, e)
}

func (r *Repository) insert(ctx context.Context, e Entry) error {
	e.ID = "jrn-" + uuid.NewString()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = r.now()
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO journal_entries
		   (id, kind, from_state, to_state, reason, task_id, property, value, outcome, error, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, string(e.Kind),
		nullableString(e.From), nullableString(e.To), nullableString(e.Reason),
		nullableString(e.TaskID), nullableString(e.Property), nullableString(e.Value),
		nullableString(e.Outcome), nullableString(e.Error),
		e.CreatedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("inserting journal %s entry: %w", e.Kind, err)
	}
	return nil
}

// nullableString maps "" to SQL NULL.
func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// List returns entries matching filter, most recent first.
func (r *Repository) List(ctx context.Context, filter Filter) (*ListResult, error) {
	switch {
	case filter.Limit <= 0:
		filter.Limit = defaultLimit
	case filter.Limit > maxLimit:
		filter.Limit = maxLimit
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}

	var conditions []string
	var args []any
	if filter.Kind != "" {
		if filter.Kind != KindTransition && filter.Kind != KindCommand {
			return nil, fmt.Errorf("%w: %q", ErrInvalidKind, filter.Kind)
		}
		conditions = append(conditions, "kind = ?")
		args = append(args, string(filter.Kind))
	}

	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}

	countQuery := "SELECT COUNT(*) FROM journal_entries " + where
	var total int
	if err := r.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("counting journal entries: %w", err)
	}

	query := `SELECT id, kind, from_state, to_state, reason, task_id, property, value, outcome, error, created_at
		FROM journal_entries ` + where + ` ORDER BY created_at DESC, rowid DESC LIMIT ? OFFSET ?`
	args = append(args, filter.Limit, filter.Offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying journal entries: %w", err)
	}
	defer rows.Close()

	entries := []Entry{}
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating journal entries: %w", err)
	}

	return &ListResult{
		Entries: entries,
		Total:   total,
		Limit:   filter.Limit,
		Offset:  filter.Offset,
	}, nil
}

func scanEntry(rows *sql.Rows) (Entry, error) {
	var e Entry
	var kind, createdAt string
	var from, to, reason, taskID, property, value, outcome, errText sql.NullString

	if err := rows.Scan(&e.ID, &kind, &from, &to, &reason, &taskID, &property, &value, &outcome, &errText, &createdAt); err != nil {
		return Entry{}, fmt.Errorf("scanning journal entry: %w", err)
	}

	e.Kind = Kind(kind)
	e.From = from.String
	e.To = to.String
	e.Reason = reason.String
	e.TaskID = taskID.String
	e.Property = property.String
	e.Value = value.String
	e.Outcome = outcome.String
	e.Error = errText.String

	t, err := time.Parse(timeLayout, createdAt)
	if err != nil {
		return Entry{}, fmt.Errorf("parsing journal timestamp %q: %w", createdAt, err)
	}
	e.CreatedAt = t
	return e, nil
}
