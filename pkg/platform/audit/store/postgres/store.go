package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	id "targeting/pkg/domain"
	audit "targeting/pkg/platform/audit"
	txcontext "targeting/pkg/platform/tx"
)

// Store implements audit.Store over the selection_events table. Appends made
// inside a transaction commit with it.
type Store struct {
	db *sql.DB
}

// New creates a PostgreSQL audit store.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Append(ctx context.Context, event audit.Event) error {
	category := event.Category
	if category == "" {
		category = audit.AuditEvent(event.Action).Category()
	}
	_, err := txcontext.QuerierFrom(ctx, s.db).ExecContext(ctx, `
		INSERT INTO selection_events (id, selection_id, category, action, actor, request_id, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		uuid.NewString(), event.SelectionID.String(), string(category), event.Action,
		event.Actor, event.RequestID, event.Reason, event.Timestamp)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

func (s *Store) ListBySelection(ctx context.Context, selectionID id.SelectionID) ([]audit.Event, error) {
	rows, err := txcontext.QuerierFrom(ctx, s.db).QueryContext(ctx, `
		SELECT category, action, actor, request_id, reason, created_at
		FROM selection_events
		WHERE selection_id = $1
		ORDER BY created_at, seq`, selectionID.String())
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []audit.Event
	for rows.Next() {
		e := audit.Event{SelectionID: selectionID}
		var category string
		if err := rows.Scan(&category, &e.Action, &e.Actor, &e.RequestID, &e.Reason, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		e.Category = audit.EventCategory(category)
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit events: %w", err)
	}
	return events, nil
}
