package audit

import (
	"context"
	"time"

	id "targeting/pkg/domain"
)

// EventCategory classifies audit events by their purpose.
type EventCategory string

const (
	// CategoryLifecycle covers selection state changes with business
	// significance. They are kept for the life of the program.
	CategoryLifecycle EventCategory = "lifecycle"

	// CategoryOperations covers background work useful for debugging.
	CategoryOperations EventCategory = "operations"
)

// Event is emitted from domain logic to capture key actions on a selection.
type Event struct {
	Category    EventCategory
	Timestamp   time.Time
	SelectionID id.SelectionID
	Action      string
	Actor       string
	RequestID   string
	Reason      string
}

type AuditEvent string

const (
	EventSelectionCreated   AuditEvent = "selection_created"
	EventSelectionCopied    AuditEvent = "selection_copied"
	EventCriteriaUpdated    AuditEvent = "selection_criteria_updated"
	EventSelectionLocked    AuditEvent = "selection_locked"
	EventLockFailed         AuditEvent = "selection_lock_failed"
	EventSelectionUnlocked  AuditEvent = "selection_unlocked"
	EventSelectionApproved  AuditEvent = "selection_approved"
	EventSelectionUnapprove AuditEvent = "selection_unapproved"
	EventSelectionFinalized AuditEvent = "selection_finalized"
	EventSelectionDeleted   AuditEvent = "selection_deleted"
	EventScoreBoundsSet     AuditEvent = "selection_score_bounds_set"
	EventScoringRequested   AuditEvent = "scoring_requested"
	EventScoringCompleted   AuditEvent = "scoring_completed"
	EventScoringFailed      AuditEvent = "scoring_failed"
	EventRebuildRequested   AuditEvent = "rebuild_requested"
	EventRebuildCompleted   AuditEvent = "rebuild_completed"
	EventRebuildFailed      AuditEvent = "rebuild_failed"
)

var eventCategories = map[AuditEvent]EventCategory{
	EventSelectionCreated:   CategoryLifecycle,
	EventSelectionCopied:    CategoryLifecycle,
	EventCriteriaUpdated:    CategoryLifecycle,
	EventSelectionLocked:    CategoryLifecycle,
	EventSelectionUnlocked:  CategoryLifecycle,
	EventSelectionApproved:  CategoryLifecycle,
	EventSelectionUnapprove: CategoryLifecycle,
	EventSelectionFinalized: CategoryLifecycle,
	EventSelectionDeleted:   CategoryLifecycle,
	EventScoreBoundsSet:     CategoryLifecycle,
	EventScoringRequested:   CategoryLifecycle,
}

// Category returns the EventCategory for this audit event.
// Unknown events default to CategoryOperations.
func (e AuditEvent) Category() EventCategory {
	if cat, ok := eventCategories[e]; ok {
		return cat
	}
	return CategoryOperations
}

// Store persists audit events.
type Store interface {
	Append(ctx context.Context, event Event) error
	ListBySelection(ctx context.Context, selectionID id.SelectionID) ([]Event, error)
}
