package domain

import "time"

// ActivityStatus is lifecycle status of one phase activity.
// Params: pending/completed status constants.
// Returns: status tag stored on activity records.
type ActivityStatus string

const (
	// ActivityPending indicates activity was configured but not executed.
	ActivityPending ActivityStatus = "pending"
	// ActivityCompleted indicates activity intent was recorded.
	ActivityCompleted ActivityStatus = "completed"
)

// Activity stores one automated or manual action bound to a phase.
// Params: identity, automation flag, communication bindings, and completion marks.
// Returns: record for activation dispatch and reversal backfill.
type Activity struct {
	ID                   string         `json:"id"`
	PhaseID              string         `json:"phase_id"`
	Status               ActivityStatus `json:"status"`
	IsAutomated          bool           `json:"is_automated"`
	CommunicationIDs     []string       `json:"communication_ids,omitempty"`
	CompletedAt          *time.Time     `json:"completed_at,omitempty"`
	DispatchRequestedAt  *time.Time     `json:"dispatch_requested_at,omitempty"`
	DispatchConfirmedAt  *time.Time     `json:"dispatch_confirmed_at,omitempty"`
	TriggerCompletionGap string         `json:"trigger_completion_gap,omitempty"`
}

// FormatCompletionGap renders signed human-readable gap between completion and activation.
// Params: activity completion time and owning phase activation time.
// Returns: duration string, negative when completion preceded activation.
func FormatCompletionGap(completedAt, activatedAt time.Time) string {
	gap := completedAt.Sub(activatedAt)
	if gap < 0 {
		return "-" + (-gap).String()
	}
	return gap.String()
}
