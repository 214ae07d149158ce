package domain

import "time"

// PhaseState is response-phase lifecycle state.
// Params: pending/active/reverted state constants.
// Returns: tagged state for activation engine and storage.
type PhaseState string

const (
	// PhasePending indicates phase was configured but never activated.
	PhasePending PhaseState = "pending"
	// PhaseActive indicates phase activation completed.
	PhaseActive PhaseState = "active"
	// PhaseReverted indicates phase was active and then reverted.
	PhaseReverted PhaseState = "reverted"
)

// Phase stores one response stage with trigger requirement counters.
// Params: identity, lifecycle state, revert/payout capabilities, and counters.
// Returns: record for activation engine and requirement read model.
type Phase struct {
	ID                string     `json:"id"`
	Name              string     `json:"name"`
	State             PhaseState `json:"state"`
	ActivatedAt       *time.Time `json:"activated_at,omitempty"`
	RevertedAt        *time.Time `json:"reverted_at,omitempty"`
	CanRevert         bool       `json:"can_revert"`
	CanTriggerPayout  bool       `json:"can_trigger_payout"`
	RequiredMandatory int        `json:"required_mandatory"`
	ReceivedMandatory int        `json:"received_mandatory"`
	RequiredOptional  int        `json:"required_optional"`
	ReceivedOptional  int        `json:"received_optional"`
}

// IsActive reports whether phase is currently activated.
// Params: none.
// Returns: true only in active state.
func (p Phase) IsActive() bool {
	return p.State == PhaseActive
}
