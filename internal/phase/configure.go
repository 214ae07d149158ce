package phase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"earlyaction/internal/domain"
	"earlyaction/internal/queue"
	"earlyaction/internal/store"
)

// TriggerBinding is one submitted trigger requirement update.
// Params: repeat key identity plus mandatoryness and phase binding.
// Returns: input element for ConfigureTriggers.
type TriggerBinding struct {
	RepeatKey   string `json:"repeat_key"`
	IsMandatory bool   `json:"is_mandatory"`
}

// RequirementSummary carries submitted required-trigger thresholds.
// Params: mandatory and optional required counts.
// Returns: input for ConfigureTriggers.
type RequirementSummary struct {
	RequiredMandatory int `json:"required_mandatory"`
	RequiredOptional  int `json:"required_optional"`
}

// ConfigureTriggers updates trigger bindings and requirement thresholds.
// This is configuration, not a transition, and is rejected once the
// phase is active.
// Params: context, phase ID, submitted bindings, and requirement summary.
// Returns: precondition or store error.
func (e *Engine) ConfigureTriggers(
	ctx context.Context,
	phaseID string,
	bindings []TriggerBinding,
	summary RequirementSummary,
) error {
	phase, revision, err := e.store.GetPhase(ctx, phaseID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.Precondition("Phase not found.")
		}
		return fmt.Errorf("load phase %q: %w", phaseID, err)
	}
	if phase.IsActive() {
		return domain.Precondition("Phase is already active.")
	}

	for _, binding := range bindings {
		trigger, err := e.store.LiveTriggerByRepeatKey(ctx, binding.RepeatKey)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return domain.Precondition(
					fmt.Sprintf("Trigger with repeat key '%s' not found.", binding.RepeatKey),
				)
			}
			return fmt.Errorf("find trigger %q: %w", binding.RepeatKey, err)
		}
		trigger.IsMandatory = binding.IsMandatory
		trigger.PhaseID = phaseID
		if err := e.store.PutTrigger(ctx, trigger); err != nil {
			return fmt.Errorf("update trigger %q: %w", binding.RepeatKey, err)
		}
	}

	phase.RequiredMandatory = summary.RequiredMandatory
	phase.RequiredOptional = summary.RequiredOptional
	if _, err := e.store.UpdatePhase(ctx, revision, phase); err != nil {
		return fmt.Errorf("persist requirements of %q: %w", phaseID, err)
	}
	return nil
}

// HandleCommunication confirms dispatch of one delivered communication job.
// Completion intent was already recorded at activation time; this only
// sets the delivery confirmation mark.
// Params: context and raw communication job body.
// Returns: decode error marked permanent; store errors retryable.
func (e *Engine) HandleCommunication(ctx context.Context, body []byte) error {
	var job queue.CommunicationJob
	if err := json.Unmarshal(body, &job); err != nil {
		return queue.MarkPermanent(fmt.Errorf("decode communication job: %w", err))
	}

	activities, err := e.store.ListActivities(ctx)
	if err != nil {
		return fmt.Errorf("list activities: %w", err)
	}
	for _, activity := range activities {
		if activity.ID != job.ActivityID {
			continue
		}
		if activity.DispatchConfirmedAt != nil {
			return nil
		}
		now := e.clock.Now()
		activity.DispatchConfirmedAt = &now
		if err := e.store.PutActivity(ctx, activity); err != nil {
			return fmt.Errorf("confirm activity %q: %w", activity.ID, err)
		}
		e.logger.Info("activity communication dispatched",
			"activity", job.ActivityID, "communication", job.CommunicationID)
		return nil
	}
	return queue.MarkPermanent(fmt.Errorf("activity %q not found", job.ActivityID))
}
