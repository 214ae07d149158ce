package phase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"earlyaction/internal/domain"
	"earlyaction/internal/notify"
	"earlyaction/internal/store"

	"github.com/google/uuid"
)

// Revert transitions one active phase back to a re-armed pending shape.
// Params: context and phase ID.
// Returns: updated phase or precondition error; preconditions leave all
// fields unchanged.
func (e *Engine) Revert(ctx context.Context, phaseID string) (domain.Phase, error) {
	phase, revision, err := e.store.GetPhase(ctx, phaseID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.Phase{}, domain.Precondition("Phase not found.")
		}
		return domain.Phase{}, fmt.Errorf("load phase %q: %w", phaseID, err)
	}
	if !phase.IsActive() {
		return domain.Phase{}, domain.Precondition("Phase is not active.")
	}
	if !phase.CanRevert {
		return domain.Phase{}, domain.Precondition("Phase cannot be reverted.")
	}

	triggers, err := e.store.ListTriggersByPhase(ctx, phaseID)
	if err != nil {
		return domain.Phase{}, fmt.Errorf("list triggers for %q: %w", phaseID, err)
	}
	live := make([]domain.Trigger, 0, len(triggers))
	for _, trigger := range triggers {
		if trigger.IsLive() {
			live = append(live, trigger)
		}
	}
	if len(live) == 0 {
		return domain.Phase{}, domain.Precondition("Phase has no triggers.")
	}

	if err := e.backfillCompletionGaps(ctx); err != nil {
		return domain.Phase{}, err
	}

	now := e.clock.Now()
	for _, original := range live {
		if err := e.rearmTrigger(ctx, original, now); err != nil {
			return domain.Phase{}, err
		}
	}

	phase.ReceivedMandatory = 0
	phase.ReceivedOptional = 0
	phase.State = domain.PhaseReverted
	phase.ActivatedAt = nil
	phase.RevertedAt = &now
	if _, err := e.store.UpdatePhase(ctx, revision, phase); err != nil {
		return domain.Phase{}, fmt.Errorf("persist reversal of %q: %w", phaseID, err)
	}

	e.logger.Info("phase reverted", "phase", phaseID, "rearmed_triggers", len(live))
	e.bus.Emit(ctx, notify.EventPhaseReverted, map[string]any{
		"phase_id":    phaseID,
		"reverted_at": now,
	})
	return phase, nil
}

// backfillCompletionGaps writes the one-shot completion gap on every
// completed activity that does not have it yet. Idempotent: the field
// is only ever set once.
// Params: context.
// Returns: store error.
func (e *Engine) backfillCompletionGaps(ctx context.Context) error {
	activities, err := e.store.ListActivities(ctx)
	if err != nil {
		return fmt.Errorf("list activities: %w", err)
	}

	phaseActivation := make(map[string]*domain.Phase)
	for _, activity := range activities {
		if activity.CompletedAt == nil || activity.TriggerCompletionGap != "" {
			continue
		}

		owner, ok := phaseActivation[activity.PhaseID]
		if !ok {
			loaded, _, err := e.store.GetPhase(ctx, activity.PhaseID)
			if err != nil {
				if errors.Is(err, store.ErrNotFound) {
					phaseActivation[activity.PhaseID] = nil
					continue
				}
				return fmt.Errorf("load phase %q: %w", activity.PhaseID, err)
			}
			owner = &loaded
			phaseActivation[activity.PhaseID] = owner
		}
		if owner == nil || owner.ActivatedAt == nil {
			continue
		}

		activity.TriggerCompletionGap = domain.FormatCompletionGap(*activity.CompletedAt, *owner.ActivatedAt)
		if err := e.store.PutActivity(ctx, activity); err != nil {
			return fmt.Errorf("backfill activity %q: %w", activity.ID, err)
		}
	}
	return nil
}

// rearmTrigger recreates one live trigger and archives the original.
// The replacement keeps the repeat key so the same evidence source can
// fire again in the next cycle.
// Params: context, original trigger, and reversal timestamp.
// Returns: store error.
func (e *Engine) rearmTrigger(ctx context.Context, original domain.Trigger, now time.Time) error {
	replacement := domain.Trigger{
		ID:          uuid.NewString(),
		Title:       original.Title,
		Source:      original.Source,
		IsMandatory: original.IsMandatory,
		PhaseID:     original.PhaseID,
		RepeatKey:   original.RepeatKey,
		CreatedAt:   now,
	}
	if original.Source == domain.TriggerSourceAutomated {
		replacement.Location = original.Location
		replacement.Statement = original.Statement
	}

	original.IsArchived = true
	if err := e.store.PutTrigger(ctx, original); err != nil {
		return fmt.Errorf("archive trigger %q: %w", original.ID, err)
	}
	if err := e.store.PutTrigger(ctx, replacement); err != nil {
		return fmt.Errorf("recreate trigger %q: %w", original.RepeatKey, err)
	}
	return nil
}
