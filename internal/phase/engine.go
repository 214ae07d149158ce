// Package phase drives response-phase activation and reversal: the
// state machine between trigger evidence and disbursement batches.
package phase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"earlyaction/internal/batch"
	"earlyaction/internal/clock"
	"earlyaction/internal/domain"
	"earlyaction/internal/notify"
	"earlyaction/internal/queue"
	"earlyaction/internal/store"
)

// Engine executes phase state transitions with queue and notify side effects.
// Params: record store, lane producers, event bus, clock, and batch size.
// Returns: activation/reversal/configuration entrypoints.
type Engine struct {
	store         store.Store
	assignment    queue.Producer
	communication queue.Producer
	bus           notify.Emitter
	clock         clock.Clock
	logger        *slog.Logger
	batchSize     int
}

// NewEngine creates phase activation engine.
// Params: record store, assignment/communication producers, bus, clock,
// logger, and assignment batch size.
// Returns: initialized engine.
func NewEngine(
	recordStore store.Store,
	assignment queue.Producer,
	communication queue.Producer,
	bus notify.Emitter,
	clk clock.Clock,
	logger *slog.Logger,
	batchSize int,
) *Engine {
	return &Engine{
		store:         recordStore,
		assignment:    assignment,
		communication: communication,
		bus:           bus,
		clock:         clk,
		logger:        logger,
		batchSize:     batchSize,
	}
}

// Activate transitions one phase from pending/reverted to active.
// Params: context and phase ID.
// Returns: updated phase or precondition/dependency error; any enqueue
// failure aborts before the phase flips active.
func (e *Engine) Activate(ctx context.Context, phaseID string) (domain.Phase, error) {
	phase, revision, err := e.store.GetPhase(ctx, phaseID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.Phase{}, domain.Precondition("Phase not found.")
		}
		return domain.Phase{}, fmt.Errorf("load phase %q: %w", phaseID, err)
	}
	if phase.IsActive() {
		return domain.Phase{}, domain.Precondition("Phase is already active.")
	}

	if phase.ReceivedMandatory < phase.RequiredMandatory {
		// Activation is operator-gated; counters are advisory.
		e.logger.Warn("activating below mandatory threshold",
			"phase", phaseID,
			"received", phase.ReceivedMandatory,
			"required", phase.RequiredMandatory)
	}

	now := e.clock.Now()

	if err := e.dispatchAutomatedActivities(ctx, phaseID, now); err != nil {
		return domain.Phase{}, err
	}

	assignmentJobs := 0
	if phase.CanTriggerPayout {
		assignmentJobs, err = e.enqueueAssignmentBatches(ctx, phaseID)
		if err != nil {
			return domain.Phase{}, err
		}
	}

	phase.State = domain.PhaseActive
	phase.ActivatedAt = &now
	phase.RevertedAt = nil
	if _, err := e.store.UpdatePhase(ctx, revision, phase); err != nil {
		return domain.Phase{}, fmt.Errorf("persist activation of %q: %w", phaseID, err)
	}

	e.logger.Info("phase activated",
		"phase", phaseID, "assignment_jobs", assignmentJobs, "payout", phase.CanTriggerPayout)
	e.bus.Emit(ctx, notify.EventPhaseActivated, map[string]any{
		"phase_id":        phaseID,
		"activated_at":    now,
		"assignment_jobs": assignmentJobs,
	})
	return phase, nil
}

// dispatchAutomatedActivities enqueues communications for incomplete
// automated activities and records completion intent. The activity is
// marked completed once its jobs are enqueued, not once they deliver.
// Params: context, phase ID, and activation timestamp.
// Returns: enqueue/store error aborting the activation.
func (e *Engine) dispatchAutomatedActivities(ctx context.Context, phaseID string, now time.Time) error {
	activities, err := e.store.ListActivitiesByPhase(ctx, phaseID)
	if err != nil {
		return fmt.Errorf("list activities for %q: %w", phaseID, err)
	}

	for _, activity := range activities {
		if !activity.IsAutomated || activity.Status == domain.ActivityCompleted {
			continue
		}
		for _, communicationID := range activity.CommunicationIDs {
			job := queue.CommunicationJob{CommunicationID: communicationID, ActivityID: activity.ID}
			if err := e.communication.Enqueue(ctx, queue.CommunicationJobID(job), job); err != nil {
				return fmt.Errorf("enqueue communication %q: %w", communicationID, err)
			}
		}
		activity.Status = domain.ActivityCompleted
		activity.CompletedAt = &now
		activity.DispatchRequestedAt = &now
		if err := e.store.PutActivity(ctx, activity); err != nil {
			return fmt.Errorf("complete activity %q: %w", activity.ID, err)
		}
	}
	return nil
}

// enqueueAssignmentBatches partitions eligible beneficiaries into jobs.
// Params: context and phase ID.
// Returns: enqueued job count or dependency error.
func (e *Engine) enqueueAssignmentBatches(ctx context.Context, phaseID string) (int, error) {
	total, err := e.store.CountBeneficiaries(ctx)
	if err != nil {
		return 0, fmt.Errorf("count beneficiaries: %w", err)
	}
	ranges := batch.Partition(total, e.batchSize)
	for _, r := range ranges {
		job := queue.AssignmentJob{PhaseID: phaseID, Size: r.Size, Start: r.Start, End: r.End}
		if err := e.assignment.Enqueue(ctx, queue.AssignmentJobID(job), job); err != nil {
			return 0, fmt.Errorf("enqueue assignment batch %d-%d: %w", r.Start, r.End, err)
		}
	}
	return len(ranges), nil
}
