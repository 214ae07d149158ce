// Package trigger records hazard evidence and maintains the phase
// requirement counters read by the activation engine.
package trigger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"earlyaction/internal/clock"
	"earlyaction/internal/domain"
	"earlyaction/internal/store"

	"github.com/google/uuid"
)

// maxCounterRetries bounds CAS retries when bumping received counters.
const maxCounterRetries = 5

// Spec describes one trigger to attach to a phase.
// Params: trigger fields except identity and archive marks.
// Returns: input for Attach.
type Spec struct {
	Title       string
	Source      domain.TriggerSource
	IsMandatory bool
	RepeatKey   string
	Statement   *domain.TriggerStatement
	Location    string
}

// Requirement is one requirement counter line.
// Params: live trigger total plus required/received counts.
// Returns: status element for operators and the activation engine.
type Requirement struct {
	Total    int `json:"total"`
	Required int `json:"required"`
	Received int `json:"received"`
}

// RequirementStatus is the full requirement read model for one phase.
// Params: mandatory and optional requirement lines.
// Returns: operator-facing readiness view.
type RequirementStatus struct {
	Mandatory Requirement `json:"mandatory"`
	Optional  Requirement `json:"optional"`
}

// Service stores triggers and maintains requirement counters.
// Params: record store, clock, and logger.
// Returns: trigger store and requirement read model.
type Service struct {
	store  store.Store
	clock  clock.Clock
	logger *slog.Logger
}

// NewService creates trigger service.
// Params: record store, clock, and logger.
// Returns: initialized service.
func NewService(recordStore store.Store, clk clock.Clock, logger *slog.Logger) *Service {
	return &Service{store: recordStore, clock: clk, logger: logger}
}

// Attach binds one new trigger to a phase.
// Params: context, target phase ID, and trigger spec.
// Returns: created trigger or precondition error.
func (s *Service) Attach(ctx context.Context, phaseID string, spec Spec) (domain.Trigger, error) {
	phase, _, err := s.store.GetPhase(ctx, phaseID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.Trigger{}, domain.Precondition("Phase not found.")
		}
		return domain.Trigger{}, fmt.Errorf("load phase %q: %w", phaseID, err)
	}
	if phase.IsActive() {
		return domain.Trigger{}, domain.Precondition("Phase is already active.")
	}

	if _, err := s.store.LiveTriggerByRepeatKey(ctx, spec.RepeatKey); err == nil {
		return domain.Trigger{}, domain.Precondition(
			fmt.Sprintf("Trigger with repeat key '%s' already exists", spec.RepeatKey),
		)
	} else if !errors.Is(err, store.ErrNotFound) {
		return domain.Trigger{}, fmt.Errorf("check repeat key %q: %w", spec.RepeatKey, err)
	}

	trigger := domain.Trigger{
		ID:          uuid.NewString(),
		Title:       spec.Title,
		Source:      spec.Source,
		IsMandatory: spec.IsMandatory,
		PhaseID:     phaseID,
		RepeatKey:   spec.RepeatKey,
		Statement:   spec.Statement,
		Location:    spec.Location,
		CreatedAt:   s.clock.Now(),
	}
	if err := s.store.PutTrigger(ctx, trigger); err != nil {
		return domain.Trigger{}, fmt.Errorf("store trigger: %w", err)
	}
	return trigger, nil
}

// CountMandatory counts live mandatory triggers on one phase.
// Params: context and phase ID.
// Returns: live mandatory trigger count.
func (s *Service) CountMandatory(ctx context.Context, phaseID string) (int, error) {
	return s.countLive(ctx, phaseID, true)
}

// CountOptional counts live optional triggers on one phase.
// Params: context and phase ID.
// Returns: live optional trigger count.
func (s *Service) CountOptional(ctx context.Context, phaseID string) (int, error) {
	return s.countLive(ctx, phaseID, false)
}

// countLive counts live triggers filtered by mandatoryness.
// Params: context, phase ID, and mandatory filter.
// Returns: live trigger count.
func (s *Service) countLive(ctx context.Context, phaseID string, mandatory bool) (int, error) {
	triggers, err := s.store.ListTriggersByPhase(ctx, phaseID)
	if err != nil {
		return 0, fmt.Errorf("list triggers for %q: %w", phaseID, err)
	}
	count := 0
	for _, trigger := range triggers {
		if trigger.IsLive() && trigger.IsMandatory == mandatory {
			count++
		}
	}
	return count, nil
}

// Status builds the requirement read model for one phase.
// Params: context and phase ID.
// Returns: mandatory/optional totals with required/received counters.
func (s *Service) Status(ctx context.Context, phaseID string) (RequirementStatus, error) {
	phase, _, err := s.store.GetPhase(ctx, phaseID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return RequirementStatus{}, domain.Precondition("Phase not found.")
		}
		return RequirementStatus{}, fmt.Errorf("load phase %q: %w", phaseID, err)
	}

	mandatory, err := s.CountMandatory(ctx, phaseID)
	if err != nil {
		return RequirementStatus{}, err
	}
	optional, err := s.CountOptional(ctx, phaseID)
	if err != nil {
		return RequirementStatus{}, err
	}

	return RequirementStatus{
		Mandatory: Requirement{
			Total:    mandatory,
			Required: phase.RequiredMandatory,
			Received: phase.ReceivedMandatory,
		},
		Optional: Requirement{
			Total:    optional,
			Required: phase.RequiredOptional,
			Received: phase.ReceivedOptional,
		},
	}, nil
}

// RecordFired marks one live trigger as fired and bumps phase counters.
// Params: context and repeat key of the fired trigger.
// Returns: precondition error for unknown key; nil on repeat firings.
func (s *Service) RecordFired(ctx context.Context, repeatKey string) error {
	trigger, err := s.store.LiveTriggerByRepeatKey(ctx, repeatKey)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.Precondition(fmt.Sprintf("Trigger with repeat key '%s' not found.", repeatKey))
		}
		return fmt.Errorf("find trigger %q: %w", repeatKey, err)
	}
	if trigger.FiredAt != nil {
		// Already counted for this activation cycle.
		return nil
	}

	now := s.clock.Now()
	trigger.FiredAt = &now
	if err := s.store.PutTrigger(ctx, trigger); err != nil {
		return fmt.Errorf("mark trigger fired: %w", err)
	}

	for attempt := 0; attempt < maxCounterRetries; attempt++ {
		phase, revision, err := s.store.GetPhase(ctx, trigger.PhaseID)
		if err != nil {
			return fmt.Errorf("load phase %q: %w", trigger.PhaseID, err)
		}
		if trigger.IsMandatory {
			phase.ReceivedMandatory++
		} else {
			phase.ReceivedOptional++
		}
		_, err = s.store.UpdatePhase(ctx, revision, phase)
		if err == nil {
			s.logger.Info("trigger fired",
				"repeat_key", repeatKey, "phase", phase.ID, "mandatory", trigger.IsMandatory)
			return nil
		}
		if !errors.Is(err, store.ErrConflict) {
			return fmt.Errorf("bump phase counters: %w", err)
		}
	}
	return fmt.Errorf("bump phase counters for %q: retries exhausted", trigger.PhaseID)
}
