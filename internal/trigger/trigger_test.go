package trigger

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"earlyaction/internal/clock"
	"earlyaction/internal/domain"
	"earlyaction/internal/store"
)

func newTestService(t *testing.T) (*Service, *store.MemoryStore) {
	t.Helper()
	recordStore := store.NewMemoryStore()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clk := clock.Fixed{At: time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)}
	return NewService(recordStore, clk, logger), recordStore
}

func seedPhase(t *testing.T, recordStore *store.MemoryStore, phase domain.Phase) {
	t.Helper()
	if _, err := recordStore.PutPhase(context.Background(), phase); err != nil {
		t.Fatalf("seed phase: %v", err)
	}
}

func TestAttachRejectsActivePhase(t *testing.T) {
	t.Parallel()

	service, recordStore := newTestService(t)
	seedPhase(t, recordStore, domain.Phase{ID: "phase-1", State: domain.PhaseActive})

	_, err := service.Attach(context.Background(), "phase-1", Spec{RepeatKey: "river-gauge"})
	if !domain.IsPrecondition(err) {
		t.Fatalf("expected precondition error, got %v", err)
	}
	if err.Error() != "Phase is already active." {
		t.Fatalf("unexpected message %q", err.Error())
	}
}

func TestAttachRejectsMissingPhase(t *testing.T) {
	t.Parallel()

	service, _ := newTestService(t)
	_, err := service.Attach(context.Background(), "absent", Spec{RepeatKey: "river-gauge"})
	if !domain.IsPrecondition(err) || err.Error() != "Phase not found." {
		t.Fatalf("expected phase-not-found precondition, got %v", err)
	}
}

func TestAttachEnforcesRepeatKeyUniqueness(t *testing.T) {
	t.Parallel()

	service, recordStore := newTestService(t)
	seedPhase(t, recordStore, domain.Phase{ID: "phase-1", State: domain.PhasePending})

	if _, err := service.Attach(context.Background(), "phase-1", Spec{RepeatKey: "river-gauge", IsMandatory: true}); err != nil {
		t.Fatalf("first attach: %v", err)
	}
	_, err := service.Attach(context.Background(), "phase-1", Spec{RepeatKey: "river-gauge"})
	if !domain.IsPrecondition(err) {
		t.Fatalf("expected duplicate repeat key rejection, got %v", err)
	}
}

func TestRecordFiredBumpsCountersOnce(t *testing.T) {
	t.Parallel()

	service, recordStore := newTestService(t)
	seedPhase(t, recordStore, domain.Phase{ID: "phase-1", State: domain.PhasePending, RequiredMandatory: 2})

	if _, err := service.Attach(context.Background(), "phase-1", Spec{RepeatKey: "river-gauge", IsMandatory: true}); err != nil {
		t.Fatalf("attach mandatory: %v", err)
	}
	if _, err := service.Attach(context.Background(), "phase-1", Spec{RepeatKey: "rain-forecast"}); err != nil {
		t.Fatalf("attach optional: %v", err)
	}

	if err := service.RecordFired(context.Background(), "river-gauge"); err != nil {
		t.Fatalf("record mandatory firing: %v", err)
	}
	if err := service.RecordFired(context.Background(), "river-gauge"); err != nil {
		t.Fatalf("repeat firing must be absorbed: %v", err)
	}
	if err := service.RecordFired(context.Background(), "rain-forecast"); err != nil {
		t.Fatalf("record optional firing: %v", err)
	}

	phase, _, err := recordStore.GetPhase(context.Background(), "phase-1")
	if err != nil {
		t.Fatalf("load phase: %v", err)
	}
	if phase.ReceivedMandatory != 1 {
		t.Fatalf("expected one mandatory firing counted, got %d", phase.ReceivedMandatory)
	}
	if phase.ReceivedOptional != 1 {
		t.Fatalf("expected one optional firing counted, got %d", phase.ReceivedOptional)
	}
}

func TestRecordFiredUnknownKey(t *testing.T) {
	t.Parallel()

	service, _ := newTestService(t)
	err := service.RecordFired(context.Background(), "unknown")
	if !domain.IsPrecondition(err) {
		t.Fatalf("expected precondition for unknown key, got %v", err)
	}
}

func TestRequirementStatus(t *testing.T) {
	t.Parallel()

	service, recordStore := newTestService(t)
	seedPhase(t, recordStore, domain.Phase{
		ID: "phase-1", State: domain.PhasePending,
		RequiredMandatory: 2, RequiredOptional: 1,
	})

	if _, err := service.Attach(context.Background(), "phase-1", Spec{RepeatKey: "river-gauge", IsMandatory: true}); err != nil {
		t.Fatalf("attach mandatory: %v", err)
	}
	if _, err := service.Attach(context.Background(), "phase-1", Spec{RepeatKey: "dam-level", IsMandatory: true}); err != nil {
		t.Fatalf("attach second mandatory: %v", err)
	}
	if _, err := service.Attach(context.Background(), "phase-1", Spec{RepeatKey: "rain-forecast"}); err != nil {
		t.Fatalf("attach optional: %v", err)
	}
	if err := service.RecordFired(context.Background(), "dam-level"); err != nil {
		t.Fatalf("record firing: %v", err)
	}

	status, err := service.Status(context.Background(), "phase-1")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.Mandatory.Total != 2 || status.Mandatory.Required != 2 || status.Mandatory.Received != 1 {
		t.Fatalf("unexpected mandatory line %+v", status.Mandatory)
	}
	if status.Optional.Total != 1 || status.Optional.Required != 1 || status.Optional.Received != 0 {
		t.Fatalf("unexpected optional line %+v", status.Optional)
	}
}
