package phase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"earlyaction/internal/clock"
	"earlyaction/internal/domain"
	"earlyaction/internal/queue"
	"earlyaction/internal/store"
)

type fakeProducer struct {
	jobs [][]byte
	fail bool
}

func (p *fakeProducer) Enqueue(_ context.Context, _ string, payload any) error {
	if p.fail {
		return errors.New("broker unavailable")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	p.jobs = append(p.jobs, body)
	return nil
}

func (p *fakeProducer) Close() error { return nil }

type fakeEmitter struct {
	events []string
}

func (e *fakeEmitter) Emit(_ context.Context, event string, _ any) {
	e.events = append(e.events, event)
}

type engineFixture struct {
	engine        *Engine
	store         *store.MemoryStore
	assignment    *fakeProducer
	communication *fakeProducer
	emitter       *fakeEmitter
	now           time.Time
}

func newEngineFixture(t *testing.T, batchSize int) *engineFixture {
	t.Helper()
	recordStore := store.NewMemoryStore()
	assignment := &fakeProducer{}
	communication := &fakeProducer{}
	emitter := &fakeEmitter{}
	now := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	engine := NewEngine(recordStore, assignment, communication, emitter, clock.Fixed{At: now}, logger, batchSize)
	return &engineFixture{
		engine:        engine,
		store:         recordStore,
		assignment:    assignment,
		communication: communication,
		emitter:       emitter,
		now:           now,
	}
}

func (f *engineFixture) seedPhase(t *testing.T, phase domain.Phase) {
	t.Helper()
	if _, err := f.store.PutPhase(context.Background(), phase); err != nil {
		t.Fatalf("seed phase: %v", err)
	}
}

func (f *engineFixture) seedBeneficiaries(t *testing.T, count int) {
	t.Helper()
	for i := 0; i < count; i++ {
		beneficiary := domain.Beneficiary{WalletAddress: fmt.Sprintf("0xwallet%03d", i), GroupID: "group-1"}
		if err := f.store.PutBeneficiary(context.Background(), beneficiary); err != nil {
			t.Fatalf("seed beneficiary %d: %v", i, err)
		}
	}
}

func TestActivatePreconditions(t *testing.T) {
	t.Parallel()

	fixture := newEngineFixture(t, 10)
	if _, err := fixture.engine.Activate(context.Background(), "absent"); !domain.IsPrecondition(err) {
		t.Fatalf("expected precondition for missing phase, got %v", err)
	}

	fixture.seedPhase(t, domain.Phase{ID: "phase-1", State: domain.PhaseActive})
	_, err := fixture.engine.Activate(context.Background(), "phase-1")
	if !domain.IsPrecondition(err) || err.Error() != "Phase is already active." {
		t.Fatalf("expected already-active rejection, got %v", err)
	}
	if len(fixture.assignment.jobs) != 0 || len(fixture.emitter.events) != 0 {
		t.Fatalf("rejected activation must have no side effects")
	}
}

func TestActivateEnqueuesAssignmentBatches(t *testing.T) {
	t.Parallel()

	fixture := newEngineFixture(t, 10)
	fixture.seedPhase(t, domain.Phase{ID: "phase-1", State: domain.PhasePending, CanTriggerPayout: true})
	fixture.seedBeneficiaries(t, 25)

	updated, err := fixture.engine.Activate(context.Background(), "phase-1")
	if err != nil {
		t.Fatalf("activate: %v", err)
	}
	if updated.State != domain.PhaseActive || updated.ActivatedAt == nil {
		t.Fatalf("expected active phase with timestamp, got %+v", updated)
	}
	if len(fixture.assignment.jobs) != 3 {
		t.Fatalf("expected ceil(25/10)=3 assignment jobs, got %d", len(fixture.assignment.jobs))
	}

	var first queue.AssignmentJob
	if err := json.Unmarshal(fixture.assignment.jobs[0], &first); err != nil {
		t.Fatalf("decode job: %v", err)
	}
	if first.Start != 1 || first.End != 10 || first.Size != 10 {
		t.Fatalf("unexpected first range %+v", first)
	}
	if len(fixture.emitter.events) != 1 || fixture.emitter.events[0] != "phase.activated" {
		t.Fatalf("expected phase.activated event, got %v", fixture.emitter.events)
	}
}

func TestActivateWithoutPayoutEnqueuesNothing(t *testing.T) {
	t.Parallel()

	fixture := newEngineFixture(t, 10)
	fixture.seedPhase(t, domain.Phase{ID: "phase-1", State: domain.PhasePending})
	fixture.seedBeneficiaries(t, 25)

	if _, err := fixture.engine.Activate(context.Background(), "phase-1"); err != nil {
		t.Fatalf("activate: %v", err)
	}
	if len(fixture.assignment.jobs) != 0 {
		t.Fatalf("expected zero assignment jobs, got %d", len(fixture.assignment.jobs))
	}
}

func TestActivateEnqueueFailureAborts(t *testing.T) {
	t.Parallel()

	fixture := newEngineFixture(t, 10)
	fixture.assignment.fail = true
	fixture.seedPhase(t, domain.Phase{ID: "phase-1", State: domain.PhasePending, CanTriggerPayout: true})
	fixture.seedBeneficiaries(t, 5)

	if _, err := fixture.engine.Activate(context.Background(), "phase-1"); err == nil {
		t.Fatalf("expected enqueue failure to abort activation")
	}

	phase, _, err := fixture.store.GetPhase(context.Background(), "phase-1")
	if err != nil {
		t.Fatalf("load phase: %v", err)
	}
	if phase.IsActive() || phase.ActivatedAt != nil {
		t.Fatalf("phase must not flip active on enqueue failure: %+v", phase)
	}
	if len(fixture.emitter.events) != 0 {
		t.Fatalf("no event expected on aborted activation, got %v", fixture.emitter.events)
	}
}

func TestActivateDispatchesAutomatedActivities(t *testing.T) {
	t.Parallel()

	fixture := newEngineFixture(t, 10)
	fixture.seedPhase(t, domain.Phase{ID: "phase-1", State: domain.PhasePending})
	activity := domain.Activity{
		ID: "act-1", PhaseID: "phase-1", Status: domain.ActivityPending,
		IsAutomated: true, CommunicationIDs: []string{"comm-1", "comm-2"},
	}
	manual := domain.Activity{ID: "act-2", PhaseID: "phase-1", Status: domain.ActivityPending}
	for _, seed := range []domain.Activity{activity, manual} {
		if err := fixture.store.PutActivity(context.Background(), seed); err != nil {
			t.Fatalf("seed activity: %v", err)
		}
	}

	if _, err := fixture.engine.Activate(context.Background(), "phase-1"); err != nil {
		t.Fatalf("activate: %v", err)
	}
	if len(fixture.communication.jobs) != 2 {
		t.Fatalf("expected 2 communication jobs, got %d", len(fixture.communication.jobs))
	}

	activities, err := fixture.store.ListActivitiesByPhase(context.Background(), "phase-1")
	if err != nil {
		t.Fatalf("list activities: %v", err)
	}
	for _, stored := range activities {
		if stored.ID == "act-1" {
			if stored.Status != domain.ActivityCompleted || stored.DispatchRequestedAt == nil {
				t.Fatalf("automated activity not completed: %+v", stored)
			}
		}
		if stored.ID == "act-2" && stored.Status != domain.ActivityPending {
			t.Fatalf("manual activity must stay pending: %+v", stored)
		}
	}
}

func TestRevertPreconditions(t *testing.T) {
	t.Parallel()

	fixture := newEngineFixture(t, 10)
	fixture.seedPhase(t, domain.Phase{ID: "pending", State: domain.PhasePending, CanRevert: true})
	if _, err := fixture.engine.Revert(context.Background(), "pending"); !domain.IsPrecondition(err) {
		t.Fatalf("expected inactive rejection, got %v", err)
	}

	activatedAt := time.Date(2026, 7, 1, 9, 0, 0, 0, time.UTC)
	fixture.seedPhase(t, domain.Phase{ID: "locked", State: domain.PhaseActive, ActivatedAt: &activatedAt})
	if _, err := fixture.engine.Revert(context.Background(), "locked"); !domain.IsPrecondition(err) {
		t.Fatalf("expected can-revert rejection, got %v", err)
	}

	fixture.seedPhase(t, domain.Phase{ID: "bare", State: domain.PhaseActive, ActivatedAt: &activatedAt, CanRevert: true})
	_, err := fixture.engine.Revert(context.Background(), "bare")
	if !domain.IsPrecondition(err) || err.Error() != "Phase has no triggers." {
		t.Fatalf("expected no-triggers rejection, got %v", err)
	}

	phase, _, err := fixture.store.GetPhase(context.Background(), "bare")
	if err != nil {
		t.Fatalf("load phase: %v", err)
	}
	if !phase.IsActive() || phase.RevertedAt != nil {
		t.Fatalf("rejected revert must leave phase unchanged: %+v", phase)
	}
}

func TestRevertRearmsTriggersAndResetsCounters(t *testing.T) {
	t.Parallel()

	fixture := newEngineFixture(t, 10)
	activatedAt := time.Date(2026, 7, 1, 9, 0, 0, 0, time.UTC)
	fixture.seedPhase(t, domain.Phase{
		ID: "phase-1", State: domain.PhaseActive, ActivatedAt: &activatedAt,
		CanRevert: true, ReceivedMandatory: 2, ReceivedOptional: 1,
	})
	firedAt := activatedAt.Add(-time.Hour)
	original := domain.Trigger{
		ID: "trig-1", PhaseID: "phase-1", RepeatKey: "river-gauge",
		Source: domain.TriggerSourceAutomated, IsMandatory: true,
		Location: "basin-7", FiredAt: &firedAt,
	}
	if err := fixture.store.PutTrigger(context.Background(), original); err != nil {
		t.Fatalf("seed trigger: %v", err)
	}

	updated, err := fixture.engine.Revert(context.Background(), "phase-1")
	if err != nil {
		t.Fatalf("revert: %v", err)
	}
	if updated.State != domain.PhaseReverted || updated.RevertedAt == nil || updated.ActivatedAt != nil {
		t.Fatalf("unexpected reverted phase %+v", updated)
	}
	if updated.ReceivedMandatory != 0 || updated.ReceivedOptional != 0 {
		t.Fatalf("expected zeroed counters, got %+v", updated)
	}

	triggers, err := fixture.store.ListTriggersByPhase(context.Background(), "phase-1")
	if err != nil {
		t.Fatalf("list triggers: %v", err)
	}
	if len(triggers) != 2 {
		t.Fatalf("expected archived original plus replacement, got %d triggers", len(triggers))
	}
	live, err := fixture.store.LiveTriggerByRepeatKey(context.Background(), "river-gauge")
	if err != nil {
		t.Fatalf("live trigger lookup: %v", err)
	}
	if live.ID == "trig-1" {
		t.Fatalf("expected fresh trigger identity after re-arm")
	}
	if live.FiredAt != nil {
		t.Fatalf("replacement trigger must be unfired")
	}
	if live.Location != "basin-7" {
		t.Fatalf("automated trigger must keep its location, got %+v", live)
	}
	if len(fixture.emitter.events) != 1 || fixture.emitter.events[0] != "phase.reverted" {
		t.Fatalf("expected phase.reverted event, got %v", fixture.emitter.events)
	}
}

func TestBackfillCompletionGapIdempotent(t *testing.T) {
	t.Parallel()

	fixture := newEngineFixture(t, 10)
	activatedAt := time.Date(2026, 7, 1, 9, 0, 0, 0, time.UTC)
	fixture.seedPhase(t, domain.Phase{ID: "phase-1", State: domain.PhaseActive, ActivatedAt: &activatedAt})
	completedAt := activatedAt.Add(90 * time.Minute)
	activity := domain.Activity{
		ID: "act-1", PhaseID: "phase-1", Status: domain.ActivityCompleted, CompletedAt: &completedAt,
	}
	if err := fixture.store.PutActivity(context.Background(), activity); err != nil {
		t.Fatalf("seed activity: %v", err)
	}

	if err := fixture.engine.backfillCompletionGaps(context.Background()); err != nil {
		t.Fatalf("first backfill: %v", err)
	}
	activities, err := fixture.store.ListActivities(context.Background())
	if err != nil {
		t.Fatalf("list activities: %v", err)
	}
	firstGap := activities[0].TriggerCompletionGap
	if firstGap != "1h30m0s" {
		t.Fatalf("unexpected gap %q", firstGap)
	}

	// Move activation and run again: an already-set gap never changes.
	moved := activatedAt.Add(24 * time.Hour)
	fixture.seedPhase(t, domain.Phase{ID: "phase-1", State: domain.PhaseActive, ActivatedAt: &moved})
	if err := fixture.engine.backfillCompletionGaps(context.Background()); err != nil {
		t.Fatalf("second backfill: %v", err)
	}
	activities, err = fixture.store.ListActivities(context.Background())
	if err != nil {
		t.Fatalf("list activities again: %v", err)
	}
	if activities[0].TriggerCompletionGap != firstGap {
		t.Fatalf("gap recomputed: %q != %q", activities[0].TriggerCompletionGap, firstGap)
	}
}
