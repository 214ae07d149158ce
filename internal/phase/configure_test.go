package phase

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"earlyaction/internal/domain"
	"earlyaction/internal/queue"
)

func TestConfigureTriggersUpdatesBindingsAndThresholds(t *testing.T) {
	t.Parallel()

	fixture := newEngineFixture(t, 10)
	fixture.seedPhase(t, domain.Phase{ID: "phase-1", State: domain.PhasePending})
	trigger := domain.Trigger{ID: "trig-1", PhaseID: "phase-1", RepeatKey: "river-gauge"}
	if err := fixture.store.PutTrigger(context.Background(), trigger); err != nil {
		t.Fatalf("seed trigger: %v", err)
	}

	bindings := []TriggerBinding{{RepeatKey: "river-gauge", IsMandatory: true}}
	summary := RequirementSummary{RequiredMandatory: 1, RequiredOptional: 2}
	if err := fixture.engine.ConfigureTriggers(context.Background(), "phase-1", bindings, summary); err != nil {
		t.Fatalf("configure: %v", err)
	}

	updated, err := fixture.store.LiveTriggerByRepeatKey(context.Background(), "river-gauge")
	if err != nil {
		t.Fatalf("load trigger: %v", err)
	}
	if !updated.IsMandatory {
		t.Fatalf("binding not applied: %+v", updated)
	}
	phase, _, err := fixture.store.GetPhase(context.Background(), "phase-1")
	if err != nil {
		t.Fatalf("load phase: %v", err)
	}
	if phase.RequiredMandatory != 1 || phase.RequiredOptional != 2 {
		t.Fatalf("thresholds not applied: %+v", phase)
	}
}

func TestConfigureTriggersPreconditions(t *testing.T) {
	t.Parallel()

	fixture := newEngineFixture(t, 10)
	if err := fixture.engine.ConfigureTriggers(context.Background(), "absent", nil, RequirementSummary{}); !domain.IsPrecondition(err) {
		t.Fatalf("expected missing-phase rejection, got %v", err)
	}

	fixture.seedPhase(t, domain.Phase{ID: "active", State: domain.PhaseActive})
	err := fixture.engine.ConfigureTriggers(context.Background(), "active", nil, RequirementSummary{})
	if !domain.IsPrecondition(err) || err.Error() != "Phase is already active." {
		t.Fatalf("expected active-phase rejection, got %v", err)
	}

	fixture.seedPhase(t, domain.Phase{ID: "phase-1", State: domain.PhasePending})
	bindings := []TriggerBinding{{RepeatKey: "ghost", IsMandatory: true}}
	err = fixture.engine.ConfigureTriggers(context.Background(), "phase-1", bindings, RequirementSummary{})
	if !domain.IsPrecondition(err) || err.Error() != "Trigger with repeat key 'ghost' not found." {
		t.Fatalf("expected unknown-trigger rejection, got %v", err)
	}
}

func TestHandleCommunicationConfirmsDispatchOnce(t *testing.T) {
	t.Parallel()

	fixture := newEngineFixture(t, 10)
	confirmed := time.Date(2026, 7, 1, 9, 0, 0, 0, time.UTC)
	tests := []struct {
		name     string
		activity domain.Activity
	}{
		{"first confirmation", domain.Activity{ID: "act-1", PhaseID: "phase-1", Status: domain.ActivityCompleted}},
		{"repeat delivery", domain.Activity{ID: "act-2", PhaseID: "phase-1", Status: domain.ActivityCompleted, DispatchConfirmedAt: &confirmed}},
	}
	for _, tc := range tests {
		if err := fixture.store.PutActivity(context.Background(), tc.activity); err != nil {
			t.Fatalf("seed activity %s: %v", tc.activity.ID, err)
		}
	}

	for _, tc := range tests {
		body, err := json.Marshal(queue.CommunicationJob{CommunicationID: "comm-1", ActivityID: tc.activity.ID})
		if err != nil {
			t.Fatalf("marshal job: %v", err)
		}
		if err := fixture.engine.HandleCommunication(context.Background(), body); err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
	}

	activities, err := fixture.store.ListActivities(context.Background())
	if err != nil {
		t.Fatalf("list activities: %v", err)
	}
	for _, activity := range activities {
		if activity.DispatchConfirmedAt == nil {
			t.Fatalf("activity %s lacks confirmation mark", activity.ID)
		}
		if activity.ID == "act-2" && !activity.DispatchConfirmedAt.Equal(confirmed) {
			t.Fatalf("repeat delivery must not move the confirmation mark, got %v", activity.DispatchConfirmedAt)
		}
	}

	if err := fixture.engine.HandleCommunication(context.Background(), []byte("{broken")); !queue.IsPermanent(err) {
		t.Fatalf("garbage body must be permanent")
	}
	unknown, _ := json.Marshal(queue.CommunicationJob{CommunicationID: "comm-1", ActivityID: "ghost"})
	if err := fixture.engine.HandleCommunication(context.Background(), unknown); !queue.IsPermanent(err) {
		t.Fatalf("unknown activity must be permanent")
	}
}
