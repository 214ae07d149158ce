package domain

import "time"

// TriggerSource identifies how trigger evidence is produced.
// Params: manual/automated source constants.
// Returns: source tag stored on trigger records.
type TriggerSource string

const (
	// TriggerSourceManual marks operator-recorded evidence.
	TriggerSourceManual TriggerSource = "manual"
	// TriggerSourceAutomated marks evidence produced by a data source rule.
	TriggerSourceAutomated TriggerSource = "automated"
)

// TriggerStatement is parsed threshold rule for automated triggers.
// Params: metric identity, comparison, threshold, and observation window.
// Returns: typed statement instead of opaque serialized blob.
type TriggerStatement struct {
	Metric    string  `json:"metric"`
	Operator  string  `json:"operator"`
	Threshold float64 `json:"threshold"`
	WindowSec int     `json:"window_sec,omitempty"`
}

// Trigger stores one unit of hazard evidence bound to a phase.
// Params: identity, source metadata, phase binding, and archive/fired marks.
// Returns: record for trigger store and requirement counter.
type Trigger struct {
	ID          string            `json:"id"`
	Title       string            `json:"title"`
	Source      TriggerSource     `json:"source"`
	IsMandatory bool              `json:"is_mandatory"`
	PhaseID     string            `json:"phase_id"`
	RepeatKey   string            `json:"repeat_key"`
	IsArchived  bool              `json:"is_archived"`
	Statement   *TriggerStatement `json:"statement,omitempty"`
	Location    string            `json:"location,omitempty"`
	FiredAt     *time.Time        `json:"fired_at,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
}

// IsLive reports whether trigger still counts toward phase requirements.
// Params: none.
// Returns: true when record is not archived.
func (t Trigger) IsLive() bool {
	return !t.IsArchived
}
