package domain

import "time"

// PayoutType identifies which settlement rail a payout uses.
// Params: FSP/vendor type constants.
// Returns: type tag stored on payout records.
type PayoutType string

const (
	// PayoutTypeFSP settles through a financial service provider.
	PayoutTypeFSP PayoutType = "FSP"
	// PayoutTypeVendor settles through a local vendor wallet.
	PayoutTypeVendor PayoutType = "VENDOR"
)

// PayoutMode identifies connectivity assumption for a payout.
// Params: online/offline mode constants.
// Returns: mode tag stored on payout records.
type PayoutMode string

const (
	// PayoutModeOnline marks connected redemption flow.
	PayoutModeOnline PayoutMode = "ONLINE"
	// PayoutModeOffline marks vendor-mediated offline redemption flow.
	PayoutModeOffline PayoutMode = "OFFLINE"
)

// Payout stores one disbursement intent for a beneficiary group.
// Params: identity, group reservation binding, rail type/mode, and processor.
// Returns: record enforcing the one-payout-per-group invariant.
type Payout struct {
	ID          string     `json:"id"`
	GroupID     string     `json:"group_id"`
	Type        PayoutType `json:"type"`
	Mode        PayoutMode `json:"mode"`
	ProcessorID string     `json:"processor_id,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// ReservationStatus is lifecycle status of a group token reservation.
// Params: pending/disbursed status constants.
// Returns: status tag stored on reservation records.
type ReservationStatus string

const (
	// ReservationPending marks tokens reserved but not yet disbursed.
	ReservationPending ReservationStatus = "pending"
	// ReservationDisbursed marks tokens moved to beneficiaries.
	ReservationDisbursed ReservationStatus = "disbursed"
)

// GroupPurpose is fiat destination kind declared on a beneficiary group.
// Params: bank/mobile purpose constants.
// Returns: purpose tag validated during FSP payout creation.
type GroupPurpose string

const (
	// GroupPurposeBankTransfer settles fiat into bank accounts.
	GroupPurposeBankTransfer GroupPurpose = "BANK_TRANSFER"
	// GroupPurposeMobileMoney settles fiat into mobile money wallets.
	GroupPurposeMobileMoney GroupPurpose = "MOBILE_MONEY"
)

// GroupReservation stores token reservation bound to one beneficiary group.
// Params: group binding, token amount, title, and disbursement marks.
// Returns: record enforcing the one-live-reservation-per-group invariant.
type GroupReservation struct {
	GroupID        string            `json:"group_id"`
	GroupName      string            `json:"group_name"`
	Title          string            `json:"title"`
	ProjectName    string            `json:"project_name,omitempty"`
	Purpose        GroupPurpose      `json:"purpose,omitempty"`
	NumberOfTokens int64             `json:"number_of_tokens"`
	Status         ReservationStatus `json:"status"`
	IsDisbursed    bool              `json:"is_disbursed"`
	CreatedAt      time.Time         `json:"created_at"`
}
