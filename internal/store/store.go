// Package store persists disbursement records with single-record atomicity.
package store

import (
	"context"
	"errors"

	"earlyaction/internal/domain"
)

var (
	// ErrNotFound indicates absent record.
	ErrNotFound = errors.New("not found")
	// ErrConflict indicates revision mismatch or create-on-existing violation.
	ErrConflict = errors.New("revision conflict")
)

// Store provides record-level persistence for the disbursement pipeline.
// Params: CRUD operations per record kind, CAS updates on phases, and
// the open-redeem lookup feeding settlement reconciliation.
// Returns: backend persistence behavior.
type Store interface {
	GetPhase(ctx context.Context, phaseID string) (domain.Phase, uint64, error)
	PutPhase(ctx context.Context, phase domain.Phase) (uint64, error)
	UpdatePhase(ctx context.Context, expectedRevision uint64, phase domain.Phase) (uint64, error)
	ListPhases(ctx context.Context) ([]domain.Phase, error)

	PutTrigger(ctx context.Context, trigger domain.Trigger) error
	GetTrigger(ctx context.Context, triggerID string) (domain.Trigger, error)
	LiveTriggerByRepeatKey(ctx context.Context, repeatKey string) (domain.Trigger, error)
	ListTriggersByPhase(ctx context.Context, phaseID string) ([]domain.Trigger, error)

	PutActivity(ctx context.Context, activity domain.Activity) error
	ListActivitiesByPhase(ctx context.Context, phaseID string) ([]domain.Activity, error)
	ListActivities(ctx context.Context) ([]domain.Activity, error)

	CreateReservation(ctx context.Context, reservation domain.GroupReservation) error
	GetReservation(ctx context.Context, groupID string) (domain.GroupReservation, error)
	PutReservation(ctx context.Context, reservation domain.GroupReservation) error

	CreatePayout(ctx context.Context, payout domain.Payout) error
	GetPayoutByGroup(ctx context.Context, groupID string) (domain.Payout, error)

	PutRedeem(ctx context.Context, redeem domain.Redeem) error
	GetRedeem(ctx context.Context, redeemID string) (domain.Redeem, error)
	FindOpenRedeem(ctx context.Context, wallet, vendorWallet string, status domain.RedeemStatus) (domain.Redeem, error)
	ListRedeemsByWallet(ctx context.Context, wallet string) ([]domain.Redeem, error)

	PutVendor(ctx context.Context, vendor domain.Vendor) error
	GetVendor(ctx context.Context, vendorID string) (domain.Vendor, error)
	VendorByWallet(ctx context.Context, wallet string) (domain.Vendor, error)

	PutBeneficiary(ctx context.Context, beneficiary domain.Beneficiary) error
	GetBeneficiary(ctx context.Context, wallet string) (domain.Beneficiary, error)
	ListBeneficiariesByGroup(ctx context.Context, groupID string) ([]domain.Beneficiary, error)
	ListBeneficiaries(ctx context.Context) ([]domain.Beneficiary, error)
	CountBeneficiaries(ctx context.Context) (int, error)

	Close() error
}
