// Package payout creates disbursement intents for beneficiary groups
// and turns them into queued settlement batches.
package payout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"earlyaction/internal/batch"
	"earlyaction/internal/clock"
	"earlyaction/internal/domain"
	"earlyaction/internal/notify"
	"earlyaction/internal/provider"
	"earlyaction/internal/queue"
	"earlyaction/internal/store"

	"github.com/google/uuid"
)

// Service creates and schedules payouts.
// Params: record store, provider client, settlement producer, event bus,
// clock, logger, and batch sizing.
// Returns: payout operations owner.
type Service struct {
	store      store.Store
	provider   provider.Client
	settlement queue.Producer
	bus        notify.Emitter
	clock      clock.Clock
	logger     *slog.Logger
	batchSize  int
}

// NewService creates payout service.
// Params: collaborators and settlement batch size.
// Returns: initialized service.
func NewService(
	recordStore store.Store,
	providerClient provider.Client,
	settlementProducer queue.Producer,
	bus notify.Emitter,
	clk clock.Clock,
	logger *slog.Logger,
	batchSize int,
) *Service {
	return &Service{
		store:      recordStore,
		provider:   providerClient,
		settlement: settlementProducer,
		bus:        bus,
		clock:      clk,
		logger:     logger,
		batchSize:  batchSize,
	}
}

// Reserve records a token reservation for one beneficiary group.
// Params: context, group identity, owning project, purpose, and token amount.
// Returns: created reservation or precondition error.
func (s *Service) Reserve(ctx context.Context, groupID, groupName, title, projectName string, purpose domain.GroupPurpose, tokens int64) (domain.GroupReservation, error) {
	if tokens <= 0 {
		return domain.GroupReservation{}, domain.Precondition("Token reservation amount must be positive.")
	}

	reservation := domain.GroupReservation{
		GroupID:        groupID,
		GroupName:      groupName,
		Title:          title,
		ProjectName:    projectName,
		Purpose:        purpose,
		NumberOfTokens: tokens,
		Status:         domain.ReservationPending,
		CreatedAt:      s.clock.Now(),
	}
	if err := s.store.CreateReservation(ctx, reservation); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return domain.GroupReservation{}, domain.Precondition(
				fmt.Sprintf("Beneficiary group '%s' already has a token reservation.", groupID))
		}
		return domain.GroupReservation{}, fmt.Errorf("create reservation: %w", err)
	}

	s.logger.Info("tokens reserved",
		"group", groupID, "tokens", tokens, "purpose", purpose)
	s.bus.Emit(ctx, notify.EventTokenReserved, map[string]any{
		"group_id":    groupID,
		"tokens":      tokens,
		"description": fmt.Sprintf("%d tokens reserved for group %q", tokens, groupName),
	})
	return reservation, nil
}

// Create persists one payout intent for a reserved beneficiary group.
// Params: context, group ID, payout type/mode, and processor reference.
// Returns: created payout or precondition error.
func (s *Service) Create(ctx context.Context, groupID string, typ domain.PayoutType, mode domain.PayoutMode, processorID string) (domain.Payout, error) {
	reservation, err := s.store.GetReservation(ctx, groupID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.Payout{}, domain.Precondition("Beneficiary group has no token reservation.")
		}
		return domain.Payout{}, fmt.Errorf("load reservation: %w", err)
	}

	if err := s.validateProcessor(ctx, reservation, typ, mode, processorID); err != nil {
		return domain.Payout{}, err
	}

	payout := domain.Payout{
		ID:          uuid.NewString(),
		GroupID:     groupID,
		Type:        typ,
		Mode:        mode,
		ProcessorID: processorID,
		CreatedAt:   s.clock.Now(),
	}
	if err := s.store.CreatePayout(ctx, payout); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return domain.Payout{}, domain.Precondition(
				fmt.Sprintf("Payout with groupId '%s' already exists", groupID))
		}
		return domain.Payout{}, fmt.Errorf("create payout: %w", err)
	}

	s.logger.Info("payout created",
		"payout", payout.ID, "group", groupID, "type", typ, "mode", mode)
	s.bus.Emit(ctx, notify.EventPayoutCreated, map[string]any{
		"payout_id":   payout.ID,
		"group_id":    groupID,
		"type":        string(typ),
		"mode":        string(mode),
		"description": describe(payout, reservation),
	})
	return payout, nil
}

// Schedule partitions the group's beneficiaries into settlement batches.
// Params: context and previously created payout.
// Returns: number of enqueued batches or error.
func (s *Service) Schedule(ctx context.Context, payout domain.Payout) (int, error) {
	reservation, err := s.store.GetReservation(ctx, payout.GroupID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return 0, domain.Precondition("Beneficiary group has no token reservation.")
		}
		return 0, fmt.Errorf("load reservation: %w", err)
	}
	if reservation.IsDisbursed {
		return 0, domain.Precondition(
			fmt.Sprintf("Tokens for group '%s' are already disbursed.", payout.GroupID))
	}

	beneficiaries, err := s.store.ListBeneficiariesByGroup(ctx, payout.GroupID)
	if err != nil {
		return 0, fmt.Errorf("list group beneficiaries: %w", err)
	}
	if len(beneficiaries) == 0 {
		return 0, domain.Precondition("Beneficiary group is empty.")
	}

	vendorWallet := ""
	if payout.Type == domain.PayoutTypeVendor {
		vendor, err := s.store.GetVendor(ctx, payout.ProcessorID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return 0, domain.Precondition(
					fmt.Sprintf("Vendor with id '%s' not found.", payout.ProcessorID))
			}
			return 0, fmt.Errorf("load vendor: %w", err)
		}
		vendorWallet = vendor.WalletAddress
	}

	perBeneficiary := reservation.NumberOfTokens / int64(len(beneficiaries))
	if perBeneficiary <= 0 {
		return 0, domain.Precondition("Token reservation is too small for the group.")
	}

	transfers := make([]queue.Transfer, 0, len(beneficiaries))
	for _, beneficiary := range beneficiaries {
		transfers = append(transfers, queue.Transfer{
			BeneficiaryWalletAddress: beneficiary.WalletAddress,
			VendorWalletAddress:      vendorWallet,
			Amount:                   perBeneficiary,
		})
	}

	ranges := batch.Partition(len(transfers), s.batchSize)
	for i, r := range ranges {
		job := queue.SettlementJob{
			BatchID:     fmt.Sprintf("%s-%d", payout.ID, i+1),
			PayoutID:    payout.ID,
			Type:        payout.Type,
			ProcessorID: payout.ProcessorID,
			OfframpType: string(reservation.Purpose),
			Transfers:   transfers[r.Start-1 : r.End],
		}
		if err := s.settlement.Enqueue(ctx, queue.SettlementJobID(job), job); err != nil {
			return i, fmt.Errorf("enqueue settlement batch %d: %w", i+1, err)
		}
	}

	reservation.Status = domain.ReservationDisbursed
	reservation.IsDisbursed = true
	if err := s.store.PutReservation(ctx, reservation); err != nil {
		return len(ranges), fmt.Errorf("mark reservation disbursed: %w", err)
	}

	s.logger.Info("payout scheduled",
		"payout", payout.ID,
		"group", payout.GroupID,
		"batches", len(ranges),
		"transfers", len(transfers))
	return len(ranges), nil
}

// validateProcessor checks processor resolution rules for one payout shape.
// Params: context, group reservation, payout type/mode, and processor reference.
// Returns: precondition error when the processor cannot serve the payout.
func (s *Service) validateProcessor(ctx context.Context, reservation domain.GroupReservation, typ domain.PayoutType, mode domain.PayoutMode, processorID string) error {
	switch typ {
	case domain.PayoutTypeFSP:
		switch reservation.Purpose {
		case domain.GroupPurposeBankTransfer, domain.GroupPurposeMobileMoney:
		default:
			return domain.Precondition(fmt.Sprintf(
				"Invalid group purpose %s. Only BANK_TRANSFER and MOBILE_MONEY are allowed.",
				reservation.Purpose))
		}
		if processorID == "" {
			return domain.Precondition("FSP payout requires a payout processor id.")
		}
		if s.provider == nil {
			return domain.Precondition("No payment provider is configured.")
		}
		providers, err := s.provider.ListProviders(ctx)
		if err != nil {
			return fmt.Errorf("list payment providers: %w", err)
		}
		for _, candidate := range providers {
			if candidate.ID == processorID {
				return nil
			}
		}
		return domain.Precondition(
			fmt.Sprintf("Payment provider with id '%s' not found.", processorID))

	case domain.PayoutTypeVendor:
		if mode != domain.PayoutModeOffline {
			return nil
		}
		if _, err := uuid.Parse(processorID); err != nil {
			return domain.Precondition(
				fmt.Sprintf("Invalid vendor id '%s'.", processorID))
		}
		if _, err := s.store.GetVendor(ctx, processorID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return domain.Precondition(
					fmt.Sprintf("Vendor with id '%s' not found.", processorID))
			}
			return fmt.Errorf("load vendor: %w", err)
		}
		return nil

	default:
		return domain.Precondition(fmt.Sprintf("Unsupported payout type %s.", typ))
	}
}

// describe renders the operator-facing payout description.
// Params: payout and its group reservation.
// Returns: human-readable one-liner.
func describe(payout domain.Payout, reservation domain.GroupReservation) string {
	if reservation.ProjectName == "" {
		return fmt.Sprintf("%s/%s payout for group %q (%d tokens reserved)",
			payout.Type, payout.Mode, reservation.GroupName, reservation.NumberOfTokens)
	}
	return fmt.Sprintf("%s/%s payout for group %q under project %q (%d tokens reserved)",
		payout.Type, payout.Mode, reservation.GroupName, reservation.ProjectName, reservation.NumberOfTokens)
}
