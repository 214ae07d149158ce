package settle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"earlyaction/internal/domain"
	"earlyaction/internal/queue"
	"earlyaction/internal/store"

	"github.com/google/uuid"
)

// HandleAssignment turns one delivered assignment range into queued
// settlement work. Each beneficiary in the range gets an open redeem
// record before the settlement job is enqueued, so a redelivered range
// reuses the same records instead of creating new ones.
// Params: context and raw assignment job body.
// Returns: nil on enqueued range; error when the range must be redelivered.
func (w *Worker) HandleAssignment(ctx context.Context, body []byte) error {
	var job queue.AssignmentJob
	if err := json.Unmarshal(body, &job); err != nil {
		return queue.MarkPermanent(fmt.Errorf("decode assignment job: %w", err))
	}
	if job.Start < 1 || job.End < job.Start {
		return queue.MarkPermanent(fmt.Errorf("invalid assignment range [%d,%d]", job.Start, job.End))
	}

	beneficiaries, err := w.rangeBeneficiaries(ctx, job)
	if err != nil {
		return err
	}
	if len(beneficiaries) == 0 {
		w.logger.Warn("assignment range is empty",
			"phase", job.PhaseID, "start", job.Start, "end", job.End)
		return nil
	}

	transfers := make([]queue.Transfer, 0, len(beneficiaries))
	for _, beneficiary := range beneficiaries {
		if err := w.ensureOpenRedeem(ctx, beneficiary.WalletAddress); err != nil {
			return fmt.Errorf("prepare redeem for %s: %w", beneficiary.WalletAddress, err)
		}
		transfers = append(transfers, queue.Transfer{
			BeneficiaryWalletAddress: beneficiary.WalletAddress,
			Amount:                   w.cfg.AssignmentTokenAmount,
		})
	}

	settlement := queue.SettlementJob{
		BatchID:   fmt.Sprintf("%s-%d-%d", job.PhaseID, job.Start, job.End),
		Transfers: transfers,
	}
	if err := w.settlement.Enqueue(ctx, queue.SettlementJobID(settlement), settlement); err != nil {
		return fmt.Errorf("enqueue settlement batch: %w", err)
	}

	w.logger.Info("assignment range scheduled",
		"phase", job.PhaseID,
		"start", job.Start,
		"end", job.End,
		"transfers", len(transfers))
	return nil
}

// rangeBeneficiaries resolves the 1-based global range of one assignment job.
// Params: context and assignment job.
// Returns: beneficiaries at positions Start..End in wallet order.
func (w *Worker) rangeBeneficiaries(ctx context.Context, job queue.AssignmentJob) ([]domain.Beneficiary, error) {
	all, err := w.store.ListBeneficiaries(ctx)
	if err != nil {
		return nil, fmt.Errorf("list beneficiaries: %w", err)
	}
	if job.Start > len(all) {
		return nil, nil
	}
	end := job.End
	if end > len(all) {
		end = len(all)
	}
	return all[job.Start-1 : end], nil
}

// ensureOpenRedeem creates the pending token redeem when none is open.
// Params: context and beneficiary wallet.
// Returns: store error.
func (w *Worker) ensureOpenRedeem(ctx context.Context, wallet string) error {
	_, err := w.store.FindOpenRedeem(ctx, wallet, "", domain.RedeemTokenPending)
	if err == nil {
		return nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return err
	}

	now := w.clock.Now()
	redeem := domain.Redeem{
		ID:              uuid.NewString(),
		WalletAddress:   wallet,
		Amount:          w.cfg.AssignmentTokenAmount,
		TransactionType: domain.TransactionTokenTransfer,
		Status:          domain.RedeemTokenPending,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	redeem.Info = redeem.Info.Append(now, "token assignment queued", nil)
	return w.store.PutRedeem(ctx, redeem)
}
