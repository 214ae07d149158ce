// Package offramp queues and settles fiat conversion requests through
// the external payment provider. Jobs are single-attempt: a fiat
// request must not be duplicated by automatic retry.
package offramp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"earlyaction/internal/clock"
	"earlyaction/internal/domain"
	"earlyaction/internal/provider"
	"earlyaction/internal/queue"
	"earlyaction/internal/store"

	"github.com/google/uuid"
)

// Dispatcher enqueues fiat settlement requests on the offramp lane.
// Params: lane producer.
// Returns: offramp request entrypoint for settlement mirroring.
type Dispatcher struct {
	producer queue.Producer
}

// NewDispatcher creates offramp dispatcher.
// Params: offramp lane producer.
// Returns: initialized dispatcher.
func NewDispatcher(producer queue.Producer) *Dispatcher {
	return &Dispatcher{producer: producer}
}

// Enqueue queues one fiat settlement request.
// Params: context and offramp job payload.
// Returns: enqueue error.
func (d *Dispatcher) Enqueue(ctx context.Context, job queue.OfframpJob) error {
	if err := d.producer.Enqueue(ctx, queue.OfframpJobID(job), job); err != nil {
		return fmt.Errorf("enqueue offramp request: %w", err)
	}
	return nil
}

// Worker settles delivered offramp jobs against the payment provider.
// Params: record store, provider client, clock, and logger.
// Returns: offramp lane handler owner.
type Worker struct {
	store    store.Store
	provider provider.Client
	clock    clock.Clock
	logger   *slog.Logger
}

// NewWorker creates offramp worker.
// Params: record store, provider client, clock, and logger.
// Returns: initialized worker.
func NewWorker(recordStore store.Store, providerClient provider.Client, clk clock.Clock, logger *slog.Logger) *Worker {
	return &Worker{store: recordStore, provider: providerClient, clock: clk, logger: logger}
}

// Handle settles one delivered offramp job. Every failure is marked
// permanent so the lane never redelivers; retry is an operator action.
// Params: context and raw offramp job body.
// Returns: nil on settled request, permanent error otherwise.
func (w *Worker) Handle(ctx context.Context, body []byte) error {
	var job queue.OfframpJob
	if err := json.Unmarshal(body, &job); err != nil {
		return queue.MarkPermanent(fmt.Errorf("decode offramp job: %w", err))
	}
	if w.provider == nil {
		return queue.MarkPermanent(errors.New("payment provider is not configured"))
	}

	result, err := w.provider.InstantSettle(ctx, provider.SettleRequest{
		ProcessorID:     job.PayoutProcessorID,
		PayoutUUID:      job.PayoutUUID,
		WalletAddress:   job.BeneficiaryWalletAddress,
		BankDetails:     job.BeneficiaryBankDetails,
		Amount:          job.Amount,
		TransactionHash: job.TransactionHash,
	})
	if err != nil {
		w.logger.Error("offramp settlement failed",
			"payout", job.PayoutUUID, "wallet", job.BeneficiaryWalletAddress, "error", err.Error())
		if reconcileErr := w.reconcile(ctx, job, "", domain.RedeemFiatFailed, err.Error()); reconcileErr != nil {
			w.logger.Error("offramp failure reconcile failed",
				"wallet", job.BeneficiaryWalletAddress, "error", reconcileErr.Error())
		}
		return queue.MarkPermanent(err)
	}

	if err := w.reconcile(ctx, job, result.TxHash, domain.RedeemFiatCompleted, "provider settlement "+result.ID); err != nil {
		// The provider accepted the request; reconciliation must not
		// trigger a duplicate settlement attempt.
		w.logger.Error("offramp success reconcile failed",
			"wallet", job.BeneficiaryWalletAddress, "error", err.Error())
		return queue.MarkPermanent(err)
	}

	w.logger.Info("offramp settled",
		"payout", job.PayoutUUID, "wallet", job.BeneficiaryWalletAddress, "status", result.Status)
	return nil
}

// reconcile updates the open fiat redeem record or creates a settled one.
// Params: context, offramp job, provider tx hash, final status, and note.
// Returns: store error.
func (w *Worker) reconcile(ctx context.Context, job queue.OfframpJob, txHash string, status domain.RedeemStatus, note string) error {
	now := w.clock.Now()
	fields := map[string]string{
		"payout_uuid":  job.PayoutUUID,
		"processor_id": job.PayoutProcessorID,
		"offramp_type": job.OfframpType,
	}

	redeem, err := w.store.FindOpenRedeem(ctx, job.BeneficiaryWalletAddress, "", domain.RedeemFiatPending)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("find open fiat redeem: %w", err)
		}
		redeem = domain.Redeem{
			ID:              uuid.NewString(),
			WalletAddress:   job.BeneficiaryWalletAddress,
			Amount:          job.Amount,
			TransactionType: domain.TransactionFiatOfframp,
			CreatedAt:       now,
		}
	}

	redeem.Status = status
	redeem.IsCompleted = status == domain.RedeemFiatCompleted
	if txHash != "" {
		redeem.TxHash = txHash
	}
	redeem.Info = redeem.Info.Append(now, note, fields)
	redeem.UpdatedAt = now
	if err := w.store.PutRedeem(ctx, redeem); err != nil {
		return fmt.Errorf("persist fiat redeem: %w", err)
	}
	return nil
}
