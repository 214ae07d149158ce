// Package settle consumes queued disbursement batches and executes
// ledger-level multicall transfers, reconciling per-beneficiary redeem
// records as the durable settlement truth.
package settle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"earlyaction/internal/batch"
	"earlyaction/internal/clock"
	"earlyaction/internal/domain"
	"earlyaction/internal/ledger"
	"earlyaction/internal/queue"
	"earlyaction/internal/store"

	"github.com/google/uuid"
)

// OfframpEnqueuer queues one fiat settlement request.
// Params: context and offramp job payload.
// Returns: enqueue error.
type OfframpEnqueuer interface {
	Enqueue(ctx context.Context, job queue.OfframpJob) error
}

// WorkerConfig carries settlement tuning resolved from service config.
// Params: sub-batch bound, token scaling, and offramp mirroring context.
// Returns: worker construction settings.
type WorkerConfig struct {
	SubBatchSize          int
	TokenDecimals         int
	AssignmentTokenAmount int64
	OfframpWalletAddress  string
}

// SubBatchResult records outcome of one multicall sub-batch.
// Params: partition number, submission outcome, and transfer counters.
// Returns: per-sub-batch detail inside a batch result.
type SubBatchResult struct {
	Number    int    `json:"number"`
	Success   bool   `json:"success"`
	TxHash    string `json:"tx_hash,omitempty"`
	Transfers int    `json:"transfers"`
	Skipped   int    `json:"skipped"`
	Error     string `json:"error,omitempty"`
}

// BatchResult aggregates outcome of one settlement job.
// Params: sub-batch counters and per-sub-batch detail.
// Returns: job summary; individual failures are absorbed here.
type BatchResult struct {
	TotalSubBatches int              `json:"total_sub_batches"`
	Succeeded       int              `json:"succeeded"`
	TotalTransfers  int              `json:"total_transfers"`
	SubBatches      []SubBatchResult `json:"sub_batches"`
}

// Worker executes settlement and assignment lane jobs.
// Params: record store, ledger client, settlement producer, offramp
// enqueuer, clock, logger, and tuning.
// Returns: lane handler owner; runs at lane concurrency 1.
type Worker struct {
	store      store.Store
	ledger     ledger.Client
	settlement queue.Producer
	offramp    OfframpEnqueuer
	clock      clock.Clock
	logger     *slog.Logger
	cfg        WorkerConfig
}

// NewWorker creates settlement worker.
// Params: collaborators and tuning; offramp enqueuer may be nil when
// fiat mirroring is disabled.
// Returns: initialized worker.
func NewWorker(
	recordStore store.Store,
	ledgerClient ledger.Client,
	settlementProducer queue.Producer,
	offrampEnqueuer OfframpEnqueuer,
	clk clock.Clock,
	logger *slog.Logger,
	cfg WorkerConfig,
) *Worker {
	return &Worker{
		store:      recordStore,
		ledger:     ledgerClient,
		settlement: settlementProducer,
		offramp:    offrampEnqueuer,
		clock:      clk,
		logger:     logger,
		cfg:        cfg,
	}
}

// HandleBatch processes one delivered settlement job body.
// Params: context and raw settlement job.
// Returns: nil when the batch ran to completion (even with absorbed
// sub-batch failures); error only for setup failures worth a redelivery.
func (w *Worker) HandleBatch(ctx context.Context, body []byte) error {
	var job queue.SettlementJob
	if err := json.Unmarshal(body, &job); err != nil {
		return queue.MarkPermanent(fmt.Errorf("decode settlement job: %w", err))
	}

	result, err := w.ProcessBatch(ctx, job)
	if err != nil {
		return err
	}
	w.logger.Info("settlement batch processed",
		"batch", job.BatchID,
		"sub_batches", result.TotalSubBatches,
		"succeeded", result.Succeeded,
		"transfers", result.TotalTransfers)
	return nil
}

// ProcessBatch runs one settlement job to completion.
// Params: context and settlement job.
// Returns: aggregate batch result; error only when the job cannot start
// at all (missing ledger context). Sub-batch failures never escape.
func (w *Worker) ProcessBatch(ctx context.Context, job queue.SettlementJob) (BatchResult, error) {
	if w.ledger == nil {
		return BatchResult{}, errors.New("ledger client is not configured")
	}
	size := w.cfg.SubBatchSize
	if size <= 0 {
		return BatchResult{}, fmt.Errorf("invalid settlement sub-batch size %d", size)
	}

	ranges := batch.Partition(len(job.Transfers), size)
	result := BatchResult{
		TotalSubBatches: len(ranges),
		TotalTransfers:  len(job.Transfers),
		SubBatches:      make([]SubBatchResult, 0, len(ranges)),
	}

	// Sub-batches run strictly in partition order. A failing sub-batch
	// is recorded and the loop continues with the next one.
	for i, r := range ranges {
		transfers := job.Transfers[r.Start-1 : r.End]
		sub := w.processSubBatch(ctx, job, i+1, transfers)
		if sub.Success {
			result.Succeeded++
		}
		result.SubBatches = append(result.SubBatches, sub)
	}
	return result, nil
}

// processSubBatch validates, submits, and reconciles one sub-batch.
// Params: context, owning job, 1-based sub-batch number, and transfer slice.
// Returns: sub-batch result with failure absorbed into its fields.
func (w *Worker) processSubBatch(ctx context.Context, job queue.SettlementJob, number int, transfers []queue.Transfer) SubBatchResult {
	sub := SubBatchResult{Number: number, Transfers: len(transfers)}

	valid := make([]queue.Transfer, 0, len(transfers))
	calls := make([][]byte, 0, len(transfers))
	for _, transfer := range transfers {
		call, err := w.prepareTransfer(ctx, job, transfer)
		if err != nil {
			sub.Skipped++
			w.logger.Warn("settlement transfer skipped",
				"batch", job.BatchID,
				"sub_batch", number,
				"wallet", transfer.BeneficiaryWalletAddress,
				"reason", err.Error())
			continue
		}
		valid = append(valid, transfer)
		calls = append(calls, call)
	}

	if len(valid) == 0 {
		sub.Success = true
		return sub
	}

	submission, err := w.ledger.SubmitMulticall(ctx, calls)
	if err != nil {
		return w.failSubBatch(ctx, job, sub, valid, fmt.Errorf("submit multicall: %w", err))
	}
	if err := submission.Confirm(ctx); err != nil {
		return w.failSubBatch(ctx, job, sub, valid, fmt.Errorf("confirm %s: %w", submission.Hash(), err))
	}

	sub.Success = true
	sub.TxHash = submission.Hash()
	for _, transfer := range valid {
		if err := w.completeTransfer(ctx, job, number, transfer, sub.TxHash); err != nil {
			w.logger.Error("redeem reconcile failed",
				"batch", job.BatchID,
				"wallet", transfer.BeneficiaryWalletAddress,
				"error", err.Error())
		}
	}
	return sub
}

// prepareTransfer validates one transfer and encodes its ledger call.
// Params: context, owning job, and transfer.
// Returns: encoded call or skip reason.
func (w *Worker) prepareTransfer(ctx context.Context, job queue.SettlementJob, transfer queue.Transfer) ([]byte, error) {
	if transfer.Amount <= 0 {
		return nil, fmt.Errorf("non-positive amount %d", transfer.Amount)
	}
	amount := ledger.ScaleTokens(transfer.Amount, w.cfg.TokenDecimals)

	switch job.Type {
	case domain.PayoutTypeVendor:
		if transfer.VendorWalletAddress == "" {
			return nil, errors.New("vendor wallet missing on vendor settlement")
		}
		if _, err := w.store.VendorByWallet(ctx, transfer.VendorWalletAddress); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, fmt.Errorf("no vendor owns wallet %s", transfer.VendorWalletAddress)
			}
			return nil, fmt.Errorf("resolve vendor: %w", err)
		}
		return w.ledger.EncodeCall("transfer_from",
			ledger.AddressArg(transfer.BeneficiaryWalletAddress),
			ledger.AddressArg(transfer.VendorWalletAddress),
			ledger.AmountArg(amount))

	case domain.PayoutTypeFSP:
		balance, err := w.ledger.ReadBalance(ctx, transfer.BeneficiaryWalletAddress)
		if err != nil {
			return nil, fmt.Errorf("read balance: %w", err)
		}
		if balance.Sign() <= 0 {
			return nil, errors.New("beneficiary holds no token balance")
		}
		if w.cfg.OfframpWalletAddress == "" {
			return nil, errors.New("offramp wallet is not configured")
		}
		return w.ledger.EncodeCall("transfer_from",
			ledger.AddressArg(transfer.BeneficiaryWalletAddress),
			ledger.AddressArg(w.cfg.OfframpWalletAddress),
			ledger.AmountArg(amount))

	default:
		// Assignment flow moves tokens from the signer to the beneficiary.
		return w.ledger.EncodeCall("transfer",
			ledger.AddressArg(transfer.BeneficiaryWalletAddress),
			ledger.AmountArg(amount))
	}
}

// completeTransfer reconciles one settled transfer into its redeem record.
// The open record is updated when present; a completed record is created
// otherwise. Retried jobs hit the same open record and never double-count.
// Params: context, owning job, sub-batch number, transfer, and tx hash.
// Returns: store error.
func (w *Worker) completeTransfer(ctx context.Context, job queue.SettlementJob, number int, transfer queue.Transfer, txHash string) error {
	now := w.clock.Now()
	fields := map[string]string{
		"batch_id":  job.BatchID,
		"sub_batch": fmt.Sprintf("%d", number),
	}
	if job.PayoutID != "" {
		fields["payout_id"] = job.PayoutID
	}

	redeem, err := w.openRedeem(ctx, job, transfer)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("find open redeem: %w", err)
		}
		redeem = w.newRedeem(job, transfer, now)
	}

	redeem.Status = domain.RedeemTokenCompleted
	redeem.IsCompleted = true
	redeem.TxHash = txHash
	redeem.Info = redeem.Info.Append(now, "token transfer confirmed", fields)
	redeem.UpdatedAt = now
	if err := w.store.PutRedeem(ctx, redeem); err != nil {
		return fmt.Errorf("persist redeem: %w", err)
	}

	if job.Type == domain.PayoutTypeFSP && job.ProcessorID != "" && w.offramp != nil {
		w.mirrorToOfframp(ctx, job, transfer, txHash, now)
	}
	return nil
}

// failSubBatch records a sub-batch failure and marks open redeems failed.
// Params: context, owning job, partial sub result, valid transfers, and cause.
// Returns: completed failure result; the caller continues with the next
// sub-batch.
func (w *Worker) failSubBatch(ctx context.Context, job queue.SettlementJob, sub SubBatchResult, transfers []queue.Transfer, cause error) SubBatchResult {
	sub.Success = false
	sub.Error = cause.Error()
	w.logger.Error("settlement sub-batch failed",
		"batch", job.BatchID, "sub_batch", sub.Number, "error", cause.Error())

	now := w.clock.Now()
	for _, transfer := range transfers {
		redeem, err := w.openRedeem(ctx, job, transfer)
		if err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				w.logger.Error("open redeem lookup failed",
					"wallet", transfer.BeneficiaryWalletAddress, "error", err.Error())
			}
			continue
		}
		redeem.Status = domain.RedeemTokenFailed
		redeem.Info = redeem.Info.Append(now, "token transfer failed", map[string]string{
			"batch_id":  job.BatchID,
			"sub_batch": fmt.Sprintf("%d", sub.Number),
			"error":     cause.Error(),
		})
		redeem.UpdatedAt = now
		if err := w.store.PutRedeem(ctx, redeem); err != nil {
			w.logger.Error("failed redeem persist failed",
				"wallet", transfer.BeneficiaryWalletAddress, "error", err.Error())
		}
	}
	return sub
}

// mirrorToOfframp creates the fiat leg for one settled FSP transfer.
// Params: context, owning job, settled transfer, tx hash, and timestamp.
// Returns: none; fiat enqueue failures are logged, the token leg stands.
func (w *Worker) mirrorToOfframp(ctx context.Context, job queue.SettlementJob, transfer queue.Transfer, txHash string, now time.Time) {
	beneficiary, err := w.store.GetBeneficiary(ctx, transfer.BeneficiaryWalletAddress)
	if err != nil {
		w.logger.Error("offramp mirror skipped, beneficiary lookup failed",
			"wallet", transfer.BeneficiaryWalletAddress, "error", err.Error())
		return
	}
	if beneficiary.BankDetails == nil {
		w.logger.Warn("offramp mirror skipped, beneficiary has no bank details",
			"wallet", transfer.BeneficiaryWalletAddress)
		return
	}

	if _, err := w.store.FindOpenRedeem(ctx, transfer.BeneficiaryWalletAddress, "", domain.RedeemFiatPending); err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			w.logger.Error("open fiat redeem lookup failed",
				"wallet", transfer.BeneficiaryWalletAddress, "error", err.Error())
			return
		}
		pending := domain.Redeem{
			ID:              uuid.NewString(),
			WalletAddress:   transfer.BeneficiaryWalletAddress,
			Amount:          transfer.Amount,
			TransactionType: domain.TransactionFiatOfframp,
			Status:          domain.RedeemFiatPending,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		pending.Info = pending.Info.Append(now, "fiat settlement requested", map[string]string{
			"payout_id": job.PayoutID,
			"tx_hash":   txHash,
		})
		if err := w.store.PutRedeem(ctx, pending); err != nil {
			w.logger.Error("pending fiat redeem persist failed",
				"wallet", transfer.BeneficiaryWalletAddress, "error", err.Error())
			return
		}
	}

	err = w.offramp.Enqueue(ctx, queue.OfframpJob{
		OfframpWalletAddress:     w.cfg.OfframpWalletAddress,
		BeneficiaryWalletAddress: transfer.BeneficiaryWalletAddress,
		BeneficiaryBankDetails:   *beneficiary.BankDetails,
		PayoutUUID:               job.PayoutID,
		PayoutProcessorID:        job.ProcessorID,
		OfframpType:              job.OfframpType,
		TransactionHash:          txHash,
		Amount:                   transfer.Amount,
	})
	if err != nil {
		w.logger.Error("offramp enqueue failed",
			"wallet", transfer.BeneficiaryWalletAddress, "error", err.Error())
	}
}

// openRedeem finds the open pre-settlement redeem for one transfer.
// Params: context, owning job, and transfer.
// Returns: most recent open record or ErrNotFound.
func (w *Worker) openRedeem(ctx context.Context, job queue.SettlementJob, transfer queue.Transfer) (domain.Redeem, error) {
	vendorWallet := ""
	if job.Type == domain.PayoutTypeVendor {
		vendorWallet = transfer.VendorWalletAddress
	}
	return w.store.FindOpenRedeem(ctx, transfer.BeneficiaryWalletAddress, vendorWallet, domain.RedeemTokenPending)
}

// newRedeem builds a fresh redeem record for one transfer.
// Params: owning job, transfer, and creation timestamp.
// Returns: unsaved redeem record.
func (w *Worker) newRedeem(job queue.SettlementJob, transfer queue.Transfer, now time.Time) domain.Redeem {
	transactionType := domain.TransactionTokenTransfer
	if job.Type == domain.PayoutTypeVendor {
		transactionType = domain.TransactionVendorTransfer
	}
	return domain.Redeem{
		ID:                  uuid.NewString(),
		WalletAddress:       transfer.BeneficiaryWalletAddress,
		VendorWalletAddress: transfer.VendorWalletAddress,
		Amount:              transfer.Amount,
		TransactionType:     transactionType,
		CreatedAt:           now,
	}
}
