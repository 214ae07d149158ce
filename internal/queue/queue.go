// Package queue provides durable broker-backed job lanes for the
// disbursement pipeline: assignment, settlement, communication, offramp.
package queue

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"earlyaction/internal/domain"
	"earlyaction/internal/permanent"
)

// AssignmentJob is one token-assignment unit over a beneficiary range.
// Params: contiguous range bounds and owning phase.
// Returns: queue unit consumed by assignment workers.
type AssignmentJob struct {
	PhaseID string `json:"phase_id"`
	Size    int    `json:"size"`
	Start   int    `json:"start"`
	End     int    `json:"end"`
}

// Transfer is one beneficiary transfer inside a settlement batch.
// Params: wallet identities and token amount.
// Returns: transfer element of a settlement job.
type Transfer struct {
	BeneficiaryWalletAddress string `json:"beneficiary_wallet_address"`
	VendorWalletAddress      string `json:"vendor_wallet_address,omitempty"`
	Amount                   int64  `json:"amount"`
}

// SettlementJob is one queued batch of ledger transfers.
// Params: optional batch ID, payout context, and transfer list. Processor
// and offramp fields are set on FSP jobs so successful transfers can be
// mirrored into fiat settlement requests.
type SettlementJob struct {
	BatchID     string            `json:"batch_id,omitempty"`
	PayoutID    string            `json:"payout_id,omitempty"`
	Type        domain.PayoutType `json:"type"`
	ProcessorID string            `json:"processor_id,omitempty"`
	OfframpType string            `json:"offramp_type,omitempty"`
	Transfers   []Transfer        `json:"transfers"`
}

// CommunicationJob is one queued activity communication trigger.
// Params: communication reference and owning activity.
// Returns: queue unit consumed by the communication worker.
type CommunicationJob struct {
	CommunicationID string `json:"communication_id"`
	ActivityID      string `json:"activity_id"`
}

// OfframpJob is one queued fiat settlement request.
// Params: wallet identities, bank destination, payout context, and amount.
// Returns: queue unit consumed by the offramp worker.
type OfframpJob struct {
	OfframpWalletAddress     string             `json:"offramp_wallet_address"`
	BeneficiaryWalletAddress string             `json:"beneficiary_wallet_address"`
	BeneficiaryBankDetails   domain.BankDetails `json:"beneficiary_bank_details"`
	PayoutUUID               string             `json:"payout_uuid"`
	PayoutProcessorID        string             `json:"payout_processor_id"`
	OfframpType              string             `json:"offramp_type"`
	TransactionHash          string             `json:"transaction_hash"`
	Amount                   int64              `json:"amount"`
}

// AssignmentJobID creates deterministic id for one assignment job.
// Params: phase ID and range bounds.
// Returns: stable SHA1-based id string.
func AssignmentJobID(job AssignmentJob) string {
	return hashID("assignment", job.PhaseID, strconv.Itoa(job.Start), strconv.Itoa(job.End))
}

// SettlementJobID creates deterministic id for one settlement job.
// Params: settlement job payload.
// Returns: stable SHA1-based id string.
func SettlementJobID(job SettlementJob) string {
	parts := make([]string, 0, len(job.Transfers)+3)
	parts = append(parts, "settlement", job.BatchID, job.PayoutID)
	for _, transfer := range job.Transfers {
		parts = append(parts,
			transfer.BeneficiaryWalletAddress,
			transfer.VendorWalletAddress,
			strconv.FormatInt(transfer.Amount, 10),
		)
	}
	return hashID(parts...)
}

// CommunicationJobID creates deterministic id for one communication job.
// Params: communication job payload.
// Returns: stable SHA1-based id string.
func CommunicationJobID(job CommunicationJob) string {
	return hashID("communication", job.CommunicationID, job.ActivityID)
}

// OfframpJobID creates deterministic id for one offramp job.
// Params: offramp job payload.
// Returns: stable SHA1-based id string.
func OfframpJobID(job OfframpJob) string {
	return hashID("offramp", job.PayoutUUID, job.BeneficiaryWalletAddress, job.TransactionHash)
}

// hashID builds SHA1 hex digest over joined identity fields.
// Params: lane-specific identity parts.
// Returns: hex id string.
func hashID(parts ...string) string {
	sum := sha1.Sum([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}

// Producer enqueues jobs into one lane.
// Params: context, deterministic job id, and encodable payload.
// Returns: enqueue error.
type Producer interface {
	Enqueue(ctx context.Context, jobID string, payload any) error
	Close() error
}

// Worker consumes queued lane jobs and acknowledges outcome.
// Params: close hook for shutdown lifecycle.
// Returns: queue worker lifecycle.
type Worker interface {
	Close() error
}

// Handler processes one delivered lane job payload.
// Params: context and raw job body.
// Returns: nil to ack; permanent-marked error to dead-letter; other error to retry.
type Handler func(ctx context.Context, body []byte) error

// MarkPermanent wraps error as non-retryable processing failure.
// Params: source error.
// Returns: wrapped permanent error (or nil when input is nil).
func MarkPermanent(err error) error {
	return permanent.Mark(err)
}

// IsPermanent reports whether error is marked as non-retryable.
// Params: processing error.
// Returns: true when worker must not retry.
func IsPermanent(err error) bool {
	return permanent.Is(err)
}

// backoffDelay computes exponential redelivery delay for one attempt.
// Params: base delay and 1-based delivery attempt.
// Returns: base << (attempt-1), capped at 5 minutes.
func backoffDelay(base time.Duration, attempt uint64) time.Duration {
	if base <= 0 {
		return 0
	}
	delay := base
	for i := uint64(1); i < attempt; i++ {
		delay *= 2
		if delay >= 5*time.Minute {
			return 5 * time.Minute
		}
	}
	return delay
}

// DLQReason identifies reason why a job was moved to dead-letter stream.
// Params: categorized failure reason.
// Returns: machine-readable DLQ classification.
type DLQReason string

const (
	// DLQReasonPermanentError marks non-retryable processing failures.
	DLQReasonPermanentError DLQReason = "permanent_error"
	// DLQReasonMaxDeliverExceeded marks retries exhausted by lane max deliver.
	DLQReasonMaxDeliverExceeded DLQReason = "max_deliver_exceeded"
)

// DLQEntry is dead-letter payload for lane job failures.
// Params: original job body, failure metadata, and delivery counters.
// Returns: persisted DLQ record.
type DLQEntry struct {
	Lane          string    `json:"lane"`
	Body          []byte    `json:"body"`
	Reason        DLQReason `json:"reason"`
	Error         string    `json:"error"`
	Attempts      uint64    `json:"attempts"`
	MaxDeliver    int       `json:"max_deliver"`
	Subject       string    `json:"subject"`
	FailedAt      time.Time `json:"failed_at"`
	OriginalMsgID string    `json:"original_msg_id,omitempty"`
}

// errorString returns safe textual representation for optional error value.
// Params: optional error.
// Returns: non-empty error string.
func errorString(err error) string {
	if err == nil {
		return "unknown error"
	}
	return err.Error()
}
