package domain

import "time"

// RedeemStatus is settlement status of one beneficiary redeem record.
// Params: ledger and fiat status constants.
// Returns: status tag driving worker reconciliation.
type RedeemStatus string

const (
	// RedeemTokenPending marks ledger transfer queued but not confirmed.
	RedeemTokenPending RedeemStatus = "TOKEN_TRANSFER_PENDING"
	// RedeemTokenCompleted marks ledger transfer confirmed.
	RedeemTokenCompleted RedeemStatus = "TOKEN_TRANSFER_COMPLETED"
	// RedeemTokenFailed marks ledger transfer failed.
	RedeemTokenFailed RedeemStatus = "TOKEN_TRANSFER_FAILED"
	// RedeemFiatPending marks offramp request queued but not settled.
	RedeemFiatPending RedeemStatus = "FIAT_PENDING"
	// RedeemFiatCompleted marks fiat settlement confirmed by provider.
	RedeemFiatCompleted RedeemStatus = "FIAT_COMPLETED"
	// RedeemFiatFailed marks fiat settlement rejected by provider.
	RedeemFiatFailed RedeemStatus = "FIAT_FAILED"
)

// IsOpen reports whether status still awaits a settlement outcome.
// Params: none.
// Returns: true for pending ledger/fiat statuses.
func (s RedeemStatus) IsOpen() bool {
	return s == RedeemTokenPending || s == RedeemFiatPending
}

// TransactionType identifies which flow produced a redeem record.
// Params: direct/vendor/fiat flow constants.
// Returns: flow tag stored on redeem records.
type TransactionType string

const (
	// TransactionTokenTransfer marks direct beneficiary token transfer.
	TransactionTokenTransfer TransactionType = "TOKEN_TRANSFER"
	// TransactionVendorTransfer marks vendor-mediated token transfer.
	TransactionVendorTransfer TransactionType = "VENDOR_TRANSFER"
	// TransactionFiatOfframp marks fiat conversion through a provider.
	TransactionFiatOfframp TransactionType = "FIAT_OFFRAMP"
)

// AuditEntry is one append-only note in a redeem audit log.
// Params: timestamp, free-form note, and structured fields.
// Returns: immutable audit log element.
type AuditEntry struct {
	At     time.Time         `json:"at"`
	Note   string            `json:"note"`
	Fields map[string]string `json:"fields,omitempty"`
}

// AuditLog is append-only audit trail merged into, never overwritten.
// Params: ordered audit entries.
// Returns: audit history for one redeem record.
type AuditLog []AuditEntry

// Append returns log extended with one entry, preserving prior entries.
// Params: entry timestamp, note text, and optional structured fields.
// Returns: new log value with entry appended.
func (l AuditLog) Append(at time.Time, note string, fields map[string]string) AuditLog {
	next := make(AuditLog, 0, len(l)+1)
	next = append(next, l...)
	next = append(next, AuditEntry{At: at, Note: note, Fields: fields})
	return next
}

// Redeem stores per-beneficiary settlement truth for one attempt.
// Params: wallet identity, amount, flow type, status, tx hash, and audit log.
// Returns: durable reconciliation record for settlement workers.
type Redeem struct {
	ID                  string          `json:"id"`
	WalletAddress       string          `json:"wallet_address"`
	VendorWalletAddress string          `json:"vendor_wallet_address,omitempty"`
	Amount              int64           `json:"amount"`
	TransactionType     TransactionType `json:"transaction_type"`
	Status              RedeemStatus    `json:"status"`
	IsCompleted         bool            `json:"is_completed"`
	TxHash              string          `json:"tx_hash,omitempty"`
	Info                AuditLog        `json:"info,omitempty"`
	CreatedAt           time.Time       `json:"created_at"`
	UpdatedAt           time.Time       `json:"updated_at"`
}
