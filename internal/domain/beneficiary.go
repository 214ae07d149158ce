package domain

// BankDetails stores typed bank account fields for fiat settlement.
// Params: account holder, number, and bank name.
// Returns: structured offramp destination instead of opaque blob.
type BankDetails struct {
	AccountName   string `json:"account_name"`
	AccountNumber string `json:"account_number"`
	BankName      string `json:"bank_name"`
}

// Beneficiary stores one addressable aid recipient.
// Params: wallet identity, group membership, and optional bank details.
// Returns: record used for disbursement scheduling and offramp.
type Beneficiary struct {
	WalletAddress string       `json:"wallet_address"`
	GroupID       string       `json:"group_id"`
	BankDetails   *BankDetails `json:"bank_details,omitempty"`
}

// Vendor stores one local redemption vendor.
// Params: identity, display name, and settlement wallet.
// Returns: record resolved during vendor payout validation.
type Vendor struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	WalletAddress string `json:"wallet_address"`
}
