// Package provider talks to the external payment provider for fiat offramp.
package provider

import (
	"context"
	"fmt"
	"time"

	"earlyaction/internal/config"
	"earlyaction/internal/domain"

	"github.com/go-resty/resty/v2"
)

// PaymentProvider is one registered fiat settlement provider.
// Params: provider identity and supported transfer kinds.
// Returns: entry from provider listing.
type PaymentProvider struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Channels []string `json:"channels,omitempty"`
}

// SettleRequest is one instant fiat settlement request.
// Params: payout context, bank destination, and amount.
// Returns: wire request for the provider API.
type SettleRequest struct {
	ProcessorID     string             `json:"processor_id"`
	PayoutUUID      string             `json:"payout_uuid"`
	WalletAddress   string             `json:"wallet_address"`
	BankDetails     domain.BankDetails `json:"bank_details"`
	Amount          int64              `json:"amount"`
	TransactionHash string             `json:"transaction_hash,omitempty"`
}

// SettleResult is provider response for one settlement request.
// Params: provider-side identifiers and status.
// Returns: settlement outcome for redeem reconciliation.
type SettleResult struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	TxHash string `json:"tx_hash,omitempty"`
}

// Client provides payment-provider operations behind a fake-friendly interface.
// Params: provider listing and instant settlement.
// Returns: external provider behavior.
type Client interface {
	ListProviders(ctx context.Context) ([]PaymentProvider, error)
	InstantSettle(ctx context.Context, request SettleRequest) (SettleResult, error)
}

// RESTClient calls the payment provider HTTP API.
// Params: resty client with base URL and credential.
// Returns: provider client implementation.
type RESTClient struct {
	http *resty.Client
}

// NewRESTClient creates provider client from config.
// Params: provider settings with base URL, API key, and timeout.
// Returns: initialized client.
func NewRESTClient(cfg config.ProviderConfig) *RESTClient {
	http := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetAuthToken(cfg.APIKey).
		SetTimeout(time.Duration(cfg.TimeoutSec) * time.Second)
	return &RESTClient{http: http}
}

// ListProviders fetches registered payment providers.
// Params: request context.
// Returns: provider list or API error.
func (c *RESTClient) ListProviders(ctx context.Context) ([]PaymentProvider, error) {
	var providers []PaymentProvider
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&providers).
		Get("/providers")
	if err != nil {
		return nil, fmt.Errorf("list providers: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("list providers: http %d", resp.StatusCode())
	}
	return providers, nil
}

// InstantSettle submits one fiat settlement request.
// Params: request context and settle request payload.
// Returns: settlement result or API error.
func (c *RESTClient) InstantSettle(ctx context.Context, request SettleRequest) (SettleResult, error) {
	var result SettleResult
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(request).
		SetResult(&result).
		Post("/settlements/instant")
	if err != nil {
		return SettleResult{}, fmt.Errorf("instant settle: %w", err)
	}
	if resp.IsError() {
		return SettleResult{}, fmt.Errorf("instant settle: http %d", resp.StatusCode())
	}
	return result, nil
}
