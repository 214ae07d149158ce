package store

import (
	"context"
	"sort"
	"sync"

	"earlyaction/internal/domain"
)

// MemoryStore keeps disbursement records in process memory for single mode.
// Params: per-kind maps guarded by one RW mutex.
// Returns: store implementation without external dependencies.
type MemoryStore struct {
	mu            sync.RWMutex
	phases        map[string]memoryPhase
	triggers      map[string]domain.Trigger
	activities    map[string]domain.Activity
	reservations  map[string]domain.GroupReservation
	payouts       map[string]domain.Payout
	redeems       map[string]domain.Redeem
	vendors       map[string]domain.Vendor
	beneficiaries map[string]domain.Beneficiary
}

type memoryPhase struct {
	phase    domain.Phase
	revision uint64
}

// NewMemoryStore creates in-memory record store.
// Params: none.
// Returns: initialized store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		phases:        make(map[string]memoryPhase),
		triggers:      make(map[string]domain.Trigger),
		activities:    make(map[string]domain.Activity),
		reservations:  make(map[string]domain.GroupReservation),
		payouts:       make(map[string]domain.Payout),
		redeems:       make(map[string]domain.Redeem),
		vendors:       make(map[string]domain.Vendor),
		beneficiaries: make(map[string]domain.Beneficiary),
	}
}

// GetPhase returns phase payload and revision.
// Params: phase ID key.
// Returns: stored phase, revision, or ErrNotFound.
func (s *MemoryStore) GetPhase(_ context.Context, phaseID string) (domain.Phase, uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.phases[phaseID]
	if !ok {
		return domain.Phase{}, 0, ErrNotFound
	}
	return entry.phase, entry.revision, nil
}

// PutPhase writes phase payload unconditionally.
// Params: phase payload keyed by its ID.
// Returns: new revision.
func (s *MemoryStore) PutPhase(_ context.Context, phase domain.Phase) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rev := s.phases[phase.ID].revision + 1
	s.phases[phase.ID] = memoryPhase{phase: phase, revision: rev}
	return rev, nil
}

// UpdatePhase updates phase payload using expected revision CAS.
// Params: expected revision and replacement payload.
// Returns: new revision or ErrConflict.
func (s *MemoryStore) UpdatePhase(_ context.Context, expectedRevision uint64, phase domain.Phase) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.phases[phase.ID]
	if !ok {
		return 0, ErrNotFound
	}
	if entry.revision != expectedRevision {
		return 0, ErrConflict
	}
	rev := entry.revision + 1
	s.phases[phase.ID] = memoryPhase{phase: phase, revision: rev}
	return rev, nil
}

// ListPhases returns all stored phases.
// Params: none.
// Returns: phase slice in unspecified order.
func (s *MemoryStore) ListPhases(_ context.Context) ([]domain.Phase, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Phase, 0, len(s.phases))
	for _, entry := range s.phases {
		out = append(out, entry.phase)
	}
	return out, nil
}

// PutTrigger writes trigger payload keyed by trigger ID.
// Params: trigger payload.
// Returns: nil (in-memory update).
func (s *MemoryStore) PutTrigger(_ context.Context, trigger domain.Trigger) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.triggers[trigger.ID] = trigger
	return nil
}

// GetTrigger returns trigger by ID.
// Params: trigger ID key.
// Returns: stored trigger or ErrNotFound.
func (s *MemoryStore) GetTrigger(_ context.Context, triggerID string) (domain.Trigger, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	trigger, ok := s.triggers[triggerID]
	if !ok {
		return domain.Trigger{}, ErrNotFound
	}
	return trigger, nil
}

// LiveTriggerByRepeatKey returns the single non-archived trigger for key.
// Params: repeat key shared across trigger recreations.
// Returns: live trigger or ErrNotFound.
func (s *MemoryStore) LiveTriggerByRepeatKey(_ context.Context, repeatKey string) (domain.Trigger, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, trigger := range s.triggers {
		if trigger.RepeatKey == repeatKey && trigger.IsLive() {
			return trigger, nil
		}
	}
	return domain.Trigger{}, ErrNotFound
}

// ListTriggersByPhase returns all triggers bound to phase, archived included.
// Params: phase ID.
// Returns: trigger slice in unspecified order.
func (s *MemoryStore) ListTriggersByPhase(_ context.Context, phaseID string) ([]domain.Trigger, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Trigger, 0)
	for _, trigger := range s.triggers {
		if trigger.PhaseID == phaseID {
			out = append(out, trigger)
		}
	}
	return out, nil
}

// PutActivity writes activity payload keyed by activity ID.
// Params: activity payload.
// Returns: nil (in-memory update).
func (s *MemoryStore) PutActivity(_ context.Context, activity domain.Activity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activities[activity.ID] = activity
	return nil
}

// ListActivitiesByPhase returns activities bound to one phase.
// Params: phase ID.
// Returns: activity slice in unspecified order.
func (s *MemoryStore) ListActivitiesByPhase(_ context.Context, phaseID string) ([]domain.Activity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Activity, 0)
	for _, activity := range s.activities {
		if activity.PhaseID == phaseID {
			out = append(out, activity)
		}
	}
	return out, nil
}

// ListActivities returns every stored activity for global backfill scans.
// Params: none.
// Returns: activity slice in unspecified order.
func (s *MemoryStore) ListActivities(_ context.Context) ([]domain.Activity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Activity, 0, len(s.activities))
	for _, activity := range s.activities {
		out = append(out, activity)
	}
	return out, nil
}

// CreateReservation writes reservation only when group has no live one.
// Params: reservation payload keyed by group ID.
// Returns: ErrConflict when a non-disbursed reservation exists.
func (s *MemoryStore) CreateReservation(_ context.Context, reservation domain.GroupReservation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.reservations[reservation.GroupID]; ok && !existing.IsDisbursed {
		return ErrConflict
	}
	s.reservations[reservation.GroupID] = reservation
	return nil
}

// GetReservation returns reservation for group.
// Params: group ID key.
// Returns: stored reservation or ErrNotFound.
func (s *MemoryStore) GetReservation(_ context.Context, groupID string) (domain.GroupReservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	reservation, ok := s.reservations[groupID]
	if !ok {
		return domain.GroupReservation{}, ErrNotFound
	}
	return reservation, nil
}

// PutReservation writes reservation payload unconditionally.
// Params: reservation payload.
// Returns: nil (in-memory update).
func (s *MemoryStore) PutReservation(_ context.Context, reservation domain.GroupReservation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reservations[reservation.GroupID] = reservation
	return nil
}

// CreatePayout writes payout only when group has none yet.
// Params: payout payload keyed by group ID.
// Returns: ErrConflict when a payout already exists for the group.
func (s *MemoryStore) CreatePayout(_ context.Context, payout domain.Payout) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.payouts[payout.GroupID]; ok {
		return ErrConflict
	}
	s.payouts[payout.GroupID] = payout
	return nil
}

// GetPayoutByGroup returns payout bound to group.
// Params: group ID key.
// Returns: stored payout or ErrNotFound.
func (s *MemoryStore) GetPayoutByGroup(_ context.Context, groupID string) (domain.Payout, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	payout, ok := s.payouts[groupID]
	if !ok {
		return domain.Payout{}, ErrNotFound
	}
	return payout, nil
}

// PutRedeem writes redeem payload keyed by redeem ID.
// Params: redeem payload.
// Returns: nil (in-memory update).
func (s *MemoryStore) PutRedeem(_ context.Context, redeem domain.Redeem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.redeems[redeem.ID] = redeem
	return nil
}

// GetRedeem returns redeem by ID.
// Params: redeem ID key.
// Returns: stored redeem or ErrNotFound.
func (s *MemoryStore) GetRedeem(_ context.Context, redeemID string) (domain.Redeem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	redeem, ok := s.redeems[redeemID]
	if !ok {
		return domain.Redeem{}, ErrNotFound
	}
	return redeem, nil
}

// FindOpenRedeem returns most recent unsettled redeem matching wallet and status.
// Params: beneficiary wallet, optional vendor wallet, and expected open status.
// Returns: matching redeem without tx hash or ErrNotFound.
func (s *MemoryStore) FindOpenRedeem(_ context.Context, wallet, vendorWallet string, status domain.RedeemStatus) (domain.Redeem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	found := false
	var latest domain.Redeem
	for _, redeem := range s.redeems {
		if !openRedeemMatches(redeem, wallet, vendorWallet, status) {
			continue
		}
		if !found || redeem.CreatedAt.After(latest.CreatedAt) {
			latest = redeem
			found = true
		}
	}
	if !found {
		return domain.Redeem{}, ErrNotFound
	}
	return latest, nil
}

// ListRedeemsByWallet returns every redeem recorded for wallet.
// Params: beneficiary wallet address.
// Returns: redeem slice in unspecified order.
func (s *MemoryStore) ListRedeemsByWallet(_ context.Context, wallet string) ([]domain.Redeem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Redeem, 0)
	for _, redeem := range s.redeems {
		if redeem.WalletAddress == wallet {
			out = append(out, redeem)
		}
	}
	return out, nil
}

// PutVendor writes vendor payload keyed by vendor ID.
// Params: vendor payload.
// Returns: nil (in-memory update).
func (s *MemoryStore) PutVendor(_ context.Context, vendor domain.Vendor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vendors[vendor.ID] = vendor
	return nil
}

// GetVendor returns vendor by ID.
// Params: vendor ID key.
// Returns: stored vendor or ErrNotFound.
func (s *MemoryStore) GetVendor(_ context.Context, vendorID string) (domain.Vendor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	vendor, ok := s.vendors[vendorID]
	if !ok {
		return domain.Vendor{}, ErrNotFound
	}
	return vendor, nil
}

// VendorByWallet returns vendor owning the settlement wallet.
// Params: vendor wallet address.
// Returns: stored vendor or ErrNotFound.
func (s *MemoryStore) VendorByWallet(_ context.Context, wallet string) (domain.Vendor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, vendor := range s.vendors {
		if vendor.WalletAddress == wallet {
			return vendor, nil
		}
	}
	return domain.Vendor{}, ErrNotFound
}

// PutBeneficiary writes beneficiary payload keyed by wallet address.
// Params: beneficiary payload.
// Returns: nil (in-memory update).
func (s *MemoryStore) PutBeneficiary(_ context.Context, beneficiary domain.Beneficiary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.beneficiaries[beneficiary.WalletAddress] = beneficiary
	return nil
}

// GetBeneficiary returns beneficiary by wallet address.
// Params: wallet address key.
// Returns: stored beneficiary or ErrNotFound.
func (s *MemoryStore) GetBeneficiary(_ context.Context, wallet string) (domain.Beneficiary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	beneficiary, ok := s.beneficiaries[wallet]
	if !ok {
		return domain.Beneficiary{}, ErrNotFound
	}
	return beneficiary, nil
}

// ListBeneficiariesByGroup returns beneficiaries in one group.
// Params: group ID.
// Returns: beneficiary slice in unspecified order.
func (s *MemoryStore) ListBeneficiariesByGroup(_ context.Context, groupID string) ([]domain.Beneficiary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Beneficiary, 0)
	for _, beneficiary := range s.beneficiaries {
		if beneficiary.GroupID == groupID {
			out = append(out, beneficiary)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].WalletAddress < out[j].WalletAddress
	})
	return out, nil
}

// ListBeneficiaries returns every beneficiary ordered by wallet address.
// Params: none.
// Returns: sorted beneficiary slice for stable range addressing.
func (s *MemoryStore) ListBeneficiaries(_ context.Context) ([]domain.Beneficiary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Beneficiary, 0, len(s.beneficiaries))
	for _, beneficiary := range s.beneficiaries {
		out = append(out, beneficiary)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].WalletAddress < out[j].WalletAddress
	})
	return out, nil
}

// CountBeneficiaries returns total eligible beneficiary count.
// Params: none.
// Returns: stored beneficiary count.
func (s *MemoryStore) CountBeneficiaries(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.beneficiaries), nil
}

// Close releases no resources for in-memory store.
// Params: none.
// Returns: nil.
func (s *MemoryStore) Close() error {
	return nil
}

// openRedeemMatches checks redeem against the open-record lookup rule.
// Params: candidate redeem, wallet/vendor identity, and expected status.
// Returns: true when record is the reconciliation target.
func openRedeemMatches(redeem domain.Redeem, wallet, vendorWallet string, status domain.RedeemStatus) bool {
	if redeem.WalletAddress != wallet || redeem.Status != status {
		return false
	}
	if redeem.TxHash != "" {
		return false
	}
	if vendorWallet != "" && redeem.VendorWalletAddress != vendorWallet {
		return false
	}
	return true
}
