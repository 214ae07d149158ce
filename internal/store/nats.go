package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"earlyaction/internal/config"
	"earlyaction/internal/domain"

	"github.com/nats-io/nats.go"
)

const (
	phasePrefix       = "phase."
	triggerPrefix     = "trigger."
	activityPrefix    = "activity."
	reservationPrefix = "reservation."
	payoutPrefix      = "payout."
	redeemPrefix      = "redeem."
	vendorPrefix      = "vendor."
	beneficiaryPrefix = "beneficiary."
)

// NATSStore persists disbursement records in one JetStream KV bucket.
// Params: NATS connection and KV bucket handle; keys are kind-prefixed.
// Returns: KV-backed record store implementation.
type NATSStore struct {
	nc *nats.Conn
	kv nats.KeyValue
}

// NewNATSStore opens the records bucket and returns NATS record store.
// Params: state settings from config.
// Returns: initialized store or setup error.
func NewNATSStore(settings config.StateConfig) (*NATSStore, error) {
	nc, err := nats.Connect(strings.Join(settings.URL, ","))
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init: %w", err)
	}

	kv, err := js.KeyValue(settings.Bucket)
	if err != nil {
		if !settings.AllowCreateBucket {
			nc.Close()
			return nil, fmt.Errorf("open records bucket %q: %w", settings.Bucket, err)
		}
		kv, err = js.CreateKeyValue(&nats.KeyValueConfig{Bucket: settings.Bucket})
		if err != nil {
			nc.Close()
			return nil, fmt.Errorf("create records bucket %q: %w", settings.Bucket, err)
		}
	}

	return &NATSStore{nc: nc, kv: kv}, nil
}

// GetPhase reads one phase and its KV revision.
// Params: phase ID key.
// Returns: phase payload, revision, or ErrNotFound.
func (s *NATSStore) GetPhase(_ context.Context, phaseID string) (domain.Phase, uint64, error) {
	entry, err := s.kv.Get(phasePrefix + phaseID)
	if err != nil {
		if err == nats.ErrKeyNotFound {
			return domain.Phase{}, 0, ErrNotFound
		}
		return domain.Phase{}, 0, fmt.Errorf("get phase: %w", err)
	}
	var phase domain.Phase
	if err := json.Unmarshal(entry.Value(), &phase); err != nil {
		return domain.Phase{}, 0, fmt.Errorf("decode phase: %w", err)
	}
	return phase, entry.Revision(), nil
}

// PutPhase writes phase payload unconditionally.
// Params: phase payload keyed by its ID.
// Returns: new KV revision.
func (s *NATSStore) PutPhase(_ context.Context, phase domain.Phase) (uint64, error) {
	return s.putJSON(phasePrefix+phase.ID, phase, "phase")
}

// UpdatePhase updates phase payload using expected revision CAS.
// Params: expected revision and replacement payload.
// Returns: new KV revision or ErrConflict.
func (s *NATSStore) UpdatePhase(_ context.Context, expectedRevision uint64, phase domain.Phase) (uint64, error) {
	body, err := json.Marshal(phase)
	if err != nil {
		return 0, fmt.Errorf("encode phase: %w", err)
	}
	rev, err := s.kv.Update(phasePrefix+phase.ID, body, expectedRevision)
	if err != nil {
		if errors.Is(err, nats.ErrKeyExists) || strings.Contains(strings.ToLower(err.Error()), "wrong last sequence") {
			return 0, ErrConflict
		}
		return 0, fmt.Errorf("update phase: %w", err)
	}
	return rev, nil
}

// ListPhases returns all stored phases.
// Params: none.
// Returns: phase slice in key order.
func (s *NATSStore) ListPhases(ctx context.Context) ([]domain.Phase, error) {
	var out []domain.Phase
	err := s.scanPrefix(ctx, phasePrefix, func(value []byte) error {
		var phase domain.Phase
		if err := json.Unmarshal(value, &phase); err != nil {
			return fmt.Errorf("decode phase: %w", err)
		}
		out = append(out, phase)
		return nil
	})
	return out, err
}

// PutTrigger writes trigger payload keyed by trigger ID.
// Params: trigger payload.
// Returns: put error.
func (s *NATSStore) PutTrigger(_ context.Context, trigger domain.Trigger) error {
	_, err := s.putJSON(triggerPrefix+trigger.ID, trigger, "trigger")
	return err
}

// GetTrigger returns trigger by ID.
// Params: trigger ID key.
// Returns: stored trigger or ErrNotFound.
func (s *NATSStore) GetTrigger(_ context.Context, triggerID string) (domain.Trigger, error) {
	var trigger domain.Trigger
	if err := s.getJSON(triggerPrefix+triggerID, &trigger, "trigger"); err != nil {
		return domain.Trigger{}, err
	}
	return trigger, nil
}

// LiveTriggerByRepeatKey scans triggers for the single live holder of key.
// Params: repeat key shared across trigger recreations.
// Returns: live trigger or ErrNotFound.
func (s *NATSStore) LiveTriggerByRepeatKey(ctx context.Context, repeatKey string) (domain.Trigger, error) {
	var found *domain.Trigger
	err := s.scanPrefix(ctx, triggerPrefix, func(value []byte) error {
		var trigger domain.Trigger
		if err := json.Unmarshal(value, &trigger); err != nil {
			return fmt.Errorf("decode trigger: %w", err)
		}
		if trigger.RepeatKey == repeatKey && trigger.IsLive() {
			found = &trigger
		}
		return nil
	})
	if err != nil {
		return domain.Trigger{}, err
	}
	if found == nil {
		return domain.Trigger{}, ErrNotFound
	}
	return *found, nil
}

// ListTriggersByPhase returns all triggers bound to phase, archived included.
// Params: phase ID.
// Returns: trigger slice in key order.
func (s *NATSStore) ListTriggersByPhase(ctx context.Context, phaseID string) ([]domain.Trigger, error) {
	var out []domain.Trigger
	err := s.scanPrefix(ctx, triggerPrefix, func(value []byte) error {
		var trigger domain.Trigger
		if err := json.Unmarshal(value, &trigger); err != nil {
			return fmt.Errorf("decode trigger: %w", err)
		}
		if trigger.PhaseID == phaseID {
			out = append(out, trigger)
		}
		return nil
	})
	return out, err
}

// PutActivity writes activity payload keyed by activity ID.
// Params: activity payload.
// Returns: put error.
func (s *NATSStore) PutActivity(_ context.Context, activity domain.Activity) error {
	_, err := s.putJSON(activityPrefix+activity.ID, activity, "activity")
	return err
}

// ListActivitiesByPhase returns activities bound to one phase.
// Params: phase ID.
// Returns: activity slice in key order.
func (s *NATSStore) ListActivitiesByPhase(ctx context.Context, phaseID string) ([]domain.Activity, error) {
	activities, err := s.ListActivities(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Activity, 0, len(activities))
	for _, activity := range activities {
		if activity.PhaseID == phaseID {
			out = append(out, activity)
		}
	}
	return out, nil
}

// ListActivities returns every stored activity for global backfill scans.
// Params: none.
// Returns: activity slice in key order.
func (s *NATSStore) ListActivities(ctx context.Context) ([]domain.Activity, error) {
	var out []domain.Activity
	err := s.scanPrefix(ctx, activityPrefix, func(value []byte) error {
		var activity domain.Activity
		if err := json.Unmarshal(value, &activity); err != nil {
			return fmt.Errorf("decode activity: %w", err)
		}
		out = append(out, activity)
		return nil
	})
	return out, err
}

// CreateReservation writes reservation only when group has no live one.
// Params: reservation payload keyed by group ID.
// Returns: ErrConflict when a non-disbursed reservation exists.
func (s *NATSStore) CreateReservation(ctx context.Context, reservation domain.GroupReservation) error {
	existing, err := s.GetReservation(ctx, reservation.GroupID)
	if err == nil && !existing.IsDisbursed {
		return ErrConflict
	}
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	return s.PutReservation(ctx, reservation)
}

// GetReservation returns reservation for group.
// Params: group ID key.
// Returns: stored reservation or ErrNotFound.
func (s *NATSStore) GetReservation(_ context.Context, groupID string) (domain.GroupReservation, error) {
	var reservation domain.GroupReservation
	if err := s.getJSON(reservationPrefix+groupID, &reservation, "reservation"); err != nil {
		return domain.GroupReservation{}, err
	}
	return reservation, nil
}

// PutReservation writes reservation payload unconditionally.
// Params: reservation payload.
// Returns: put error.
func (s *NATSStore) PutReservation(_ context.Context, reservation domain.GroupReservation) error {
	_, err := s.putJSON(reservationPrefix+reservation.GroupID, reservation, "reservation")
	return err
}

// CreatePayout writes payout only when group has none yet.
// Params: payout payload keyed by group ID.
// Returns: ErrConflict when a payout already exists for the group.
func (s *NATSStore) CreatePayout(_ context.Context, payout domain.Payout) error {
	body, err := json.Marshal(payout)
	if err != nil {
		return fmt.Errorf("encode payout: %w", err)
	}
	if _, err := s.kv.Create(payoutPrefix+payout.GroupID, body); err != nil {
		if errors.Is(err, nats.ErrKeyExists) {
			return ErrConflict
		}
		return fmt.Errorf("create payout: %w", err)
	}
	return nil
}

// GetPayoutByGroup returns payout bound to group.
// Params: group ID key.
// Returns: stored payout or ErrNotFound.
func (s *NATSStore) GetPayoutByGroup(_ context.Context, groupID string) (domain.Payout, error) {
	var payout domain.Payout
	if err := s.getJSON(payoutPrefix+groupID, &payout, "payout"); err != nil {
		return domain.Payout{}, err
	}
	return payout, nil
}

// PutRedeem writes redeem payload keyed by redeem ID.
// Params: redeem payload.
// Returns: put error.
func (s *NATSStore) PutRedeem(_ context.Context, redeem domain.Redeem) error {
	_, err := s.putJSON(redeemPrefix+redeem.ID, redeem, "redeem")
	return err
}

// GetRedeem returns redeem by ID.
// Params: redeem ID key.
// Returns: stored redeem or ErrNotFound.
func (s *NATSStore) GetRedeem(_ context.Context, redeemID string) (domain.Redeem, error) {
	var redeem domain.Redeem
	if err := s.getJSON(redeemPrefix+redeemID, &redeem, "redeem"); err != nil {
		return domain.Redeem{}, err
	}
	return redeem, nil
}

// FindOpenRedeem scans redeems for the most recent unsettled match.
// Params: beneficiary wallet, optional vendor wallet, and expected open status.
// Returns: matching redeem without tx hash or ErrNotFound.
func (s *NATSStore) FindOpenRedeem(ctx context.Context, wallet, vendorWallet string, status domain.RedeemStatus) (domain.Redeem, error) {
	var latest *domain.Redeem
	err := s.scanPrefix(ctx, redeemPrefix, func(value []byte) error {
		var redeem domain.Redeem
		if err := json.Unmarshal(value, &redeem); err != nil {
			return fmt.Errorf("decode redeem: %w", err)
		}
		if !openRedeemMatches(redeem, wallet, vendorWallet, status) {
			return nil
		}
		if latest == nil || redeem.CreatedAt.After(latest.CreatedAt) {
			latest = &redeem
		}
		return nil
	})
	if err != nil {
		return domain.Redeem{}, err
	}
	if latest == nil {
		return domain.Redeem{}, ErrNotFound
	}
	return *latest, nil
}

// ListRedeemsByWallet returns every redeem recorded for wallet.
// Params: beneficiary wallet address.
// Returns: redeem slice in key order.
func (s *NATSStore) ListRedeemsByWallet(ctx context.Context, wallet string) ([]domain.Redeem, error) {
	var out []domain.Redeem
	err := s.scanPrefix(ctx, redeemPrefix, func(value []byte) error {
		var redeem domain.Redeem
		if err := json.Unmarshal(value, &redeem); err != nil {
			return fmt.Errorf("decode redeem: %w", err)
		}
		if redeem.WalletAddress == wallet {
			out = append(out, redeem)
		}
		return nil
	})
	return out, err
}

// PutVendor writes vendor payload keyed by vendor ID.
// Params: vendor payload.
// Returns: put error.
func (s *NATSStore) PutVendor(_ context.Context, vendor domain.Vendor) error {
	_, err := s.putJSON(vendorPrefix+vendor.ID, vendor, "vendor")
	return err
}

// GetVendor returns vendor by ID.
// Params: vendor ID key.
// Returns: stored vendor or ErrNotFound.
func (s *NATSStore) GetVendor(_ context.Context, vendorID string) (domain.Vendor, error) {
	var vendor domain.Vendor
	if err := s.getJSON(vendorPrefix+vendorID, &vendor, "vendor"); err != nil {
		return domain.Vendor{}, err
	}
	return vendor, nil
}

// VendorByWallet scans vendors for the settlement wallet owner.
// Params: vendor wallet address.
// Returns: stored vendor or ErrNotFound.
func (s *NATSStore) VendorByWallet(ctx context.Context, wallet string) (domain.Vendor, error) {
	var found *domain.Vendor
	err := s.scanPrefix(ctx, vendorPrefix, func(value []byte) error {
		var vendor domain.Vendor
		if err := json.Unmarshal(value, &vendor); err != nil {
			return fmt.Errorf("decode vendor: %w", err)
		}
		if vendor.WalletAddress == wallet {
			found = &vendor
		}
		return nil
	})
	if err != nil {
		return domain.Vendor{}, err
	}
	if found == nil {
		return domain.Vendor{}, ErrNotFound
	}
	return *found, nil
}

// PutBeneficiary writes beneficiary payload keyed by wallet address.
// Params: beneficiary payload.
// Returns: put error.
func (s *NATSStore) PutBeneficiary(_ context.Context, beneficiary domain.Beneficiary) error {
	_, err := s.putJSON(beneficiaryPrefix+beneficiary.WalletAddress, beneficiary, "beneficiary")
	return err
}

// GetBeneficiary returns beneficiary by wallet address.
// Params: wallet address key.
// Returns: stored beneficiary or ErrNotFound.
func (s *NATSStore) GetBeneficiary(_ context.Context, wallet string) (domain.Beneficiary, error) {
	var beneficiary domain.Beneficiary
	if err := s.getJSON(beneficiaryPrefix+wallet, &beneficiary, "beneficiary"); err != nil {
		return domain.Beneficiary{}, err
	}
	return beneficiary, nil
}

// ListBeneficiariesByGroup returns beneficiaries in one group.
// Params: group ID.
// Returns: beneficiary slice ordered by wallet address.
func (s *NATSStore) ListBeneficiariesByGroup(ctx context.Context, groupID string) ([]domain.Beneficiary, error) {
	var out []domain.Beneficiary
	err := s.scanPrefix(ctx, beneficiaryPrefix, func(value []byte) error {
		var beneficiary domain.Beneficiary
		if err := json.Unmarshal(value, &beneficiary); err != nil {
			return fmt.Errorf("decode beneficiary: %w", err)
		}
		if beneficiary.GroupID == groupID {
			out = append(out, beneficiary)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].WalletAddress < out[j].WalletAddress
	})
	return out, nil
}

// ListBeneficiaries returns every beneficiary ordered by wallet address.
// Params: none.
// Returns: sorted beneficiary slice for stable range addressing.
func (s *NATSStore) ListBeneficiaries(ctx context.Context) ([]domain.Beneficiary, error) {
	var out []domain.Beneficiary
	err := s.scanPrefix(ctx, beneficiaryPrefix, func(value []byte) error {
		var beneficiary domain.Beneficiary
		if err := json.Unmarshal(value, &beneficiary); err != nil {
			return fmt.Errorf("decode beneficiary: %w", err)
		}
		out = append(out, beneficiary)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].WalletAddress < out[j].WalletAddress
	})
	return out, nil
}

// CountBeneficiaries returns total eligible beneficiary count.
// Params: none.
// Returns: beneficiary key count.
func (s *NATSStore) CountBeneficiaries(_ context.Context) (int, error) {
	keys, err := s.keys()
	if err != nil {
		return 0, err
	}
	count := 0
	for _, key := range keys {
		if strings.HasPrefix(key, beneficiaryPrefix) {
			count++
		}
	}
	return count, nil
}

// Close closes underlying NATS connection.
// Params: none.
// Returns: nil after connection close.
func (s *NATSStore) Close() error {
	s.nc.Close()
	return nil
}

// putJSON encodes and writes one record value.
// Params: full KV key, payload, and record kind for error text.
// Returns: new KV revision.
func (s *NATSStore) putJSON(key string, payload any, kind string) (uint64, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("encode %s: %w", kind, err)
	}
	rev, err := s.kv.Put(key, body)
	if err != nil {
		return 0, fmt.Errorf("put %s: %w", kind, err)
	}
	return rev, nil
}

// getJSON reads and decodes one record value.
// Params: full KV key, decode target, and record kind for error text.
// Returns: ErrNotFound for absent key or decode/read error.
func (s *NATSStore) getJSON(key string, target any, kind string) error {
	entry, err := s.kv.Get(key)
	if err != nil {
		if err == nats.ErrKeyNotFound {
			return ErrNotFound
		}
		return fmt.Errorf("get %s: %w", kind, err)
	}
	if err := json.Unmarshal(entry.Value(), target); err != nil {
		return fmt.Errorf("decode %s: %w", kind, err)
	}
	return nil
}

// keys lists all bucket keys, normalizing the empty-bucket error.
// Params: none.
// Returns: key slice or list error.
func (s *NATSStore) keys() ([]string, error) {
	keys, err := s.kv.Keys()
	if err != nil {
		if errors.Is(err, nats.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("list keys: %w", err)
	}
	return keys, nil
}

// scanPrefix visits every record value under one kind prefix.
// Params: context, key prefix, and per-value visitor.
// Returns: first visitor or read error.
func (s *NATSStore) scanPrefix(_ context.Context, prefix string, visit func(value []byte) error) error {
	keys, err := s.keys()
	if err != nil {
		return err
	}
	for _, key := range keys {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		entry, err := s.kv.Get(key)
		if err != nil {
			if err == nats.ErrKeyNotFound {
				continue
			}
			return fmt.Errorf("get %q: %w", key, err)
		}
		if err := visit(entry.Value()); err != nil {
			return err
		}
	}
	return nil
}
