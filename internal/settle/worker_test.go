package settle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"testing"
	"time"

	"earlyaction/internal/clock"
	"earlyaction/internal/domain"
	"earlyaction/internal/ledger"
	"earlyaction/internal/queue"
	"earlyaction/internal/store"
)

type fakeSubmission struct {
	hash       string
	confirmErr error
}

func (s fakeSubmission) Hash() string                  { return s.hash }
func (s fakeSubmission) Confirm(_ context.Context) error { return s.confirmErr }

type fakeLedger struct {
	submissions int
	calls       [][][]byte
	failOn      map[int]error
	balances    map[string]*big.Int
}

func (l *fakeLedger) EncodeCall(fn string, args ...ledger.Arg) ([]byte, error) {
	return []byte(fn), nil
}

func (l *fakeLedger) SubmitMulticall(_ context.Context, calls [][]byte) (ledger.Submission, error) {
	l.submissions++
	l.calls = append(l.calls, calls)
	if err := l.failOn[l.submissions]; err != nil {
		return nil, err
	}
	return fakeSubmission{hash: fmt.Sprintf("0xhash%d", l.submissions)}, nil
}

func (l *fakeLedger) ReadBalance(_ context.Context, address string) (*big.Int, error) {
	if balance, ok := l.balances[address]; ok {
		return balance, nil
	}
	return big.NewInt(0), nil
}

type recordingProducer struct {
	jobs []queue.SettlementJob
}

func (p *recordingProducer) Enqueue(_ context.Context, _ string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	var job queue.SettlementJob
	if err := json.Unmarshal(body, &job); err != nil {
		return err
	}
	p.jobs = append(p.jobs, job)
	return nil
}

func (p *recordingProducer) Close() error { return nil }

type recordingOfframp struct {
	jobs []queue.OfframpJob
}

func (r *recordingOfframp) Enqueue(_ context.Context, job queue.OfframpJob) error {
	r.jobs = append(r.jobs, job)
	return nil
}

type workerFixture struct {
	worker     *Worker
	store      *store.MemoryStore
	ledger     *fakeLedger
	settlement *recordingProducer
	offramp    *recordingOfframp
	now        time.Time
}

func newWorkerFixture(t *testing.T, cfg WorkerConfig) *workerFixture {
	t.Helper()
	recordStore := store.NewMemoryStore()
	ledgerClient := &fakeLedger{failOn: map[int]error{}, balances: map[string]*big.Int{}}
	settlement := &recordingProducer{}
	offramp := &recordingOfframp{}
	now := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	worker := NewWorker(recordStore, ledgerClient, settlement, offramp, clock.Fixed{At: now}, logger, cfg)
	return &workerFixture{
		worker:     worker,
		store:      recordStore,
		ledger:     ledgerClient,
		settlement: settlement,
		offramp:    offramp,
		now:        now,
	}
}

func (f *workerFixture) seedPendingRedeem(t *testing.T, wallet string) {
	t.Helper()
	redeem := domain.Redeem{
		ID: "redeem-" + wallet, WalletAddress: wallet, Amount: 10,
		TransactionType: domain.TransactionTokenTransfer,
		Status:          domain.RedeemTokenPending,
		CreatedAt:       f.now,
	}
	redeem.Info = redeem.Info.Append(f.now, "token assignment queued", nil)
	if err := f.store.PutRedeem(context.Background(), redeem); err != nil {
		t.Fatalf("seed redeem for %s: %v", wallet, err)
	}
}

func (f *workerFixture) redeemFor(t *testing.T, wallet string) domain.Redeem {
	t.Helper()
	redeems, err := f.store.ListRedeemsByWallet(context.Background(), wallet)
	if err != nil {
		t.Fatalf("list redeems for %s: %v", wallet, err)
	}
	if len(redeems) != 1 {
		t.Fatalf("expected exactly one redeem for %s, got %d", wallet, len(redeems))
	}
	return redeems[0]
}

func TestProcessBatchIsolatesSubBatchFailure(t *testing.T) {
	t.Parallel()

	fixture := newWorkerFixture(t, WorkerConfig{SubBatchSize: 1, TokenDecimals: 0})
	fixture.ledger.failOn[2] = errors.New("node rejected transaction")
	for _, wallet := range []string{"0xaaa", "0xbbb", "0xccc"} {
		fixture.seedPendingRedeem(t, wallet)
	}

	job := queue.SettlementJob{
		BatchID: "batch-1",
		Transfers: []queue.Transfer{
			{BeneficiaryWalletAddress: "0xaaa", Amount: 10},
			{BeneficiaryWalletAddress: "0xbbb", Amount: 10},
			{BeneficiaryWalletAddress: "0xccc", Amount: 10},
		},
	}
	result, err := fixture.worker.ProcessBatch(context.Background(), job)
	if err != nil {
		t.Fatalf("process batch: %v", err)
	}
	if result.TotalSubBatches != 3 || result.Succeeded != 2 {
		t.Fatalf("expected 2/3 sub-batches to succeed, got %+v", result)
	}
	if result.SubBatches[1].Success || result.SubBatches[1].Error == "" {
		t.Fatalf("second sub-batch must carry the failure, got %+v", result.SubBatches[1])
	}
	if fixture.ledger.submissions != 3 {
		t.Fatalf("all sub-batches must submit despite the failure, got %d submissions", fixture.ledger.submissions)
	}

	first := fixture.redeemFor(t, "0xaaa")
	if first.Status != domain.RedeemTokenCompleted || !first.IsCompleted || first.TxHash != "0xhash1" {
		t.Fatalf("first redeem not completed: %+v", first)
	}
	if len(first.Info) != 2 || first.Info[0].Note != "token assignment queued" {
		t.Fatalf("audit trail must keep prior entries, got %+v", first.Info)
	}
	failed := fixture.redeemFor(t, "0xbbb")
	if failed.Status != domain.RedeemTokenFailed || failed.TxHash != "" {
		t.Fatalf("failed redeem not marked: %+v", failed)
	}
	if len(failed.Info) != 2 || failed.Info[1].Fields["error"] == "" {
		t.Fatalf("failed redeem must record the cause, got %+v", failed.Info)
	}
	third := fixture.redeemFor(t, "0xccc")
	if third.Status != domain.RedeemTokenCompleted || third.TxHash != "0xhash3" {
		t.Fatalf("third redeem not completed: %+v", third)
	}
}

func TestProcessBatchSkipsInvalidVendorTransfers(t *testing.T) {
	t.Parallel()

	fixture := newWorkerFixture(t, WorkerConfig{SubBatchSize: 10, TokenDecimals: 0})
	vendor := domain.Vendor{ID: "vendor-1", Name: "Market Stall", WalletAddress: "0xvendor"}
	if err := fixture.store.PutVendor(context.Background(), vendor); err != nil {
		t.Fatalf("seed vendor: %v", err)
	}

	job := queue.SettlementJob{
		BatchID: "batch-1",
		Type:    domain.PayoutTypeVendor,
		Transfers: []queue.Transfer{
			{BeneficiaryWalletAddress: "0xaaa", VendorWalletAddress: "0xvendor", Amount: 10},
			{BeneficiaryWalletAddress: "0xbbb", VendorWalletAddress: "0xghost", Amount: 10},
			{BeneficiaryWalletAddress: "0xccc", VendorWalletAddress: "0xvendor", Amount: 0},
		},
	}
	result, err := fixture.worker.ProcessBatch(context.Background(), job)
	if err != nil {
		t.Fatalf("process batch: %v", err)
	}
	if result.Succeeded != 1 || result.SubBatches[0].Skipped != 2 {
		t.Fatalf("expected one success with two skips, got %+v", result.SubBatches[0])
	}
	if len(fixture.ledger.calls) != 1 || len(fixture.ledger.calls[0]) != 1 {
		t.Fatalf("only the valid transfer may reach the ledger, got %+v", fixture.ledger.calls)
	}

	settled := fixture.redeemFor(t, "0xaaa")
	if settled.Status != domain.RedeemTokenCompleted || settled.TransactionType != domain.TransactionVendorTransfer {
		t.Fatalf("unexpected settled redeem %+v", settled)
	}
	if redeems, err := fixture.store.ListRedeemsByWallet(context.Background(), "0xbbb"); err != nil || len(redeems) != 0 {
		t.Fatalf("skipped transfer must leave no redeem, got %v %v", redeems, err)
	}
}

func TestProcessBatchMirrorsFSPTransfersToOfframp(t *testing.T) {
	t.Parallel()

	fixture := newWorkerFixture(t, WorkerConfig{
		SubBatchSize: 10, TokenDecimals: 0, OfframpWalletAddress: "0xofframp",
	})
	fixture.ledger.balances["0xaaa"] = big.NewInt(500)
	beneficiary := domain.Beneficiary{
		WalletAddress: "0xaaa", GroupID: "group-1",
		BankDetails: &domain.BankDetails{AccountName: "A. Person", AccountNumber: "12345", BankName: "First Bank"},
	}
	if err := fixture.store.PutBeneficiary(context.Background(), beneficiary); err != nil {
		t.Fatalf("seed beneficiary: %v", err)
	}
	fixture.seedPendingRedeem(t, "0xaaa")

	job := queue.SettlementJob{
		BatchID: "batch-1", PayoutID: "payout-1",
		Type: domain.PayoutTypeFSP, ProcessorID: "fsp-1",
		OfframpType: string(domain.GroupPurposeBankTransfer),
		Transfers:   []queue.Transfer{{BeneficiaryWalletAddress: "0xaaa", Amount: 10}},
	}
	result, err := fixture.worker.ProcessBatch(context.Background(), job)
	if err != nil {
		t.Fatalf("process batch: %v", err)
	}
	if result.Succeeded != 1 {
		t.Fatalf("expected settled sub-batch, got %+v", result)
	}

	if len(fixture.offramp.jobs) != 1 {
		t.Fatalf("expected one offramp job, got %d", len(fixture.offramp.jobs))
	}
	mirrored := fixture.offramp.jobs[0]
	if mirrored.OfframpWalletAddress != "0xofframp" || mirrored.PayoutUUID != "payout-1" {
		t.Fatalf("unexpected offramp job %+v", mirrored)
	}
	if mirrored.PayoutProcessorID != "fsp-1" || mirrored.TransactionHash != "0xhash1" {
		t.Fatalf("unexpected offramp context %+v", mirrored)
	}
	if mirrored.BeneficiaryBankDetails.AccountNumber != "12345" {
		t.Fatalf("bank details must travel with the job, got %+v", mirrored.BeneficiaryBankDetails)
	}

	fiat, err := fixture.store.FindOpenRedeem(context.Background(), "0xaaa", "", domain.RedeemFiatPending)
	if err != nil {
		t.Fatalf("expected pending fiat redeem: %v", err)
	}
	if fiat.TransactionType != domain.TransactionFiatOfframp {
		t.Fatalf("unexpected fiat redeem %+v", fiat)
	}
}

func TestProcessBatchSkipsFSPWithoutBalance(t *testing.T) {
	t.Parallel()

	fixture := newWorkerFixture(t, WorkerConfig{
		SubBatchSize: 10, TokenDecimals: 0, OfframpWalletAddress: "0xofframp",
	})

	job := queue.SettlementJob{
		BatchID: "batch-1", Type: domain.PayoutTypeFSP, ProcessorID: "fsp-1",
		Transfers: []queue.Transfer{{BeneficiaryWalletAddress: "0xempty", Amount: 10}},
	}
	result, err := fixture.worker.ProcessBatch(context.Background(), job)
	if err != nil {
		t.Fatalf("process batch: %v", err)
	}
	if result.SubBatches[0].Skipped != 1 || !result.SubBatches[0].Success {
		t.Fatalf("zero-balance transfer must be skipped without failing, got %+v", result.SubBatches[0])
	}
	if fixture.ledger.submissions != 0 {
		t.Fatalf("nothing to submit when all transfers skip, got %d", fixture.ledger.submissions)
	}
}

func TestProcessBatchRequiresLedger(t *testing.T) {
	t.Parallel()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	worker := NewWorker(store.NewMemoryStore(), nil, &recordingProducer{}, nil,
		clock.Fixed{At: time.Now()}, logger, WorkerConfig{SubBatchSize: 10})
	if _, err := worker.ProcessBatch(context.Background(), queue.SettlementJob{}); err == nil {
		t.Fatalf("expected missing-ledger error")
	}
}

func TestHandleBatchRejectsGarbage(t *testing.T) {
	t.Parallel()

	fixture := newWorkerFixture(t, WorkerConfig{SubBatchSize: 10})
	err := fixture.worker.HandleBatch(context.Background(), []byte("{broken"))
	if !queue.IsPermanent(err) {
		t.Fatalf("expected permanent decode failure, got %v", err)
	}
}

func TestHandleAssignmentCreatesRedeemsOnce(t *testing.T) {
	t.Parallel()

	fixture := newWorkerFixture(t, WorkerConfig{SubBatchSize: 10, AssignmentTokenAmount: 5})
	for _, wallet := range []string{"0xaaa", "0xbbb", "0xccc"} {
		beneficiary := domain.Beneficiary{WalletAddress: wallet, GroupID: "group-1"}
		if err := fixture.store.PutBeneficiary(context.Background(), beneficiary); err != nil {
			t.Fatalf("seed beneficiary: %v", err)
		}
	}

	job := queue.AssignmentJob{PhaseID: "phase-1", Size: 2, Start: 1, End: 2}
	body, err := json.Marshal(job)
	if err != nil {
		t.Fatalf("marshal job: %v", err)
	}

	for attempt := 0; attempt < 2; attempt++ {
		if err := fixture.worker.HandleAssignment(context.Background(), body); err != nil {
			t.Fatalf("attempt %d: %v", attempt, err)
		}
	}

	// A redelivered range re-enqueues settlement but never duplicates redeems.
	if len(fixture.settlement.jobs) != 2 {
		t.Fatalf("expected 2 settlement enqueues, got %d", len(fixture.settlement.jobs))
	}
	for _, wallet := range []string{"0xaaa", "0xbbb"} {
		redeem := fixture.redeemFor(t, wallet)
		if redeem.Status != domain.RedeemTokenPending || redeem.Amount != 5 {
			t.Fatalf("unexpected pending redeem for %s: %+v", wallet, redeem)
		}
	}
	if redeems, err := fixture.store.ListRedeemsByWallet(context.Background(), "0xccc"); err != nil || len(redeems) != 0 {
		t.Fatalf("out-of-range beneficiary must have no redeem, got %v %v", redeems, err)
	}

	enqueued := fixture.settlement.jobs[0]
	if enqueued.BatchID != "phase-1-1-2" || len(enqueued.Transfers) != 2 {
		t.Fatalf("unexpected settlement job %+v", enqueued)
	}
	if enqueued.Transfers[0].Amount != 5 {
		t.Fatalf("assignment transfers must carry the configured amount, got %+v", enqueued.Transfers[0])
	}
}

func TestHandleAssignmentRangeHandling(t *testing.T) {
	t.Parallel()

	fixture := newWorkerFixture(t, WorkerConfig{SubBatchSize: 10, AssignmentTokenAmount: 5})
	beneficiary := domain.Beneficiary{WalletAddress: "0xaaa", GroupID: "group-1"}
	if err := fixture.store.PutBeneficiary(context.Background(), beneficiary); err != nil {
		t.Fatalf("seed beneficiary: %v", err)
	}

	invalid, _ := json.Marshal(queue.AssignmentJob{PhaseID: "phase-1", Start: 3, End: 1})
	if err := fixture.worker.HandleAssignment(context.Background(), invalid); !queue.IsPermanent(err) {
		t.Fatalf("expected permanent rejection of inverted range, got %v", err)
	}

	beyond, _ := json.Marshal(queue.AssignmentJob{PhaseID: "phase-1", Start: 5, End: 8})
	if err := fixture.worker.HandleAssignment(context.Background(), beyond); err != nil {
		t.Fatalf("range beyond population must be absorbed, got %v", err)
	}
	if len(fixture.settlement.jobs) != 0 {
		t.Fatalf("empty range must enqueue nothing, got %d", len(fixture.settlement.jobs))
	}

	clamped, _ := json.Marshal(queue.AssignmentJob{PhaseID: "phase-1", Start: 1, End: 8})
	if err := fixture.worker.HandleAssignment(context.Background(), clamped); err != nil {
		t.Fatalf("clamped range: %v", err)
	}
	if len(fixture.settlement.jobs) != 1 || len(fixture.settlement.jobs[0].Transfers) != 1 {
		t.Fatalf("expected single clamped transfer, got %+v", fixture.settlement.jobs)
	}
}
