package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const (
	ledgerSection = `[ledger]
rpc_url = "http://127.0.0.1:8545"
token_address = "0x1111111111111111111111111111111111111111"
multicall_address = "0x2222222222222222222222222222222222222222"
signer_key = "test-key"`

	selectorsSection = `[ledger.selectors]
transfer = "a9059cbb"
transfer_from = "23b872dd"
balance_of = "70a08231"`
)

func TestLoadSnapshotAppliesDefaults(t *testing.T) {
	t.Parallel()

	cfg := mustLoadSnapshot(t, `[service]
name = "earlyaction-test"
`)

	if cfg.Service.Mode != ServiceModeNATS {
		t.Fatalf("unexpected default mode %q", cfg.Service.Mode)
	}
	if cfg.Service.AssignmentBatchSize != 100 || cfg.Service.SettlementSubBatch != 20 {
		t.Fatalf("unexpected batch defaults %+v", cfg.Service)
	}
	if cfg.Service.AssignmentTokenAmount != 1 {
		t.Fatalf("unexpected assignment token default %d", cfg.Service.AssignmentTokenAmount)
	}

	if cfg.Queue.Settlement.MaxAckPending != 1 {
		t.Fatalf("settlement lane must default to single in-flight delivery, got %d", cfg.Queue.Settlement.MaxAckPending)
	}
	if cfg.Queue.Offramp.MaxDeliver != 1 || cfg.Queue.Offramp.DelayMS != 1000 {
		t.Fatalf("unexpected offramp lane defaults %+v", cfg.Queue.Offramp)
	}
	if cfg.Queue.Assignment.Stream != "EARLYACTION_ASSIGNMENT" {
		t.Fatalf("unexpected assignment stream %q", cfg.Queue.Assignment.Stream)
	}
	if cfg.Queue.Assignment.Subject != "earlyaction.assignment" {
		t.Fatalf("unexpected assignment subject %q", cfg.Queue.Assignment.Subject)
	}

	if !cfg.Log.Console.Enabled || cfg.Log.Console.Level != "info" || cfg.Log.Console.Format != "line" {
		t.Fatalf("unexpected console defaults %+v", cfg.Log.Console)
	}
	if cfg.Ledger.TokenDecimals != 18 {
		t.Fatalf("unexpected token decimals %d", cfg.Ledger.TokenDecimals)
	}
	if cfg.Notify.SubjectPrefix != "earlyaction.events" {
		t.Fatalf("unexpected subject prefix %q", cfg.Notify.SubjectPrefix)
	}
}

func TestLoadSnapshotFromDirMergesFragments(t *testing.T) {
	t.Parallel()

	tmpDir := t.TempDir()
	writeConfigFile(t, filepath.Join(tmpDir, "10-service.toml"), `[service]
name = "first"
mode = "single"
`)
	writeConfigFile(t, filepath.Join(tmpDir, "20-override.toml"), `[service]
name = "second"
`)

	cfg, err := LoadSnapshot(ConfigSource{Dir: tmpDir})
	if err != nil {
		t.Fatalf("load snapshot: %v", err)
	}
	if cfg.Service.Name != "second" {
		t.Fatalf("later fragment must override, got %q", cfg.Service.Name)
	}
	if cfg.Service.Mode != ServiceModeSingle {
		t.Fatalf("earlier fragment fields must survive, got %q", cfg.Service.Mode)
	}
}

func TestLoadSnapshotValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		content string
		want    string
	}{
		{
			name: "bad mode",
			content: `[service]
mode = "cluster"
`,
			want: "unsupported service mode",
		},
		{
			name: "settlement ack pending",
			content: `[queue.settlement]
max_ack_pending = 8
`,
			want: "settlement lane max_ack_pending must be 1",
		},
		{
			name: "offramp redelivery",
			content: `[queue.offramp]
max_deliver = 3
`,
			want: "offramp lane max_deliver must be 1",
		},
		{
			name: "delay beyond ack window",
			content: `[queue.offramp]
ack_wait_sec = 2
delay_ms = 5000
`,
			want: "offramp lane delay_ms 5000 must be below ack_wait_sec 2",
		},
		{
			name: "negative assignment tokens",
			content: `[service]
assignment_token_amount = -5
`,
			want: "assignment_token_amount must be positive",
		},
		{
			name: "sub batch exceeds batch",
			content: `[service]
assignment_batch_size = 10
settlement_sub_batch_size = 50
`,
			want: "must not exceed assignment_batch_size",
		},
		{
			name: "ledger missing selector",
			content: `[ledger]
rpc_url = "http://127.0.0.1:8545"
token_address = "0x1111111111111111111111111111111111111111"
multicall_address = "0x2222222222222222222222222222222222222222"

[ledger.selectors]
transfer = "a9059cbb"
transfer_from = "23b872dd"
`,
			want: `ledger selector "balance_of" is not configured`,
		},
		{
			name: "ledger bad address",
			content: `[ledger]
rpc_url = "http://127.0.0.1:8545"
token_address = "not-an-address"
multicall_address = "0x2222222222222222222222222222222222222222"
`,
			want: "token_address",
		},
		{
			name: "ledger bad offramp wallet",
			content: ledgerSection + `
offramp_wallet_address = "0xshort"

` + selectorsSection + "\n",
			want: "offramp_wallet_address",
		},
		{
			name: "telegram without credentials",
			content: `[notify.telegram]
enabled = true
`,
			want: "notify telegram enabled without bot_token",
		},
		{
			name: "file sink without path",
			content: `[log.file]
enabled = true
`,
			want: "file sink requires path",
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			err := loadSnapshotErr(t, tc.content)
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}
}

func TestLoadSnapshotAcceptsLedgerSection(t *testing.T) {
	t.Parallel()

	cfg := mustLoadSnapshot(t, ledgerSection+`
offramp_wallet_address = "0x3333333333333333333333333333333333333333"

`+selectorsSection+"\n")
	if cfg.Ledger.RPCURL == "" || len(cfg.Ledger.Selectors) != 3 {
		t.Fatalf("unexpected ledger config %+v", cfg.Ledger)
	}
}

func TestFromCLI(t *testing.T) {
	t.Parallel()

	if _, err := FromCLI("", ""); err == nil {
		t.Fatalf("expected error without any source")
	}
	if _, err := FromCLI("a.toml", "conf.d"); err == nil {
		t.Fatalf("expected error with both sources")
	}
	src, err := FromCLI(" a.toml ", "")
	if err != nil {
		t.Fatalf("file source: %v", err)
	}
	if src.File != "a.toml" || src.Dir != "" {
		t.Fatalf("unexpected source %+v", src)
	}
}

func mustLoadSnapshot(t *testing.T, content string) Config {
	t.Helper()
	cfg, err := loadSnapshotFromContent(t, content)
	if err != nil {
		t.Fatalf("load snapshot: %v", err)
	}
	return cfg
}

func loadSnapshotErr(t *testing.T, content string) error {
	t.Helper()
	_, err := loadSnapshotFromContent(t, content)
	if err == nil {
		t.Fatalf("expected validation error")
	}
	return err
}

func loadSnapshotFromContent(t *testing.T, content string) (Config, error) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	writeConfigFile(t, path, content)
	return LoadSnapshot(ConfigSource{File: path})
}

func writeConfigFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config file: %v", err)
	}
}
