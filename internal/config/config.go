// Package config loads and validates service configuration from TOML.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

const (
	defaultHTTPListen          = ":8080"
	defaultHealthPath          = "/healthz"
	defaultReadyPath           = "/readyz"
	defaultEvidencePath        = "/evidence"
	defaultMaxBodyBytes        = 1 << 20
	defaultNATSURL             = "nats://127.0.0.1:4222"
	defaultStateBucket         = "earlyaction_records"
	defaultAssignmentBatch     = 100
	defaultSettlementSubBatch  = 20
	defaultAssignmentTokens    = 1
	defaultAckWaitSec          = 30
	defaultNackDelayMS         = 1000
	defaultMaxAckPending       = 256
	defaultCommunicationTries  = 3
	defaultAssignmentTries     = 3
	defaultSettlementTries     = 3
	defaultOfframpTries        = 1
	defaultOfframpDelayMS      = 1000
	defaultLedgerTimeoutSec    = 120
	defaultProviderTimeoutSec  = 30
	defaultTokenDecimals       = 18
	defaultNotifySubjectPrefix = "earlyaction.events"

	// ServiceModeNATS keeps broker-backed store and queue lanes.
	ServiceModeNATS = "nats"
	// ServiceModeSingle keeps in-memory store for single-instance runs.
	ServiceModeSingle = "single"

	// LaneAssignment names the token-assignment queue lane.
	LaneAssignment = "assignment"
	// LaneSettlement names the ledger-settlement queue lane.
	LaneSettlement = "settlement"
	// LaneCommunication names the activity-communication queue lane.
	LaneCommunication = "communication"
	// LaneOfframp names the fiat-offramp queue lane.
	LaneOfframp = "offramp"
)

var (
	selectorPattern = regexp.MustCompile(`^[0-9a-fA-F]{8}$`)
	addressPattern  = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

	// requiredSelectors lists ledger functions the settlement worker encodes.
	requiredSelectors = []string{"transfer", "transfer_from", "balance_of"}
)

// Config holds service runtime settings.
// Params: TOML sections from file or merged directory snapshot.
// Returns: validated runtime configuration.
type Config struct {
	Service  ServiceConfig  `toml:"service"`
	Log      LogConfig      `toml:"log"`
	State    StateConfig    `toml:"state"`
	Ingest   IngestConfig   `toml:"ingest"`
	Queue    QueueConfig    `toml:"queue"`
	Ledger   LedgerConfig   `toml:"ledger"`
	Provider ProviderConfig `toml:"provider"`
	Notify   NotifyConfig   `toml:"notify"`
}

// ServiceConfig contains process-level settings.
// Params: name, backend mode, and disbursement batch sizes.
// Returns: service behavior defaults.
type ServiceConfig struct {
	Name                  string `toml:"name"`
	Mode                  string `toml:"mode"`
	AssignmentBatchSize   int    `toml:"assignment_batch_size"`
	SettlementSubBatch    int    `toml:"settlement_sub_batch_size"`
	AssignmentTokenAmount int64  `toml:"assignment_token_amount"`
}

// LogConfig defines console and file log sinks.
// Params: per-sink enabled/level/format settings.
// Returns: logging runtime options.
type LogConfig struct {
	Console LogSinkConfig `toml:"console"`
	File    LogSinkConfig `toml:"file"`
}

// LogSinkConfig defines one log output sink.
// Params: enabled flag, level name, format, and file path.
// Returns: sink settings for logger construction.
type LogSinkConfig struct {
	Enabled bool   `toml:"enabled"`
	Level   string `toml:"level"`
	Format  string `toml:"format"`
	Path    string `toml:"path"`
}

// StateConfig defines record store backend settings.
// Params: NATS URLs, KV bucket name, and bucket-create permission.
// Returns: store runtime options.
type StateConfig struct {
	URL               []string `toml:"url"`
	Bucket            string   `toml:"bucket"`
	AllowCreateBucket bool     `toml:"allow_create_bucket"`
}

// IngestConfig defines inbound evidence interfaces.
// Params: embedded HTTP endpoint controls.
// Returns: ingestion runtime options.
type IngestConfig struct {
	HTTP IngestHTTPConfig `toml:"http"`
}

// IngestHTTPConfig defines HTTP evidence endpoint settings.
// Params: listen address, route paths, and body size cap.
// Returns: HTTP server options.
type IngestHTTPConfig struct {
	Enabled      bool   `toml:"enabled"`
	Listen       string `toml:"listen"`
	HealthPath   string `toml:"health_path"`
	ReadyPath    string `toml:"ready_path"`
	EvidencePath string `toml:"evidence_path"`
	MaxBodyBytes int64  `toml:"max_body_bytes"`
}

// QueueConfig defines broker connection and the four job lanes.
// Params: shared NATS URL and per-lane settings.
// Returns: queue runtime options.
type QueueConfig struct {
	URL           string     `toml:"url"`
	Assignment    LaneConfig `toml:"assignment"`
	Settlement    LaneConfig `toml:"settlement"`
	Communication LaneConfig `toml:"communication"`
	Offramp       LaneConfig `toml:"offramp"`
}

// LaneConfig defines one durable queue lane.
// Params: stream/subject identity, consumer identity, and retry policy.
// Returns: lane settings for producer/worker construction.
type LaneConfig struct {
	Stream        string  `toml:"stream"`
	Subject       string  `toml:"subject"`
	ConsumerName  string  `toml:"consumer_name"`
	DeliverGroup  string  `toml:"deliver_group"`
	AckWaitSec    int     `toml:"ack_wait_sec"`
	NackDelayMS   int     `toml:"nack_delay_ms"`
	MaxDeliver    int     `toml:"max_deliver"`
	MaxAckPending int     `toml:"max_ack_pending"`
	DelayMS       int     `toml:"delay_ms"`
	DLQ           LaneDLQ `toml:"dlq"`
}

// LaneDLQ defines dead-letter settings for one lane.
// Params: enabled flag plus DLQ stream/subject names.
// Returns: DLQ settings.
type LaneDLQ struct {
	Enabled bool   `toml:"enabled"`
	Stream  string `toml:"stream"`
	Subject string `toml:"subject"`
}

// LedgerConfig defines chain RPC and token contract settings.
// Params: RPC URL, contract addresses, signer key, and call selectors.
// Returns: ledger client options.
type LedgerConfig struct {
	RPCURL               string            `toml:"rpc_url"`
	TokenAddress         string            `toml:"token_address"`
	MulticallAddress     string            `toml:"multicall_address"`
	SignerKey            string            `toml:"signer_key"`
	OfframpWalletAddress string            `toml:"offramp_wallet_address"`
	TokenDecimals        int               `toml:"token_decimals"`
	ConfirmTimeoutSec    int               `toml:"confirm_timeout_sec"`
	Selectors            map[string]string `toml:"selectors"`
}

// ProviderConfig defines payment-provider API settings.
// Params: base URL, credential, and request timeout.
// Returns: provider client options.
type ProviderConfig struct {
	BaseURL    string `toml:"base_url"`
	APIKey     string `toml:"api_key"`
	TimeoutSec int    `toml:"timeout_sec"`
}

// NotifyConfig defines fire-and-forget event bus settings.
// Params: NATS publish settings and optional Telegram operator channel.
// Returns: notify runtime options.
type NotifyConfig struct {
	Enabled       bool                 `toml:"enabled"`
	URL           string               `toml:"url"`
	SubjectPrefix string               `toml:"subject_prefix"`
	Telegram      NotifyTelegramConfig `toml:"telegram"`
}

// NotifyTelegramConfig defines Telegram operator channel settings.
// Params: enabled flag, bot token, and chat ID.
// Returns: Telegram channel options.
type NotifyTelegramConfig struct {
	Enabled  bool   `toml:"enabled"`
	BotToken string `toml:"bot_token"`
	ChatID   string `toml:"chat_id"`
}

// ConfigSource identifies one config snapshot origin.
// Params: exactly one of file or directory path.
// Returns: source descriptor for LoadSnapshot.
type ConfigSource struct {
	File string
	Dir  string
}

// FromCLI validates CLI flags into a config source.
// Params: --config-file and --config-dir flag values.
// Returns: config source or flag usage error.
func FromCLI(filePath, dirPath string) (ConfigSource, error) {
	filePath = strings.TrimSpace(filePath)
	dirPath = strings.TrimSpace(dirPath)

	if filePath == "" && dirPath == "" {
		return ConfigSource{}, errors.New("either --config-file or --config-dir must be provided")
	}
	if filePath != "" && dirPath != "" {
		return ConfigSource{}, errors.New("config source must be either file or dir")
	}

	if filePath != "" {
		return ConfigSource{File: filePath}, nil
	}
	return ConfigSource{Dir: dirPath}, nil
}

// LoadSnapshot reads, defaults, and validates one config snapshot.
// Params: config source from CLI.
// Returns: validated config or load/validation error.
func LoadSnapshot(src ConfigSource) (Config, error) {
	var cfg Config
	var err error
	if src.File != "" {
		err = decodeInto(&cfg, src.File)
	} else {
		err = decodeDir(&cfg, src.Dir)
	}
	if err != nil {
		return Config{}, err
	}
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// decodeInto decodes one TOML file over existing config values.
// Params: target config and fragment path.
// Returns: read/decode error.
func decodeInto(cfg *Config, path string) error {
	body, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %q: %w", path, err)
	}
	if err := toml.Unmarshal(body, cfg); err != nil {
		return fmt.Errorf("decode config file %q: %w", path, err)
	}
	return nil
}

// decodeDir merges TOML fragments from one directory in name order.
// Params: target config and directory path.
// Returns: read/decode error; later fragments override earlier fields.
func decodeDir(cfg *Config, dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read config dir %q: %w", dir, err)
	}

	files := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if strings.ToLower(filepath.Ext(entry.Name())) != ".toml" {
			continue
		}
		files = append(files, filepath.Join(dir, entry.Name()))
	}
	if len(files) == 0 {
		return fmt.Errorf("config dir %q has no toml fragments", dir)
	}
	sort.Strings(files)

	for _, file := range files {
		if err := decodeInto(cfg, file); err != nil {
			return err
		}
	}
	return nil
}

// applyDefaults fills unset fields with runtime defaults.
// Params: decoded config.
// Returns: none (in-place mutation).
func applyDefaults(cfg *Config) {
	if cfg.Service.Name == "" {
		cfg.Service.Name = "earlyaction"
	}
	if cfg.Service.Mode == "" {
		cfg.Service.Mode = ServiceModeNATS
	}
	if cfg.Service.AssignmentBatchSize == 0 {
		cfg.Service.AssignmentBatchSize = defaultAssignmentBatch
	}
	if cfg.Service.SettlementSubBatch == 0 {
		cfg.Service.SettlementSubBatch = defaultSettlementSubBatch
	}
	if cfg.Service.AssignmentTokenAmount == 0 {
		cfg.Service.AssignmentTokenAmount = defaultAssignmentTokens
	}

	if !cfg.Log.Console.Enabled && !cfg.Log.File.Enabled {
		cfg.Log.Console.Enabled = true
	}
	applySinkDefaults(&cfg.Log.Console)
	applySinkDefaults(&cfg.Log.File)

	if len(cfg.State.URL) == 0 {
		cfg.State.URL = []string{defaultNATSURL}
	}
	if cfg.State.Bucket == "" {
		cfg.State.Bucket = defaultStateBucket
	}

	if cfg.Ingest.HTTP.Listen == "" {
		cfg.Ingest.HTTP.Listen = defaultHTTPListen
	}
	if cfg.Ingest.HTTP.HealthPath == "" {
		cfg.Ingest.HTTP.HealthPath = defaultHealthPath
	}
	if cfg.Ingest.HTTP.ReadyPath == "" {
		cfg.Ingest.HTTP.ReadyPath = defaultReadyPath
	}
	if cfg.Ingest.HTTP.EvidencePath == "" {
		cfg.Ingest.HTTP.EvidencePath = defaultEvidencePath
	}
	if cfg.Ingest.HTTP.MaxBodyBytes == 0 {
		cfg.Ingest.HTTP.MaxBodyBytes = defaultMaxBodyBytes
	}

	if cfg.Queue.URL == "" {
		cfg.Queue.URL = defaultNATSURL
	}
	applyLaneDefaults(&cfg.Queue.Assignment, LaneAssignment, defaultAssignmentTries, defaultMaxAckPending, 0)
	applyLaneDefaults(&cfg.Queue.Settlement, LaneSettlement, defaultSettlementTries, 1, 0)
	applyLaneDefaults(&cfg.Queue.Communication, LaneCommunication, defaultCommunicationTries, defaultMaxAckPending, 0)
	applyLaneDefaults(&cfg.Queue.Offramp, LaneOfframp, defaultOfframpTries, defaultMaxAckPending, defaultOfframpDelayMS)

	if cfg.Ledger.TokenDecimals == 0 {
		cfg.Ledger.TokenDecimals = defaultTokenDecimals
	}
	if cfg.Ledger.ConfirmTimeoutSec == 0 {
		cfg.Ledger.ConfirmTimeoutSec = defaultLedgerTimeoutSec
	}
	if cfg.Provider.TimeoutSec == 0 {
		cfg.Provider.TimeoutSec = defaultProviderTimeoutSec
	}

	if cfg.Notify.URL == "" {
		cfg.Notify.URL = defaultNATSURL
	}
	if cfg.Notify.SubjectPrefix == "" {
		cfg.Notify.SubjectPrefix = defaultNotifySubjectPrefix
	}
}

// applySinkDefaults fills unset sink fields.
// Params: one log sink section.
// Returns: none (in-place mutation).
func applySinkDefaults(sink *LogSinkConfig) {
	if sink.Level == "" {
		sink.Level = "info"
	}
	if sink.Format == "" {
		sink.Format = "line"
	}
}

// applyLaneDefaults fills unset lane fields from lane name conventions.
// Params: lane section, lane name, and lane-specific retry/pending/delay defaults.
// Returns: none (in-place mutation).
func applyLaneDefaults(lane *LaneConfig, name string, maxDeliver, maxAckPending, delayMS int) {
	if lane.Stream == "" {
		lane.Stream = "EARLYACTION_" + strings.ToUpper(name)
	}
	if lane.Subject == "" {
		lane.Subject = "earlyaction." + name
	}
	if lane.ConsumerName == "" {
		lane.ConsumerName = "earlyaction-" + name
	}
	if lane.DeliverGroup == "" {
		lane.DeliverGroup = "earlyaction-" + name + "-workers"
	}
	if lane.AckWaitSec == 0 {
		lane.AckWaitSec = defaultAckWaitSec
	}
	if lane.NackDelayMS == 0 {
		lane.NackDelayMS = defaultNackDelayMS
	}
	if lane.MaxDeliver == 0 {
		lane.MaxDeliver = maxDeliver
	}
	if lane.MaxAckPending == 0 {
		lane.MaxAckPending = maxAckPending
	}
	if lane.DelayMS == 0 {
		lane.DelayMS = delayMS
	}
	if lane.DLQ.Enabled {
		if lane.DLQ.Stream == "" {
			lane.DLQ.Stream = lane.Stream + "_DLQ"
		}
		if lane.DLQ.Subject == "" {
			lane.DLQ.Subject = lane.Subject + ".dlq"
		}
	}
}

// validateConfig rejects inconsistent runtime settings.
// Params: defaulted config snapshot.
// Returns: first validation error.
func validateConfig(cfg Config) error {
	if cfg.Service.Mode != ServiceModeNATS && cfg.Service.Mode != ServiceModeSingle {
		return fmt.Errorf("unsupported service mode %q", cfg.Service.Mode)
	}
	if cfg.Service.AssignmentBatchSize <= 0 {
		return fmt.Errorf("assignment_batch_size must be positive, got %d", cfg.Service.AssignmentBatchSize)
	}
	if cfg.Service.SettlementSubBatch <= 0 {
		return fmt.Errorf("settlement_sub_batch_size must be positive, got %d", cfg.Service.SettlementSubBatch)
	}
	if cfg.Service.AssignmentTokenAmount <= 0 {
		return fmt.Errorf("assignment_token_amount must be positive, got %d", cfg.Service.AssignmentTokenAmount)
	}
	if cfg.Service.SettlementSubBatch > cfg.Service.AssignmentBatchSize {
		return fmt.Errorf(
			"settlement_sub_batch_size %d must not exceed assignment_batch_size %d",
			cfg.Service.SettlementSubBatch, cfg.Service.AssignmentBatchSize,
		)
	}

	if cfg.Queue.Settlement.MaxAckPending != 1 {
		return fmt.Errorf(
			"settlement lane max_ack_pending must be 1 to keep signer nonce sequence, got %d",
			cfg.Queue.Settlement.MaxAckPending,
		)
	}
	if cfg.Queue.Offramp.MaxDeliver != 1 {
		return fmt.Errorf(
			"offramp lane max_deliver must be 1, fiat retry is an operator action, got %d",
			cfg.Queue.Offramp.MaxDeliver,
		)
	}
	for _, lane := range []struct {
		name string
		cfg  LaneConfig
	}{
		{LaneAssignment, cfg.Queue.Assignment},
		{LaneSettlement, cfg.Queue.Settlement},
		{LaneCommunication, cfg.Queue.Communication},
		{LaneOfframp, cfg.Queue.Offramp},
	} {
		if lane.cfg.AckWaitSec <= 0 {
			return fmt.Errorf("%s lane ack_wait_sec must be positive", lane.name)
		}
		if lane.cfg.MaxDeliver < 1 {
			return fmt.Errorf("%s lane max_deliver must be at least 1", lane.name)
		}
		if lane.cfg.DelayMS >= lane.cfg.AckWaitSec*1000 {
			// The worker waits the delay out while holding the delivery.
			return fmt.Errorf(
				"%s lane delay_ms %d must be below ack_wait_sec %d",
				lane.name, lane.cfg.DelayMS, lane.cfg.AckWaitSec,
			)
		}
	}

	if cfg.Ledger.RPCURL != "" {
		if !addressPattern.MatchString(cfg.Ledger.TokenAddress) {
			return fmt.Errorf("ledger token_address %q is not a valid address", cfg.Ledger.TokenAddress)
		}
		if !addressPattern.MatchString(cfg.Ledger.MulticallAddress) {
			return fmt.Errorf("ledger multicall_address %q is not a valid address", cfg.Ledger.MulticallAddress)
		}
		if cfg.Ledger.OfframpWalletAddress != "" && !addressPattern.MatchString(cfg.Ledger.OfframpWalletAddress) {
			return fmt.Errorf("ledger offramp_wallet_address %q is not a valid address", cfg.Ledger.OfframpWalletAddress)
		}
		for _, name := range requiredSelectors {
			selector, ok := cfg.Ledger.Selectors[name]
			if !ok {
				return fmt.Errorf("ledger selector %q is not configured", name)
			}
			if !selectorPattern.MatchString(selector) {
				return fmt.Errorf("ledger selector %q value %q is not 4 hex bytes", name, selector)
			}
		}
	}

	if cfg.Notify.Telegram.Enabled {
		if strings.TrimSpace(cfg.Notify.Telegram.BotToken) == "" {
			return errors.New("notify telegram enabled without bot_token")
		}
		if strings.TrimSpace(cfg.Notify.Telegram.ChatID) == "" {
			return errors.New("notify telegram enabled without chat_id")
		}
	}

	if cfg.Log.Console.Enabled {
		if err := validateSink(cfg.Log.Console, false); err != nil {
			return fmt.Errorf("log console: %w", err)
		}
	}
	if cfg.Log.File.Enabled {
		if err := validateSink(cfg.Log.File, true); err != nil {
			return fmt.Errorf("log file: %w", err)
		}
	}
	return nil
}

// validateSink checks one log sink section.
// Params: sink settings and whether path is mandatory.
// Returns: validation error.
func validateSink(sink LogSinkConfig, needPath bool) error {
	switch sink.Format {
	case "line", "json":
	default:
		return fmt.Errorf("unsupported format %q", sink.Format)
	}
	switch strings.ToLower(sink.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unsupported level %q", sink.Level)
	}
	if needPath && strings.TrimSpace(sink.Path) == "" {
		return errors.New("file sink requires path")
	}
	return nil
}
