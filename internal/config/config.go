package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"vetdesk/internal/retry"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
)

const (
	defaultServiceName        = "vetdesk"
	defaultNotifyIntervalSec  = 30
	defaultNotifyFirstDelay   = 10
	defaultMaxInflightEvents  = 16
	defaultHTTPListen         = ":8080"
	defaultHealthPath         = "/healthz"
	defaultReadyPath          = "/readyz"
	defaultAdvisoryPath       = "/advisory"
	defaultCasesPath          = "/cases"
	defaultMaxBodyBytes       = 1 << 20
	defaultSQLitePath         = "data/vetdesk.db"
	defaultNATSURL            = "nats://127.0.0.1:4222"
	defaultNATSCaseBucket     = "vetdesk_cases"
	defaultNATSSubject        = "vetdesk.advisory"
	defaultNATSIngestStream   = "VETDESK_ADVISORY"
	defaultNATSIngestConsumer = "vetdesk-advisory"
	defaultNATSIngestGroup    = "vetdesk-farmers"
	defaultNATSIngestWorkers  = 1
	defaultNATSAckWaitSec     = 30
	defaultNATSNackDelayMS    = 1000
	defaultNATSMaxDeliver     = 5
	defaultNATSMaxAckPending  = 256
	defaultEventsStream       = "VETDESK_CASES"
	defaultEventsSubject      = "vetdesk.case"
	defaultEventsDedupSec     = 120
	defaultTelegramAPIBase    = "https://api.telegram.org"
	defaultTelegramPollSec    = 30
)

const (
	// RoleFarmer runs advisory intake, escalation and farmer notifier.
	RoleFarmer = "farmer"
	// RoleExpert runs expert channel subscription and response correlation.
	RoleExpert = "expert"
	// RoleAll runs both roles in one process.
	RoleAll = "all"

	StoreMemory   = "memory"
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
	StoreNATS     = "nats"

	FarmerChannelTelegram = "telegram"
	FarmerChannelTwilio   = "twilio"
)

var secretRefPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Config holds service runtime settings.
// Params: TOML sections from file or merged directory snapshot.
// Returns: validated runtime configuration.
type Config struct {
	Service   ServiceConfig   `toml:"service"`
	Log       LogConfig       `toml:"log"`
	Store     StoreConfig     `toml:"store"`
	Expert    ExpertConfig    `toml:"expert"`
	Farmer    FarmerConfig    `toml:"farmer"`
	Templates TemplatesConfig `toml:"templates"`
	Ingest    IngestConfig    `toml:"ingest"`
	Events    EventsConfig    `toml:"events"`
}

// ServiceConfig contains process-level settings.
// Params: name, role, notifier cadence, inbound concurrency and dotenv path.
// Returns: service behavior defaults.
type ServiceConfig struct {
	Name                string `toml:"name"`
	Role                string `toml:"role"`
	NotifyIntervalSec   int    `toml:"notify_interval_sec"`
	NotifyFirstDelaySec int    `toml:"notify_first_delay_sec"`
	MaxInflightEvents   int    `toml:"max_inflight_events"`
	EnvFile             string `toml:"env_file"`
}

// NotifyInterval returns farmer notifier scan period.
func (s ServiceConfig) NotifyInterval() time.Duration {
	return time.Duration(s.NotifyIntervalSec) * time.Second
}

// NotifyFirstDelay returns delay before first notifier scan.
func (s ServiceConfig) NotifyFirstDelay() time.Duration {
	return time.Duration(s.NotifyFirstDelaySec) * time.Second
}

// RunsFarmer reports whether farmer-facing components run in this process.
func (s ServiceConfig) RunsFarmer() bool {
	return s.Role == RoleFarmer || s.Role == RoleAll
}

// RunsExpert reports whether expert-facing components run in this process.
func (s ServiceConfig) RunsExpert() bool {
	return s.Role == RoleExpert || s.Role == RoleAll
}

// LogConfig contains console/file logging sinks.
type LogConfig struct {
	Console LogSinkConfig `toml:"console"`
	File    LogSinkConfig `toml:"file"`
}

// LogSinkConfig defines one logging sink.
// Params: sink enable flag, level, format, and path.
// Returns: sink-specific behavior.
type LogSinkConfig struct {
	Enabled bool   `toml:"enabled"`
	Level   string `toml:"level"`
	Format  string `toml:"format"`
	Path    string `toml:"path"`
}

// StoreConfig selects and configures the case store backend.
// Params: backend name, sqlite path, postgres DSN, NATS KV settings and retry policy.
// Returns: store construction options.
type StoreConfig struct {
	Backend string          `toml:"backend"`
	Path    string          `toml:"path"`
	DSN     string          `toml:"dsn"`
	NATS    NATSStoreConfig `toml:"nats"`
	Retry   RetryConfig     `toml:"retry"`
}

// NATSStoreConfig configures JetStream KV case store.
type NATSStoreConfig struct {
	URL                []string `toml:"url"`
	Bucket             string   `toml:"bucket"`
	AllowCreateBuckets bool     `toml:"allow_create_buckets"`
}

// RetryConfig configures repeated attempts for stores and transports.
// Params: retry toggle, backoff, attempt limits, and logging.
// Returns: retry policy via Policy.
type RetryConfig struct {
	Enabled        bool   `toml:"enabled"`
	Backoff        string `toml:"backoff"`
	InitialMS      int    `toml:"initial_ms"`
	MaxMS          int    `toml:"max_ms"`
	MaxAttempts    int    `toml:"max_attempts"`
	LogEachAttempt bool   `toml:"log_each_attempt"`
}

// Policy converts TOML retry settings into runtime policy.
// Params: none.
// Returns: retry policy.
func (r RetryConfig) Policy() retry.Policy {
	return retry.Policy{
		Enabled:        r.Enabled,
		Backoff:        r.Backoff,
		Initial:        time.Duration(r.InitialMS) * time.Millisecond,
		Max:            time.Duration(r.MaxMS) * time.Millisecond,
		MaxAttempts:    r.MaxAttempts,
		LogEachAttempt: r.LogEachAttempt,
	}
}

// ExpertConfig configures the expert group channel.
type ExpertConfig struct {
	Telegram TelegramConfig `toml:"telegram"`
}

// TelegramConfig defines one Telegram bot binding.
// Params: bot token, chat ID, API base URL, long-poll timeout and retry policy.
// Returns: Telegram transport configuration.
type TelegramConfig struct {
	BotToken       string      `toml:"bot_token"`
	ChatID         string      `toml:"chat_id"`
	APIBase        string      `toml:"api_base"`
	PollTimeoutSec int         `toml:"poll_timeout_sec"`
	Retry          RetryConfig `toml:"retry"`
}

// FarmerConfig selects the farmer delivery channel.
type FarmerConfig struct {
	Channel  string         `toml:"channel"`
	Telegram TelegramConfig `toml:"telegram"`
	Twilio   TwilioConfig   `toml:"twilio"`
}

// TwilioConfig configures WhatsApp delivery through Twilio.
// Params: account SID, auth token, sender number and retry policy.
// Returns: Twilio transport configuration.
type TwilioConfig struct {
	AccountSID string      `toml:"account_sid"`
	AuthToken  string      `toml:"auth_token"`
	From       string      `toml:"from"`
	Retry      RetryConfig `toml:"retry"`
}

// TemplatesConfig overrides built-in message templates.
// Params: Go text/template bodies; empty keeps the built-in template.
// Returns: renderer overrides.
type TemplatesConfig struct {
	ExpertCase      string `toml:"expert_case"`
	ExpertAck       string `toml:"expert_ack"`
	ExpertActive    string `toml:"expert_active"`
	ExpertStats     string `toml:"expert_stats"`
	ExpertHelp      string `toml:"expert_help"`
	FarmerEscalated string `toml:"farmer_escalated"`
	FarmerResponse  string `toml:"farmer_response"`
}

// IngestConfig defines inbound advisory interfaces.
type IngestConfig struct {
	HTTP HTTPIngestConfig `toml:"http"`
	NATS NATSIngestConfig `toml:"nats"`
}

// HTTPIngestConfig configures HTTP endpoints.
// Params: enable flag, listen address, probe/advisory/cases paths and body size limit.
// Returns: HTTP ingest behavior.
type HTTPIngestConfig struct {
	Enabled      bool   `toml:"enabled"`
	Listen       string `toml:"listen"`
	HealthPath   string `toml:"health_path"`
	ReadyPath    string `toml:"ready_path"`
	AdvisoryPath string `toml:"advisory_path"`
	CasesPath    string `toml:"cases_path"`
	MaxBodyBytes int64  `toml:"max_body_bytes"`
}

// NATSIngestConfig configures JetStream queue-consumer advisory ingestion.
// Params: connection, routing names and worker/ack/redelivery policy.
// Returns: NATS ingest behavior.
type NATSIngestConfig struct {
	Enabled       bool     `toml:"enabled"`
	URL           []string `toml:"url"`
	Subject       string   `toml:"subject"`
	Stream        string   `toml:"stream"`
	ConsumerName  string   `toml:"consumer_name"`
	DeliverGroup  string   `toml:"deliver_group"`
	Workers       int      `toml:"workers"`
	AckWaitSec    int      `toml:"ack_wait_sec"`
	NackDelayMS   int      `toml:"nack_delay_ms"`
	MaxDeliver    int      `toml:"max_deliver"`
	MaxAckPending int      `toml:"max_ack_pending"`
}

// EventsConfig configures lifecycle event publishing.
type EventsConfig struct {
	Enabled        bool     `toml:"enabled"`
	URL            []string `toml:"url"`
	Stream         string   `toml:"stream"`
	SubjectPrefix  string   `toml:"subject_prefix"`
	DedupWindowSec int      `toml:"dedup_window_sec"`
}

// ConfigSource describes where configuration is loaded from.
// Params: exactly one of file path or directory path.
// Returns: normalized source descriptor.
type ConfigSource struct {
	File string
	Dir  string
}

// FromCLI builds normalized source configuration from input paths.
// Params: optional file and directory arguments.
// Returns: source descriptor or validation error.
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

// LoadSnapshot loads, expands and validates configuration from one source.
// Params: source selects file or directory mode.
// Returns: validated config or load/validation error.
func LoadSnapshot(src ConfigSource) (Config, error) {
	var cfg Config
	var err error
	if src.File != "" {
		err = loadFile(src.File, &cfg)
	} else {
		err = loadDir(src.Dir, &cfg)
	}
	if err != nil {
		return Config{}, err
	}
	applyDefaults(&cfg)
	if err := expandSecrets(&cfg); err != nil {
		return Config{}, err
	}
	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// loadFile decodes one TOML file on top of dst.
// Params: file path and destination; keys absent from the file keep dst values.
// Returns: read/decode error.
func loadFile(path string, dst *Config) error {
	body, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %q: %w", path, err)
	}
	if err := toml.Unmarshal(body, dst); err != nil {
		return fmt.Errorf("decode config file %q: %w", path, err)
	}
	return nil
}

// loadDir overlays every *.toml file from dir in lexical order.
// Params: directory containing config fragments and destination.
// Returns: load/decode error.
func loadDir(dir string, dst *Config) error {
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
		return fmt.Errorf("no .toml files found in %q", dir)
	}
	sort.Strings(files)
	for _, file := range files {
		if err := loadFile(file, dst); err != nil {
			return err
		}
	}
	return nil
}

// applyDefaults fills omitted settings.
// Params: decoded config.
// Returns: defaults side-effect in cfg.
func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.Service.Name) == "" {
		cfg.Service.Name = defaultServiceName
	}
	cfg.Service.Role = strings.ToLower(strings.TrimSpace(cfg.Service.Role))
	if cfg.Service.Role == "" {
		cfg.Service.Role = RoleAll
	}
	if cfg.Service.NotifyIntervalSec <= 0 {
		cfg.Service.NotifyIntervalSec = defaultNotifyIntervalSec
	}
	if cfg.Service.NotifyFirstDelaySec < 0 {
		cfg.Service.NotifyFirstDelaySec = 0
	} else if cfg.Service.NotifyFirstDelaySec == 0 {
		cfg.Service.NotifyFirstDelaySec = defaultNotifyFirstDelay
	}
	if cfg.Service.MaxInflightEvents <= 0 {
		cfg.Service.MaxInflightEvents = defaultMaxInflightEvents
	}

	if cfg.Log.Console.Level == "" {
		cfg.Log.Console.Level = "info"
	}
	if cfg.Log.Console.Format == "" {
		cfg.Log.Console.Format = "line"
	}
	if cfg.Log.File.Level == "" {
		cfg.Log.File.Level = "info"
	}
	if cfg.Log.File.Format == "" {
		cfg.Log.File.Format = "json"
	}
	if !cfg.Log.Console.Enabled && !cfg.Log.File.Enabled {
		cfg.Log.Console.Enabled = true
	}

	cfg.Store.Backend = strings.ToLower(strings.TrimSpace(cfg.Store.Backend))
	if cfg.Store.Backend == "" {
		cfg.Store.Backend = StoreMemory
	}
	if cfg.Store.Backend == StoreSQLite && strings.TrimSpace(cfg.Store.Path) == "" {
		cfg.Store.Path = defaultSQLitePath
	}
	cfg.Store.NATS.URL = normalizeNATSURLs(cfg.Store.NATS.URL)
	if cfg.Store.Backend == StoreNATS && len(cfg.Store.NATS.URL) == 0 {
		cfg.Store.NATS.URL = []string{defaultNATSURL}
	}
	if strings.TrimSpace(cfg.Store.NATS.Bucket) == "" {
		cfg.Store.NATS.Bucket = defaultNATSCaseBucket
	}
	fillRetryDefaults(&cfg.Store.Retry)

	fillTelegramDefaults(&cfg.Expert.Telegram)
	cfg.Farmer.Channel = strings.ToLower(strings.TrimSpace(cfg.Farmer.Channel))
	if cfg.Farmer.Channel == "" {
		cfg.Farmer.Channel = FarmerChannelTelegram
	}
	fillTelegramDefaults(&cfg.Farmer.Telegram)
	fillRetryDefaults(&cfg.Farmer.Twilio.Retry)

	if strings.TrimSpace(cfg.Ingest.HTTP.Listen) == "" {
		cfg.Ingest.HTTP.Listen = defaultHTTPListen
	}
	if strings.TrimSpace(cfg.Ingest.HTTP.HealthPath) == "" {
		cfg.Ingest.HTTP.HealthPath = defaultHealthPath
	}
	if strings.TrimSpace(cfg.Ingest.HTTP.ReadyPath) == "" {
		cfg.Ingest.HTTP.ReadyPath = defaultReadyPath
	}
	if strings.TrimSpace(cfg.Ingest.HTTP.AdvisoryPath) == "" {
		cfg.Ingest.HTTP.AdvisoryPath = defaultAdvisoryPath
	}
	if strings.TrimSpace(cfg.Ingest.HTTP.CasesPath) == "" {
		cfg.Ingest.HTTP.CasesPath = defaultCasesPath
	}
	cfg.Ingest.HTTP.CasesPath = "/" + strings.Trim(cfg.Ingest.HTTP.CasesPath, "/")
	if cfg.Ingest.HTTP.MaxBodyBytes <= 0 {
		cfg.Ingest.HTTP.MaxBodyBytes = defaultMaxBodyBytes
	}

	cfg.Ingest.NATS.URL = normalizeNATSURLs(cfg.Ingest.NATS.URL)
	if cfg.Ingest.NATS.Enabled && len(cfg.Ingest.NATS.URL) == 0 {
		cfg.Ingest.NATS.URL = []string{defaultNATSURL}
	}
	if cfg.Ingest.NATS.Subject == "" {
		cfg.Ingest.NATS.Subject = defaultNATSSubject
	}
	if cfg.Ingest.NATS.Stream == "" {
		cfg.Ingest.NATS.Stream = defaultNATSIngestStream
	}
	if cfg.Ingest.NATS.ConsumerName == "" {
		cfg.Ingest.NATS.ConsumerName = defaultNATSIngestConsumer
	}
	if cfg.Ingest.NATS.DeliverGroup == "" {
		cfg.Ingest.NATS.DeliverGroup = defaultNATSIngestGroup
	}
	if cfg.Ingest.NATS.Workers <= 0 {
		cfg.Ingest.NATS.Workers = defaultNATSIngestWorkers
	}
	if cfg.Ingest.NATS.AckWaitSec <= 0 {
		cfg.Ingest.NATS.AckWaitSec = defaultNATSAckWaitSec
	}
	if cfg.Ingest.NATS.NackDelayMS <= 0 {
		cfg.Ingest.NATS.NackDelayMS = defaultNATSNackDelayMS
	}
	if cfg.Ingest.NATS.MaxDeliver == 0 {
		cfg.Ingest.NATS.MaxDeliver = defaultNATSMaxDeliver
	}
	if cfg.Ingest.NATS.MaxAckPending <= 0 {
		cfg.Ingest.NATS.MaxAckPending = defaultNATSMaxAckPending
	}

	cfg.Events.URL = normalizeNATSURLs(cfg.Events.URL)
	if cfg.Events.Enabled && len(cfg.Events.URL) == 0 {
		cfg.Events.URL = []string{defaultNATSURL}
	}
	if cfg.Events.Stream == "" {
		cfg.Events.Stream = defaultEventsStream
	}
	if cfg.Events.SubjectPrefix == "" {
		cfg.Events.SubjectPrefix = defaultEventsSubject
	}
	cfg.Events.SubjectPrefix = strings.TrimSuffix(cfg.Events.SubjectPrefix, ".")
	if cfg.Events.DedupWindowSec <= 0 {
		cfg.Events.DedupWindowSec = defaultEventsDedupSec
	}
}

// fillTelegramDefaults sets API base, poll timeout and retry defaults.
func fillTelegramDefaults(cfg *TelegramConfig) {
	if strings.TrimSpace(cfg.APIBase) == "" {
		cfg.APIBase = defaultTelegramAPIBase
	}
	cfg.APIBase = strings.TrimRight(cfg.APIBase, "/")
	if cfg.PollTimeoutSec <= 0 {
		cfg.PollTimeoutSec = defaultTelegramPollSec
	}
	fillRetryDefaults(&cfg.Retry)
}

// fillRetryDefaults fills retry delays when retry section is enabled.
// Params: retry section.
// Returns: defaults side-effect.
func fillRetryDefaults(retry *RetryConfig) {
	if !retry.Enabled {
		return
	}
	if retry.Backoff == "" {
		retry.Backoff = "exponential"
	}
	if retry.InitialMS <= 0 {
		retry.InitialMS = 500
	}
	if retry.MaxMS <= 0 {
		retry.MaxMS = 10000
	}
}

// expandSecrets resolves ${NAME} references in credential fields.
// Params: config with optional service.env_file.
// Returns: error when a reference is undefined or env file is unreadable.
func expandSecrets(cfg *Config) error {
	fileVars := map[string]string{}
	if path := strings.TrimSpace(cfg.Service.EnvFile); path != "" {
		vars, err := godotenv.Read(path)
		if err != nil {
			return fmt.Errorf("service.env_file: read %q: %w", path, err)
		}
		fileVars = vars
	}
	lookup := func(name string) (string, bool) {
		if value, ok := os.LookupEnv(name); ok {
			return value, true
		}
		value, ok := fileVars[name]
		return value, ok
	}

	fields := []struct {
		path  string
		value *string
	}{
		{"store.dsn", &cfg.Store.DSN},
		{"expert.telegram.bot_token", &cfg.Expert.Telegram.BotToken},
		{"expert.telegram.chat_id", &cfg.Expert.Telegram.ChatID},
		{"farmer.telegram.bot_token", &cfg.Farmer.Telegram.BotToken},
		{"farmer.twilio.account_sid", &cfg.Farmer.Twilio.AccountSID},
		{"farmer.twilio.auth_token", &cfg.Farmer.Twilio.AuthToken},
		{"farmer.twilio.from", &cfg.Farmer.Twilio.From},
	}
	for _, field := range fields {
		expanded, err := expandRefs(*field.value, lookup)
		if err != nil {
			return fmt.Errorf("%s: %w", field.path, err)
		}
		*field.value = expanded
	}
	return nil
}

// expandRefs substitutes ${NAME} references using lookup.
func expandRefs(raw string, lookup func(string) (string, bool)) (string, error) {
	var missing string
	expanded := secretRefPattern.ReplaceAllStringFunc(raw, func(ref string) string {
		name := secretRefPattern.FindStringSubmatch(ref)[1]
		value, ok := lookup(name)
		if !ok && missing == "" {
			missing = name
		}
		return value
	})
	if missing != "" {
		return "", fmt.Errorf("undefined variable %q", missing)
	}
	return expanded, nil
}

// validateConfig checks cross-section constraints.
// Params: config after defaults.
// Returns: first validation error with dotted field path.
func validateConfig(cfg Config) error {
	switch cfg.Service.Role {
	case RoleFarmer, RoleExpert, RoleAll:
	default:
		return fmt.Errorf("service.role has unsupported value %q", cfg.Service.Role)
	}

	switch cfg.Store.Backend {
	case StoreMemory:
		if cfg.Service.Role != RoleAll {
			return errors.New("store.backend=memory requires service.role=all")
		}
	case StoreSQLite:
		if strings.TrimSpace(cfg.Store.Path) == "" {
			return errors.New("store.path is required when store.backend=sqlite")
		}
	case StorePostgres:
		if strings.TrimSpace(cfg.Store.DSN) == "" {
			return errors.New("store.dsn is required when store.backend=postgres")
		}
	case StoreNATS:
		if err := validateURLs("store.nats.url", cfg.Store.NATS.URL); err != nil {
			return err
		}
	default:
		return fmt.Errorf("store.backend has unsupported value %q", cfg.Store.Backend)
	}
	if err := validateRetry("store.retry", cfg.Store.Retry); err != nil {
		return err
	}

	if strings.TrimSpace(cfg.Expert.Telegram.BotToken) == "" {
		return errors.New("expert.telegram.bot_token is required")
	}
	if strings.TrimSpace(cfg.Expert.Telegram.ChatID) == "" {
		return errors.New("expert.telegram.chat_id is required")
	}
	if err := validateRetry("expert.telegram.retry", cfg.Expert.Telegram.Retry); err != nil {
		return err
	}

	if cfg.Service.RunsFarmer() {
		switch cfg.Farmer.Channel {
		case FarmerChannelTelegram:
			if strings.TrimSpace(cfg.Farmer.Telegram.BotToken) == "" {
				return errors.New("farmer.telegram.bot_token is required when farmer.channel=telegram")
			}
			if err := validateRetry("farmer.telegram.retry", cfg.Farmer.Telegram.Retry); err != nil {
				return err
			}
		case FarmerChannelTwilio:
			if strings.TrimSpace(cfg.Farmer.Twilio.AccountSID) == "" || strings.TrimSpace(cfg.Farmer.Twilio.AuthToken) == "" {
				return errors.New("farmer.twilio.account_sid and farmer.twilio.auth_token are required when farmer.channel=twilio")
			}
			if strings.TrimSpace(cfg.Farmer.Twilio.From) == "" {
				return errors.New("farmer.twilio.from is required when farmer.channel=twilio")
			}
			if err := validateRetry("farmer.twilio.retry", cfg.Farmer.Twilio.Retry); err != nil {
				return err
			}
		default:
			return fmt.Errorf("farmer.channel has unsupported value %q", cfg.Farmer.Channel)
		}
	}

	if cfg.Ingest.HTTP.Enabled {
		paths := map[string]string{
			"ingest.http.health_path":   cfg.Ingest.HTTP.HealthPath,
			"ingest.http.ready_path":    cfg.Ingest.HTTP.ReadyPath,
			"ingest.http.advisory_path": cfg.Ingest.HTTP.AdvisoryPath,
			"ingest.http.cases_path":    cfg.Ingest.HTTP.CasesPath,
		}
		for name, path := range paths {
			if !strings.HasPrefix(path, "/") {
				return fmt.Errorf("%s must start with /", name)
			}
		}
	}
	if cfg.Ingest.NATS.Enabled {
		if !cfg.Service.RunsFarmer() {
			return errors.New("ingest.nats.enabled requires service.role=farmer or all")
		}
		if err := validateURLs("ingest.nats.url", cfg.Ingest.NATS.URL); err != nil {
			return err
		}
		if cfg.Ingest.NATS.MaxDeliver < -1 {
			return errors.New("ingest.nats.max_deliver must be -1 or >0")
		}
	}
	if cfg.Events.Enabled {
		if err := validateURLs("events.url", cfg.Events.URL); err != nil {
			return err
		}
	}
	return nil
}

// validateRetry checks one retry section.
func validateRetry(path string, retry RetryConfig) error {
	if !retry.Enabled {
		return nil
	}
	switch strings.ToLower(retry.Backoff) {
	case "exponential", "fixed":
	default:
		return fmt.Errorf("%s.backoff has unsupported value %q", path, retry.Backoff)
	}
	if retry.MaxAttempts < 0 {
		return fmt.Errorf("%s.max_attempts must be >=0", path)
	}
	if retry.MaxMS < retry.InitialMS {
		return fmt.Errorf("%s.max_ms must be >= initial_ms", path)
	}
	return nil
}

// validateURLs requires at least one non-empty URL.
func validateURLs(path string, urls []string) error {
	if len(urls) == 0 {
		return fmt.Errorf("%s is required", path)
	}
	for i, url := range urls {
		if strings.TrimSpace(url) == "" {
			return fmt.Errorf("%s[%d] is empty", path, i)
		}
	}
	return nil
}

// normalizeNATSURLs trims and drops empty URL entries.
// Params: configured URL list.
// Returns: cleaned list.
func normalizeNATSURLs(urls []string) []string {
	out := make([]string, 0, len(urls))
	for _, url := range urls {
		if trimmed := strings.TrimSpace(url); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
