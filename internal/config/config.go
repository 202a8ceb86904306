package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration is a time.Duration written as "30s" or "5m" in config files
type Duration struct {
	time.Duration
}

// UnmarshalText parses a Go duration string
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	d.Duration = v
	return nil
}

// MarshalText formats the duration
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config holds the application configuration
type Config struct {
	LogLevel          string `toml:"log_level"`
	LogFormat         string `toml:"log_format"`
	CachePath         string `toml:"cache_path"`
	SearchResultLimit int    `toml:"search_result_limit"`

	Engine  EngineConfig  `toml:"engine"`
	Keyring KeyringConfig `toml:"keyring"`

	Accounts []AccountConfig `toml:"accounts"`
}

// EngineConfig tunes the protocol engine
type EngineConfig struct {
	CommandTimeout    Duration `toml:"command_timeout"`
	MaxResponseBytes  int      `toml:"max_response_bytes"`
	BatchSize         int      `toml:"batch_size"`
	Lanes             int      `toml:"lanes"`
	MaxFetch          int      `toml:"max_fetch"`
	PoolIdleTimeout   Duration `toml:"pool_idle_timeout"`
	ReapInterval      Duration `toml:"reap_interval"`
	CacheMaxPerFolder int      `toml:"cache_max_per_folder"`
	CacheMaxTotal     int      `toml:"cache_max_total"`
	CacheMaxAge       Duration `toml:"cache_max_age"`
	BodyCacheSize     int      `toml:"body_cache_size"`
}

// KeyringConfig selects the credential backend. FilePassword only comes
// from the environment.
type KeyringConfig struct {
	Backends     []string `toml:"backends"`
	FileDir      string   `toml:"file_dir"`
	FilePassword string   `toml:"-"`
}

// AccountConfig holds configuration for a single email account. Password
// is only read from the environment; otherwise the secret lives in the
// keyring under credential.AccountKey(Name).
type AccountConfig struct {
	Name        string `toml:"name"`
	Email       string `toml:"email"`
	DisplayName string `toml:"display_name"`
	OAuth2      bool   `toml:"oauth2"`

	IMAPHost      string `toml:"imap_host"`
	IMAPPort      int    `toml:"imap_port"`
	IMAPUsername  string `toml:"imap_username"`
	IMAPPlaintext bool   `toml:"imap_plaintext"`

	SMTPHost      string `toml:"smtp_host"`
	SMTPPort      int    `toml:"smtp_port"`
	SMTPUsername  string `toml:"smtp_username"`
	SMTPPlaintext bool   `toml:"smtp_plaintext"`

	Password string `toml:"-"`

	Folders []FolderConfig `toml:"folders"`
}

// FolderConfig says what to fetch from one folder
type FolderConfig struct {
	Path        string  `toml:"path"`
	MaxEmails   int     `toml:"max_emails"`
	DaysToFetch int     `toml:"days_to_fetch"`
	Filter      *Filter `toml:"filter"`
}

// Filter is a server-side search: Terms joined by Op (AND or OR)
type Filter struct {
	Op    string       `toml:"op"`
	Terms []FilterTerm `toml:"terms"`
}

// FilterTerm matches Field (FROM, TO, SUBJECT or TEXT) against Value
type FilterTerm struct {
	Field string `toml:"field"`
	Value string `toml:"value"`
}

const (
	DefaultIMAPPort  = 993
	DefaultSMTPPort  = 587
	DefaultMaxEmails = 50
	DefaultFolder    = "INBOX"
)

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		LogLevel:          "info",
		LogFormat:         "json",
		CachePath:         defaultCachePath(),
		SearchResultLimit: 100,
		Engine: EngineConfig{
			CommandTimeout:    Duration{30 * time.Second},
			MaxResponseBytes:  5 << 20,
			BatchSize:         50,
			Lanes:             3,
			MaxFetch:          300,
			PoolIdleTimeout:   Duration{300 * time.Second},
			ReapInterval:      Duration{120 * time.Second},
			CacheMaxPerFolder: 500,
			CacheMaxTotal:     2000,
			CacheMaxAge:       Duration{5 * time.Minute},
			BodyCacheSize:     64,
		},
	}
}

func defaultCachePath() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return dir + "/mailbar/cache.db"
	}
	return "mailbar-cache.db"
}

// LoadConfig builds the configuration from defaults, the optional TOML file
// at path and environment overrides, then validates it.
func LoadConfig(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		md, err := toml.DecodeFile(path, cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("unknown config keys: %v", undecoded)
		}
	}

	cfg.applyEnv()

	if len(cfg.Accounts) == 0 {
		accounts, err := loadAccounts()
		if err != nil {
			return nil, fmt.Errorf("failed to load accounts: %w", err)
		}
		cfg.Accounts = accounts
	}
	cfg.applyAccountDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	c.LogFormat = getEnv("LOG_FORMAT", c.LogFormat)
	c.CachePath = getEnv("CACHE_PATH", c.CachePath)
	c.SearchResultLimit = getEnvInt("SEARCH_RESULT_LIMIT", c.SearchResultLimit)

	e := &c.Engine
	e.CommandTimeout = getEnvDuration("IMAP_TIMEOUT", e.CommandTimeout)
	e.MaxResponseBytes = getEnvInt("MAX_RESPONSE_BYTES", e.MaxResponseBytes)
	e.BatchSize = getEnvInt("FETCH_BATCH_SIZE", e.BatchSize)
	e.Lanes = getEnvInt("FETCH_LANES", e.Lanes)
	e.MaxFetch = getEnvInt("FETCH_MAX_TOTAL", e.MaxFetch)
	e.PoolIdleTimeout = getEnvDuration("POOL_IDLE_TIMEOUT", e.PoolIdleTimeout)
	e.ReapInterval = getEnvDuration("POOL_REAP_INTERVAL", e.ReapInterval)
	e.CacheMaxAge = getEnvDuration("CACHE_MAX_AGE", e.CacheMaxAge)

	if backends := getEnv("KEYRING_BACKENDS", ""); backends != "" {
		c.Keyring.Backends = strings.Split(backends, ",")
	}
	c.Keyring.FileDir = getEnv("KEYRING_FILE_DIR", c.Keyring.FileDir)
	c.Keyring.FilePassword = getEnv("KEYRING_PASSWORD", c.Keyring.FilePassword)
}

func (c *Config) applyAccountDefaults() {
	for i := range c.Accounts {
		acc := &c.Accounts[i]
		if acc.IMAPPort == 0 {
			acc.IMAPPort = DefaultIMAPPort
		}
		if acc.SMTPPort == 0 {
			acc.SMTPPort = DefaultSMTPPort
		}
		if acc.SMTPHost == "" && strings.HasPrefix(acc.IMAPHost, "imap.") {
			acc.SMTPHost = "smtp" + acc.IMAPHost[4:]
		}
		if acc.SMTPUsername == "" {
			acc.SMTPUsername = acc.IMAPUsername
		}
		if acc.Email == "" && strings.Contains(acc.IMAPUsername, "@") {
			acc.Email = acc.IMAPUsername
		}
		if len(acc.Folders) == 0 {
			acc.Folders = []FolderConfig{{Path: DefaultFolder}}
		}
		for j := range acc.Folders {
			if acc.Folders[j].MaxEmails == 0 {
				acc.Folders[j].MaxEmails = DefaultMaxEmails
			}
		}
	}
}

// loadAccounts loads email account configurations from environment variables
func loadAccounts() ([]AccountConfig, error) {
	if hasSingleAccount() {
		account, err := loadAccountFromEnv("", getEnv("ACCOUNT_NAME", "default"))
		if err != nil {
			return nil, err
		}
		return []AccountConfig{*account}, nil
	}

	// ACCOUNT_1_*, ACCOUNT_2_*, ...
	var accounts []AccountConfig
	for n := 1; ; n++ {
		prefix := fmt.Sprintf("ACCOUNT_%d_", n)
		name := getEnv(prefix+"NAME", "")
		if name == "" {
			break
		}
		account, err := loadAccountFromEnv(prefix, name)
		if err != nil {
			return nil, fmt.Errorf("account %d: %w", n, err)
		}
		accounts = append(accounts, *account)
	}

	if len(accounts) == 0 {
		return nil, fmt.Errorf("no accounts found in config file or environment")
	}
	return accounts, nil
}

func hasSingleAccount() bool {
	return getEnv("IMAP_HOST", "") != ""
}

func loadAccountFromEnv(prefix, name string) (*AccountConfig, error) {
	acc := &AccountConfig{
		Name:          name,
		Email:         getEnv(prefix+"EMAIL", ""),
		DisplayName:   getEnv(prefix+"DISPLAY_NAME", ""),
		OAuth2:        getEnvBool(prefix+"OAUTH2", false),
		IMAPHost:      getEnv(prefix+"IMAP_HOST", ""),
		IMAPPort:      getEnvInt(prefix+"IMAP_PORT", DefaultIMAPPort),
		IMAPUsername:  getEnv(prefix+"IMAP_USERNAME", ""),
		IMAPPlaintext: getEnvBool(prefix+"IMAP_PLAINTEXT", false),
		SMTPHost:      getEnv(prefix+"SMTP_HOST", ""),
		SMTPPort:      getEnvInt(prefix+"SMTP_PORT", DefaultSMTPPort),
		SMTPUsername:  getEnv(prefix+"SMTP_USERNAME", ""),
		SMTPPlaintext: getEnvBool(prefix+"SMTP_PLAINTEXT", false),
		Password:      getEnv(prefix+"IMAP_PASSWORD", getEnv(prefix+"PASSWORD", "")),
	}
	if acc.IMAPHost == "" {
		return nil, fmt.Errorf("IMAP_HOST is required")
	}
	if acc.IMAPUsername == "" {
		return nil, fmt.Errorf("IMAP_USERNAME is required")
	}

	if folders := getEnv(prefix+"FOLDERS", ""); folders != "" {
		for _, path := range strings.Split(folders, ",") {
			if path = strings.TrimSpace(path); path != "" {
				acc.Folders = append(acc.Folders, FolderConfig{
					Path:        path,
					MaxEmails:   getEnvInt(prefix+"MAX_EMAILS", DefaultMaxEmails),
					DaysToFetch: getEnvInt(prefix+"DAYS_TO_FETCH", 0),
				})
			}
		}
	}
	return acc, nil
}

// getEnv gets an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt gets an environment variable as an integer or returns a default value
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue Duration) Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return Duration{d}
		}
	}
	return defaultValue
}

// GetAccountByName finds an account by name
func (c *Config) GetAccountByName(name string) (*AccountConfig, error) {
	for i := range c.Accounts {
		if c.Accounts[i].Name == name {
			return &c.Accounts[i], nil
		}
	}
	return nil, fmt.Errorf("account not found: %s", name)
}

// GetDefaultAccount returns the account named "default", else the first one
func (c *Config) GetDefaultAccount() *AccountConfig {
	if len(c.Accounts) == 0 {
		return nil
	}
	for i := range c.Accounts {
		if c.Accounts[i].Name == "default" {
			return &c.Accounts[i]
		}
	}
	return &c.Accounts[0]
}

// Folder returns the folder settings for path, falling back to defaults
func (a *AccountConfig) Folder(path string) FolderConfig {
	for _, f := range a.Folders {
		if f.Path == path {
			return f
		}
	}
	return FolderConfig{Path: path, MaxEmails: DefaultMaxEmails}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.CachePath == "" {
		return fmt.Errorf("CACHE_PATH is required")
	}
	if c.SearchResultLimit < 1 || c.SearchResultLimit > 1000 {
		return fmt.Errorf("SEARCH_RESULT_LIMIT must be between 1 and 1000")
	}

	e := c.Engine
	if e.CommandTimeout.Duration <= 0 {
		return fmt.Errorf("engine.command_timeout must be positive")
	}
	if e.MaxResponseBytes < 1024 {
		return fmt.Errorf("engine.max_response_bytes must be at least 1024")
	}
	if e.BatchSize < 1 || e.BatchSize > 300 {
		return fmt.Errorf("engine.batch_size must be between 1 and 300")
	}
	if e.Lanes < 1 || e.Lanes > 8 {
		return fmt.Errorf("engine.lanes must be between 1 and 8")
	}
	if e.MaxFetch < 1 {
		return fmt.Errorf("engine.max_fetch must be positive")
	}
	if e.CacheMaxPerFolder < 1 || e.CacheMaxTotal < e.CacheMaxPerFolder {
		return fmt.Errorf("engine cache bounds must satisfy 1 <= cache_max_per_folder <= cache_max_total")
	}

	if len(c.Accounts) == 0 {
		return fmt.Errorf("at least one account must be configured")
	}

	seen := map[string]bool{}
	for i := range c.Accounts {
		acc := &c.Accounts[i]
		if acc.Name == "" {
			return fmt.Errorf("account %d: name is required", i+1)
		}
		if seen[acc.Name] {
			return fmt.Errorf("account %s: duplicate name", acc.Name)
		}
		seen[acc.Name] = true

		if acc.IMAPHost == "" {
			return fmt.Errorf("account %s: IMAP_HOST is required", acc.Name)
		}
		if acc.IMAPUsername == "" {
			return fmt.Errorf("account %s: IMAP_USERNAME is required", acc.Name)
		}
		if acc.IMAPPort < 1 || acc.IMAPPort > 65535 {
			return fmt.Errorf("account %s: invalid IMAP_PORT", acc.Name)
		}
		if acc.SMTPHost != "" && (acc.SMTPPort < 1 || acc.SMTPPort > 65535) {
			return fmt.Errorf("account %s: invalid SMTP_PORT", acc.Name)
		}
		for _, f := range acc.Folders {
			if err := f.validate(); err != nil {
				return fmt.Errorf("account %s: %w", acc.Name, err)
			}
		}
	}
	return nil
}

func (f FolderConfig) validate() error {
	if f.Path == "" {
		return fmt.Errorf("folder path is required")
	}
	if f.MaxEmails < 0 || f.DaysToFetch < 0 {
		return fmt.Errorf("folder %s: max_emails and days_to_fetch must not be negative", f.Path)
	}
	if f.Filter == nil {
		return nil
	}
	switch strings.ToUpper(f.Filter.Op) {
	case "", "AND", "OR":
	default:
		return fmt.Errorf("folder %s: filter op must be AND or OR", f.Path)
	}
	for _, t := range f.Filter.Terms {
		switch strings.ToUpper(t.Field) {
		case "FROM", "TO", "SUBJECT", "TEXT":
		default:
			return fmt.Errorf("folder %s: unsupported filter field %q", f.Path, t.Field)
		}
	}
	return nil
}

// AccountNames returns a list of all account names
func (c *Config) AccountNames() []string {
	names := make([]string, len(c.Accounts))
	for i := range c.Accounts {
		names[i] = c.Accounts[i].Name
	}
	return names
}
