package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

const (
	// EnvConfigPath is the env var consulted when no config path is given
	// on the command line.
	EnvConfigPath = "MAILMON_CONFIG"

	envPrefix = "MAILMON"

	DefaultSchedule   = "@hourly"
	DefaultSnippetURL = "https://de.wikipedia.org/api/rest_v1/page/random/summary"

	ProtocolIMAP = "imap"
	ProtocolPOP3 = "pop3"
)

// Config holds the application configuration
type Config struct {
	// Schedule is a cron spec or descriptor such as "@hourly".
	Schedule     string `mapstructure:"schedule" yaml:"schedule"`
	RunOnStartup bool   `mapstructure:"run_on_startup" yaml:"run_on_startup"`
	// Workers bounds the number of targets checked concurrently. Zero means
	// one per CPU.
	Workers int `mapstructure:"workers" yaml:"workers,omitempty"`

	Source   SourceConfig   `mapstructure:"source" yaml:"source"`
	Mail     MailConfig     `mapstructure:"mail" yaml:"mail"`
	Kuma     KumaConfig     `mapstructure:"kuma" yaml:"kuma"`
	Snippet  SnippetConfig  `mapstructure:"snippet" yaml:"snippet"`
	Metrics  MetricsConfig  `mapstructure:"metrics" yaml:"metrics"`
	Timeouts TimeoutConfig  `mapstructure:"timeouts" yaml:"timeouts,omitempty"`
	Keyring  KeyringConfig  `mapstructure:"keyring" yaml:"keyring,omitempty"`
	Targets  []TargetConfig `mapstructure:"targets" yaml:"targets"`
}

// SourceConfig describes the outbound relay probes are sent through.
type SourceConfig struct {
	SMTPHost     string `mapstructure:"smtp_host" yaml:"smtp_host"`
	SMTPPort     int    `mapstructure:"smtp_port" yaml:"smtp_port"`
	SMTPUser     string `mapstructure:"smtp_user" yaml:"smtp_user"`
	SMTPPassword string `mapstructure:"smtp_password" yaml:"smtp_password,omitempty"`
	// SMTPPasswordKeyring names a keyring item holding the relay password.
	SMTPPasswordKeyring string `mapstructure:"smtp_password_keyring" yaml:"smtp_password_keyring,omitempty"`

	SSL                bool `mapstructure:"ssl" yaml:"ssl"`
	StartTLS           bool `mapstructure:"starttls" yaml:"starttls"`
	InsecureSkipVerify bool `mapstructure:"insecure_skip_verify" yaml:"insecure_skip_verify,omitempty"`

	// From is the envelope sender; defaults to the From header.
	From       string `mapstructure:"from" yaml:"from,omitempty"`
	FromDomain string `mapstructure:"from_domain" yaml:"from_domain"`
	LocalName  string `mapstructure:"local_name" yaml:"local_name,omitempty"`
	IDString   string `mapstructure:"id_string" yaml:"id_string,omitempty"`
}

// MailConfig holds the probe message template.
type MailConfig struct {
	// Headers may be written as a list of name/value pairs (applied in
	// order) or as a mapping (applied sorted by name).
	Headers  []HeaderConfig `mapstructure:"headers" yaml:"headers"`
	Template string         `mapstructure:"template" yaml:"template"`
}

// HeaderConfig is one configured probe header. "{addr}" in Value is
// replaced with the target address.
type HeaderConfig struct {
	Name  string `mapstructure:"name" yaml:"name"`
	Value string `mapstructure:"value" yaml:"value"`
}

// KumaConfig points at the Uptime Kuma instance receiving push results.
type KumaConfig struct {
	Host    string        `mapstructure:"host" yaml:"host"`
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout,omitempty"`
}

// SnippetConfig configures the random text source for probe bodies.
type SnippetConfig struct {
	URL      string        `mapstructure:"url" yaml:"url"`
	Timeout  time.Duration `mapstructure:"timeout" yaml:"timeout,omitempty"`
	Disabled bool          `mapstructure:"disabled" yaml:"disabled,omitempty"`
}

// MetricsConfig configures the Prometheus endpoint. An empty Listen
// disables the HTTP server.
type MetricsConfig struct {
	Listen string `mapstructure:"listen" yaml:"listen"`
}

// TimeoutConfig bounds network operations.
type TimeoutConfig struct {
	Dial    time.Duration `mapstructure:"dial" yaml:"dial,omitempty"`
	Command time.Duration `mapstructure:"command" yaml:"command,omitempty"`
}

// KeyringConfig selects where *_keyring secrets are read from.
type KeyringConfig struct {
	Service  string   `mapstructure:"service" yaml:"service,omitempty"`
	Backends []string `mapstructure:"backends" yaml:"backends,omitempty"`
	FileDir  string   `mapstructure:"file_dir" yaml:"file_dir,omitempty"`
}

// TargetConfig is one monitored account.
type TargetConfig struct {
	Name     string `mapstructure:"name" yaml:"name"`
	Address  string `mapstructure:"address" yaml:"address"`
	Protocol string `mapstructure:"protocol" yaml:"protocol,omitempty"`

	Host     string `mapstructure:"host" yaml:"host"`
	Port     int    `mapstructure:"port" yaml:"port,omitempty"`
	User     string `mapstructure:"user" yaml:"user"`
	Password string `mapstructure:"password" yaml:"password,omitempty"`
	// PasswordKeyring names a keyring item holding the mailbox password.
	PasswordKeyring string `mapstructure:"password_keyring" yaml:"password_keyring,omitempty"`

	// SSL enables implicit TLS and defaults to true.
	SSL                *bool `mapstructure:"ssl" yaml:"ssl,omitempty"`
	StartTLS           bool  `mapstructure:"starttls" yaml:"starttls,omitempty"`
	InsecureSkipVerify bool  `mapstructure:"insecure_skip_verify" yaml:"insecure_skip_verify,omitempty"`

	KumaKey     string   `mapstructure:"kuma_key" yaml:"kuma_key,omitempty"`
	Inbox       string   `mapstructure:"inbox" yaml:"inbox,omitempty"`
	SpamFolders []string `mapstructure:"spam_folders" yaml:"spam_folders,omitempty"`
	// PreserveForeign limits consumption to the probe itself; other unseen
	// mail in the mailbox is left untouched.
	PreserveForeign bool `mapstructure:"preserve_foreign" yaml:"preserve_foreign,omitempty"`
}

// UseSSL reports whether implicit TLS is enabled for the target.
func (t *TargetConfig) UseSSL() bool {
	if t.SSL == nil {
		return !t.StartTLS
	}
	return *t.SSL
}

// GetEnvConfigPath returns the config file path from EnvConfigPath.
func GetEnvConfigPath() (string, error) {
	path := strings.TrimSpace(os.Getenv(EnvConfigPath))
	if path == "" {
		return "", fmt.Errorf("%s is not set", EnvConfigPath)
	}
	return path, nil
}

// ResolvePath returns arg when set, otherwise the path from EnvConfigPath.
func ResolvePath(arg string) (string, error) {
	if arg = strings.TrimSpace(arg); arg != "" {
		return arg, nil
	}
	return GetEnvConfigPath()
}

// Load reads, defaults and validates the configuration file at path.
func Load(path string) (*Config, error) {
	v := newViper(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	return decode(v)
}

func newViper(path string) *viper.Viper {
	v := viper.New()
	v.SetConfigFile(path)
	if ext := strings.TrimPrefix(filepath.Ext(path), "."); ext == "" {
		v.SetConfigType("yaml")
	}

	v.SetDefault("schedule", DefaultSchedule)
	v.SetDefault("run_on_startup", true)
	v.SetDefault("source.smtp_port", 587)
	v.SetDefault("source.starttls", true)
	v.SetDefault("source.local_name", "mailmon.localhost")
	v.SetDefault("source.id_string", "mailmon")
	v.SetDefault("snippet.url", DefaultSnippetURL)
	v.SetDefault("snippet.timeout", 10*time.Second)
	v.SetDefault("kuma.timeout", 10*time.Second)
	v.SetDefault("timeouts.dial", 10*time.Second)
	v.SetDefault("timeouts.command", 30*time.Second)
	v.SetDefault("keyring.service", "mailmon")

	// Environment variable overrides, e.g. MAILMON_SOURCE_SMTP_PASSWORD.
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return v
}

func decode(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		headerMapHook(),
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(cfg, hook); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// headerMapHook accepts mail.headers written as a mapping and turns it
// into name/value pairs sorted by name.
func headerMapHook() mapstructure.DecodeHookFuncType {
	target := reflect.TypeOf([]HeaderConfig{})
	return func(from, to reflect.Type, data any) (any, error) {
		if to != target || from.Kind() != reflect.Map {
			return data, nil
		}
		m, ok := data.(map[string]any)
		if !ok {
			return data, nil
		}
		names := make([]string, 0, len(m))
		for name := range m {
			names = append(names, name)
		}
		sort.Strings(names)
		out := make([]map[string]any, 0, len(names))
		for _, name := range names {
			out = append(out, map[string]any{
				"name":  canonicalHeader(name),
				"value": fmt.Sprint(m[name]),
			})
		}
		return out, nil
	}
}

// canonicalHeader restores the casing viper folds away ("message-id" ->
// "Message-Id").
func canonicalHeader(name string) string {
	parts := strings.Split(strings.ToLower(name), "-")
	for i, p := range parts {
		if p != "" {
			parts[i] = strings.ToUpper(p[:1]) + p[1:]
		}
	}
	return strings.Join(parts, "-")
}

func (c *Config) applyDefaults() {
	for i := range c.Targets {
		t := &c.Targets[i]
		t.Protocol = strings.ToLower(strings.TrimSpace(t.Protocol))
		if t.Protocol == "" {
			t.Protocol = ProtocolIMAP
		}
		if t.User == "" {
			t.User = t.Address
		}
	}
	if c.Source.FromDomain == "" {
		if idx := strings.LastIndex(c.Source.SMTPUser, "@"); idx >= 0 {
			c.Source.FromDomain = c.Source.SMTPUser[idx+1:]
		}
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	var errs []error

	if c.Source.SMTPHost == "" {
		errs = append(errs, errors.New("source.smtp_host is required"))
	}
	if c.Mail.Template == "" {
		errs = append(errs, errors.New("mail.template is required"))
	}
	if c.Workers < 0 {
		errs = append(errs, fmt.Errorf("workers must not be negative, got %d", c.Workers))
	}
	if len(c.Targets) == 0 {
		errs = append(errs, errors.New("no targets configured"))
	}

	seen := make(map[string]bool, len(c.Targets))
	for i, t := range c.Targets {
		label := t.Name
		if label == "" {
			label = fmt.Sprintf("#%d", i+1)
			errs = append(errs, fmt.Errorf("target %s: name is required", label))
		} else if seen[t.Name] {
			errs = append(errs, fmt.Errorf("target %s: duplicate name", label))
		}
		seen[t.Name] = true

		if t.Address == "" {
			errs = append(errs, fmt.Errorf("target %s: address is required", label))
		}
		if t.Host == "" {
			errs = append(errs, fmt.Errorf("target %s: host is required", label))
		}
		if t.Protocol != ProtocolIMAP && t.Protocol != ProtocolPOP3 {
			errs = append(errs, fmt.Errorf("target %s: unsupported protocol %q", label, t.Protocol))
		}
		if t.KumaKey != "" && c.Kuma.Host == "" {
			errs = append(errs, fmt.Errorf("target %s: kuma_key set but kuma.host is empty", label))
		}
	}

	return errors.Join(errs...)
}

// ResolveSecrets fills passwords configured by keyring item name. Inline
// passwords take precedence.
func (c *Config) ResolveSecrets(lookup func(key string) (string, error)) error {
	if c.Source.SMTPPassword == "" && c.Source.SMTPPasswordKeyring != "" {
		secret, err := lookup(c.Source.SMTPPasswordKeyring)
		if err != nil {
			return fmt.Errorf("source smtp password: %w", err)
		}
		c.Source.SMTPPassword = secret
	}
	for i := range c.Targets {
		t := &c.Targets[i]
		if t.Password != "" || t.PasswordKeyring == "" {
			continue
		}
		secret, err := lookup(t.PasswordKeyring)
		if err != nil {
			return fmt.Errorf("target %s password: %w", t.Name, err)
		}
		t.Password = secret
	}
	return nil
}

// NeedsKeyring reports whether any secret is stored in the keyring.
func (c *Config) NeedsKeyring() bool {
	if c.Source.SMTPPassword == "" && c.Source.SMTPPasswordKeyring != "" {
		return true
	}
	for _, t := range c.Targets {
		if t.Password == "" && t.PasswordKeyring != "" {
			return true
		}
	}
	return false
}

// Example returns an example configuration for "init".
func Example() *Config {
	return &Config{
		Schedule:     DefaultSchedule,
		RunOnStartup: true,
		Source: SourceConfig{
			SMTPHost:            "smtp.example.com",
			SMTPPort:            587,
			SMTPUser:            "monitor@example.com",
			SMTPPasswordKeyring: "smtp-monitor",
			StartTLS:            true,
			FromDomain:          "example.com",
		},
		Mail: MailConfig{
			Headers: []HeaderConfig{
				{Name: "From", Value: "Mail Monitor <monitor@example.com>"},
				{Name: "To", Value: "{addr}"},
				{Name: "Subject", Value: "Delivery check"},
			},
			Template: "Hello,\n\nthis is an automated delivery check.\n\n{snippet}\n",
		},
		Kuma: KumaConfig{
			Host: "https://status.example.com",
		},
		Snippet: SnippetConfig{
			URL: DefaultSnippetURL,
		},
		Metrics: MetricsConfig{
			Listen: "127.0.0.1:9465",
		},
		Targets: []TargetConfig{
			{
				Name:            "Example IMAP",
				Address:         "probe@example.org",
				Host:            "imap.example.org",
				User:            "probe@example.org",
				PasswordKeyring: "imap-example-org",
				KumaKey:         "push-key-imap",
			},
			{
				Name:            "Example POP3",
				Address:         "probe@example.net",
				Protocol:        ProtocolPOP3,
				Host:            "pop.example.net",
				User:            "probe@example.net",
				PasswordKeyring: "pop3-example-net",
				PreserveForeign: true,
			},
		},
	}
}

// fileHeader is written at the top of every saved configuration.
const fileHeader = `# mailmon configuration.
#
# mail.headers is a list of name/value pairs and the headers are written
# in list order. mail.headers may also be a mapping of name to value, but
# then the headers are written sorted by name.

`

// SaveConfig writes cfg as YAML to path, creating parent directories.
func SaveConfig(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	v := viper.New()
	v.SetConfigType("yaml")
	v.Set("schedule", cfg.Schedule)
	v.Set("run_on_startup", cfg.RunOnStartup)
	if cfg.Workers > 0 {
		v.Set("workers", cfg.Workers)
	}
	v.Set("source", cfg.Source)
	v.Set("mail", cfg.Mail)
	v.Set("kuma", cfg.Kuma)
	v.Set("snippet", cfg.Snippet)
	v.Set("metrics", cfg.Metrics)
	v.Set("targets", cfg.Targets)

	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read back config file: %w", err)
	}
	if err := os.WriteFile(path, append([]byte(fileHeader), data...), 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	if err := os.Chmod(path, 0o600); err != nil {
		return fmt.Errorf("failed to restrict config file permissions: %w", err)
	}
	return nil
}
