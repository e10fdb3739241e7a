// Package config handles closely configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order:
// ./config.yaml, ~/.config/closely/config.yaml, /config/config.yaml,
// /etc/closely/config.yaml. An explicit path (from the -config flag) is
// handled by FindConfig before these are tried.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "closely", "config.yaml"))
	}

	paths = append(paths, "/config/config.yaml") // Container convention
	paths = append(paths, "/etc/closely/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Duration wraps time.Duration so it can be expressed as a human-readable
// string ("30s", "5m") in YAML, matching the "human-readable duration"
// requirement of the interval fields.
type Duration struct {
	time.Duration
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return d.Duration.String(), nil
}

// Config holds all closely configuration: top-level interval, the
// reporter, per-platform settings, the notify-destination map, and the
// list of subscriptions.
type Config struct {
	Interval   Duration                  `yaml:"interval"`
	Reporter   *ReporterConfig           `yaml:"reporter,omitempty"`
	Platform   PlatformConfig            `yaml:"platform"`
	Notify     map[string]NotifierConfig `yaml:"notify"`
	Subscribes map[string][]Subscription `yaml:"subscription"`
	LogLevel   string                    `yaml:"log_level"`
}

// ReporterConfig configures the liveness-heartbeat and log-forwarding task.
type ReporterConfig struct {
	Interval Duration `yaml:"interval"`
	// HeartbeatURL receives a GET every Interval. Empty disables the
	// heartbeat (the reporter task becomes a no-op).
	HeartbeatURL string `yaml:"heartbeat_url"`
	// LogForward lists the notify names that receive Log notifications
	// for log records at level >= warn.
	LogForward []string `yaml:"log_forward"`
}

// PlatformConfig groups global, per-platform credentials and endpoints.
type PlatformConfig struct {
	Bilibili BilibiliConfig `yaml:"bilibili"`
	Twitter  TwitterConfig  `yaml:"twitter"`
	Webhook  WebhookConfig  `yaml:"webhook"`
}

// BilibiliConfig holds bilibili-wide settings: API server override and
// the guest-cookie bootstrap parameters for space.bilibili.com.
type BilibiliConfig struct {
	APIBaseURL  string `yaml:"api_base_url"`
	GuestCookie string `yaml:"guest_cookie"`
}

// TwitterConfig configures the scraping mirror host used to fetch
// timelines without direct API access.
type TwitterConfig struct {
	MirrorHost string `yaml:"mirror_host"`
}

// WebhookConfig configures the shared recording-webhook HTTP listener.
type WebhookConfig struct {
	ListenAddress string `yaml:"listen_address"`
	// WorkingDirectory is prefixed to a FileClosed event's RelativePath
	// to resolve the absolute recorded-file path.
	WorkingDirectory string `yaml:"working_directory"`
}

// Subscription binds one source to a set of notify references.
type Subscription struct {
	Name     string          `yaml:"name"`
	Source   SourceConfig    `yaml:"source"`
	Interval *Duration       `yaml:"interval,omitempty"`
	Notify   []NotifyRefSpec `yaml:"notify"`
}

// SourceConfig identifies which fetcher to build and its parameters.
type SourceConfig struct {
	Kind string `yaml:"kind"` // bilibili.live, bilibili.space, bilibili.video, twitter, bilibili.playback
	// ID is the platform-specific identifier: user id (bilibili.live,
	// bilibili.space), screen name (twitter), or recorder room id
	// (bilibili.playback). For
	// bilibili.video it is "<user id>/<series id>", matching the
	// upstream archive-list API's mid/series_id pair.
	ID string `yaml:"id"`
}

// NotifyRefSpec is either a bare destination name or an object with a
// "to"/"ref" name plus sparse overrides merged onto the base
// NotifierConfig (spec.md §6, Design Note §9's "Overridable configuration").
type NotifyRefSpec struct {
	To        string
	Overrides map[string]any
}

// UnmarshalYAML accepts either a bare scalar string or a mapping with a
// to/ref key plus arbitrary override fields.
func (n *NotifyRefSpec) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		var name string
		if err := value.Decode(&name); err != nil {
			return err
		}
		n.To = name
		n.Overrides = nil
		return nil
	}

	var raw map[string]any
	if err := value.Decode(&raw); err != nil {
		return err
	}

	to, _ := raw["to"].(string)
	if to == "" {
		to, _ = raw["ref"].(string)
	}
	if to == "" {
		return fmt.Errorf("notify reference missing \"to\" or \"ref\" name")
	}
	delete(raw, "to")
	delete(raw, "ref")

	n.To = to
	n.Overrides = raw
	return nil
}

// NotifierConfig is the base record for one notify destination. Each
// subscription's notify reference may carry a sparse override of these
// fields (merged via internal/notifyref.Merge).
type NotifierConfig struct {
	Kind string `yaml:"kind"` // telegram, qq

	Telegram TelegramDestConfig `yaml:"telegram,omitempty"`
	QQ       QQDestConfig       `yaml:"qq,omitempty"`

	Toggles Toggles `yaml:"toggles"`
}

// Toggles are the per-destination boolean switches of spec.md §4.5.
type Toggles struct {
	LiveOnline bool `yaml:"live_online"`
	LiveTitle  bool `yaml:"live_title"`
	Post       bool `yaml:"post"`
	Log        bool `yaml:"log"`
	Playback   bool `yaml:"playback"`
	Document   bool `yaml:"document"`
	AuthorName bool `yaml:"author_name"`
}

// TelegramDestConfig configures one Telegram chat destination.
type TelegramDestConfig struct {
	Token  string `yaml:"token"`
	ChatID int64  `yaml:"chat_id"`
}

// QQDestConfig configures one QQ group/bridge destination.
type QQDestConfig struct {
	BridgeURL string `yaml:"bridge_url"`
	GroupID   int64  `yaml:"group_id"`
}

// Load reads configuration from a YAML file, expands environment
// variables, applies defaults, and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// applyDefaults fills in zero-value fields with sensible defaults.
func (c *Config) applyDefaults() {
	if c.Interval.Duration == 0 {
		c.Interval.Duration = 5 * time.Minute
	}
	if c.Platform.Bilibili.APIBaseURL == "" {
		c.Platform.Bilibili.APIBaseURL = "https://api.bilibili.com"
	}
	if c.Reporter != nil && c.Reporter.Interval.Duration == 0 {
		c.Reporter.Interval.Duration = time.Minute
	}
}

// Validate checks that the configuration is internally consistent.
func (c *Config) Validate() error {
	if c.Interval.Duration <= 0 {
		return fmt.Errorf("interval must be positive")
	}
	if c.LogLevel != "" {
		if _, err := ParseLogLevel(c.LogLevel); err != nil {
			return err
		}
	}
	for name, subs := range c.Subscribes {
		for _, s := range subs {
			if s.Source.Kind == "" {
				return fmt.Errorf("subscription %q: source.kind is required", name)
			}
			for _, ref := range s.Notify {
				if _, ok := c.Notify[ref.To]; !ok {
					return fmt.Errorf("subscription %q: unknown notify reference %q", name, ref.To)
				}
			}
		}
	}
	return nil
}
