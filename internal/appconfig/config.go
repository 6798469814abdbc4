package appconfig

import (
	"os"
	"path/filepath"
	"time"

	"pkt.systems/cdpreplay/schema"
)

// Config is the top-level application configuration.
type Config struct {
	ConfigVersion int           `mapstructure:"config_version" yaml:"config_version"`
	StateDir      string        `mapstructure:"state_dir" yaml:"state_dir"`
	RecordingsDir string        `mapstructure:"recordings_dir" yaml:"recordings_dir"`
	Browser       BrowserConfig `mapstructure:"browser" yaml:"browser"`
	Engine        EngineConfig  `mapstructure:"engine" yaml:"engine"`
	History       HistoryConfig `mapstructure:"history" yaml:"history"`
	HTTP          HTTPConfig    `mapstructure:"http" yaml:"http"`
	Auth          AuthConfig    `mapstructure:"auth" yaml:"auth"`
}

// CurrentConfigVersion marks the supported config version.
const CurrentConfigVersion = 1

// BrowserConfig locates the browser to drive.
type BrowserConfig struct {
	// DebugURL is the remote debugging endpoint, either the HTTP base
	// (http://127.0.0.1:9222) or a browser websocket URL.
	DebugURL   string `mapstructure:"debug_url" yaml:"debug_url"`
	DefaultTab string `mapstructure:"default_tab" yaml:"default_tab"`
	KeepPage   bool   `mapstructure:"keep_page" yaml:"keep_page"`
}

// EngineConfig holds replay timing knobs.
type EngineConfig struct {
	ElementTimeout       time.Duration `mapstructure:"element_timeout" yaml:"element_timeout"`
	PollInterval         time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	ReattachTimeout      time.Duration `mapstructure:"reattach_timeout" yaml:"reattach_timeout"`
	ReattachSettle       time.Duration `mapstructure:"reattach_settle" yaml:"reattach_settle"`
	ReattachFirstAttempt time.Duration `mapstructure:"reattach_first_attempt" yaml:"reattach_first_attempt"`
	AttachTimeout        time.Duration `mapstructure:"attach_timeout" yaml:"attach_timeout"`
	NavigationTimeout    time.Duration `mapstructure:"navigation_timeout" yaml:"navigation_timeout"`
	NavigationSettle     time.Duration `mapstructure:"navigation_settle" yaml:"navigation_settle"`
	InteractiveSettle    time.Duration `mapstructure:"interactive_settle" yaml:"interactive_settle"`
	PageLoadPoll         time.Duration `mapstructure:"page_load_poll" yaml:"page_load_poll"`
	HoverSettle          time.Duration `mapstructure:"hover_settle" yaml:"hover_settle"`
	AutocompleteDelay    time.Duration `mapstructure:"autocomplete_delay" yaml:"autocomplete_delay"`
	InterStepDelay       time.Duration `mapstructure:"inter_step_delay" yaml:"inter_step_delay"`
	NeverSettleHosts     []string      `mapstructure:"never_settle_hosts" yaml:"never_settle_hosts"`
	NeverSettleSleep     time.Duration `mapstructure:"never_settle_sleep" yaml:"never_settle_sleep"`
}

// HistoryConfig bounds stored run results.
type HistoryConfig struct {
	MaxRuns   int `mapstructure:"max_runs" yaml:"max_runs"`
	ListLimit int `mapstructure:"list_limit" yaml:"list_limit"`
}

// HTTPConfig configures the HTTP server.
type HTTPConfig struct {
	Addr            string `mapstructure:"addr" yaml:"addr"`
	SessionCookie   string `mapstructure:"session_cookie" yaml:"session_cookie"`
	SessionTTLHours int    `mapstructure:"session_ttl_hours" yaml:"session_ttl_hours"`
	BaseURL         string `mapstructure:"base_url" yaml:"base_url"`
	BasePath        string `mapstructure:"base_path" yaml:"base_path"`
	HubHistory      int    `mapstructure:"hub_history" yaml:"hub_history"`
	// SessionFile persists login sessions across restarts. Empty keeps them
	// in memory.
	SessionFile string `mapstructure:"session_file" yaml:"session_file"`
}

// AuthConfig configures auth storage and seed users.
type AuthConfig struct {
	UserFile  string     `mapstructure:"user_file" yaml:"user_file"`
	SeedUsers []SeedUser `mapstructure:"seed_users" yaml:"seed_users"`
}

// SeedUser seeds a user record in the auth store.
type SeedUser struct {
	Username     string `mapstructure:"username" yaml:"username"`
	PasswordHash string `mapstructure:"password_hash" yaml:"password_hash"`
	TOTPSecret   string `mapstructure:"totp_secret" yaml:"totp_secret"`
	// Role is viewer, operator or admin. Empty means admin.
	Role string `mapstructure:"role" yaml:"role,omitempty"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() (Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return Config{}, err
	}
	root := filepath.Join(home, ".cdpreplay")
	return Config{
		ConfigVersion: CurrentConfigVersion,
		StateDir:      filepath.Join(root, "state"),
		RecordingsDir: filepath.Join(root, "recordings"),
		Browser: BrowserConfig{
			DebugURL: "http://127.0.0.1:9222",
		},
		Engine: EngineConfig{
			ElementTimeout:       schema.DefaultElementTimeout,
			PollInterval:         schema.DefaultPollInterval,
			ReattachTimeout:      schema.DefaultReattachTimeout,
			ReattachSettle:       schema.DefaultReattachSettle,
			ReattachFirstAttempt: schema.DefaultReattachFirstAttempt,
			AttachTimeout:        schema.DefaultAttachTimeout,
			NavigationTimeout:    schema.DefaultNavigationTimeout,
			NavigationSettle:     schema.DefaultNavigationSettle,
			InteractiveSettle:    schema.DefaultInteractiveSettle,
			PageLoadPoll:         schema.DefaultPageLoadPoll,
			HoverSettle:          schema.DefaultHoverSettle,
			AutocompleteDelay:    schema.DefaultAutocompleteDelay,
			InterStepDelay:       schema.DefaultInterStepDelay,
			NeverSettleHosts:     append([]string(nil), schema.DefaultNeverSettleHosts...),
			NeverSettleSleep:     schema.DefaultNeverSettleSleep,
		},
		History: HistoryConfig{
			MaxRuns:   500,
			ListLimit: schema.DefaultHistoryLimit,
		},
		HTTP: HTTPConfig{
			Addr:            "127.0.0.1:27490",
			SessionCookie:   "cdpreplay_session",
			SessionTTLHours: 168,
			HubHistory:      512,
			SessionFile:     filepath.Join(root, "state", "sessions.json"),
		},
		Auth: AuthConfig{
			UserFile: filepath.Join(root, "users.json"),
			SeedUsers: []SeedUser{
				{
					Username:     "admin",
					PasswordHash: "$2a$12$PyjGUD8qnJie1MULQVHJdu9zuS/juh5W5RtDUVHv5HFb.62gNnY/q",
					TOTPSecret:   "JBSWY3DPEHPK3PXP",
				},
			},
		},
	}, nil
}

// EngineSettings converts the file config into engine settings.
func (c Config) EngineSettings() schema.EngineConfig {
	e := c.Engine
	return schema.EngineConfig{
		DefaultTab:           schema.TabID(c.Browser.DefaultTab),
		KeepPage:             c.Browser.KeepPage,
		ElementTimeout:       e.ElementTimeout,
		PollInterval:         e.PollInterval,
		ReattachTimeout:      e.ReattachTimeout,
		ReattachSettle:       e.ReattachSettle,
		ReattachFirstAttempt: e.ReattachFirstAttempt,
		AttachTimeout:        e.AttachTimeout,
		NavigationTimeout:    e.NavigationTimeout,
		NavigationSettle:     e.NavigationSettle,
		InteractiveSettle:    e.InteractiveSettle,
		PageLoadPoll:         e.PageLoadPoll,
		HoverSettle:          e.HoverSettle,
		AutocompleteDelay:    e.AutocompleteDelay,
		InterStepDelay:       e.InterStepDelay,
		NeverSettleHosts:     append([]string(nil), e.NeverSettleHosts...),
		NeverSettleSleep:     e.NeverSettleSleep,
		HistoryLimit:         c.History.ListLimit,
	}
}

// RunsDir is where run results are stored.
func (c Config) RunsDir() string {
	return filepath.Join(c.StateDir, "runs")
}

// DefaultConfigPath returns the standard config path.
func DefaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".cdpreplay", "config.yaml"), nil
}
