package appconfig

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"pkt.systems/cdpreplay/schema"
)

// Load reads configuration from the provided path. If path is empty, uses DefaultConfigPath.
func Load(path string) (Config, error) {
	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return Config{}, err
		}
		path = defaultPath
	}

	cfg, err := DefaultConfig()
	if err != nil {
		return Config{}, err
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("CDPREPLAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	v.SetDefault("config_version", cfg.ConfigVersion)
	v.SetDefault("state_dir", cfg.StateDir)
	v.SetDefault("recordings_dir", cfg.RecordingsDir)
	v.SetDefault("browser.debug_url", cfg.Browser.DebugURL)
	v.SetDefault("browser.default_tab", cfg.Browser.DefaultTab)
	v.SetDefault("browser.keep_page", cfg.Browser.KeepPage)
	v.SetDefault("engine.element_timeout", cfg.Engine.ElementTimeout)
	v.SetDefault("engine.poll_interval", cfg.Engine.PollInterval)
	v.SetDefault("engine.reattach_timeout", cfg.Engine.ReattachTimeout)
	v.SetDefault("engine.reattach_settle", cfg.Engine.ReattachSettle)
	v.SetDefault("engine.reattach_first_attempt", cfg.Engine.ReattachFirstAttempt)
	v.SetDefault("engine.attach_timeout", cfg.Engine.AttachTimeout)
	v.SetDefault("engine.navigation_timeout", cfg.Engine.NavigationTimeout)
	v.SetDefault("engine.navigation_settle", cfg.Engine.NavigationSettle)
	v.SetDefault("engine.interactive_settle", cfg.Engine.InteractiveSettle)
	v.SetDefault("engine.page_load_poll", cfg.Engine.PageLoadPoll)
	v.SetDefault("engine.hover_settle", cfg.Engine.HoverSettle)
	v.SetDefault("engine.autocomplete_delay", cfg.Engine.AutocompleteDelay)
	v.SetDefault("engine.inter_step_delay", cfg.Engine.InterStepDelay)
	v.SetDefault("engine.never_settle_hosts", cfg.Engine.NeverSettleHosts)
	v.SetDefault("engine.never_settle_sleep", cfg.Engine.NeverSettleSleep)
	v.SetDefault("history.max_runs", cfg.History.MaxRuns)
	v.SetDefault("history.list_limit", cfg.History.ListLimit)
	v.SetDefault("http.addr", cfg.HTTP.Addr)
	v.SetDefault("http.session_cookie", cfg.HTTP.SessionCookie)
	v.SetDefault("http.session_ttl_hours", cfg.HTTP.SessionTTLHours)
	v.SetDefault("http.base_url", cfg.HTTP.BaseURL)
	v.SetDefault("http.base_path", cfg.HTTP.BasePath)
	v.SetDefault("http.hub_history", cfg.HTTP.HubHistory)
	v.SetDefault("http.session_file", cfg.HTTP.SessionFile)
	v.SetDefault("auth.user_file", cfg.Auth.UserFile)
	v.SetDefault("auth.seed_users", cfg.Auth.SeedUsers)

	configLoaded := false
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, err
		}
	} else {
		configLoaded = true
	}

	if configLoaded {
		if !v.IsSet("config_version") {
			return Config{}, fmt.Errorf("config_version is required; expected %d", CurrentConfigVersion)
		}
		if v.GetInt("config_version") != CurrentConfigVersion {
			return Config{}, fmt.Errorf("unsupported config_version %d; expected %d", v.GetInt("config_version"), CurrentConfigVersion)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	expandConfigEnv(&cfg)
	if err := validateBrowserConfig(cfg.Browser); err != nil {
		return Config{}, err
	}
	if err := validateHTTPConfig(cfg.HTTP); err != nil {
		return Config{}, err
	}
	if _, err := schema.NormalizeEngineConfig(cfg.EngineSettings()); err != nil {
		return Config{}, fmt.Errorf("engine: %w", err)
	}
	if cfg.History.MaxRuns <= 0 {
		return Config{}, fmt.Errorf("history.max_runs must be positive")
	}
	return cfg, nil
}

func validateBrowserConfig(cfg BrowserConfig) error {
	raw := strings.TrimSpace(cfg.DebugURL)
	if raw == "" {
		return fmt.Errorf("browser.debug_url is required")
	}
	parsed, err := url.Parse(raw)
	if err != nil || parsed.Host == "" {
		return fmt.Errorf("browser.debug_url must include scheme and host (e.g. http://127.0.0.1:9222)")
	}
	switch parsed.Scheme {
	case "http", "https", "ws", "wss":
		return nil
	default:
		return fmt.Errorf("browser.debug_url has unsupported scheme %q", parsed.Scheme)
	}
}

func validateHTTPConfig(cfg HTTPConfig) error {
	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL != "" {
		parsed, err := url.Parse(baseURL)
		if err != nil || parsed.Scheme == "" || parsed.Host == "" {
			return fmt.Errorf("http.base_url must include scheme and host (e.g. https://example.com)")
		}
	}
	basePath := strings.TrimSpace(cfg.BasePath)
	if basePath != "" {
		if strings.Contains(basePath, "://") {
			return fmt.Errorf("http.base_path must be a path prefix, not a URL")
		}
		if strings.ContainsAny(basePath, "?#") {
			return fmt.Errorf("http.base_path must not include query or fragment")
		}
	}
	return nil
}

func expandConfigEnv(cfg *Config) {
	if cfg == nil {
		return
	}
	cfg.StateDir = expandEnv(cfg.StateDir)
	cfg.RecordingsDir = expandEnv(cfg.RecordingsDir)
	cfg.Browser.DebugURL = expandEnv(cfg.Browser.DebugURL)
	cfg.Auth.UserFile = expandEnv(cfg.Auth.UserFile)
	cfg.HTTP.SessionFile = expandEnv(cfg.HTTP.SessionFile)
}

func expandEnv(value string) string {
	if value == "" {
		return value
	}
	return os.Expand(value, func(key string) string {
		if key == "" {
			return ""
		}
		if val, ok := lookupEnv(key); ok {
			return val
		}
		return "$" + key
	})
}

func lookupEnv(key string) (string, bool) {
	if val, ok := os.LookupEnv(key); ok {
		return val, true
	}
	switch key {
	case "UID":
		return fmt.Sprintf("%d", os.Getuid()), true
	case "GID":
		return fmt.Sprintf("%d", os.Getgid()), true
	}
	return "", false
}

// WriteDefault writes the default config to the target path.
func WriteDefault(path string, overwrite bool) (string, error) {
	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return "", err
		}
		path = defaultPath
	}

	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return "", fmt.Errorf("config already exists at %s", path)
		}
	}

	cfg, err := DefaultConfig()
	if err != nil {
		return "", err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return "", err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", err
	}
	return path, nil
}
