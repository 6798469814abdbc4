package schema

import (
	"errors"
	"strings"
	"time"
)

// EngineConfig holds the timing knobs of the replay engine.
type EngineConfig struct {
	// DefaultTab is used when a request does not name a tab.
	DefaultTab TabID
	// KeepPage skips blanking the tab before a run.
	KeepPage bool

	ElementTimeout       time.Duration
	PollInterval         time.Duration
	ReattachTimeout      time.Duration
	ReattachSettle       time.Duration
	ReattachFirstAttempt time.Duration
	AttachTimeout        time.Duration
	NavigationTimeout    time.Duration
	NavigationSettle     time.Duration
	InteractiveSettle    time.Duration
	PageLoadPoll         time.Duration
	HoverSettle          time.Duration
	AutocompleteDelay    time.Duration
	InterStepDelay       time.Duration

	// NeverSettleHosts are host suffixes whose pages never reach a stable
	// readyState; waitForPageLoad sleeps NeverSettleSleep instead of polling.
	NeverSettleHosts []string
	NeverSettleSleep time.Duration

	// HistoryLimit caps the run results returned by default.
	HistoryLimit int
}

// Engine defaults.
const (
	DefaultElementTimeout       = 30 * time.Second
	DefaultPollInterval         = 500 * time.Millisecond
	DefaultReattachTimeout      = 45 * time.Second
	DefaultReattachSettle       = 300 * time.Millisecond
	DefaultReattachFirstAttempt = 100 * time.Millisecond
	DefaultAttachTimeout        = 10 * time.Second
	DefaultNavigationTimeout    = 30 * time.Second
	DefaultNavigationSettle     = time.Second
	DefaultInteractiveSettle    = 500 * time.Millisecond
	DefaultPageLoadPoll         = 250 * time.Millisecond
	DefaultHoverSettle          = 50 * time.Millisecond
	DefaultAutocompleteDelay    = 300 * time.Millisecond
	DefaultInterStepDelay       = 50 * time.Millisecond
	DefaultNeverSettleSleep     = 3 * time.Second
	DefaultHistoryLimit         = 50
)

// DefaultNeverSettleHosts lists site families known to keep the document
// loading indefinitely.
var DefaultNeverSettleHosts = []string{
	"salesforce.com",
	"force.com",
	"lightning.force.com",
	"service-now.com",
}

// NormalizeEngineConfig applies defaults and validates the config.
func NormalizeEngineConfig(cfg EngineConfig) (EngineConfig, error) {
	setDuration(&cfg.ElementTimeout, DefaultElementTimeout)
	setDuration(&cfg.PollInterval, DefaultPollInterval)
	setDuration(&cfg.ReattachTimeout, DefaultReattachTimeout)
	setDuration(&cfg.ReattachSettle, DefaultReattachSettle)
	setDuration(&cfg.ReattachFirstAttempt, DefaultReattachFirstAttempt)
	setDuration(&cfg.AttachTimeout, DefaultAttachTimeout)
	setDuration(&cfg.NavigationTimeout, DefaultNavigationTimeout)
	setDuration(&cfg.NavigationSettle, DefaultNavigationSettle)
	setDuration(&cfg.InteractiveSettle, DefaultInteractiveSettle)
	setDuration(&cfg.PageLoadPoll, DefaultPageLoadPoll)
	setDuration(&cfg.HoverSettle, DefaultHoverSettle)
	setDuration(&cfg.AutocompleteDelay, DefaultAutocompleteDelay)
	setDuration(&cfg.InterStepDelay, DefaultInterStepDelay)
	setDuration(&cfg.NeverSettleSleep, DefaultNeverSettleSleep)
	if cfg.NeverSettleHosts == nil {
		cfg.NeverSettleHosts = append([]string(nil), DefaultNeverSettleHosts...)
	}
	for i, host := range cfg.NeverSettleHosts {
		cfg.NeverSettleHosts[i] = strings.ToLower(strings.TrimSpace(host))
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = DefaultHistoryLimit
	}
	if cfg.PollInterval > cfg.ElementTimeout {
		return EngineConfig{}, errors.New("poll interval must not exceed element timeout")
	}
	if cfg.ReattachFirstAttempt >= cfg.ReattachTimeout {
		return EngineConfig{}, errors.New("first reattach attempt must precede reattach timeout")
	}
	return cfg, nil
}

func setDuration(d *time.Duration, def time.Duration) {
	if *d <= 0 {
		*d = def
	}
}
