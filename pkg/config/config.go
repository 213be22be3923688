package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full parkpass service configuration, loaded from a YAML
// file with environment overrides for credentials.
type Config struct {
	Portal    PortalConfig    `yaml:"portal"`
	Browser   BrowserConfig   `yaml:"browser"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Billing   BillingConfig   `yaml:"billing"`
	Store     StoreConfig     `yaml:"store"`
	Notify    NotifyConfig    `yaml:"notify"`
}

// PortalConfig describes the target parking-management portal.
type PortalConfig struct {
	BaseURL  string `yaml:"base_url"`  // Portal root, e.g. "https://parking.example.com"
	LoginURL string `yaml:"login_url"` // Login page; defaults to BaseURL + "/login"
	Username string `yaml:"username"`  // Overridable via PARKPASS_PORTAL_USERNAME
	Password string `yaml:"password"`  // Overridable via PARKPASS_PORTAL_PASSWORD
}

// BrowserConfig controls the automation runtime.
type BrowserConfig struct {
	Headless    bool   `yaml:"headless"`     // Run Chromium without a visible window
	MaxSessions int64  `yaml:"max_sessions"` // Concurrent session permit count
	StatePath   string `yaml:"state_path"`   // Persisted login state file
}

// SchedulerConfig controls the job worker and the daily batch sweep.
type SchedulerConfig struct {
	SweepAt          string `yaml:"sweep_at"`           // "HH:MM" local time for the batch sweep
	PollIntervalSecs int    `yaml:"poll_interval_secs"` // Idle poll when the queue is empty
}

// BillingConfig holds the portal's fee model used by the free-time estimator.
type BillingConfig struct {
	FeePerHalfHour          int   `yaml:"fee_per_half_hour"`         // Fee charged per started 30 minutes
	VisitorTicketMinutes    int   `yaml:"visitor_ticket_minutes"`    // Minute equivalent of one visitor ticket
	ResidentDiscountMinutes int   `yaml:"resident_discount_minutes"` // Minute equivalent of one resident discount unit
	CouponValues            []int `yaml:"coupon_values"`             // Coupon denominations, any order
}

// StoreConfig points at the vehicle registry database. The engine only
// ever reads from it.
type StoreConfig struct {
	DBPath string `yaml:"db_path"`
}

// NotifyConfig controls the websocket result broadcast endpoint.
type NotifyConfig struct {
	ListenAddr string `yaml:"listen_addr"` // Empty disables the endpoint
}

// Default returns a configuration with sane defaults for everything
// except the portal URL and credentials.
func Default() Config {
	home, _ := os.UserHomeDir()
	return Config{
		Portal: PortalConfig{},
		Browser: BrowserConfig{
			Headless:    true,
			MaxSessions: 10,
			StatePath:   filepath.Join(home, ".parkpass", "state.json"),
		},
		Scheduler: SchedulerConfig{
			SweepAt:          "04:30",
			PollIntervalSecs: 2,
		},
		Billing: BillingConfig{
			FeePerHalfHour:          500,
			VisitorTicketMinutes:    240,
			ResidentDiscountMinutes: 240,
			CouponValues:            []int{10000, 5000, 1000},
		},
		Store: StoreConfig{
			DBPath: filepath.Join(home, ".parkpass", "vehicles.db"),
		},
		Notify: NotifyConfig{
			ListenAddr: "",
		},
	}
}

// DefaultPath is where Load looks for the config file unless told
// otherwise.
func DefaultPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".parkpass", "config.yaml")
}

// Load reads the YAML file at path, applies environment overrides, and
// validates the result. A missing file is not an error: defaults plus
// environment are used.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyEnv lets credentials and the portal URL be supplied outside the
// file on disk.
func (c *Config) applyEnv() {
	if v := os.Getenv("PARKPASS_PORTAL_URL"); v != "" {
		c.Portal.BaseURL = v
	}
	if v := os.Getenv("PARKPASS_PORTAL_USERNAME"); v != "" {
		c.Portal.Username = v
	}
	if v := os.Getenv("PARKPASS_PORTAL_PASSWORD"); v != "" {
		c.Portal.Password = v
	}
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.Portal.BaseURL == "" {
		return fmt.Errorf("portal base_url is required (or set PARKPASS_PORTAL_URL)")
	}
	if c.Portal.Username == "" || c.Portal.Password == "" {
		return fmt.Errorf("portal credentials are required (or set PARKPASS_PORTAL_USERNAME / PARKPASS_PORTAL_PASSWORD)")
	}
	if c.Portal.LoginURL == "" {
		c.Portal.LoginURL = c.Portal.BaseURL + "/login"
	}
	if c.Browser.MaxSessions < 1 {
		return fmt.Errorf("browser max_sessions must be at least 1")
	}
	if c.Browser.StatePath == "" {
		return fmt.Errorf("browser state_path is required")
	}
	// Empty sweep_at disables the daily batch sweep.
	if c.Scheduler.SweepAt != "" {
		if _, err := time.Parse("15:04", c.Scheduler.SweepAt); err != nil {
			return fmt.Errorf("scheduler sweep_at must be HH:MM: %w", err)
		}
	}
	if c.Scheduler.PollIntervalSecs < 1 {
		return fmt.Errorf("scheduler poll_interval_secs must be at least 1")
	}
	if c.Billing.FeePerHalfHour < 1 {
		return fmt.Errorf("billing fee_per_half_hour must be positive")
	}
	if c.Billing.VisitorTicketMinutes < 0 {
		return fmt.Errorf("billing visitor_ticket_minutes cannot be negative")
	}
	for _, v := range c.Billing.CouponValues {
		if v < 1 {
			return fmt.Errorf("billing coupon_values must be positive, got %d", v)
		}
	}
	return nil
}

// PollInterval returns the idle poll interval as a duration.
func (c *SchedulerConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSecs) * time.Second
}
