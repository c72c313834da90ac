package application

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// VendorTuning carries the per-vendor walk and login knobs. The empty-streak
// limits are empirical: they mirror each portal's observed data gaps, not any
// documented SLA, so they stay configurable per vendor.
type VendorTuning struct {
	BaseURL          string        `yaml:"base_url"`
	EmptyStreakDaily int           `yaml:"empty_streak_daily"`
	EmptyStreakMonth int           `yaml:"empty_streak_month"`
	FlushLimit       int           `yaml:"flush_limit"`
	LoginAttempts    int           `yaml:"login_attempts"`
	LoginRetryWait   time.Duration `yaml:"login_retry_wait"`
}

// ScheduleConfig defines when sync cycles run.
type ScheduleConfig struct {
	// Stagger separates consecutive vendors' jobs so portals are not hit at
	// the same instant.
	Stagger   time.Duration `yaml:"stagger"`
	DailyAt   string        `yaml:"daily_at"`
	UtilityAt string        `yaml:"utility_at"`
}

// Config is the acquisition configuration: defaults plus vendor overrides.
type Config struct {
	Defaults VendorTuning            `yaml:"defaults"`
	Vendors  map[string]VendorTuning `yaml:"vendors"`
	Schedule ScheduleConfig          `yaml:"schedule"`
}

// LoadConfig loads config from yaml (SYNC_CONFIG) over compiled-in defaults.
func LoadConfig() (Config, error) {
	cfg := Config{
		Defaults: VendorTuning{
			EmptyStreakDaily: 60,
			EmptyStreakMonth: 4,
			FlushLimit:       100,
			LoginAttempts:    3,
			LoginRetryWait:   5 * time.Second,
		},
		Vendors: map[string]VendorTuning{
			"growatt":   {EmptyStreakDaily: 60, EmptyStreakMonth: 4},
			"sungrow":   {EmptyStreakDaily: 90, EmptyStreakMonth: 4},
			"abb_fimer": {EmptyStreakDaily: 90, EmptyStreakMonth: 4},
			"refusol":   {EmptyStreakDaily: 360, EmptyStreakMonth: 12},
			// Fronius and Ecosolys return one contiguous history; the first
			// empty page is the commissioning date.
			"fronius":  {EmptyStreakDaily: 1, EmptyStreakMonth: 1},
			"ecosolys": {EmptyStreakDaily: 1, EmptyStreakMonth: 1},
			// Solarman portals (Deye, Canadian) signal end of history by
			// omitting the records field; the streak is only a backstop.
			"deye":     {EmptyStreakDaily: 1, EmptyStreakMonth: 1, FlushLimit: 50, LoginAttempts: 10},
			"canadian": {EmptyStreakDaily: 1, EmptyStreakMonth: 1, FlushLimit: 50, LoginAttempts: 10},
			"solis":    {EmptyStreakDaily: 60, EmptyStreakMonth: 4, LoginAttempts: 10},
		},
		Schedule: ScheduleConfig{
			Stagger:   6 * time.Minute,
			DailyAt:   "02:00",
			UtilityAt: "23:00",
		},
	}

	if path := os.Getenv("SYNC_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, err
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, err
		}
	}

	if cfg.Schedule.DailyAt == "" {
		cfg.Schedule.DailyAt = "02:00"
	}
	if cfg.Schedule.UtilityAt == "" {
		cfg.Schedule.UtilityAt = "23:00"
	}
	if cfg.Schedule.Stagger <= 0 {
		cfg.Schedule.Stagger = 6 * time.Minute
	}
	return cfg, nil
}

// ForVendor returns the merged tuning for one vendor.
func (c Config) ForVendor(vendor string) VendorTuning {
	tuning := c.Defaults
	override, ok := c.Vendors[vendor]
	if !ok {
		return tuning
	}
	if override.BaseURL != "" {
		tuning.BaseURL = override.BaseURL
	}
	if override.EmptyStreakDaily != 0 {
		tuning.EmptyStreakDaily = override.EmptyStreakDaily
	}
	if override.EmptyStreakMonth != 0 {
		tuning.EmptyStreakMonth = override.EmptyStreakMonth
	}
	if override.FlushLimit != 0 {
		tuning.FlushLimit = override.FlushLimit
	}
	if override.LoginAttempts != 0 {
		tuning.LoginAttempts = override.LoginAttempts
	}
	if override.LoginRetryWait != 0 {
		tuning.LoginRetryWait = override.LoginRetryWait
	}
	return tuning
}
