package feed

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

const DefaultRefreshInterval = 300 // seconds

// Subscription is one configured image frame: a feed plus its display settings.
type Subscription struct {
	ID              string
	FeedURL         string
	RefreshInterval time.Duration // display cadence, 0 means manual only
	Paused          bool
	Sequential      bool // rotate in order instead of picking at random
	LastFetchedAt   *time.Time
}

// ManualOnly reports whether the subscription never refreshes on its own.
func (s Subscription) ManualOnly() bool {
	return s.RefreshInterval <= 0
}

func (s Subscription) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("subscription id is required")
	}
	if strings.ContainsAny(s.ID, `/\`) || s.ID == "." || s.ID == ".." {
		return fmt.Errorf("invalid subscription id %q", s.ID)
	}
	if s.FeedURL == "" {
		return fmt.Errorf("feed URL is required")
	}
	u, err := url.Parse(s.FeedURL)
	if err != nil {
		return fmt.Errorf("invalid feed URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("feed URL must be http or https, got %q", u.Scheme)
	}
	if s.RefreshInterval < 0 {
		return fmt.Errorf("refresh interval must be non-negative")
	}
	return nil
}

// Configuration types

type Config struct {
	Name     string         // Derived from filename (without .yml extension)
	URL      string         `yaml:"url"`
	Settings ConfigSettings `yaml:"settings"`
}

type ConfigSettings struct {
	RefreshInterval *int `yaml:"refresh_interval"` // seconds, 0 = manual only
	Paused          bool `yaml:"paused"`
	Sequential      bool `yaml:"sequential"`
}

func (c *Config) Subscription() Subscription {
	interval := DefaultRefreshInterval
	if c.Settings.RefreshInterval != nil {
		interval = *c.Settings.RefreshInterval
	}

	return Subscription{
		ID:              c.Name,
		FeedURL:         c.URL,
		RefreshInterval: time.Duration(interval) * time.Second,
		Paused:          c.Settings.Paused,
		Sequential:      c.Settings.Sequential,
	}
}
