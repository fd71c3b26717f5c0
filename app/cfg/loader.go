package cfg

import (
	"cmp"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/jessevdk/go-flags"
)

// Version is set at build time via -ldflags
var Version = "dev"

func GetVersion() string {
	return cmp.Or(Version, "unknown")
}

type rawCfg struct {
	// Storage configuration
	DBPath      string `long:"db-path" env:"DB_PATH" default:"./data/frames.db" description:"Path to the SQLite database file"`
	StorageRoot string `long:"storage-root" env:"STORAGE_ROOT" default:"./data/images" description:"Directory holding one image cache directory per subscription"`
	FeedsDir    string `long:"feeds-dir" env:"FEEDS_DIR" default:"./feeds" description:"Directory containing subscription seed files"`

	// Server configuration
	Port         string `long:"port" env:"PORT" default:"8080" description:"HTTP server port"`
	APIAccessKey string `long:"api-key" env:"API_ACCESS_KEY" description:"API access key for mutating requests (optional)"`

	// Refresh configuration
	MaxDownloads   int   `long:"max-downloads" env:"MAX_DOWNLOADS" default:"4" description:"Concurrent image downloads per refresh cycle"`
	RescanInterval int   `long:"rescan-interval" env:"RESCAN_INTERVAL" default:"7200" description:"Seconds between automatic feed fetches"`
	FetchTimeout   int   `long:"timeout" env:"FETCH_TIMEOUT" default:"30" description:"Timeout in seconds for feed and image requests"`
	MaxImageSize   int64 `long:"max-image-size" env:"MAX_IMAGE_SIZE" default:"20971520" description:"Largest image accepted, in bytes"`
	StopTimeout    int   `long:"stop-timeout" env:"STOP_TIMEOUT" default:"60" description:"Seconds to wait for a worker to finish its cycle on stop"`

	// Application metadata
	UserAgent string `long:"user-agent" env:"USER_AGENT" default:"RSS Frames/1.0" description:"User agent string for HTTP requests"`
	Timezone  string `long:"timezone" env:"TZ" default:"UTC" description:"Timezone for timestamps (e.g., UTC, America/New_York)"`
	Debug     bool   `long:"debug" env:"DEBUG" description:"Enable debug logging"`
}

// Load parses the process arguments and environment. It returns nil, nil
// when help was requested.
func Load() (*Cfg, error) {
	return LoadArgs(os.Args[1:])
}

func LoadArgs(args []string) (*Cfg, error) {
	var raw rawCfg

	parser := flags.NewParser(&raw, flags.Default)

	if _, err := parser.ParseArgs(args); err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}

	if err := raw.validate(); err != nil {
		return nil, err
	}

	cfg := &Cfg{
		DBPath:         raw.DBPath,
		StorageRoot:    raw.StorageRoot,
		FeedsDir:       raw.FeedsDir,
		Port:           raw.Port,
		APIAccessKey:   raw.APIAccessKey,
		MaxDownloads:   raw.MaxDownloads,
		RescanInterval: time.Duration(raw.RescanInterval) * time.Second,
		FetchTimeout:   time.Duration(raw.FetchTimeout) * time.Second,
		MaxImageSize:   raw.MaxImageSize,
		StopTimeout:    time.Duration(raw.StopTimeout) * time.Second,
		UserAgent:      raw.UserAgent,
		Timezone:       raw.Timezone,
		Debug:          raw.Debug,
		Version:        GetVersion(),
	}

	if err := applyTimezone(cfg.Timezone); err != nil {
		slog.Warn("Invalid timezone, using system default", "timezone", cfg.Timezone, "error", err)
	}

	return cfg, nil
}

func (r *rawCfg) validate() error {
	switch {
	case r.MaxDownloads < 1:
		return fmt.Errorf("max-downloads must be at least 1, got %d", r.MaxDownloads)
	case r.RescanInterval < 1:
		return fmt.Errorf("rescan-interval must be positive, got %d", r.RescanInterval)
	case r.FetchTimeout < 1:
		return fmt.Errorf("timeout must be positive, got %d", r.FetchTimeout)
	case r.MaxImageSize < 1:
		return fmt.Errorf("max-image-size must be positive, got %d", r.MaxImageSize)
	case r.StopTimeout < 1:
		return fmt.Errorf("stop-timeout must be positive, got %d", r.StopTimeout)
	}
	return nil
}

func applyTimezone(timezone string) error {
	if timezone != "" {
		loc, err := time.LoadLocation(timezone)
		if err != nil {
			return err
		}
		time.Local = loc
	}
	return nil
}
