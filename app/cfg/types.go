package cfg

import "time"

type Cfg struct {
	// Storage configuration
	DBPath      string
	StorageRoot string
	FeedsDir    string

	// Server configuration
	Port         string
	APIAccessKey string

	// Refresh configuration
	MaxDownloads   int
	RescanInterval time.Duration
	FetchTimeout   time.Duration
	MaxImageSize   int64
	StopTimeout    time.Duration

	// Application metadata
	UserAgent string
	Timezone  string
	Debug     bool
	Version   string
}
