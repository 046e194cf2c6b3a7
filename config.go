package tabsync

import "time"

type Config struct {
	// Origin scopes broadcast channels and local storage to one
	// workstation profile, like a browser origin.
	Origin    string `json:"origin"`
	Host      string `json:"host"`
	PprofHost string `json:"pprof_host" yaml:"pprof_host" mapstructure:"pprof_host"`
	Device    string `json:"device"`
	DB        string `json:"db"`
	DBLog     bool   `json:"dblog"`

	Redis   RedisConfig   `json:"redis" yaml:"redis" mapstructure:"redis"`
	Store   StoreConfig   `json:"store" yaml:"store" mapstructure:"store"`
	Tabs    TabsConfig    `json:"tabs" yaml:"tabs" mapstructure:"tabs"`
	Session SessionConfig `json:"session" yaml:"session" mapstructure:"session"`
}

type RedisConfig struct {
	Enable bool   `json:"enable" yaml:"enable" mapstructure:"enable"`
	Host   string `json:"host" yaml:"host" mapstructure:"host"`
}

type StoreConfig struct {
	Host   string `json:"host" yaml:"host" mapstructure:"host"`
	Secret string `json:"secret" yaml:"secret" mapstructure:"secret"`

	ReadMessageSizeLimit int64 `json:"read_message_size_limit" yaml:"read_message_size_limit" mapstructure:"read_message_size_limit"`
	ReadBufferSize       int   `json:"read_buffer_size" yaml:"read_buffer_size" mapstructure:"read_buffer_size"`
	WriteBufferSize      int   `json:"write_buffer_size" yaml:"write_buffer_size" mapstructure:"write_buffer_size"`
}

type TabsConfig struct {
	MasterCheckDelay  time.Duration `json:"master_check_delay" yaml:"master_check_delay" mapstructure:"master_check_delay"`
	HeartbeatInterval time.Duration `json:"heartbeat_interval" yaml:"heartbeat_interval" mapstructure:"heartbeat_interval"`
	SyncFallbackDelay time.Duration `json:"sync_fallback_delay" yaml:"sync_fallback_delay" mapstructure:"sync_fallback_delay"`
}

type SessionConfig struct {
	MaxOnline        int           `json:"max_online" yaml:"max_online" mapstructure:"max_online"`
	IdleTimeout      time.Duration `json:"idle_timeout" yaml:"idle_timeout" mapstructure:"idle_timeout"`
	MaxSessionTime   time.Duration `json:"max_session_time" yaml:"max_session_time" mapstructure:"max_session_time"`
	CheckInterval    time.Duration `json:"check_interval" yaml:"check_interval" mapstructure:"check_interval"`
	ActivityThrottle time.Duration `json:"activity_throttle" yaml:"activity_throttle" mapstructure:"activity_throttle"`
}

// Normalize fills zero fields with working defaults.
func (c *Config) Normalize() {
	if c.Origin == "" {
		c.Origin = "default"
	}
	if c.Store.ReadMessageSizeLimit == 0 {
		c.Store.ReadMessageSizeLimit = 1 << 20
	}
	if c.Tabs.MasterCheckDelay == 0 {
		c.Tabs.MasterCheckDelay = time.Second
	}
	if c.Tabs.HeartbeatInterval == 0 {
		c.Tabs.HeartbeatInterval = 2 * time.Second
	}
	if c.Tabs.SyncFallbackDelay == 0 {
		c.Tabs.SyncFallbackDelay = 3 * time.Second
	}
	if c.Session.MaxOnline == 0 {
		c.Session.MaxOnline = 10
	}
	if c.Session.IdleTimeout == 0 {
		c.Session.IdleTimeout = 30 * time.Minute
	}
	if c.Session.MaxSessionTime == 0 {
		c.Session.MaxSessionTime = 12 * time.Hour
	}
	if c.Session.CheckInterval == 0 {
		c.Session.CheckInterval = 10 * time.Second
	}
	if c.Session.ActivityThrottle == 0 {
		c.Session.ActivityThrottle = 5 * time.Second
	}
}
