package config

import (
	"time"

	"github.com/spf13/viper"
)

// Config is the root configuration struct
type Config struct {
	Node      NodeConfig      `mapstructure:"node"`
	Hubs      HubsConfig      `mapstructure:"hubs"`
	Limits    LimitsConfig    `mapstructure:"limits"`
	Schedule  ScheduleConfig  `mapstructure:"schedule"`
	Presence  PresenceConfig  `mapstructure:"presence"`
	Transport TransportConfig `mapstructure:"transport"`
	API       APIConfig       `mapstructure:"api"`
	TimeSync  TimeSyncConfig  `mapstructure:"timesync"`
}

// NodeConfig holds per-node identity settings
type NodeConfig struct {
	ID      string `mapstructure:"id"`
	Name    string `mapstructure:"name"`
	DataDir string `mapstructure:"dataDir"`
	// HubIndex starts the node in a hub slot; -1 starts it as a normal node.
	HubIndex int `mapstructure:"hubIndex"`
}

// HubsConfig describes the well-known hub roster
type HubsConfig struct {
	Prefix     string        `mapstructure:"prefix"`
	Count      int           `mapstructure:"count"`
	StaleAfter time.Duration `mapstructure:"staleAfter"`
}

// LimitsConfig holds capacity bounds and thresholds
type LimitsConfig struct {
	MaxPeersHub          int `mapstructure:"maxPeersHub"`
	MaxPeersNormal       int `mapstructure:"maxPeersNormal"`
	GossipSize           int `mapstructure:"gossipSize"`
	PulseConnectBelow    int `mapstructure:"pulseConnectBelow"`
	PresenceConnectBelow int `mapstructure:"presenceConnectBelow"`
}

// ScheduleConfig holds loop intervals, timeouts and retry delays
type ScheduleConfig struct {
	LoopInterval time.Duration `mapstructure:"loopInterval"`
	ConnTimeout  time.Duration `mapstructure:"connTimeout"`
	PingTimeout  time.Duration `mapstructure:"pingTimeout"`
	RestartDelay time.Duration `mapstructure:"restartDelay"`
	RetryDelay   time.Duration `mapstructure:"retryDelay"`
	InitialCheck time.Duration `mapstructure:"initialCheck"`
}

// PresenceConfig holds broker endpoints and announcement cadence
type PresenceConfig struct {
	Broker         string        `mapstructure:"broker"`
	Port           int           `mapstructure:"port"`
	Path           string        `mapstructure:"path"`
	ProxyHost      string        `mapstructure:"proxyHost"`
	ProxyPort      int           `mapstructure:"proxyPort"`
	Topic          string        `mapstructure:"topic"`
	DirectTimeout  time.Duration `mapstructure:"directTimeout"`
	ProxyTimeout   time.Duration `mapstructure:"proxyTimeout"`
	DirectInterval time.Duration `mapstructure:"directInterval"`
	ProxyInterval  time.Duration `mapstructure:"proxyInterval"`
	StaleAfter     time.Duration `mapstructure:"staleAfter"`
}

// TransportConfig holds libp2p bootstrap parameters
type TransportConfig struct {
	ListenAddrs    []string `mapstructure:"listenAddrs"`
	BootstrapPeers []string `mapstructure:"bootstrapPeers"`
	Protocol       string   `mapstructure:"protocol"`
	MDNS           bool     `mapstructure:"mdns"`
}

// APIConfig holds the REST listener
type APIConfig struct {
	Addr string `mapstructure:"addr"`
}

// TimeSyncConfig holds the clock reference endpoint
type TimeSyncConfig struct {
	URL string `mapstructure:"url"`
}

// SetDefaults registers every default on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("node.id", "")
	v.SetDefault("node.name", "")
	v.SetDefault("node.dataDir", "./data")
	v.SetDefault("node.hubIndex", -1)
	v.SetDefault("hubs.prefix", "p1-hub-v3-")
	v.SetDefault("hubs.count", 5)
	v.SetDefault("hubs.staleAfter", 30*time.Second)
	v.SetDefault("limits.maxPeersHub", 80)
	v.SetDefault("limits.maxPeersNormal", 30)
	v.SetDefault("limits.gossipSize", 20)
	v.SetDefault("limits.pulseConnectBelow", 5)
	v.SetDefault("limits.presenceConnectBelow", 6)
	v.SetDefault("schedule.loopInterval", 5*time.Second)
	v.SetDefault("schedule.connTimeout", 10*time.Second)
	v.SetDefault("schedule.pingTimeout", 60*time.Second)
	v.SetDefault("schedule.restartDelay", 5*time.Second)
	v.SetDefault("schedule.retryDelay", 10*time.Second)
	v.SetDefault("schedule.initialCheck", 2*time.Second)
	v.SetDefault("presence.broker", "broker.emqx.io")
	v.SetDefault("presence.port", 8084)
	v.SetDefault("presence.path", "/mqtt")
	v.SetDefault("presence.proxyHost", "")
	v.SetDefault("presence.proxyPort", 443)
	v.SetDefault("presence.topic", "p1/presence")
	v.SetDefault("presence.directTimeout", 5*time.Second)
	v.SetDefault("presence.proxyTimeout", 10*time.Second)
	v.SetDefault("presence.directInterval", 4*time.Second)
	v.SetDefault("presence.proxyInterval", 10*time.Second)
	v.SetDefault("presence.staleAfter", 120*time.Second)
	v.SetDefault("transport.listenAddrs", []string{"/ip4/0.0.0.0/tcp/0", "/ip4/0.0.0.0/udp/0/quic-v1"})
	v.SetDefault("transport.bootstrapPeers", []string{})
	v.SetDefault("transport.protocol", "/m2/overlay/1.0.0")
	v.SetDefault("transport.mdns", true)
	v.SetDefault("api.addr", "127.0.0.1:8787")
	v.SetDefault("timesync.url", "")
}

// Default returns the built-in configuration without reading any file.
func Default() *Config {
	v := viper.New()
	SetDefaults(v)
	cfg := &Config{}
	// Defaults alone always decode.
	_ = v.Unmarshal(cfg)
	return cfg
}

// Load reads configuration from file and environment
func Load(cfgFile string) (*Config, error) {
	v := viper.New()
	SetDefaults(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/configs")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("M2")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}
