package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"collabengine/internal/backoff"
	"collabengine/internal/conflict"
)

// Peer is a participant reachable over the network.
type Peer struct {
	ID   string
	Addr string
}

// Config holds the daemon configuration.
type Config struct {
	Participant ParticipantConfig `mapstructure:"participant"`
	Listen      string            `mapstructure:"listen"`
	PeerList    string            `mapstructure:"peers"`
	Peers       []Peer            `mapstructure:"-"`
	Session     SessionConfig     `mapstructure:"session"`
	Heartbeat   HeartbeatConfig   `mapstructure:"heartbeat"`
	Backoff     BackoffConfig     `mapstructure:"backoff"`
	Log         LogConfig         `mapstructure:"log"`
	HTTP        HTTPConfig        `mapstructure:"http"`
	Analytics   AnalyticsConfig   `mapstructure:"analytics"`
	Presence    PresenceConfig    `mapstructure:"presence"`
	Auth        AuthConfig        `mapstructure:"auth"`
	Tracing     TracingConfig     `mapstructure:"tracing"`
}

type ParticipantConfig struct {
	ID    string `mapstructure:"id"`
	Name  string `mapstructure:"name"`
	Token string `mapstructure:"token"`
}

type SessionConfig struct {
	ID              string   `mapstructure:"id"`
	Document        string   `mapstructure:"document"`
	Join            string   `mapstructure:"join"`
	MaxParticipants int      `mapstructure:"max_participants"`
	ConflictMode    string   `mapstructure:"conflict_mode"`
	Features        []string `mapstructure:"features"`
	RecentWindow    int      `mapstructure:"recent_window"`
	Retention       int      `mapstructure:"retention"`
}

type HeartbeatConfig struct {
	Interval     time.Duration `mapstructure:"interval"`
	AwayAfter    time.Duration `mapstructure:"away_after"`
	OfflineAfter time.Duration `mapstructure:"offline_after"`
}

type BackoffConfig struct {
	Base        time.Duration `mapstructure:"base"`
	Max         time.Duration `mapstructure:"max"`
	Multiplier  float64       `mapstructure:"multiplier"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	Jitter      float64       `mapstructure:"jitter"`
}

type LogConfig struct {
	File       string `mapstructure:"file"`
	Production bool   `mapstructure:"production"`
}

type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
}

type AnalyticsConfig struct {
	NATSURL      string   `mapstructure:"nats_url"`
	KafkaBrokers []string `mapstructure:"kafka_brokers"`
	KafkaTopic   string   `mapstructure:"kafka_topic"`
}

type PresenceConfig struct {
	RedisAddr string        `mapstructure:"redis_addr"`
	TTL       time.Duration `mapstructure:"ttl"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
}

type TracingConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Endpoint string `mapstructure:"endpoint"`
}

// ParsePeers parses a comma-separated list of peers in the format:
// "id1=addr1,id2=addr2,id3=addr3"
func ParsePeers(peersStr string) ([]Peer, error) {
	if peersStr == "" {
		return []Peer{}, nil
	}

	parts := strings.Split(peersStr, ",")
	peers := make([]Peer, 0, len(parts))

	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			return nil, fmt.Errorf("invalid peer format: %s (expected id=addr)", part)
		}

		id := strings.TrimSpace(kv[0])
		addr := strings.TrimSpace(kv[1])

		if id == "" || addr == "" {
			return nil, fmt.Errorf("peer ID and address cannot be empty: %s", part)
		}

		peers = append(peers, Peer{
			ID:   id,
			Addr: addr,
		})
	}

	return peers, nil
}

// PeerAddrs maps peer IDs to addresses, skipping self.
func (c *Config) PeerAddrs() map[string]string {
	addrs := make(map[string]string, len(c.Peers))
	for _, p := range c.Peers {
		if p.ID != c.Participant.ID {
			addrs[p.ID] = p.Addr
		}
	}
	return addrs
}

// BackoffPolicy converts the backoff section.
func (c *Config) BackoffPolicy() backoff.Policy {
	return backoff.Policy{
		Base:        c.Backoff.Base,
		Max:         c.Backoff.Max,
		Multiplier:  c.Backoff.Multiplier,
		MaxAttempts: c.Backoff.MaxAttempts,
		Jitter:      c.Backoff.Jitter,
	}
}

// ConflictMode returns the parsed conflict mode. Call Validate first.
func (c *Config) ConflictMode() conflict.Mode {
	m, _ := conflict.ParseMode(c.Session.ConflictMode)
	return m
}

// Validate checks the values Load cannot default.
func (c *Config) Validate() error {
	if c.Participant.ID == "" {
		return errors.New("participant.id is required")
	}
	if c.Session.MaxParticipants <= 0 {
		return fmt.Errorf("session.max_participants must be positive, got %d", c.Session.MaxParticipants)
	}
	if _, err := conflict.ParseMode(c.Session.ConflictMode); err != nil {
		return fmt.Errorf("session.conflict_mode: %w", err)
	}
	if c.Session.RecentWindow < 0 || c.Session.Retention < 0 {
		return errors.New("session.recent_window and session.retention must not be negative")
	}
	if c.Heartbeat.Interval <= 0 {
		return fmt.Errorf("heartbeat.interval must be positive, got %s", c.Heartbeat.Interval)
	}
	if c.Heartbeat.AwayAfter > 0 && c.Heartbeat.OfflineAfter > 0 && c.Heartbeat.AwayAfter >= c.Heartbeat.OfflineAfter {
		return fmt.Errorf("heartbeat.away_after (%s) must be below heartbeat.offline_after (%s)",
			c.Heartbeat.AwayAfter, c.Heartbeat.OfflineAfter)
	}
	if c.Backoff.Multiplier < 1 {
		return fmt.Errorf("backoff.multiplier must be at least 1, got %v", c.Backoff.Multiplier)
	}
	if c.Auth.JWTSecret != "" && c.Participant.Token == "" {
		return errors.New("participant.token is required when auth.jwt_secret is set")
	}
	if c.Session.Join != "" {
		if _, ok := c.PeerAddrs()[c.Session.Join]; !ok {
			return fmt.Errorf("session.join names %q which is not in peers", c.Session.Join)
		}
		if c.Session.ID == "" {
			return errors.New("session.id is required to join")
		}
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	def := backoff.DefaultPolicy()
	defaults := map[string]any{
		"participant.id":           "",
		"participant.name":         "",
		"participant.token":        "",
		"listen":                   "127.0.0.1:7400",
		"peers":                    "",
		"session.id":               "",
		"session.document":         "",
		"session.join":             "",
		"session.max_participants": 8,
		"session.conflict_mode":    string(conflict.ModeAuto),
		"session.features":         []string{},
		"session.recent_window":    256,
		"session.retention":        0,
		"heartbeat.interval":       30 * time.Second,
		"heartbeat.away_after":     45 * time.Second,
		"heartbeat.offline_after":  90 * time.Second,
		"backoff.base":             def.Base,
		"backoff.max":              def.Max,
		"backoff.multiplier":       def.Multiplier,
		"backoff.max_attempts":     def.MaxAttempts,
		"backoff.jitter":           def.Jitter,
		"log.file":                 "",
		"log.production":           false,
		"http.addr":                "",
		"analytics.nats_url":       "",
		"analytics.kafka_brokers":  []string{},
		"analytics.kafka_topic":    "collab.analytics",
		"presence.redis_addr":      "",
		"presence.ttl":             90 * time.Second,
		"auth.jwt_secret":          "",
		"tracing.enabled":          false,
		"tracing.endpoint":         "localhost:4318",
	}
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
}

// Load reads configuration from, in increasing priority, defaults, the
// collabd.yaml config file, a .env file, COLLAB_* environment variables and
// command-line flags.
func Load(args []string) (*Config, error) {
	flags := pflag.NewFlagSet("collabd", pflag.ContinueOnError)
	configFile := flags.String("config", "", "path to a config file")
	envFile := flags.String("env-file", ".env", "path to a dotenv file")
	flags.String("id", "", "participant id")
	flags.String("name", "", "participant display name")
	flags.String("listen", "127.0.0.1:7400", "peer transport listen address")
	flags.String("peers", "", "peers as id=addr,id=addr")
	flags.String("session", "", "session id to create or join")
	flags.String("join", "", "peer id of the session host; empty creates a new session")
	flags.String("http", "", "HTTP API listen address")
	flags.String("mode", string(conflict.ModeAuto), "conflict resolution mode: auto or manual")
	if err := flags.Parse(args); err != nil {
		return nil, err
	}

	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load %s: %w", *envFile, err)
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("COLLAB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	bindings := map[string]string{
		"participant.id":        "id",
		"participant.name":      "name",
		"listen":                "listen",
		"peers":                 "peers",
		"session.id":            "session",
		"session.join":          "join",
		"http.addr":             "http",
		"session.conflict_mode": "mode",
	}
	for key, flag := range bindings {
		if err := v.BindPFlag(key, flags.Lookup(flag)); err != nil {
			return nil, err
		}
	}

	if *configFile != "" {
		v.SetConfigFile(*configFile)
	} else {
		v.SetConfigName("collabd")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if *configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	peers, err := ParsePeers(cfg.PeerList)
	if err != nil {
		return nil, err
	}
	cfg.Peers = peers
	if cfg.Participant.Name == "" {
		cfg.Participant.Name = cfg.Participant.ID
	}
	return cfg, nil
}
