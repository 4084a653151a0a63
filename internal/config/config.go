package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	App struct {
		// dev | staging | prod
		Env string `yaml:"app_env"`
	} `yaml:"app"`

	Log struct {
		Level string `yaml:"level"`
	} `yaml:"log"`

	// Server: superficie HTTP de operación (readyz, peers, metrics).
	Server struct {
		Addr string `yaml:"addr"`
	} `yaml:"server"`

	Transport struct {
		// memory | redis
		Kind  string `yaml:"kind"`
		Redis struct {
			Addr     string `yaml:"addr"`
			DB       int    `yaml:"db"`
			Password string `yaml:"password"`
			Prefix   string `yaml:"prefix"`
		} `yaml:"redis"`
		Topic             string        `yaml:"topic"`
		RetainTTL         time.Duration `yaml:"retain_ttl"`         // negativo: sin retenidos
		Heartbeat         time.Duration `yaml:"heartbeat"`          // negativo: sin heartbeat
		PublishTimeout    time.Duration `yaml:"publish_timeout"`
		ConnectMaxElapsed time.Duration `yaml:"connect_max_elapsed"` // 0: sin límite
	} `yaml:"transport"`

	Discover struct {
		// merge | error
		DuplicatePolicy     string        `yaml:"duplicate_policy"`
		DefaultDeadline     time.Duration `yaml:"default_deadline"`
		StallReportInterval time.Duration `yaml:"stall_report_interval"`
		AnnounceReady       *bool         `yaml:"announce_ready"`
		PeerTTL             time.Duration `yaml:"peer_ttl"`
	} `yaml:"discover"`

	// Self: el anuncio de este proceso.
	Self struct {
		Type       string         `yaml:"type"`
		Attributes map[string]any `yaml:"attributes"`
	} `yaml:"self"`

	Mandates []Mandate `yaml:"mandates"`
	Services []Service `yaml:"services"`

	Broker struct {
		Prefix string `yaml:"prefix"`
	} `yaml:"broker"`
}

// Mandate es un prerequisito declarado por config (además de los que
// declaran los setups).
type Mandate struct {
	Name     string        `yaml:"name"`
	Deadline time.Duration `yaml:"deadline"`
}

// Service es un interés en un kind de peer.
type Service struct {
	Type     string        `yaml:"type"`
	Deadline time.Duration `yaml:"deadline"`
	// every | first
	Match        string `yaml:"match"`
	RequireReady bool   `yaml:"require_ready"`
	// "" | redis | broker: callback de setup que se engancha al descubrirlo.
	Setup string `yaml:"setup"`
}

const (
	SetupNone   = ""
	SetupRedis  = "redis"
	SetupBroker = "broker"
)

// Load lee path (si no es vacío), aplica defaults y overrides de entorno, y valida.
func Load(path string) (*Config, error) {
	var c Config
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(b, &c); err != nil {
			return nil, err
		}
	}

	c.applyEnvOverrides()
	c.applyDefaults()

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) applyDefaults() {
	if c.App.Env == "" {
		c.App.Env = "dev"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Transport.Kind == "" {
		c.Transport.Kind = "memory"
	}
	if c.Transport.Redis.Addr == "" {
		c.Transport.Redis.Addr = "localhost:6379"
	}
	if c.Transport.Redis.Prefix == "" {
		c.Transport.Redis.Prefix = "discover:"
	}
	if c.Transport.Topic == "" {
		c.Transport.Topic = "discover.advertise"
	}
	if c.Transport.RetainTTL == 0 {
		c.Transport.RetainTTL = 30 * time.Second
	}
	if c.Transport.Heartbeat == 0 {
		c.Transport.Heartbeat = 10 * time.Second
	}
	if c.Transport.PublishTimeout == 0 {
		c.Transport.PublishTimeout = 5 * time.Second
	}
	if c.Discover.DuplicatePolicy == "" {
		c.Discover.DuplicatePolicy = "merge"
	}
	if c.Discover.StallReportInterval == 0 {
		c.Discover.StallReportInterval = 30 * time.Second
	}
	if c.Discover.AnnounceReady == nil {
		t := true
		c.Discover.AnnounceReady = &t
	}
	if c.Discover.PeerTTL == 0 {
		c.Discover.PeerTTL = 3 * c.Transport.RetainTTL
		if c.Discover.PeerTTL <= 0 {
			c.Discover.PeerTTL = 90 * time.Second
		}
	}
	if c.Broker.Prefix == "" {
		c.Broker.Prefix = c.Transport.Redis.Prefix
	}
	for i := range c.Services {
		if c.Services[i].Match == "" {
			c.Services[i].Match = "every"
		}
	}
}

// AnnouncesReady reporta si hay que re-publicar ready=true al pasar a Ready.
func (c *Config) AnnouncesReady() bool {
	return c.Discover.AnnounceReady == nil || *c.Discover.AnnounceReady
}

// Validate junta todos los problemas en un solo error.
func (c *Config) Validate() error {
	var errs []error
	switch c.Transport.Kind {
	case "memory", "redis":
	default:
		errs = append(errs, fmt.Errorf("transport.kind: unknown %q (memory|redis)", c.Transport.Kind))
	}
	switch c.Discover.DuplicatePolicy {
	case "merge", "error":
	default:
		errs = append(errs, fmt.Errorf("discover.duplicate_policy: unknown %q (merge|error)", c.Discover.DuplicatePolicy))
	}
	if c.Discover.DefaultDeadline < 0 {
		errs = append(errs, errors.New("discover.default_deadline: must be >= 0"))
	}
	if strings.TrimSpace(c.Self.Type) == "" {
		errs = append(errs, errors.New("self.type: required"))
	}
	for _, k := range []string{"type", "id", "ready"} {
		if _, ok := c.Self.Attributes[k]; ok {
			errs = append(errs, fmt.Errorf("self.attributes: %q is reserved", k))
		}
	}

	seenM := map[string]bool{}
	for i, m := range c.Mandates {
		if strings.TrimSpace(m.Name) == "" {
			errs = append(errs, fmt.Errorf("mandates[%d].name: required", i))
		}
		if seenM[m.Name] && c.Discover.DuplicatePolicy == "error" {
			errs = append(errs, fmt.Errorf("mandates[%d].name: duplicate %q", i, m.Name))
		}
		seenM[m.Name] = true
	}
	setups := map[string]int{}
	for i, s := range c.Services {
		if strings.TrimSpace(s.Type) == "" {
			errs = append(errs, fmt.Errorf("services[%d].type: required", i))
		}
		switch s.Match {
		case "every", "first":
		default:
			errs = append(errs, fmt.Errorf("services[%d].match: unknown %q (every|first)", i, s.Match))
		}
		switch s.Setup {
		case SetupNone:
		case SetupRedis, SetupBroker:
			setups[s.Setup]++
			if setups[s.Setup] > 1 {
				errs = append(errs, fmt.Errorf("services[%d].setup: %q used more than once", i, s.Setup))
			}
		default:
			errs = append(errs, fmt.Errorf("services[%d].setup: unknown %q (redis|broker)", i, s.Setup))
		}
	}
	return errors.Join(errs...)
}

func getEnvStr(key string) (string, bool) {
	v := os.Getenv(key)
	return v, v != ""
}
func getEnvInt(key string) (int, bool) {
	if s, ok := getEnvStr(key); ok {
		if i, err := strconv.Atoi(strings.TrimSpace(s)); err == nil {
			return i, true
		}
	}
	return 0, false
}
func getEnvBool(key string) (bool, bool) {
	if s, ok := getEnvStr(key); ok {
		if b, err := strconv.ParseBool(strings.TrimSpace(s)); err == nil {
			return b, true
		}
	}
	return false, false
}
func getEnvDur(key string) (time.Duration, bool) {
	if s, ok := getEnvStr(key); ok {
		if d, err := time.ParseDuration(strings.TrimSpace(s)); err == nil {
			return d, true
		}
	}
	return 0, false
}

func (c *Config) applyEnvOverrides() {
	if v, ok := getEnvStr("APP_ENV"); ok {
		c.App.Env = strings.ToLower(v)
	}
	if v, ok := getEnvStr("LOG_LEVEL"); ok {
		c.Log.Level = v
	}
	if v, ok := getEnvStr("SERVER_ADDR"); ok {
		c.Server.Addr = v
	}

	if v, ok := getEnvStr("DISCOVER_TRANSPORT"); ok {
		c.Transport.Kind = strings.ToLower(v)
	}
	if v, ok := getEnvStr("REDIS_ADDR"); ok {
		c.Transport.Redis.Addr = v
	}
	if v, ok := getEnvInt("REDIS_DB"); ok {
		c.Transport.Redis.DB = v
	}
	if v, ok := getEnvStr("REDIS_PASSWORD"); ok {
		c.Transport.Redis.Password = v
	}
	if v, ok := getEnvStr("REDIS_PREFIX"); ok {
		c.Transport.Redis.Prefix = v
	}
	if v, ok := getEnvStr("DISCOVER_TOPIC"); ok {
		c.Transport.Topic = v
	}
	if v, ok := getEnvDur("DISCOVER_RETAIN_TTL"); ok {
		c.Transport.RetainTTL = v
	}
	if v, ok := getEnvDur("DISCOVER_HEARTBEAT"); ok {
		c.Transport.Heartbeat = v
	}
	if v, ok := getEnvDur("DISCOVER_CONNECT_MAX_ELAPSED"); ok {
		c.Transport.ConnectMaxElapsed = v
	}

	if v, ok := getEnvStr("DISCOVER_DUPLICATE_POLICY"); ok {
		c.Discover.DuplicatePolicy = strings.ToLower(v)
	}
	if v, ok := getEnvDur("DISCOVER_DEFAULT_DEADLINE"); ok {
		c.Discover.DefaultDeadline = v
	}
	if v, ok := getEnvDur("DISCOVER_STALL_REPORT_INTERVAL"); ok {
		c.Discover.StallReportInterval = v
	}
	if v, ok := getEnvBool("DISCOVER_ANNOUNCE_READY"); ok {
		c.Discover.AnnounceReady = &v
	}

	if v, ok := getEnvStr("DISCOVER_SELF_TYPE"); ok {
		c.Self.Type = v
	}
	// PORT se publica como atributo "port" del anuncio propio.
	if v, ok := getEnvInt("PORT"); ok {
		if c.Self.Attributes == nil {
			c.Self.Attributes = map[string]any{}
		}
		c.Self.Attributes["port"] = v
	}
}
