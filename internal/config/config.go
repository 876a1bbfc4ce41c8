package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Store backends for the durable key-value contract.
const (
	StoreMemory   = "memory"
	StoreRedis    = "redis"
	StorePostgres = "postgres"
)

// Routing providers.
const (
	RoutingOSRM   = "osrm"
	RoutingGoogle = "google"
)

// Config captures every tunable of the driver-side process. Values come from
// the environment (optionally seeded from a .env file) or a YAML file named by
// CONFIG_FILE, with defaults that let the binary run locally without setup.
type Config struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	LogLevel        string

	APIBaseURL              string
	SocketURL               string
	SocketReconnectAttempts int
	SocketReconnectDelay    time.Duration
	BackendTimeout          time.Duration

	RoutingProvider  string
	OSRMEndpoint     string
	GoogleMapsAPIKey string
	RouteTimeout     time.Duration
	RouteCacheTTL    time.Duration

	StoreBackend    string
	RedisAddr       string
	RedisPassword   string
	RedisPrefix     string
	PGDSN           string
	PGNamespace     string
	RunMigrations   bool
	SnapshotTimeout time.Duration

	KafkaBrokers    []string
	KafkaTopic      string
	PublishRedisGeo bool

	AMQPURL string

	StripeAPIKey   string
	StripeCurrency string

	DedupWindow     time.Duration
	OfferTimeout    time.Duration
	AcceptTimeout   time.Duration
	FirstFixTimeout time.Duration
	UplinkEvery     int
	MinMoveMeters   float64
	SampleInterval  time.Duration
	HighAccuracy    bool
	PickupRecompute time.Duration
	DropRecompute   time.Duration
	FullRefresh     time.Duration
	TrimThrottle    time.Duration
	MinimumFare     int64
	DefaultRate     float64
	VehicleRates    map[string]float64
}

var defaults = map[string]any{
	"http_addr":                 "127.0.0.1:8090",
	"http_read_timeout":         "5s",
	"http_write_timeout":        "10s",
	"http_idle_timeout":         "120s",
	"http_shutdown_timeout":     "15s",
	"log_level":                 "info",
	"api_base_url":              "http://localhost:5001",
	"socket_url":                "ws://localhost:5001/ws",
	"socket_reconnect_attempts": "20",
	"socket_reconnect_delay":    "2s",
	"backend_timeout":           "5s",
	"routing_provider":          RoutingOSRM,
	"osrm_endpoint":             "https://router.project-osrm.org",
	"route_timeout":             "5s",
	"route_cache_ttl":           "5s",
	"store_backend":             StoreMemory,
	"redis_prefix":              "driver:",
	"pg_namespace":              "driver",
	"snapshot_timeout":          "2s",
	"kafka_topic":               "driver-locations",
	"stripe_currency":           "inr",
	"dedup_window":              "30s",
	"offer_timeout":             "30s",
	"accept_timeout":            "10s",
	"first_fix_timeout":         "15s",
	"uplink_every":              "3",
	"min_move_meters":           "5",
	"sample_interval":           "3s",
	"high_accuracy":             "true",
	"pickup_recompute":          "2s",
	"drop_recompute":            "3s",
	"full_refresh":              "10s",
	"trim_throttle":             "500ms",
	"minimum_fare":              "50",
	"default_rate_per_km":       "15",
	"vehicle_rates":             "",
}

// Load reads envFile (if present), then CONFIG_FILE (if set), then the
// environment. Every malformed value is reported, not just the first.
func Load(envFile string) (Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", envFile, err)
		}
	}
	v := viper.New()
	for k, d := range defaults {
		v.SetDefault(k, d)
	}
	v.AutomaticEnv()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read %s: %w", path, err)
		}
	}
	return fromViper(v)
}

func fromViper(v *viper.Viper) (Config, error) {
	r := reader{v: v}
	cfg := Config{
		HTTPAddr:        r.str("http_addr"),
		ReadTimeout:     r.duration("http_read_timeout"),
		WriteTimeout:    r.duration("http_write_timeout"),
		IdleTimeout:     r.duration("http_idle_timeout"),
		ShutdownTimeout: r.duration("http_shutdown_timeout"),
		LogLevel:        strings.ToLower(r.str("log_level")),

		APIBaseURL:              r.str("api_base_url"),
		SocketURL:               r.str("socket_url"),
		SocketReconnectAttempts: r.integer("socket_reconnect_attempts"),
		SocketReconnectDelay:    r.duration("socket_reconnect_delay"),
		BackendTimeout:          r.duration("backend_timeout"),

		RoutingProvider:  strings.ToLower(r.str("routing_provider")),
		OSRMEndpoint:     r.str("osrm_endpoint"),
		GoogleMapsAPIKey: r.str("google_maps_api_key"),
		RouteTimeout:     r.duration("route_timeout"),
		RouteCacheTTL:    r.duration("route_cache_ttl"),

		StoreBackend:    strings.ToLower(r.str("store_backend")),
		RedisAddr:       r.str("redis_addr"),
		RedisPassword:   v.GetString("redis_password"),
		RedisPrefix:     r.str("redis_prefix"),
		PGDSN:           r.str("pg_dsn"),
		PGNamespace:     r.str("pg_namespace"),
		RunMigrations:   r.boolean("migrate"),
		SnapshotTimeout: r.duration("snapshot_timeout"),

		KafkaBrokers:    splitAndTrim(r.str("kafka_brokers")),
		KafkaTopic:      r.str("kafka_topic"),
		PublishRedisGeo: r.boolean("publish_redis_geo"),

		AMQPURL: r.str("amqp_url"),

		StripeAPIKey:   r.str("stripe_api_key"),
		StripeCurrency: r.str("stripe_currency"),

		DedupWindow:     r.duration("dedup_window"),
		OfferTimeout:    r.duration("offer_timeout"),
		AcceptTimeout:   r.duration("accept_timeout"),
		FirstFixTimeout: r.duration("first_fix_timeout"),
		UplinkEvery:     r.integer("uplink_every"),
		MinMoveMeters:   r.float("min_move_meters"),
		SampleInterval:  r.duration("sample_interval"),
		HighAccuracy:    r.boolean("high_accuracy"),
		PickupRecompute: r.duration("pickup_recompute"),
		DropRecompute:   r.duration("drop_recompute"),
		FullRefresh:     r.duration("full_refresh"),
		TrimThrottle:    r.duration("trim_throttle"),
		MinimumFare:     int64(r.integer("minimum_fare")),
		DefaultRate:     r.float("default_rate_per_km"),
		VehicleRates:    r.rates("vehicle_rates"),
	}

	errs := r.errs
	if cfg.UplinkEvery <= 0 {
		errs = append(errs, fmt.Errorf("UPLINK_EVERY must be > 0"))
	}
	if cfg.DefaultRate <= 0 {
		errs = append(errs, fmt.Errorf("DEFAULT_RATE_PER_KM must be > 0"))
	}
	switch cfg.StoreBackend {
	case StoreMemory:
	case StoreRedis:
		if cfg.RedisAddr == "" {
			errs = append(errs, fmt.Errorf("REDIS_ADDR is required for the redis store"))
		}
	case StorePostgres:
		if cfg.PGDSN == "" {
			errs = append(errs, fmt.Errorf("PG_DSN is required for the postgres store"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown STORE_BACKEND %q", cfg.StoreBackend))
	}
	switch cfg.RoutingProvider {
	case RoutingOSRM:
	case RoutingGoogle:
		if cfg.GoogleMapsAPIKey == "" {
			errs = append(errs, fmt.Errorf("GOOGLE_MAPS_API_KEY is required for google routing"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown ROUTING_PROVIDER %q", cfg.RoutingProvider))
	}
	return cfg, errors.Join(errs...)
}

// reader pulls typed values out of viper and records parse failures instead
// of silently substituting zero values.
type reader struct {
	v    *viper.Viper
	errs []error
}

func (r *reader) str(key string) string { return strings.TrimSpace(r.v.GetString(key)) }

func (r *reader) fail(key string, err error) {
	r.errs = append(r.errs, fmt.Errorf("invalid %s: %w", strings.ToUpper(key), err))
}

func (r *reader) duration(key string) time.Duration {
	s := r.str(key)
	if s == "" {
		return 0
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		r.fail(key, err)
	}
	return d
}

func (r *reader) integer(key string) int {
	s := r.str(key)
	if s == "" {
		return 0
	}
	i, err := strconv.Atoi(s)
	if err != nil {
		r.fail(key, err)
	}
	return i
}

func (r *reader) float(key string) float64 {
	s := r.str(key)
	if s == "" {
		return 0
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		r.fail(key, err)
	}
	return f
}

func (r *reader) boolean(key string) bool {
	s := r.str(key)
	if s == "" {
		return false
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		r.fail(key, err)
	}
	return b
}

// rates parses "bike=10,auto=12" into a lowercase vehicle map.
func (r *reader) rates(key string) map[string]float64 {
	out := map[string]float64{}
	for _, pair := range splitAndTrim(r.str(key)) {
		name, val, ok := strings.Cut(pair, "=")
		if !ok {
			r.fail(key, fmt.Errorf("expected vehicle=rate, got %q", pair))
			continue
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		if err != nil {
			r.fail(key, err)
			continue
		}
		out[strings.ToLower(strings.TrimSpace(name))] = f
	}
	return out
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
