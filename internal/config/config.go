package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ServerConfig captures all tunable parameters for the HTTP API process.
// Values come from an optional YAML file (CONFIG_FILE) overlaid by
// environment variables, with defaults so the binary can run locally
// without excessive setup.
type ServerConfig struct {
	HTTPAddr        string        `yaml:"http_addr" validate:"required"`
	ReadTimeout     time.Duration `yaml:"read_timeout" validate:"gt=0"`
	WriteTimeout    time.Duration `yaml:"write_timeout" validate:"gt=0"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" validate:"gt=0"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"gt=0"`

	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"-"`
	RedisPrefix   string `yaml:"redis_prefix"`

	KafkaBrokers []string `yaml:"kafka_brokers"`
	KafkaTopic   string   `yaml:"kafka_topic" validate:"required"`

	PGDSN    string `yaml:"-"`
	SeedFile string `yaml:"seed_file"`

	QRSecrets []string      `yaml:"-" validate:"required,min=1,dive,min=16"`
	QRTTL     time.Duration `yaml:"qr_ttl" validate:"gt=0"`

	NotifyDistanceKm float64       `yaml:"notify_distance_km" validate:"gt=0,lte=50"`
	NotifyTimeMin    int           `yaml:"notify_time_min" validate:"gt=0,lte=120"`
	NotifyCooldown   time.Duration `yaml:"notify_cooldown" validate:"gt=0"`
	BusSpeedKmh      float64       `yaml:"bus_speed_kmh" validate:"gt=0,lte=120"`
	QuietHoursZone   string        `yaml:"quiet_hours_zone"`
	EvalWorkers      int           `yaml:"eval_workers" validate:"gt=0"`
	LocationTTL      time.Duration `yaml:"location_ttl" validate:"gt=0"`

	OSRMEndpoint string `yaml:"osrm_endpoint" validate:"omitempty,url"`
	FCMEndpoint  string `yaml:"fcm_endpoint" validate:"omitempty,url"`
	FCMKey       string `yaml:"-"`

	LogLevel      string `yaml:"log_level" validate:"oneof=debug info warn warning error"`
	LogFile       string `yaml:"log_file"`
	RunMigrations bool   `yaml:"migrate"`
}

// ConsumerConfig configures the Kafka location consumer process. It shares
// the engine settings of ServerConfig and adds the consumer group.
type ConsumerConfig struct {
	ServerConfig `yaml:",inline"`
	MetricsAddr  string `yaml:"metrics_addr" validate:"required"`
	KafkaGroup   string `yaml:"kafka_group" validate:"required"`
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:         ":8080",
		ReadTimeout:      5 * time.Second,
		WriteTimeout:     10 * time.Second,
		IdleTimeout:      120 * time.Second,
		ShutdownTimeout:  15 * time.Second,
		RedisPrefix:      "transit:",
		KafkaTopic:       "captain-locations",
		QRTTL:            24 * time.Hour,
		NotifyDistanceKm: 2.0,
		NotifyTimeMin:    5,
		NotifyCooldown:   600000 * time.Millisecond,
		BusSpeedKmh:      20,
		EvalWorkers:      4,
		LocationTTL:      5 * time.Minute,
		LogLevel:         "info",
	}
}

var validate = validator.New()

func LoadServerConfig() (ServerConfig, error) {
	loadDotEnv()
	cfg := defaultServerConfig()
	var errs []error
	if err := loadFile(&cfg); err != nil {
		errs = append(errs, err)
	}
	applyServerEnv(&cfg, &errs)
	if err := validate.Struct(cfg); err != nil {
		errs = append(errs, fmt.Errorf("invalid config: %w", err))
	}
	if err := cfg.checkKafkaMode(); err != nil {
		errs = append(errs, err)
	}
	return cfg, errors.Join(errs...)
}

// ErrKafkaNeedsSharedState rejects Kafka mode without Redis and Postgres:
// the API and the consumer run as separate processes and only see each
// other's rides, positions and events through those two.
var ErrKafkaNeedsSharedState = errors.New("KAFKA_BROKERS requires REDIS_ADDR and PG_DSN")

func (c ServerConfig) checkKafkaMode() error {
	if len(c.KafkaBrokers) == 0 {
		return nil
	}
	var missing []string
	if c.RedisAddr == "" {
		missing = append(missing, "REDIS_ADDR")
	}
	if c.PGDSN == "" {
		missing = append(missing, "PG_DSN")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrKafkaNeedsSharedState, strings.Join(missing, ", "))
	}
	return nil
}

func LoadConsumerConfig() (ConsumerConfig, error) {
	loadDotEnv()
	cfg := ConsumerConfig{
		ServerConfig: defaultServerConfig(),
		MetricsAddr:  ":2112",
		KafkaGroup:   "campus-transit-consumer",
	}
	var errs []error
	if err := loadFile(&cfg); err != nil {
		errs = append(errs, err)
	}
	applyServerEnv(&cfg.ServerConfig, &errs)
	setStringFromEnv(&cfg.MetricsAddr, "METRICS_ADDR")
	setStringFromEnv(&cfg.KafkaGroup, "KAFKA_GROUP")
	if len(cfg.KafkaBrokers) == 0 {
		cfg.KafkaBrokers = []string{"localhost:9092"}
	}
	if err := validate.Struct(cfg); err != nil {
		errs = append(errs, fmt.Errorf("invalid config: %w", err))
	}
	if err := cfg.checkKafkaMode(); err != nil {
		errs = append(errs, err)
	}
	return cfg, errors.Join(errs...)
}

// loadDotEnv reads .env when present. Variables already set win.
func loadDotEnv() {
	_ = godotenv.Load()
}

func loadFile(target any) error {
	path := strings.TrimSpace(os.Getenv("CONFIG_FILE"))
	if path == "" {
		return nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read CONFIG_FILE: %w", err)
	}
	if err := yaml.Unmarshal(b, target); err != nil {
		return fmt.Errorf("parse CONFIG_FILE: %w", err)
	}
	return nil
}

func applyServerEnv(cfg *ServerConfig, errs *[]error) {
	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", errs)

	setStringFromEnv(&cfg.RedisAddr, "REDIS_ADDR")
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisPrefix, "REDIS_PREFIX")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")

	cfg.PGDSN = os.Getenv("PG_DSN")
	setStringFromEnv(&cfg.SeedFile, "SEED_FILE")

	// QR_SECRETS lists the signing secret first, then older ones still accepted
	if v := os.Getenv("QR_SECRETS"); v != "" {
		cfg.QRSecrets = splitAndTrim(v)
	} else if v := strings.TrimSpace(os.Getenv("QR_SECRET")); v != "" {
		cfg.QRSecrets = []string{v}
	}
	setDurationFromEnv(&cfg.QRTTL, "QR_TTL", errs)

	setFloatFromEnv(&cfg.NotifyDistanceKm, "NOTIFY_DISTANCE_KM", errs)
	setIntFromEnv(&cfg.NotifyTimeMin, "NOTIFY_TIME_MIN", errs)
	setMillisFromEnv(&cfg.NotifyCooldown, "NOTIFY_COOLDOWN_MS", errs)
	setFloatFromEnv(&cfg.BusSpeedKmh, "BUS_SPEED_KMH", errs)
	setStringFromEnv(&cfg.QuietHoursZone, "QUIET_HOURS_TZ")
	setIntFromEnv(&cfg.EvalWorkers, "EVAL_WORKERS", errs)
	setDurationFromEnv(&cfg.LocationTTL, "LOCATION_TTL", errs)

	setStringFromEnv(&cfg.OSRMEndpoint, "OSRM_ENDPOINT")
	setStringFromEnv(&cfg.FCMEndpoint, "FCM_ENDPOINT")
	cfg.FCMKey = os.Getenv("FCM_KEY")

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
	setStringFromEnv(&cfg.LogFile, "LOG_FILE")

	if v := os.Getenv("MIGRATE"); v != "" {
		cfg.RunMigrations = strings.EqualFold(v, "true")
	}

	if cfg.QuietHoursZone != "" {
		if _, err := time.LoadLocation(cfg.QuietHoursZone); err != nil {
			*errs = append(*errs, fmt.Errorf("invalid QUIET_HOURS_TZ: %w", err))
		}
	}
}

// QuietHoursLocation resolves QuietHoursZone; nil means each timestamp's own zone.
func (c ServerConfig) QuietHoursLocation() *time.Location {
	if c.QuietHoursZone == "" {
		return nil
	}
	loc, err := time.LoadLocation(c.QuietHoursZone)
	if err != nil {
		return nil
	}
	return loc
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setMillisFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = time.Duration(ms) * time.Millisecond
	}
}

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
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
