package env

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"crimelink/internal/credstore"
	"crimelink/internal/platform"
	"crimelink/internal/uploader"
)

// Sink names an upload destination.
type Sink string

const (
	SinkHTTP     Sink = "http"
	SinkPostgres Sink = "postgres"
	SinkS3       Sink = "s3"
)

// Config is the tracker configuration read from the environment.
type Config struct {
	DBPath string

	APIBaseURL string
	APITimeout time.Duration

	Sink              Sink
	BatchSize         int
	AccuracyThreshold float64

	PostgresDSN string

	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioUseSSL    bool
	MinioBucket    string

	KafkaBroker  string
	KafkaTopic   string
	KafkaGroupID string

	CredentialStore      credstore.Kind
	CredentialPath       string
	CredentialPassphrase string

	Foreground platform.PermissionStatus
	Background platform.PermissionStatus

	LogLevel slog.Level
}

// KafkaEnabled reports whether a fix feed broker is configured.
func (c Config) KafkaEnabled() bool {
	return c.KafkaBroker != ""
}

// Load reads Config from the environment, applying defaults and checking that
// the selected sink and credential store have what they need.
func Load() (Config, error) {
	cfg := Config{
		DBPath:               getEnv("TRACKER_DB_PATH", "data/crimelink.db"),
		APIBaseURL:           getEnv("API_BASE_URL", "http://localhost:8080"),
		Sink:                 Sink(strings.ToLower(getEnv("UPLOAD_SINK", string(SinkHTTP)))),
		PostgresDSN:          os.Getenv("POSTGRES_DSN"),
		MinioEndpoint:        os.Getenv("MINIO_ENDPOINT"),
		MinioAccessKey:       os.Getenv("MINIO_ACCESS_KEY"),
		MinioSecretKey:       os.Getenv("MINIO_SECRET_KEY"),
		MinioBucket:          getEnv("MINIO_BUCKET", "officer-locations"),
		KafkaBroker:          os.Getenv("KAFKA_BROKER"),
		KafkaTopic:           getEnv("KAFKA_TOPIC", "officer-fixes"),
		KafkaGroupID:         getEnv("KAFKA_GROUP_ID", "crimelink-tracker"),
		CredentialStore:      credstore.Kind(strings.ToLower(getEnv("CREDENTIAL_STORE", string(credstore.KindMemory)))),
		CredentialPath:       getEnv("CREDENTIAL_PATH", "data/credentials.age"),
		CredentialPassphrase: os.Getenv("CREDENTIAL_PASSPHRASE"),
	}

	var errs []error
	var err error

	if cfg.APITimeout, err = durationEnv("API_TIMEOUT", 20*time.Second); err != nil {
		errs = append(errs, err)
	}
	if cfg.BatchSize, err = intEnv("UPLOAD_BATCH_SIZE", 200); err != nil {
		errs = append(errs, err)
	} else if cfg.BatchSize <= 0 || cfg.BatchSize > uploader.MaxBatchSize {
		errs = append(errs, fmt.Errorf("UPLOAD_BATCH_SIZE must be between 1 and %d, got %d", uploader.MaxBatchSize, cfg.BatchSize))
	}
	if cfg.AccuracyThreshold, err = floatEnv("ACCURACY_THRESHOLD_M", 50); err != nil {
		errs = append(errs, err)
	} else if cfg.AccuracyThreshold <= 0 {
		errs = append(errs, fmt.Errorf("ACCURACY_THRESHOLD_M must be positive, got %g", cfg.AccuracyThreshold))
	}
	if cfg.MinioUseSSL, err = boolEnv("MINIO_USE_SSL", false); err != nil {
		errs = append(errs, err)
	}
	if cfg.Foreground, err = platform.ParsePermissionStatus(getEnv("LOCATION_FOREGROUND", string(platform.Granted))); err != nil {
		errs = append(errs, fmt.Errorf("LOCATION_FOREGROUND: %w", err))
	}
	if cfg.Background, err = platform.ParsePermissionStatus(getEnv("LOCATION_BACKGROUND", string(platform.Granted))); err != nil {
		errs = append(errs, fmt.Errorf("LOCATION_BACKGROUND: %w", err))
	}
	if err := cfg.LogLevel.UnmarshalText([]byte(getEnv("LOG_LEVEL", "info"))); err != nil {
		errs = append(errs, fmt.Errorf("LOG_LEVEL: %w", err))
	}

	switch cfg.Sink {
	case SinkHTTP:
		if cfg.APIBaseURL == "" {
			errs = append(errs, errors.New("API_BASE_URL is required for the http sink"))
		}
	case SinkPostgres:
		if cfg.PostgresDSN == "" {
			errs = append(errs, errors.New("POSTGRES_DSN is required for the postgres sink"))
		}
	case SinkS3:
		if cfg.MinioEndpoint == "" || cfg.MinioAccessKey == "" || cfg.MinioSecretKey == "" {
			errs = append(errs, errors.New("MINIO_ENDPOINT, MINIO_ACCESS_KEY and MINIO_SECRET_KEY are required for the s3 sink"))
		}
	default:
		errs = append(errs, fmt.Errorf("UPLOAD_SINK must be http, postgres or s3, got %q", cfg.Sink))
	}

	switch cfg.CredentialStore {
	case credstore.KindMemory:
	case credstore.KindSealed:
		if cfg.CredentialPassphrase == "" {
			errs = append(errs, errors.New("CREDENTIAL_PASSPHRASE is required for the sealed credential store"))
		}
	default:
		errs = append(errs, fmt.Errorf("CREDENTIAL_STORE must be memory or sealed, got %q", cfg.CredentialStore))
	}

	if err := errors.Join(errs...); err != nil {
		return Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func durationEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

func intEnv(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func floatEnv(key string, fallback float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return f, nil
}

func boolEnv(key string, fallback bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s: %w", key, err)
	}
	return b, nil
}
