package env

import (
	"log/slog"
	"strings"
	"testing"
	"time"

	"crimelink/internal/credstore"
	"crimelink/internal/platform"
)

var configKeys = []string{
	"TRACKER_DB_PATH", "API_BASE_URL", "API_TIMEOUT", "UPLOAD_SINK", "UPLOAD_BATCH_SIZE",
	"ACCURACY_THRESHOLD_M", "POSTGRES_DSN", "MINIO_ENDPOINT", "MINIO_ACCESS_KEY",
	"MINIO_SECRET_KEY", "MINIO_USE_SSL", "MINIO_BUCKET", "KAFKA_BROKER", "KAFKA_TOPIC",
	"KAFKA_GROUP_ID", "CREDENTIAL_STORE", "CREDENTIAL_PATH", "CREDENTIAL_PASSPHRASE",
	"LOCATION_FOREGROUND", "LOCATION_BACKGROUND", "LOG_LEVEL",
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range configKeys {
		t.Setenv(k, "")
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DBPath != "data/crimelink.db" {
		t.Errorf("DBPath = %q", cfg.DBPath)
	}
	if cfg.APIBaseURL != "http://localhost:8080" || cfg.APITimeout != 20*time.Second {
		t.Errorf("API = %q, %v", cfg.APIBaseURL, cfg.APITimeout)
	}
	if cfg.Sink != SinkHTTP || cfg.BatchSize != 200 || cfg.AccuracyThreshold != 50 {
		t.Errorf("upload = %s, %d, %g", cfg.Sink, cfg.BatchSize, cfg.AccuracyThreshold)
	}
	if cfg.CredentialStore != credstore.KindMemory {
		t.Errorf("CredentialStore = %q", cfg.CredentialStore)
	}
	if cfg.Foreground != platform.Granted || cfg.Background != platform.Granted {
		t.Errorf("permissions = %s/%s", cfg.Foreground, cfg.Background)
	}
	if cfg.LogLevel != slog.LevelInfo {
		t.Errorf("LogLevel = %v", cfg.LogLevel)
	}
	if cfg.KafkaEnabled() {
		t.Error("KafkaEnabled() without a broker")
	}
}

func TestLoad_Overrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("UPLOAD_SINK", "S3")
	t.Setenv("MINIO_ENDPOINT", "minio:9000")
	t.Setenv("MINIO_ACCESS_KEY", "ak")
	t.Setenv("MINIO_SECRET_KEY", "sk")
	t.Setenv("MINIO_USE_SSL", "true")
	t.Setenv("UPLOAD_BATCH_SIZE", "1000")
	t.Setenv("ACCURACY_THRESHOLD_M", "25.5")
	t.Setenv("API_TIMEOUT", "5s")
	t.Setenv("KAFKA_BROKER", "kafka:9092")
	t.Setenv("LOCATION_BACKGROUND", "denied")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Sink != SinkS3 || !cfg.MinioUseSSL || cfg.MinioBucket != "officer-locations" {
		t.Errorf("s3 = %s, %v, %q", cfg.Sink, cfg.MinioUseSSL, cfg.MinioBucket)
	}
	if cfg.BatchSize != 1000 || cfg.AccuracyThreshold != 25.5 || cfg.APITimeout != 5*time.Second {
		t.Errorf("tuning = %d, %g, %v", cfg.BatchSize, cfg.AccuracyThreshold, cfg.APITimeout)
	}
	if !cfg.KafkaEnabled() || cfg.KafkaTopic != "officer-fixes" {
		t.Errorf("kafka = %v, %q", cfg.KafkaEnabled(), cfg.KafkaTopic)
	}
	if cfg.Background != platform.Denied {
		t.Errorf("Background = %s", cfg.Background)
	}
	if cfg.LogLevel != slog.LevelDebug {
		t.Errorf("LogLevel = %v", cfg.LogLevel)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantErr string
	}{
		{"unknown sink", map[string]string{"UPLOAD_SINK": "ftp"}, "UPLOAD_SINK"},
		{"postgres without dsn", map[string]string{"UPLOAD_SINK": "postgres"}, "POSTGRES_DSN"},
		{"s3 without credentials", map[string]string{"UPLOAD_SINK": "s3", "MINIO_ENDPOINT": "m:9000"}, "MINIO_ACCESS_KEY"},
		{"zero batch size", map[string]string{"UPLOAD_BATCH_SIZE": "0"}, "UPLOAD_BATCH_SIZE"},
		{"bad batch size", map[string]string{"UPLOAD_BATCH_SIZE": "lots"}, "UPLOAD_BATCH_SIZE"},
		{"batch size over the cap", map[string]string{"UPLOAD_BATCH_SIZE": "40000"}, "UPLOAD_BATCH_SIZE"},
		{"negative threshold", map[string]string{"ACCURACY_THRESHOLD_M": "-1"}, "ACCURACY_THRESHOLD_M"},
		{"bad timeout", map[string]string{"API_TIMEOUT": "20"}, "API_TIMEOUT"},
		{"bad permission", map[string]string{"LOCATION_FOREGROUND": "maybe"}, "LOCATION_FOREGROUND"},
		{"sealed without passphrase", map[string]string{"CREDENTIAL_STORE": "sealed"}, "CREDENTIAL_PASSPHRASE"},
		{"unknown credential store", map[string]string{"CREDENTIAL_STORE": "keychain"}, "CREDENTIAL_STORE"},
		{"bad log level", map[string]string{"LOG_LEVEL": "loud"}, "LOG_LEVEL"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			if err == nil {
				t.Fatal("Load() succeeded")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Load() error = %v; want mention of %s", err, tt.wantErr)
			}
		})
	}
}
