// Package config loads tsimport settings from the environment, an optional
// .env file and an optional YAML import settings file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration values.
type Config struct {
	// Timesketch connection
	Host          string
	Token         string
	SessionCookie string
	ClientTimeout time.Duration

	// Retry policy
	RetryCount      int
	RetryBackoff    time.Duration
	RetryMaxBackoff time.Duration

	// S3 evidence source
	AWSRegion  string
	S3Endpoint string

	// Logging
	LogFile  string
	LogLevel slog.Level
}

// Load reads configuration from environment variables.
// A .env file in the working directory is applied first; it never overrides
// variables that are already set.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		Host:          getEnv("TIMESKETCH_HOST", "http://localhost:5000"),
		Token:         getEnv("TIMESKETCH_TOKEN", ""),
		SessionCookie: getEnv("TIMESKETCH_SESSION_COOKIE", ""),
		ClientTimeout: getDuration("TIMESKETCH_CLIENT_TIMEOUT", 5*time.Minute),

		RetryCount:      getInt("TSIMPORT_RETRY_COUNT", 5),
		RetryBackoff:    getDuration("TSIMPORT_RETRY_BACKOFF", time.Second),
		RetryMaxBackoff: getDuration("TSIMPORT_RETRY_MAX_BACKOFF", 30*time.Second),

		AWSRegion:  getEnv("AWS_REGION", "us-east-1"),
		S3Endpoint: getEnv("TSIMPORT_S3_ENDPOINT", ""),

		LogFile:  getEnv("TSIMPORT_LOG_FILE", ""),
		LogLevel: parseLogLevel(getEnv("LOGLEVEL", "INFO")),
	}
}

// ImportSettings mirrors the importer command line flags so that a whole
// import can be described in one YAML file.
type ImportSettings struct {
	Host             string `yaml:"host"`
	Token            string `yaml:"token"`
	SketchID         int    `yaml:"sketch_id"`
	SketchName       string `yaml:"sketch_name"`
	TimelineName     string `yaml:"timeline_name"`
	IndexName        string `yaml:"index_name"`
	DataLabel        string `yaml:"data_label"`
	FormatString     string `yaml:"message_format_string"`
	TimestampDesc    string `yaml:"timestamp_description"`
	DatetimeColumn   string `yaml:"datetime_column"`
	CSVDelimiter     string `yaml:"csv_delimiter"`
	TextEncoding     string `yaml:"text_encoding"`
	SheetName        string `yaml:"sheet_name"`
	EntryThreshold   int    `yaml:"entry_threshold"`
	SizeThreshold    int    `yaml:"size_threshold"`
	ChunkSize        int    `yaml:"chunk_size"`
	RulesFile        string `yaml:"rules_file"`
	NoDefaultRules   bool   `yaml:"no_default_rules"`
	SkipInvalidLines bool   `yaml:"skip_invalid_lines"`
	Wait             bool   `yaml:"wait"`
}

// LoadImportFile reads import settings from a YAML file.
func LoadImportFile(path string) (ImportSettings, error) {
	var s ImportSettings

	data, err := os.ReadFile(path)
	if err != nil {
		return s, fmt.Errorf("read import settings: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil && !errors.Is(err, io.EOF) {
		return s, fmt.Errorf("parse import settings %s: %w", path, err)
	}
	return s, nil
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getInt(key string, defaultVal int) int {
	if n, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return n
	}
	return defaultVal
}

func getDuration(key string, defaultVal time.Duration) time.Duration {
	if d, err := time.ParseDuration(os.Getenv(key)); err == nil {
		return d
	}
	return defaultVal
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
