package config

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const rcName = ".smartauditrc"

// rc / environment keys
const (
	KeyToken             = "SMARTAUDIT_TOKEN"
	KeyBaseURL           = "SMARTAUDIT_BASE_URL"
	KeyAPIPrefix         = "SMARTAUDIT_API_PREFIX"
	KeyProjectID         = "SMARTAUDIT_PROJECT_ID"
	KeyPeriod            = "SMARTAUDIT_PERIOD"
	KeyTestType          = "SMARTAUDIT_TEST_TYPE"
	KeyERPHint           = "SMARTAUDIT_ERP_HINT"
	KeyPollInterval      = "SMARTAUDIT_POLL_INTERVAL"
	KeyValidationTimeout = "SMARTAUDIT_VALIDATION_TIMEOUT"
	KeyConversionTimeout = "SMARTAUDIT_CONVERSION_TIMEOUT"
	KeyMapeoTimeout      = "SMARTAUDIT_MAPEO_TIMEOUT"
	KeyUploadTimeout     = "SMARTAUDIT_UPLOAD_TIMEOUT"
	KeyCacheTTL          = "SMARTAUDIT_CACHE_TTL"
	KeyCacheMaxEntries   = "SMARTAUDIT_CACHE_MAX_ENTRIES"
	KeyRedisAddr         = "SMARTAUDIT_REDIS_ADDR"
	KeyMaxFileSize       = "SMARTAUDIT_MAX_FILE_SIZE"
	KeyLogLevel          = "SMARTAUDIT_LOG_LEVEL"
	KeyLogFile           = "SMARTAUDIT_LOG_FILE"
)

// Config holds everything the client needs to talk to the import backend.
type Config struct {
	Token     string
	BaseURL   string
	APIPrefix string

	ProjectID string
	Period    string
	TestType  string
	ERPHint   string

	PollInterval      time.Duration
	ValidationTimeout time.Duration
	ConversionTimeout time.Duration
	MapeoTimeout      time.Duration
	// UploadTimeout bounds the wait for large files the backend stores in the background.
	UploadTimeout time.Duration

	CacheTTL        time.Duration
	CacheMaxEntries int
	RedisAddr       string

	MaxFileSize int64

	LogLevel string
	LogFile  string
}

// Defaults returns the configuration used when neither rc file nor env set a value.
func Defaults() Config {
	return Config{
		BaseURL:           "http://localhost:8000",
		APIPrefix:         "/smau-proto/api/import",
		TestType:          "libro_diario",
		PollInterval:      2 * time.Second,
		ValidationTimeout: 180 * time.Second,
		ConversionTimeout: 300 * time.Second,
		MapeoTimeout:      300 * time.Second,
		UploadTimeout:     15 * time.Minute,
		CacheTTL:          30 * time.Minute,
		CacheMaxEntries:   512,
		MaxFileSize:       100 * 1024 * 1024,
		LogLevel:          "warn",
	}
}

// DefaultPath returns ~/.smartauditrc, falling back to the working directory.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return rcName
	}
	return filepath.Join(home, rcName)
}

func newViper(path string) *viper.Viper {
	v := viper.New()
	d := Defaults()
	v.SetDefault(KeyBaseURL, d.BaseURL)
	v.SetDefault(KeyAPIPrefix, d.APIPrefix)
	v.SetDefault(KeyTestType, d.TestType)
	v.SetDefault(KeyPollInterval, d.PollInterval)
	v.SetDefault(KeyValidationTimeout, d.ValidationTimeout)
	v.SetDefault(KeyConversionTimeout, d.ConversionTimeout)
	v.SetDefault(KeyMapeoTimeout, d.MapeoTimeout)
	v.SetDefault(KeyUploadTimeout, d.UploadTimeout)
	v.SetDefault(KeyCacheTTL, d.CacheTTL)
	v.SetDefault(KeyCacheMaxEntries, d.CacheMaxEntries)
	v.SetDefault(KeyMaxFileSize, d.MaxFileSize)
	v.SetDefault(KeyLogLevel, d.LogLevel)
	v.SetConfigFile(path)
	v.SetConfigType("env")
	v.AutomaticEnv()
	return v
}

// Load reads the rc file at path (KEY=VALUE lines) and overlays the environment.
// A missing file is not an error.
func Load(path string) (Config, error) {
	v := newViper(path)
	if err := readRC(v, path); err != nil {
		return Defaults(), err
	}
	return fromViper(v), nil
}

func readRC(v *viper.Viper, path string) error {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.Is(err, fs.ErrNotExist) && !errors.As(err, &notFound) {
			return fmt.Errorf("read %s: %w", path, err)
		}
	}
	return nil
}

func fromViper(v *viper.Viper) Config {
	return Config{
		Token:             strings.TrimSpace(v.GetString(KeyToken)),
		BaseURL:           strings.TrimRight(strings.TrimSpace(v.GetString(KeyBaseURL)), "/"),
		APIPrefix:         strings.TrimSpace(v.GetString(KeyAPIPrefix)),
		ProjectID:         v.GetString(KeyProjectID),
		Period:            v.GetString(KeyPeriod),
		TestType:          v.GetString(KeyTestType),
		ERPHint:           v.GetString(KeyERPHint),
		PollInterval:      v.GetDuration(KeyPollInterval),
		ValidationTimeout: v.GetDuration(KeyValidationTimeout),
		ConversionTimeout: v.GetDuration(KeyConversionTimeout),
		MapeoTimeout:      v.GetDuration(KeyMapeoTimeout),
		UploadTimeout:     v.GetDuration(KeyUploadTimeout),
		CacheTTL:          v.GetDuration(KeyCacheTTL),
		CacheMaxEntries:   v.GetInt(KeyCacheMaxEntries),
		RedisAddr:         v.GetString(KeyRedisAddr),
		MaxFileSize:       v.GetInt64(KeyMaxFileSize),
		LogLevel:          v.GetString(KeyLogLevel),
		LogFile:           v.GetString(KeyLogFile),
	}
}

// Save merges values into the rc file at path. Keys already in the file are
// kept; defaults and environment overrides are never written.
func Save(path string, values map[string]string) error {
	if tok, ok := values[KeyToken]; ok && strings.TrimSpace(tok) == "" {
		return errors.New("token is empty")
	}
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("env")
	if err := readRC(v, path); err != nil {
		return err
	}
	for k, val := range values {
		if val != "" {
			v.Set(k, val)
		}
	}
	// WriteConfigAs picks the format from the extension, which rc paths rarely carry
	var buf bytes.Buffer
	if err := v.WriteConfigTo(&buf); err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o600); err != nil {
		return err
	}
	return os.Chmod(path, 0o600)
}
