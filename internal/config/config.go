package config

import (
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/teambition/rrule-go"
	"gopkg.in/yaml.v3"
)

// ShiftPatternSeed defines a recurring assignment used by the seed-shifts
// command to materialize concrete shift rows
type ShiftPatternSeed struct {
	WorkerID    string `yaml:"workerID" validate:"required"`
	WorkplaceID string `yaml:"workplaceID" validate:"required"`
	RRule       string `yaml:"rrule" validate:"required"`
	StartTime   string `yaml:"startTime" validate:"required"`
	EndTime     string `yaml:"endTime" validate:"required"`
}

// Config represents the application configuration
type Config struct {
	ListenAddr  string `yaml:"listenAddr,omitempty"`
	DatabaseURL string `yaml:"databaseURL" validate:"required"`

	// QRTokenKey is the base64 encoded 32 byte AES key for kiosk tokens
	QRTokenKey string `yaml:"qrTokenKey" validate:"required"`

	TokenValidityMinutes   int `yaml:"tokenValidityMinutes,omitempty" validate:"omitempty,min=1"`
	EarlyToleranceMinutes  int `yaml:"earlyToleranceMinutes,omitempty" validate:"omitempty,min=0"`
	LateToleranceMinutes   int `yaml:"lateToleranceMinutes,omitempty" validate:"omitempty,min=1"`
	MinimumDurationMinutes int `yaml:"minimumDurationMinutes,omitempty" validate:"omitempty,min=0"`
	StatusTTLMinutes       int `yaml:"statusTTLMinutes,omitempty" validate:"omitempty,min=1"`

	ShiftPatterns []ShiftPatternSeed `yaml:"shiftPatterns,omitempty" validate:"dive"`
}

var validate *validator.Validate

func init() {
	validate = validator.New()
}

// Load loads and validates the configuration from attendance_config.yaml
// It looks for the config file in the current directory first, then in the user's home directory
func Load() (*Config, error) {
	configPath, err := findConfigFile()
	if err != nil {
		return nil, fmt.Errorf("failed to find config file: %w", err)
	}

	return LoadFromPath(configPath)
}

// LoadFromPath loads and validates the configuration from a specific path.
// DATABASE_URL and ATTENDANCE_QR_KEY environment variables take precedence
// over the file so deployments can keep secrets out of it.
func LoadFromPath(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		cfg.DatabaseURL = dsn
	}
	if key := os.Getenv("ATTENDANCE_QR_KEY"); key != "" {
		cfg.QRTokenKey = key
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate validates the configuration struct, the token key, and the
// rrule and timing syntax of any shift pattern seeds
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	if _, err := cfg.DecodedQRKey(); err != nil {
		return err
	}

	for i, pattern := range cfg.ShiftPatterns {
		if _, err := rrule.StrToRRule(pattern.RRule); err != nil {
			return fmt.Errorf("invalid rrule in shiftPatterns[%d]: %w", i, err)
		}
		if _, err := time.Parse("15:04", pattern.StartTime); err != nil {
			return fmt.Errorf("invalid startTime in shiftPatterns[%d]: %w", i, err)
		}
		if _, err := time.Parse("15:04", pattern.EndTime); err != nil {
			return fmt.Errorf("invalid endTime in shiftPatterns[%d]: %w", i, err)
		}
	}

	return nil
}

// DecodedQRKey decodes the base64 token key and checks it is 32 bytes
func (c *Config) DecodedQRKey() ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(c.QRTokenKey)
	if err != nil {
		return nil, fmt.Errorf("qrTokenKey is not valid base64: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("qrTokenKey must decode to 32 bytes, got %d", len(key))
	}
	return key, nil
}

// findConfigFile searches for attendance_config.yaml in current directory and home directory
func findConfigFile() (string, error) {
	configFileName := "attendance_config.yaml"

	// Check current directory
	if _, err := os.Stat(configFileName); err == nil {
		return configFileName, nil
	}

	// Check home directory
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}

	homeConfigPath := filepath.Join(homeDir, configFileName)
	if _, err := os.Stat(homeConfigPath); err == nil {
		return homeConfigPath, nil
	}

	return "", fmt.Errorf("config file not found in current directory or home directory")
}
