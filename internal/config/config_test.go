package config

import (
	"bytes"
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey() string {
	return base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{1}, 32))
}

func TestValidate_ValidConfig(t *testing.T) {
	cfg := &Config{
		ListenAddr:             ":8080",
		DatabaseURL:            "postgres://localhost:5432/attendance",
		QRTokenKey:             testKey(),
		TokenValidityMinutes:   30,
		EarlyToleranceMinutes:  30,
		LateToleranceMinutes:   180,
		MinimumDurationMinutes: 2,
		StatusTTLMinutes:       20,
		ShiftPatterns: []ShiftPatternSeed{
			{
				WorkerID:    "w1",
				WorkplaceID: "p1",
				RRule:       "FREQ=WEEKLY;BYDAY=MO,WE,FR",
				StartTime:   "09:00",
				EndTime:     "17:00",
			},
		},
	}

	err := Validate(cfg)
	assert.NoError(t, err)
}

func TestValidate_MinimalConfig(t *testing.T) {
	cfg := &Config{
		DatabaseURL: "postgres://localhost:5432/attendance",
		QRTokenKey:  testKey(),
	}

	err := Validate(cfg)
	assert.NoError(t, err)
}

func TestValidate_MissingDatabaseURL(t *testing.T) {
	cfg := &Config{
		QRTokenKey: testKey(),
	}

	err := Validate(cfg)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "validation failed")
}

func TestValidate_ShortQRKey(t *testing.T) {
	cfg := &Config{
		DatabaseURL: "postgres://localhost:5432/attendance",
		QRTokenKey:  base64.StdEncoding.EncodeToString([]byte("too short")),
	}

	err := Validate(cfg)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "32 bytes")
}

func TestValidate_QRKeyNotBase64(t *testing.T) {
	cfg := &Config{
		DatabaseURL: "postgres://localhost:5432/attendance",
		QRTokenKey:  "!!! not base64 !!!",
	}

	err := Validate(cfg)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "not valid base64")
}

func TestValidate_InvalidRRule(t *testing.T) {
	cfg := &Config{
		DatabaseURL: "postgres://localhost:5432/attendance",
		QRTokenKey:  testKey(),
		ShiftPatterns: []ShiftPatternSeed{
			{
				WorkerID:    "w1",
				WorkplaceID: "p1",
				RRule:       "INVALID_RRULE_SYNTAX",
				StartTime:   "09:00",
				EndTime:     "17:00",
			},
		},
	}

	err := Validate(cfg)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "invalid rrule")
}

func TestValidate_InvalidTiming(t *testing.T) {
	cfg := &Config{
		DatabaseURL: "postgres://localhost:5432/attendance",
		QRTokenKey:  testKey(),
		ShiftPatterns: []ShiftPatternSeed{
			{
				WorkerID:    "w1",
				WorkplaceID: "p1",
				RRule:       "FREQ=WEEKLY;BYDAY=MO",
				StartTime:   "9am",
				EndTime:     "17:00",
			},
		},
	}

	err := Validate(cfg)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "invalid startTime")
}

func TestValidate_PatternMissingWorker(t *testing.T) {
	cfg := &Config{
		DatabaseURL: "postgres://localhost:5432/attendance",
		QRTokenKey:  testKey(),
		ShiftPatterns: []ShiftPatternSeed{
			{
				WorkplaceID: "p1",
				RRule:       "FREQ=WEEKLY;BYDAY=MO",
				StartTime:   "09:00",
				EndTime:     "17:00",
			},
		},
	}

	err := Validate(cfg)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "validation failed")
}

func TestLoadFromPath_ValidConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "test_config.yaml")

	validConfig := `
listenAddr: ":9090"
databaseURL: "postgres://localhost:5432/attendance"
qrTokenKey: "` + testKey() + `"
tokenValidityMinutes: 45
lateToleranceMinutes: 120
shiftPatterns:
  - workerID: "w1"
    workplaceID: "p1"
    rrule: "FREQ=WEEKLY;BYDAY=MO,WE,FR"
    startTime: "22:00"
    endTime: "06:00"
`

	err := os.WriteFile(configPath, []byte(validConfig), 0644)
	require.NoError(t, err)

	cfg, err := LoadFromPath(configPath)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.ListenAddr)
	assert.Equal(t, "postgres://localhost:5432/attendance", cfg.DatabaseURL)
	assert.Equal(t, 45, cfg.TokenValidityMinutes)
	assert.Equal(t, 120, cfg.LateToleranceMinutes)

	require.Len(t, cfg.ShiftPatterns, 1)
	pattern := cfg.ShiftPatterns[0]
	assert.Equal(t, "w1", pattern.WorkerID)
	assert.Equal(t, "22:00", pattern.StartTime)
	assert.Equal(t, "06:00", pattern.EndTime)

	key, err := cfg.DecodedQRKey()
	require.NoError(t, err)
	assert.Len(t, key, 32)
}

func TestLoadFromPath_EnvOverrides(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "env_config.yaml")

	fileConfig := `
databaseURL: "postgres://file-host:5432/attendance"
qrTokenKey: "` + testKey() + `"
`

	err := os.WriteFile(configPath, []byte(fileConfig), 0644)
	require.NoError(t, err)

	envKey := base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{9}, 32))
	t.Setenv("DATABASE_URL", "postgres://env-host:5432/attendance")
	t.Setenv("ATTENDANCE_QR_KEY", envKey)

	cfg, err := LoadFromPath(configPath)
	require.NoError(t, err)

	assert.Equal(t, "postgres://env-host:5432/attendance", cfg.DatabaseURL)
	assert.Equal(t, envKey, cfg.QRTokenKey)
}

func TestLoadFromPath_InvalidYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "invalid_yaml.yaml")

	invalidYAML := `
databaseURL: "postgres://localhost:5432/attendance"
  invalid indentation
qrTokenKey: "abc"
`

	err := os.WriteFile(configPath, []byte(invalidYAML), 0644)
	require.NoError(t, err)

	_, err = LoadFromPath(configPath)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse config file")
}

func TestLoadFromPath_FileNotFound(t *testing.T) {
	_, err := LoadFromPath("/nonexistent/path/config.yaml")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config file")
}
