package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg := LoadConfig()

	assert.Equal(t, "8080", cfg.HTTPPort)
	assert.Equal(t, "*", cfg.CORSOrigins)
	assert.Equal(t, 4, cfg.MaxMessageSizeMB)
	assert.Equal(t, "python3", cfg.PythonBin)
	assert.Equal(t, "", cfg.WorkerScript)

	assert.Equal(t, 1.2, cfg.Detector.ClosedSeconds)
	assert.Equal(t, 2.5, cfg.Detector.RefractorySeconds)
	assert.Equal(t, 0.7, cfg.Detector.SmoothingFactor)
	assert.Equal(t, 60, cfg.Detector.CalibrationSamples)
	assert.Equal(t, 5, cfg.Detector.ConfirmFrames)
}

func TestLoadConfigFromEnvironment(t *testing.T) {
	t.Setenv("HTTP_PORT", "9090")
	t.Setenv("ENVIRONMENT", "dev")
	t.Setenv("CLOSED_SECONDS", "2.0")
	t.Setenv("CALIBRATION_SAMPLES", "30")
	t.Setenv("MAX_MESSAGE_SIZE_MB", "not-a-number")

	cfg := LoadConfig()

	assert.Equal(t, "9090", cfg.HTTPPort)
	assert.True(t, cfg.IsDev())
	assert.Equal(t, 2.0, cfg.Detector.ClosedSeconds)
	assert.Equal(t, 30, cfg.Detector.CalibrationSamples)
	assert.Equal(t, 4, cfg.MaxMessageSizeMB, "unparseable values fall back to defaults")
}

func TestDSN(t *testing.T) {
	cfg := &Config{
		DBHost:     "db.internal",
		DBPort:     "5432",
		DBUser:     "awake",
		DBPassword: "hunter2",
		DBName:     "awake_watch",
		DBSSLMode:  "require",
	}

	assert.Equal(t,
		"host=db.internal port=5432 user=awake password=hunter2 dbname=awake_watch sslmode=require",
		cfg.DSN())
	assert.NotContains(t, cfg.DSNForLog(), "hunter2")
	assert.Contains(t, cfg.DSNForLog(), "password=***")
}
