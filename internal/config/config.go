package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"

	"github.com/Vicky270506/awake-watch-tech/internal/detector"
	"github.com/Vicky270506/awake-watch-tech/internal/logging"
)

type Config struct {
	HTTPPort    string
	CORSOrigins string

	MaxConnections   int
	MaxMessageSizeMB int
	LogLevel         string
	Environment      string

	// Landmark extractor worker. Empty WorkerScript disables the worker and
	// every frame comes back as face-not-detected.
	PythonBin    string
	WorkerScript string

	DBName     string
	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBSSLMode  string

	Detector detector.Params
}

func (c *Config) DSN() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBUser, c.DBPassword, c.DBName, c.DBSSLMode)
}

// DSNForLog renders the DSN without the password.
func (c *Config) DSNForLog() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=*** dbname=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBUser, c.DBName, c.DBSSLMode)
}

func (c *Config) IsDev() bool {
	return c.Environment == "dev"
}

func LoadConfig() *Config {
	if err := godotenv.Load(); err != nil {
		// Not an error: fall back to the process environment.
		logging.Info("no .env file found, using system environment variables")
	}

	cfg := &Config{
		HTTPPort:         getEnv("HTTP_PORT", "8080"),
		CORSOrigins:      getEnv("CORS_ORIGINS", "*"),
		MaxConnections:   getEnvInt("MAX_CONNECTIONS", 1000),
		MaxMessageSizeMB: getEnvInt("MAX_MESSAGE_SIZE_MB", 4),
		LogLevel:         getEnv("LOG_LEVEL", "info"),
		Environment:      getEnv("ENVIRONMENT", "production"),
		PythonBin:        getEnv("PYTHON_BIN", "python3"),
		WorkerScript:     getEnv("WORKER_SCRIPT", ""),
		DBHost:           getEnv("DB_HOST", "localhost"),
		DBPort:           getEnv("DB_PORT", "5432"),
		DBUser:           getEnv("DB_USER", "postgres"),
		DBPassword:       getEnv("DB_PASSWORD", ""),
		DBName:           getEnv("DB_NAME", "awake_watch"),
		DBSSLMode:        getEnv("DB_SSLMODE", "disable"),
		Detector: detector.Params{
			ClosedSeconds:      getEnvFloat("CLOSED_SECONDS", 1.2),
			RefractorySeconds:  getEnvFloat("REFRACTORY_SECONDS", 2.5),
			SmoothingFactor:    getEnvFloat("SMOOTHING_FACTOR", 0.7),
			CalibrationSamples: getEnvInt("CALIBRATION_SAMPLES", 60),
			ConfirmFrames:      getEnvInt("CONFIRM_FRAMES", 5),
		},
	}

	if cfg.DBPassword == "" {
		logging.Warn("DB_PASSWORD is not set")
	}

	return cfg
}

func getEnv(key string, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if intVal, err := strconv.Atoi(v); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultVal
}
