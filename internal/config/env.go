package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// EnvPrefix is prepended to every key read through EnvManager
const EnvPrefix = "ALPHAMINE_"

// EnvManager manages environment variable configuration
type EnvManager struct {
	prefix string
}

// NewEnvManager creates a new environment variable manager
func NewEnvManager(prefix string) *EnvManager {
	if prefix == "" {
		prefix = EnvPrefix
	}
	return &EnvManager{prefix: prefix}
}

// Key returns the full environment variable name for key
func (em *EnvManager) Key(key string) string {
	return em.prefix + strings.ToUpper(key)
}

// GetString gets a string environment variable
func (em *EnvManager) GetString(key string, defaultValue string) string {
	value := os.Getenv(em.Key(key))
	if value == "" {
		return defaultValue
	}
	return value
}

// GetInt gets an integer environment variable
func (em *EnvManager) GetInt(key string, defaultValue int) int {
	value := em.GetString(key, "")
	if value == "" {
		return defaultValue
	}
	if intValue, err := strconv.Atoi(value); err == nil {
		return intValue
	}
	return defaultValue
}

// GetFloat gets a float environment variable
func (em *EnvManager) GetFloat(key string, defaultValue float64) float64 {
	value := em.GetString(key, "")
	if value == "" {
		return defaultValue
	}
	if f, err := strconv.ParseFloat(value, 64); err == nil {
		return f
	}
	return defaultValue
}

// GetBool gets a boolean environment variable
func (em *EnvManager) GetBool(key string, defaultValue bool) bool {
	value := em.GetString(key, "")
	if value == "" {
		return defaultValue
	}
	if boolValue, err := strconv.ParseBool(value); err == nil {
		return boolValue
	}
	return defaultValue
}

// GetDuration gets a duration environment variable
func (em *EnvManager) GetDuration(key string, defaultValue time.Duration) time.Duration {
	value := em.GetString(key, "")
	if value == "" {
		return defaultValue
	}
	if duration, err := time.ParseDuration(value); err == nil {
		return duration
	}
	return defaultValue
}

// SetString sets a string environment variable
func (em *EnvManager) SetString(key string, value string) error {
	return os.Setenv(em.Key(key), value)
}

// LoadDotEnv loads variables from .env style files without overriding
// variables already set. Missing files are skipped.
func LoadDotEnv(filenames ...string) error {
	if len(filenames) == 0 {
		filenames = []string{".env"}
	}
	for _, name := range filenames {
		if err := godotenv.Load(name); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("failed to load %s: %w", name, err)
		}
	}
	return nil
}

// ValidateRequired checks if all required environment variables are set
func (em *EnvManager) ValidateRequired(required []string) error {
	var missing []string

	for _, key := range required {
		envKey := em.Key(key)
		if os.Getenv(envKey) == "" {
			missing = append(missing, envKey)
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("missing required environment variables: %v", missing)
	}

	return nil
}
