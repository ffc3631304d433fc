package config

import (
	"os"

	"github.com/joho/godotenv"
)

type Config struct {
	RegistryBase string
	AuthEndpoint string
	AuthService  string
	RootsDir     string
	CleanupRoot  bool
	LogLevel     string
}

// Load loads configuration from environment variables
// Automatically loads .env file if present
func Load() *Config {
	// Try to load .env file (fail silently if not present)
	_ = godotenv.Load()

	cfg := &Config{
		RegistryBase: getEnv("REGISTRY_BASE", "https://registry.hub.docker.com"),
		AuthEndpoint: getEnv("AUTH_ENDPOINT", "https://auth.docker.io/token"),
		AuthService:  getEnv("AUTH_SERVICE", "registry.docker.io"),
		RootsDir:     getEnv("ROOTS_DIR", os.TempDir()),
		CleanupRoot:  getEnv("CLEANUP_ROOT", "false") == "true",
		LogLevel:     getEnv("LOG_LEVEL", "info"),
	}

	return cfg
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
