package config

import (
	"fmt"

	"github.com/Gobusters/ectoenv"
	"github.com/joho/godotenv"
)

// Load reads a local .env file if present (teacher's r3e-network-service_layer/pkg/config
// pattern: godotenv.Load() is best-effort, a missing file is not an error) and then
// populates Config from the environment using the env/env-default struct tags above.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if err := ectoenv.Load(cfg); err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}
