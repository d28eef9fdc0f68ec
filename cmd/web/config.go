package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

type config struct {
	Port           string        `yaml:"port"`
	BackendURL     string        `yaml:"backendURL"`
	RequestTimeout time.Duration `yaml:"requestTimeout"`
	LogLevel       string        `yaml:"logLevel"`
	LogFormat      string        `yaml:"logFormat"`
}

const configEnv = "DMCOMPANION_WEB_CONFIG"

func defaultConfig() config {
	return config{
		Port:           "8080",
		BackendURL:     "http://localhost:8000",
		RequestTimeout: 2 * time.Minute,
		LogLevel:       "info",
		LogFormat:      "text",
	}
}

// loadConfig reads the config file named by DMCOMPANION_WEB_CONFIG, or web.yaml in the user config
// directory. A missing default file leaves the defaults in place.
func loadConfig() (config, error) {
	cfg := defaultConfig()

	path := os.Getenv(configEnv)
	explicit := path != ""
	if !explicit {
		cfgDir, err := os.UserConfigDir()
		if err != nil {
			return config{}, fmt.Errorf("error getting user config dir: %w", err)
		}
		path = filepath.Join(cfgDir, "dmcompanion", "web.yaml")
	}

	f, err := os.Open(path)
	if os.IsNotExist(err) && !explicit {
		return cfg.withEnv(), nil
	}
	if err != nil {
		return config{}, fmt.Errorf("error opening config file: %w", err)
	}
	defer f.Close()

	if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
		return config{}, fmt.Errorf("error decoding config file: %w", err)
	}

	if cfg.RequestTimeout <= 0 {
		return config{}, fmt.Errorf("requestTimeout must be positive")
	}
	return cfg.withEnv(), nil
}

func (c config) withEnv() config {
	if v := os.Getenv("DMCOMPANION_BACKEND_URL"); v != "" {
		c.BackendURL = v
	}
	if v := os.Getenv("PORT"); v != "" {
		c.Port = v
	}
	return c
}
