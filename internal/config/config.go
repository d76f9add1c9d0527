// Package config содержит логику чтения конфигурации сервиса гигмаркет.
package config

import (
	"flag"
	"fmt"

	"github.com/caarlos0/env/v11"
)

// Config содержит параметры конфигурации сервиса гигмаркет.
type Config struct {
	RunAddress       string `env:"RUN_ADDRESS"`
	DatabaseURI      string `env:"DATABASE_URI"`
	ProcessorAddress string `env:"PROCESSOR_ADDRESS"`
	AuthSecret       string `env:"AUTH_SECRET"`
	FeeRateBP        int64  `env:"FEE_RATE_BP" envDefault:"500"`
	FeeFlatMinimum   int64  `env:"FEE_FLAT_MINIMUM" envDefault:"250"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envProcessorAddress := cfg.ProcessorAddress

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.ProcessorAddress, "p", "", "payment processor gateway address")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envProcessorAddress != "" {
		cfg.ProcessorAddress = envProcessorAddress
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}
	if cfg.AuthSecret == "" {
		cfg.AuthSecret = "gigmarket-secret"
	}

	if cfg.FeeRateBP < 0 || cfg.FeeRateBP >= 10000 {
		return nil, fmt.Errorf("fee rate %d out of range", cfg.FeeRateBP)
	}
	if cfg.FeeFlatMinimum < 0 {
		return nil, fmt.Errorf("flat minimum fee must not be negative")
	}

	return cfg, nil
}
