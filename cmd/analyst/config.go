package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"goa.design/analyst/runtime/retry"
)

// defaultTokenEnv names the environment variable holding the bearer token
// when the config does not set token_env.
const defaultTokenEnv = "ANALYST_TOKEN"

type (
	// Config is the CLI configuration file.
	Config struct {
		Endpoint       string        `yaml:"endpoint"`
		ProjectID      *int64        `yaml:"project_id"`
		ThreadID       string        `yaml:"thread_id"`
		TokenEnv       string        `yaml:"token_env"`
		ThinkingWindow time.Duration `yaml:"thinking_window"`
		Retry          *retry.Config `yaml:"retry"`
		Redis          *RedisConfig  `yaml:"redis"`
	}

	// RedisConfig enables the Pulse display sink.
	RedisConfig struct {
		Addr           string        `yaml:"addr"`
		Password       string        `yaml:"password"`
		DB             int           `yaml:"db"`
		StreamMaxLen   int           `yaml:"stream_max_len"`
		PublishTimeout time.Duration `yaml:"publish_timeout"`
	}
)

// LoadConfig reads the YAML file at path. An empty path yields the defaults.
func LoadConfig(path string) (Config, error) {
	if path == "" {
		return defaults(Config{}), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig decodes a YAML document. Unknown keys are rejected.
func ParseConfig(data []byte) (Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	cfg = defaults(cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports configuration errors.
func (c Config) Validate() error {
	if c.ThinkingWindow < 0 {
		return errors.New("thinking_window must not be negative")
	}
	if c.Retry != nil && c.Retry.MaxAttempts < 0 {
		return errors.New("retry.max_attempts must not be negative")
	}
	if c.Redis != nil && c.Redis.Addr == "" {
		return errors.New("redis.addr is required when redis is set")
	}
	return nil
}

// Token reads the bearer token from the configured environment variable.
func (c Config) Token(getenv func(string) string) (string, bool) {
	tok := getenv(c.TokenEnv)
	return tok, tok != ""
}

func defaults(c Config) Config {
	if c.TokenEnv == "" {
		c.TokenEnv = defaultTokenEnv
	}
	return c
}
