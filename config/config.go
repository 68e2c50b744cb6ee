// signalserver - A Signal-compatible secure messaging server.
// Copyright (C) 2024 Tulir Asokan
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package config

import (
	"encoding/base64"
	"fmt"
	"os"

	"go.mau.fi/util/dbutil"
	"go.mau.fi/zeroconfig"
	"gopkg.in/yaml.v3"

	"go.mau.fi/signalserver/masker"
)

type Config struct {
	Listen        string `yaml:"listen"`
	MetricsListen string `yaml:"metrics_listen"`

	Database dbutil.Config `yaml:"database"`

	// MaskerSecret is the base64-encoded server-wide secret behind the
	// deterministic mask generator. It must decode to at least 32 bytes and
	// must never be rotated while synthetic-data stability matters.
	MaskerSecret string `yaml:"masker_secret"`

	MaxMessageSize int `yaml:"max_message_size"`

	RateLimits RateLimitsConfig `yaml:"rate_limits"`

	// DynamicConfigPath points at a yaml file reloaded on SIGHUP.
	DynamicConfigPath string `yaml:"dynamic_config_path"`

	Logging zeroconfig.Config `yaml:"logging"`
}

type RateLimitsConfig struct {
	MessageBucketSize        int     `yaml:"message_bucket_size"`
	MessageLeakRatePerMinute float64 `yaml:"message_leak_rate_per_minute"`
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	var cfg Config
	if err = yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.applyDefaults()
	if err = cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (cfg *Config) applyDefaults() {
	if cfg.Listen == "" {
		cfg.Listen = ":8080"
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = 256 * 1024
	}
	if cfg.RateLimits.MessageBucketSize <= 0 {
		cfg.RateLimits.MessageBucketSize = 60
	}
	if cfg.RateLimits.MessageLeakRatePerMinute <= 0 {
		cfg.RateLimits.MessageLeakRatePerMinute = 60
	}
}

// Validate checks everything that must be fatal at startup rather than
// surprising at runtime, most importantly the masker secret size.
func (cfg *Config) Validate() error {
	if cfg.Database.URI == "" {
		return fmt.Errorf("database.uri is not set")
	}
	secret, err := cfg.MaskerSecretBytes()
	if err != nil {
		return err
	}
	if len(secret) < masker.MinSecretLength {
		return fmt.Errorf("masker_secret must decode to at least %d bytes, got %d", masker.MinSecretLength, len(secret))
	}
	return nil
}

func (cfg *Config) MaskerSecretBytes() ([]byte, error) {
	if cfg.MaskerSecret == "" {
		return nil, fmt.Errorf("masker_secret is not set")
	}
	secret, err := base64.StdEncoding.DecodeString(cfg.MaskerSecret)
	if err != nil {
		return nil, fmt.Errorf("failed to decode masker_secret: %w", err)
	}
	return secret, nil
}
