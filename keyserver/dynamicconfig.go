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

package keyserver

import (
	"fmt"
	"os"
	"sync/atomic"

	"gopkg.in/yaml.v3"
)

// DynamicConfig holds settings that can be swapped at runtime (on SIGHUP)
// without restarting the server. Readers always see a complete snapshot.
type DynamicConfig struct {
	current atomic.Pointer[DynamicSettings]
}

type DynamicSettings struct {
	UnsealedSenderLimits UnsealedSenderLimits `yaml:"unsealed_sender_limits"`
}

// UnsealedSenderLimits configures the country-bucketed limiter for the
// identified ("unsealed") sending path.
type UnsealedSenderLimits struct {
	Enforced                 bool                   `yaml:"enforced"`
	DefaultBucketSize        int                    `yaml:"default_bucket_size"`
	DefaultLeakRatePerMinute float64                `yaml:"default_leak_rate_per_minute"`
	CountryOverrides         []CountryLimitOverride `yaml:"country_overrides"`
}

type CountryLimitOverride struct {
	CountryCodes      []string `yaml:"country_codes"`
	BucketSize        int      `yaml:"bucket_size"`
	LeakRatePerMinute float64  `yaml:"leak_rate_per_minute"`
}

func (usl *UnsealedSenderLimits) limitsForCountry(code string) (bucketSize int, leakRatePerMinute float64) {
	bucketSize = usl.DefaultBucketSize
	leakRatePerMinute = usl.DefaultLeakRatePerMinute
	if bucketSize <= 0 {
		bucketSize = 60
	}
	if leakRatePerMinute <= 0 {
		leakRatePerMinute = 1
	}
	for _, override := range usl.CountryOverrides {
		for _, overrideCode := range override.CountryCodes {
			if overrideCode == code {
				return override.BucketSize, override.LeakRatePerMinute
			}
		}
	}
	return
}

func NewDynamicConfig() *DynamicConfig {
	dc := &DynamicConfig{}
	dc.current.Store(&DynamicSettings{})
	return dc
}

func (dc *DynamicConfig) Get() *DynamicSettings {
	return dc.current.Load()
}

func (dc *DynamicConfig) Set(settings *DynamicSettings) {
	dc.current.Store(settings)
}

// LoadFile replaces the current settings with the parsed contents of the
// given yaml file. The old snapshot stays in place if parsing fails.
func (dc *DynamicConfig) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read dynamic config: %w", err)
	}
	var settings DynamicSettings
	if err = yaml.Unmarshal(data, &settings); err != nil {
		return fmt.Errorf("failed to parse dynamic config: %w", err)
	}
	dc.current.Store(&settings)
	return nil
}
