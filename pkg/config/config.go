// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package config holds the allocator's runtime configuration, populated
// from environment variables.
package config

import (
	"os"
	"strconv"
	"time"
)

// StoreDriver names a supported SQL driver for a Store connection.
type StoreDriver string

const (
	DriverPostgres StoreDriver = "postgres"
	DriverSQLite3  StoreDriver = "sqlite3"
)

// Config holds configuration for the allocation engine.
type Config struct {
	// AllocatorPeriod is the fixed period of the allocate task.
	AllocatorPeriod time.Duration

	// ImportanceSpan is the maximum span below top importance considered
	// in one allocate scan.
	ImportanceSpan int

	// KeepaliveExpiryPeriod is the fixed period of the expiry task.
	KeepaliveExpiryPeriod time.Duration

	// HistorySchedule is the cron expression for the tombstone task.
	HistorySchedule string

	// HistoryGracePeriod is the minimum age before a dead job is tombstoned.
	HistoryGracePeriod time.Duration

	// TriadDepth is fixed at 3; kept configurable only for validation.
	TriadDepth int

	// MaxQuotaCheckBatch caps the number of live jobs scanned per sweep.
	MaxQuotaCheckBatch int

	// LiveStoreDriver/LiveStoreDSN address the live (hot) store.
	LiveStoreDriver StoreDriver
	LiveStoreDSN    string

	// HistoricalStoreDriver/HistoricalStoreDSN address the historical
	// store. An empty DSN means no historical store is configured, and
	// the Tombstoner is a no-op (spec §4.5).
	HistoricalStoreDriver StoreDriver
	HistoricalStoreDSN    string

	// LogLevel is one of debug|info|warn|error.
	LogLevel string

	// LogFormat is one of text|json.
	LogFormat string
}

// NewDefault returns a configuration with the documented defaults (spec §6.2).
func NewDefault() *Config {
	return &Config{
		AllocatorPeriod:       5 * time.Second,
		ImportanceSpan:        10,
		KeepaliveExpiryPeriod: 30 * time.Second,
		HistorySchedule:       "0 3 * * *",
		HistoryGracePeriod:    7 * 24 * time.Hour,
		TriadDepth:            3,
		MaxQuotaCheckBatch:    100000,
		LiveStoreDriver:       DriverSQLite3,
		LiveStoreDSN:          "file:allocator_live.db?cache=shared",
		HistoricalStoreDriver: DriverSQLite3,
		HistoricalStoreDSN:    "",
		LogLevel:              "info",
		LogFormat:             "text",
	}
}

// Load overlays environment variables onto c.
func (c *Config) Load() {
	if v := os.Getenv("ALLOCATOR_PERIOD"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.AllocatorPeriod = d
		}
	}
	if v := os.Getenv("ALLOCATOR_IMPORTANCE_SPAN"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			c.ImportanceSpan = i
		}
	}
	if v := os.Getenv("KEEPALIVE_EXPIRY_PERIOD"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.KeepaliveExpiryPeriod = d
		}
	}
	if v := os.Getenv("HISTORY_SCHEDULE"); v != "" {
		c.HistorySchedule = v
	}
	if v := os.Getenv("HISTORY_GRACE_PERIOD"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.HistoryGracePeriod = d
		}
	}
	if v := os.Getenv("TRIAD_DEPTH"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			c.TriadDepth = i
		}
	}
	if v := os.Getenv("MAX_QUOTA_CHECK_BATCH"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			c.MaxQuotaCheckBatch = i
		}
	}
	if v := os.Getenv("STORE_LIVE_DRIVER"); v != "" {
		c.LiveStoreDriver = StoreDriver(v)
	}
	if v := os.Getenv("STORE_LIVE_DSN"); v != "" {
		c.LiveStoreDSN = v
	}
	if v := os.Getenv("STORE_HISTORICAL_DRIVER"); v != "" {
		c.HistoricalStoreDriver = StoreDriver(v)
	}
	if v := os.Getenv("STORE_HISTORICAL_DSN"); v != "" {
		c.HistoricalStoreDSN = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		c.LogFormat = v
	}
}

// Validate checks the configuration for obviously invalid values.
func (c *Config) Validate() error {
	if c.AllocatorPeriod <= 0 {
		return ErrInvalidPeriod
	}
	if c.KeepaliveExpiryPeriod <= 0 {
		return ErrInvalidPeriod
	}
	if c.ImportanceSpan < 0 {
		return ErrInvalidImportanceSpan
	}
	if c.TriadDepth != 3 {
		return ErrInvalidTriadDepth
	}
	if c.MaxQuotaCheckBatch <= 0 {
		return ErrInvalidBatchSize
	}
	if c.LiveStoreDSN == "" {
		return ErrMissingLiveStoreDSN
	}
	if c.LiveStoreDriver != DriverPostgres && c.LiveStoreDriver != DriverSQLite3 {
		return ErrUnsupportedDriver
	}
	if c.HistoricalStoreDSN != "" &&
		c.HistoricalStoreDriver != DriverPostgres && c.HistoricalStoreDriver != DriverSQLite3 {
		return ErrUnsupportedDriver
	}
	return nil
}

// HasHistoricalStore reports whether a historical store is configured.
func (c *Config) HasHistoricalStore() bool {
	return c.HistoricalStoreDSN != ""
}
