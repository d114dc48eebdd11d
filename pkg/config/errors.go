// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package config

import "errors"

var (
	// ErrInvalidPeriod is returned when a scheduling period is not positive.
	ErrInvalidPeriod = errors.New("period must be greater than 0")

	// ErrInvalidImportanceSpan is returned when importanceSpan is negative.
	ErrInvalidImportanceSpan = errors.New("importance span must be non-negative")

	// ErrInvalidTriadDepth is returned when triadDepth is not 3.
	ErrInvalidTriadDepth = errors.New("triad depth must be 3")

	// ErrInvalidBatchSize is returned when maxQuotaCheckBatch is not positive.
	ErrInvalidBatchSize = errors.New("max quota check batch must be greater than 0")

	// ErrMissingLiveStoreDSN is returned when the live store DSN is empty.
	ErrMissingLiveStoreDSN = errors.New("live store DSN is required")

	// ErrUnsupportedDriver is returned for an unrecognized store driver.
	ErrUnsupportedDriver = errors.New("unsupported store driver")
)
