// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package schema embeds the engine's SQL schema for both supported
// drivers. Applying it is a single idempotent script run (every
// statement is CREATE ... IF NOT EXISTS), not a versioned migration
// chain — see DESIGN.md for why this module does not pull in a
// migration-runner dependency.
package schema

import _ "embed"

//go:embed schema_postgres.sql
var Postgres string

//go:embed schema_sqlite.sql
var SQLite string
