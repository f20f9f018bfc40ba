package migrations

import _ "embed"

// Init creates the users and market_records tables
//
//go:embed 001_init.sql
var Init string
