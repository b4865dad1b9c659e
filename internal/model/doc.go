// Package model defines shared data types used across the signal execution core.
//
// All types mirror the database schema created by internal/database.
//
// Conventions:
//   - Prices and quantities: shopspring decimal.Decimal, stored as NUMERIC
//   - Percentages: decimal percent points (5 = 5%)
//   - Timestamps: time.Time in UTC
//   - Status fields: closed string enums with explicit transition tables
package model
