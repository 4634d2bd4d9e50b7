// Package storage is the user record store: one record per Telegram user
// plus an append-only audit log of admin actions.
//
// Drivers: "sqlite" (default), "postgres" (gorm), "redis" and "memory".
// Every mutation is a single-record, field-scoped update.
package storage
