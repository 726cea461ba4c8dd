//go:build !windows
// +build !windows

package app

const (
	defaultStorageDir             = "/var/lib/batchops/storage"
	defaultSQLiteConnectionString = "file:/var/lib/batchops/db/sqlite.db?cache=shared"
)
