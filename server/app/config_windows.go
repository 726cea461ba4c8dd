//go:build windows
// +build windows

package app

const (
	defaultStorageDir             = "C:\\ProgramData\\batchops\\storage"
	defaultSQLiteConnectionString = "file:C:\\ProgramData\\batchops\\db\\sqlite.db?cache=shared"
)
