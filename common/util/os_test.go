package util

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFilterOSArgs(t *testing.T) {

	var whitelist = []string{
		"database_driver",
		"redis_address",
		"storage_directory",
		"worker_count",
		"log_levels",
	}

	var in = []string{
		"/usr/bin/batchops-server",
		"--database_driver",
		"sqlite3",
		"--database_connection_string",
		"file:/var/lib/batchops/db/sqlite.db?cache=shared",
		"--redis_address",
		"localhost:6379",
		"--redis_password",
		"hunter2",
		"--storage_directory",
		"/var/lib/batchops/storage",
		"--worker_count",
		"4",
		"--log_levels",
		"QueueService=debug",
	}

	var expected = []string{
		"/usr/bin/batchops-server",
		"--database_driver",
		"sqlite3",
		"--database_connection_string",
		"************************************************",
		"--redis_address",
		"localhost:6379",
		"--redis_password",
		"*******",
		"--storage_directory",
		"/var/lib/batchops/storage",
		"--worker_count",
		"4",
		"--log_levels",
		"QueueService=debug",
	}

	out := FilterOSArgs(in, whitelist)
	require.Equal(t, expected, out)
}

func TestTruncateStringToMaxLength(t *testing.T) {
	require.Equal(t, "short", TruncateStringToMaxLength("short", 10))
	require.Equal(t, "abcdefg...", TruncateStringToMaxLength("abcdefghijklmnop", 10))
	require.Equal(t, "ab", TruncateStringToMaxLength("abcdef", 2))
}
