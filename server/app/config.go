package app

import (
	"flag"
	"fmt"
	"time"

	"github.com/batchops/batchops/common/logger"
	"github.com/batchops/batchops/server/services/scheduler"
	"github.com/batchops/batchops/server/services/worker"
	"github.com/batchops/batchops/server/store"
)

// LogSafeFlags is a list of flags by name whose values are safe to log.
var LogSafeFlags = []string{
	"database_driver",
	"database_max_idle_connections",
	"database_max_open_connections",
	"redis_address",
	"redis_db",
	"storage_directory",
	"worker_count",
	"worker_lease",
	"scheduler_tick_interval",
	"log_levels",
}

// RedisConfig identifies the Redis instance backing the queue and the
// schedule registry.
type RedisConfig struct {
	Address  string
	Password string
	DB       int
}

type ServerConfig struct {
	DatabaseConfig        store.DatabaseConfig
	RedisConfig           RedisConfig
	WorkerPoolConfig      worker.WorkerPoolConfig
	SchedulerTickInterval time.Duration
	// StorageRoot is the base directory holding uploads/ and exports/.
	StorageRoot string
	LogLevels   logger.LogLevelConfig
}

func ConfigFromFlags() (*ServerConfig, error) {
	var (
		databaseDriverStr        string
		databaseConnectionString string
		logLevels                string
	)

	config := &ServerConfig{}

	// Database
	flag.StringVar(&databaseConnectionString, "database_connection_string",
		defaultSQLiteConnectionString, "The connection string for the database")
	flag.StringVar(&databaseDriverStr, "database_driver",
		string(store.Sqlite), "The Database Driver to use (i.e sqlite3|postgres)")
	flag.IntVar(&config.DatabaseConfig.MaxIdleConnections, "database_max_idle_connections",
		store.DefaultDatabaseMaxIdleConnections, "The maximum number of idle database connections to use")
	flag.IntVar(&config.DatabaseConfig.MaxOpenConnections, "database_max_open_connections",
		store.DefaultDatabaseMaxOpenConnections, "The maximum number of open database connections to use")

	// Redis
	flag.StringVar(&config.RedisConfig.Address, "redis_address",
		"localhost:6379", "The address of the Redis instance backing the queue and schedule registry.")
	flag.StringVar(&config.RedisConfig.Password, "redis_password",
		"", "The password for the Redis instance, if any.")
	flag.IntVar(&config.RedisConfig.DB, "redis_db",
		0, "The Redis logical database to use.")

	// Storage
	flag.StringVar(&config.StorageRoot, "storage_directory",
		defaultStorageDir, "The base directory on the local host for upload snapshots and published reports.")

	// Workers and scheduler
	flag.IntVar(&config.WorkerPoolConfig.WorkerCount, "worker_count",
		worker.DefaultWorkerCount, "The number of concurrent workers to run.")
	flag.DurationVar(&config.WorkerPoolConfig.LeaseDuration, "worker_lease",
		worker.DefaultLeaseDuration, "How long a claimed task stays invisible to other workers before re-delivery.")
	flag.DurationVar(&config.SchedulerTickInterval, "scheduler_tick_interval",
		scheduler.DefaultTickInterval, "How often the scheduler promotes delayed tasks and evaluates due cron fires.")

	// Misc
	flag.StringVar(&logLevels, "log_levels",
		"", fmt.Sprintf("A comma separated list of name=level pairs where name is the name of the logger and level is one of: %s", logger.ListLogLevels()))
	flag.Parse()

	config.DatabaseConfig.Driver = store.DBDriver(databaseDriverStr)
	config.DatabaseConfig.ConnectionString = store.DatabaseConnectionString(databaseConnectionString)
	config.LogLevels = logger.LogLevelConfig(logLevels)

	return config, nil
}
