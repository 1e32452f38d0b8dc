// Package config provides runtime configuration values for the service.
package config

import (
	"os"
	"strconv"
	"time"
)

// PoolConfig holds worker-pool sizing and scaling knobs for one consumer.
type PoolConfig struct {
	InitialWorkerCount      int
	WorkerMin               int
	WorkerMax               int
	ScaleInterval           time.Duration
	ScaleUpBacklogPerWorker int
	ScaleDownIdleTicks      int
}

// Config holds configuration knobs for the HTTP server, queues and consumers.
type Config struct {
	HTTPAddr        string
	ShutdownTimeout time.Duration

	Fulfill PoolConfig
	Notify  PoolConfig
	Assets  PoolConfig

	QueueVisibility      time.Duration
	QueueMaxDeliveries   int
	ArchiveRetention     time.Duration
	ArchivePurgeInterval time.Duration

	StockConflictRetries int
	StockConflictBackoff time.Duration
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func atoienv(key string, def int) int {
	v := getenv(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func durenvms(key string, defMs int) time.Duration {
	ms := atoienv(key, defMs)
	return time.Duration(ms) * time.Millisecond
}

func durenvs(key string, defSec int) time.Duration {
	sec := atoienv(key, defSec)
	return time.Duration(sec) * time.Second
}

func loadPool(prefix string) PoolConfig {
	minWorkers := atoienv(prefix+"_WORKER_MIN", 2)
	maxWorkers := atoienv(prefix+"_WORKER_MAX", 8)
	initialWorkers := atoienv(prefix+"_WORKER_COUNT", minWorkers)
	return PoolConfig{
		InitialWorkerCount:      initialWorkers,
		WorkerMin:               minWorkers,
		WorkerMax:               maxWorkers,
		ScaleInterval:           durenvms(prefix+"_SCALE_INTERVAL_MS", 500),
		ScaleUpBacklogPerWorker: atoienv(prefix+"_SCALE_UP_BACKLOG_PER_WORKER", 100),
		ScaleDownIdleTicks:      atoienv(prefix+"_SCALE_DOWN_IDLE_TICKS", 6),
	}
}

// Load collects configuration from environment with defaults.
func Load() Config {
	return Config{
		HTTPAddr:        getenv("HTTP_ADDR", ":8080"),
		ShutdownTimeout: durenvs("SHUTDOWN_TIMEOUT", 15),

		Fulfill: loadPool("FULFILL"),
		Notify:  loadPool("NOTIFY"),
		Assets:  loadPool("ASSETS"),

		QueueVisibility:      durenvms("QUEUE_VISIBILITY_MS", 30000),
		QueueMaxDeliveries:   atoienv("QUEUE_MAX_DELIVERIES", 5),
		ArchiveRetention:     time.Duration(atoienv("ARCHIVE_RETENTION_DAYS", 30)) * 24 * time.Hour,
		ArchivePurgeInterval: durenvs("ARCHIVE_PURGE_INTERVAL_SEC", 3600),

		StockConflictRetries: atoienv("STOCK_CONFLICT_RETRIES", 5),
		StockConflictBackoff: durenvms("STOCK_CONFLICT_BACKOFF_MS", 10),
	}
}
