package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

const DATABASE_TYPE = "QFLOW_DATABASE_TYPE"
const DATABASE_URL = "QFLOW_DATABASE_URL"
const DATABASE_SQLLITE_FILE_NAME = "QFLOW_DATABASE_SQLLITE_FILE_NAME"
const SERVER_WEB_PORT = "QFLOW_SERVER_WEB_PORT"
const LOG_LEVEL = "QFLOW_LOG_LEVEL"
const EXECUTOR_NAME = "QFLOW_EXECUTOR_NAME"

const QUEUE_POLL_INTERVAL = "QFLOW_QUEUE_POLL_INTERVAL"
const QUEUE_CONCURRENCY = "QFLOW_QUEUE_CONCURRENCY"             //number of jobs a single worker runs in parallel
const QUEUE_RATE_LIMIT_MAX = "QFLOW_QUEUE_RATE_LIMIT_MAX"       //max jobs started per window
const QUEUE_RATE_LIMIT_WINDOW = "QFLOW_QUEUE_RATE_LIMIT_WINDOW" //the window for QUEUE_RATE_LIMIT_MAX
const QUEUE_ATTEMPTS = "QFLOW_QUEUE_ATTEMPTS"
const QUEUE_BACKOFF_DELAY = "QFLOW_QUEUE_BACKOFF_DELAY" //base delay of the exponential backoff
const QUEUE_STALLED_AFTER = "QFLOW_QUEUE_STALLED_AFTER" //executor silence after which its active jobs are repaired
const QUEUE_RETAIN_COMPLETED = "QFLOW_QUEUE_RETAIN_COMPLETED"
const QUEUE_RETAIN_COMPLETED_COUNT = "QFLOW_QUEUE_RETAIN_COMPLETED_COUNT"
const QUEUE_RETAIN_FAILED = "QFLOW_QUEUE_RETAIN_FAILED"
const QUEUE_RETAIN_FAILED_COUNT = "QFLOW_QUEUE_RETAIN_FAILED_COUNT"

const REDIS_ADDR = "QFLOW_REDIS_ADDR"
const REDIS_PASSWORD = "QFLOW_REDIS_PASSWORD"
const REDIS_DB = "QFLOW_REDIS_DB"
const REDIS_POOL_SIZE = "QFLOW_REDIS_POOL_SIZE"

const ESCALATION_SCHEDULE = "QFLOW_ESCALATION_SCHEDULE"
const PRUNE_SCHEDULE = "QFLOW_PRUNE_SCHEDULE"
const SHUTDOWN_TIMEOUT = "QFLOW_SHUTDOWN_TIMEOUT"
const DEFAULT_ASSIGNMENT_STRATEGY = "QFLOW_DEFAULT_ASSIGNMENT_STRATEGY"
const ESCALATION_ROLE = "QFLOW_ESCALATION_ROLE" //members of this role are told about every overdue step
const SYNC_HTTP_TIMEOUT = "QFLOW_SYNC_HTTP_TIMEOUT"

const DATABASE_TYPE_POSTGRES = "POSTGRES"
const DATABASE_TYPE_MYSQL = "MYSQL"
const DATABASE_TYPE_SQLLITE = "SQLLITE"

var defaults = map[string]string{
	DATABASE_SQLLITE_FILE_NAME:   "./quadoflow.db",
	SERVER_WEB_PORT:              "8080",
	LOG_LEVEL:                    "INFO",
	QUEUE_POLL_INTERVAL:          "1s",
	QUEUE_CONCURRENCY:            "2",
	QUEUE_RATE_LIMIT_MAX:         "10",
	QUEUE_RATE_LIMIT_WINDOW:      "10s",
	QUEUE_ATTEMPTS:               "3",
	QUEUE_BACKOFF_DELAY:          "5s",
	QUEUE_STALLED_AFTER:          "5m",
	QUEUE_RETAIN_COMPLETED:       "24h",
	QUEUE_RETAIN_COMPLETED_COUNT: "1000",
	QUEUE_RETAIN_FAILED:          "168h",
	QUEUE_RETAIN_FAILED_COUNT:    "5000",
	REDIS_DB:                     "0",
	REDIS_POOL_SIZE:              "10",
	ESCALATION_SCHEDULE:          "@every 5m",
	PRUNE_SCHEDULE:               "@every 1h",
	SHUTDOWN_TIMEOUT:             "30s",
	DEFAULT_ASSIGNMENT_STRATEGY:  "workload",
	SYNC_HTTP_TIMEOUT:            "30s",
}

func GetSystemSettingInteger(settingKey string) int {
	val := GetSystemSettingString(settingKey)
	if val != "" {
		intValue, err := strconv.Atoi(val)
		if err != nil {
			slog.Warn("Invalid integer setting, using 0", "key", settingKey, "value", val)
		}
		return intValue
	}
	return 0
}

// GetSystemSettingDuration parses the setting with time.ParseDuration, falling back to the
// default value of the key when the configured one cannot be parsed.
func GetSystemSettingDuration(settingKey string) time.Duration {
	val := GetSystemSettingString(settingKey)
	d, err := time.ParseDuration(val)
	if err == nil {
		return d
	}
	slog.Warn("Invalid duration setting, using default", "key", settingKey, "value", val)
	d, _ = time.ParseDuration(defaults[settingKey])
	return d
}

func GetSystemSettingString(settingKey string) string {
	val := os.Getenv(settingKey)
	if val != "" {
		return val
	}
	return defaults[settingKey]
}

// LogLevel maps QFLOW_LOG_LEVEL onto a slog level.
func LogLevel() slog.Level {
	switch strings.ToUpper(GetSystemSettingString(LOG_LEVEL)) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
