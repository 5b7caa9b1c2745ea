//Package config loads the lock coordination settings from environment
//variables into explicit structs. Nothing here mutates process-global
//state; Load can be called repeatedly with identical results.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/efficient-solutions/go-sqlite-efs/coordination"
	"github.com/efficient-solutions/go-sqlite-efs/lock"
)

/*
MissingSettingError indicates a required environment variable is not set.
*/
type MissingSettingError struct {
	Key string
}

func (e *MissingSettingError) Error() string {
	return fmt.Sprintf("environment variable %s is required but not set", e.Key)
}

type Config struct {
	//LockExpiration must be at least the caller's own maximum invocation
	//duration plus a clock-skew margin. Required.
	LockExpiration time.Duration
	//MaxAttempts caps conditional-write attempts per acquisition.
	MaxAttempts int
	//WaitTimeout bounds a single acquisition call.
	WaitTimeout time.Duration
	//KeyPrefix namespaces lock records; the full lock key is the prefix
	//followed by the database file path.
	KeyPrefix string

	EtcdEndpoints      []string
	EtcdCaCertPath     string
	EtcdClientCertPath string
	EtcdClientKeyPath  string
	EtcdUsername       string
	EtcdPassword       string
	ConnectionTimeout  time.Duration
	RequestTimeout     time.Duration
	StoreRetries       uint64
	StoreRetryInterval time.Duration
}

func Load() (*Config, error) {
	expirationSeconds, err := requireEnvInt("SQLITE_LOCK_EXPIRATION")
	if err != nil {
		return nil, err
	}

	endpoints := os.Getenv("SQLITE_LOCK_ETCD_ENDPOINTS")
	if endpoints == "" {
		return nil, &MissingSettingError{Key: "SQLITE_LOCK_ETCD_ENDPOINTS"}
	}

	//Sub-second wait timeouts are rejected in favor of the default: the
	//backoff between attempts alone can exceed them
	waitTimeout := time.Duration(getEnvIntOrDefault("SQLITE_LOCK_WAIT_TIMEOUT", 3)) * time.Second
	if waitTimeout < time.Second {
		waitTimeout = lock.DefaultTimeout
	}

	return &Config{
		LockExpiration: time.Duration(expirationSeconds) * time.Second,
		MaxAttempts:    getEnvIntOrDefault("SQLITE_LOCK_MAX_ATTEMPTS", lock.DefaultMaxAttempts),
		WaitTimeout:    waitTimeout,
		KeyPrefix:      getEnvOrDefault("SQLITE_LOCK_KEY_PREFIX", "database#"),

		EtcdEndpoints:      strings.Split(endpoints, ","),
		EtcdCaCertPath:     os.Getenv("SQLITE_LOCK_ETCD_CA_CERT"),
		EtcdClientCertPath: os.Getenv("SQLITE_LOCK_ETCD_CLIENT_CERT"),
		EtcdClientKeyPath:  os.Getenv("SQLITE_LOCK_ETCD_CLIENT_KEY"),
		EtcdUsername:       os.Getenv("SQLITE_LOCK_ETCD_USERNAME"),
		EtcdPassword:       os.Getenv("SQLITE_LOCK_ETCD_PASSWORD"),
		ConnectionTimeout:  time.Duration(getEnvIntOrDefault("SQLITE_LOCK_ETCD_CONNECTION_TIMEOUT", 1)) * time.Second,
		RequestTimeout:     time.Duration(getEnvIntOrDefault("SQLITE_LOCK_ETCD_REQUEST_TIMEOUT", 1)) * time.Second,
		StoreRetries:       uint64(getEnvIntOrDefault("SQLITE_LOCK_ETCD_RETRIES", 2)),
		StoreRetryInterval: 100 * time.Millisecond,
	}, nil
}

//LockConfig derives the coordinator configuration protecting the given
//database file.
func (c *Config) LockConfig(databaseFilePath string, logger *zap.Logger) lock.Config {
	return lock.Config{
		Key:         c.KeyPrefix + databaseFilePath,
		Expiration:  c.LockExpiration,
		Timeout:     c.WaitTimeout,
		MaxAttempts: c.MaxAttempts,
		Logger:      logger,
	}
}

//EtcdOptions derives the coordination store connection options.
func (c *Config) EtcdOptions() coordination.EtcdStoreOptions {
	return coordination.EtcdStoreOptions{
		ClientCertPath:    c.EtcdClientCertPath,
		ClientKeyPath:     c.EtcdClientKeyPath,
		CaCertPath:        c.EtcdCaCertPath,
		Username:          c.EtcdUsername,
		Password:          c.EtcdPassword,
		EtcdEndpoints:     c.EtcdEndpoints,
		ConnectionTimeout: c.ConnectionTimeout,
		RequestTimeout:    c.RequestTimeout,
		RetryInterval:     c.StoreRetryInterval,
		Retries:           c.StoreRetries,
	}
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func requireEnvInt(key string) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return 0, &MissingSettingError{Key: key}
	}
	intValue, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("environment variable %s is not an integer: %w", key, err)
	}
	return intValue, nil
}
