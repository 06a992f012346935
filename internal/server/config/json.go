package config

import (
	"encoding/json"
	"os"

	"github.com/dmitrijs2005/gophdrop/internal/flagx"
	"github.com/dmitrijs2005/gophdrop/internal/timex"
)

// JsonConfig is the on-disk shape of Config. Durations go through
// timex.Duration so both "1s" and integer nanoseconds are accepted.
type JsonConfig struct {
	EndpointAddrGRPC    string         `json:"endpoint_addr_grpc"`
	MetricsAddr         string         `json:"metrics_addr"`
	DatabaseDriver      string         `json:"database_driver"`
	DatabaseDSN         string         `json:"database_dsn"`
	SecretKey           string         `json:"secret_key"`
	StoreDir            string         `json:"store_dir"`
	KeysDir             string         `json:"keys_dir"`
	BlobBackend         string         `json:"blob_backend"`
	S3RootUser          string         `json:"s3_root_user"`
	S3RootPassword      string         `json:"s3_root_password"`
	S3Bucket            string         `json:"s3_bucket"`
	S3Region            string         `json:"s3_region"`
	S3BaseEndpoint      string         `json:"s3_base_endpoint"`
	EraseWorkers        int            `json:"erase_workers"`
	EraseQueueSize      int            `json:"erase_queue_size"`
	ErasePasses         int            `json:"erase_passes"`
	KeyDeleteRetries    int            `json:"key_delete_retries"`
	KeyRetryBase        timex.Duration `json:"key_retry_base"`
	KeyFailurePolicy    string         `json:"key_failure_policy"`
	JournalistPublicKey string         `json:"journalist_public_key"`
	ShutdownTimeout     timex.Duration `json:"shutdown_timeout"`
	LogLevel            string         `json:"log_level"`
}

func toJson(c *Config) *JsonConfig {
	return &JsonConfig{
		EndpointAddrGRPC:    c.EndpointAddrGRPC,
		MetricsAddr:         c.MetricsAddr,
		DatabaseDriver:      c.DatabaseDriver,
		DatabaseDSN:         c.DatabaseDSN,
		SecretKey:           c.SecretKey,
		StoreDir:            c.StoreDir,
		KeysDir:             c.KeysDir,
		BlobBackend:         c.BlobBackend,
		S3RootUser:          c.S3RootUser,
		S3RootPassword:      c.S3RootPassword,
		S3Bucket:            c.S3Bucket,
		S3Region:            c.S3Region,
		S3BaseEndpoint:      c.S3BaseEndpoint,
		EraseWorkers:        c.EraseWorkers,
		EraseQueueSize:      c.EraseQueueSize,
		ErasePasses:         c.ErasePasses,
		KeyDeleteRetries:    c.KeyDeleteRetries,
		KeyRetryBase:        timex.Duration{Duration: c.KeyRetryBase},
		KeyFailurePolicy:    c.KeyFailurePolicy,
		JournalistPublicKey: c.JournalistPublicKey,
		ShutdownTimeout:     timex.Duration{Duration: c.ShutdownTimeout},
		LogLevel:            c.LogLevel,
	}
}

func (j *JsonConfig) apply(c *Config) {
	c.EndpointAddrGRPC = j.EndpointAddrGRPC
	c.MetricsAddr = j.MetricsAddr
	c.DatabaseDriver = j.DatabaseDriver
	c.DatabaseDSN = j.DatabaseDSN
	c.SecretKey = j.SecretKey
	c.StoreDir = j.StoreDir
	c.KeysDir = j.KeysDir
	c.BlobBackend = j.BlobBackend
	c.S3RootUser = j.S3RootUser
	c.S3RootPassword = j.S3RootPassword
	c.S3Bucket = j.S3Bucket
	c.S3Region = j.S3Region
	c.S3BaseEndpoint = j.S3BaseEndpoint
	c.EraseWorkers = j.EraseWorkers
	c.EraseQueueSize = j.EraseQueueSize
	c.ErasePasses = j.ErasePasses
	c.KeyDeleteRetries = j.KeyDeleteRetries
	c.KeyRetryBase = j.KeyRetryBase.Duration
	c.KeyFailurePolicy = j.KeyFailurePolicy
	c.JournalistPublicKey = j.JournalistPublicKey
	c.ShutdownTimeout = j.ShutdownTimeout.Duration
	c.LogLevel = j.LogLevel
}

// parseJson overlays the JSON file named by -c/-config onto config. Keys
// missing from the file keep their current values. An unreadable file or
// invalid JSON panics, as a bad config file is not recoverable at startup.
func parseJson(config *Config) {
	jsonConfigFile := flagx.ConfigFileFlag(os.Args[1:])

	// nothing to load
	if jsonConfigFile == "" {
		return
	}

	file, err := os.ReadFile(jsonConfigFile)
	if err != nil {
		panic(err)
	}

	c := toJson(config)
	if err := json.Unmarshal(file, c); err != nil {
		panic(err)
	}
	c.apply(config)
}
