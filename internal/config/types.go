package config

import (
	"fmt"
	"time"
)

type Config struct {
	Server     ServerConfig     `json:"server"`
	Database   Database         `json:"database"`
	Redis      RedisConfig      `json:"redis"`
	S3         S3Config         `json:"s3"`
	Conversion ConversionConfig `json:"conversion"`
	Dispatcher DispatcherConfig `json:"dispatcher"`
	Sentry     SentryConfig     `json:"sentry"`
}

type ServerConfig struct {
	Port         int           `json:"port"`
	ReadTimeout  time.Duration `json:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`
	RateLimit    int           `json:"rate_limit"` // requests per minute per IP, 0 disables
}

type Database struct {
	DSN string `json:"dsn"`
}

type RedisConfig struct {
	Password            string        `json:"password"`
	DatabaseID          int           `json:"database_id"`
	HealthCheckInterval time.Duration `json:"health_check_interval"`
	DialTimeout         time.Duration `json:"dial_timeout"`
	ReadTimeout         time.Duration `json:"read_timeout"`
	WriteTimeout        time.Duration `json:"write_timeout"`
	PoolSize            int           `json:"pool_size"`
	Nodes               []RedisNode   `json:"nodes"`
}

type RedisNode struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

func (n RedisNode) Addr() string { return fmt.Sprintf("%s:%d", n.Host, n.Port) }

type S3Config struct {
	AccountID   string `json:"account_id"`
	BucketName  string `json:"bucket_name"`
	AccessKeyID string `json:"access_key_id"`
	SecretKey   string `json:"secret_key"`
	Endpoint    string `json:"endpoint"`
	Region      string `json:"region"`
}

// ConversionConfig holds the knobs of the lifecycle engine itself.
type ConversionConfig struct {
	MaxQuality          int           `json:"max_quality"`           // upper bound for quality, default 100
	DefaultQualityLossy int           `json:"default_quality_lossy"` // applied when quality unset for lossy targets
	ArtifactTTL         time.Duration `json:"artifact_ttl"`          // 0 means artifacts never expire
}

// DispatcherConfig bounds the worker pool and the recovery sweeps.
type DispatcherConfig struct {
	Stream       string        `json:"stream"`        // redis stream name
	Group        string        `json:"group"`         // consumer group name
	Consumer     string        `json:"consumer"`      // consumer name inside the group
	Workers      int           `json:"workers"`       // concurrent processing slots
	BatchSize    int           `json:"batch_size"`    // pending jobs fetched per sweep
	MaxLen       int64         `json:"max_len"`       // stream max length before trim
	BlockTimeout time.Duration `json:"block_timeout"` // XREADGROUP block timeout
	PollInterval time.Duration `json:"poll_interval"` // DB sweep period for jobs the stream missed
	ClaimTimeout time.Duration `json:"claim_timeout"` // PROCESSING jobs older than this are force-failed
}

type SentryConfig struct {
	SentryDSN   string `json:"sentry_dsn"`
	Environment string `json:"environment"`
}
