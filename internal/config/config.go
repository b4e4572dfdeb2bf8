// Package config loads the settings shared by the annotation service processes.
package config

import "time"

// Config is the complete configuration of one process. Sections a process
// does not use keep their defaults.
type Config struct {
	Service string `mapstructure:"service"`
	Build   string `mapstructure:"build"`

	Log       LogConfig       `mapstructure:"log"`
	Web       WebConfig       `mapstructure:"web"`
	Debug     DebugConfig     `mapstructure:"debug"`
	DB        DBConfig        `mapstructure:"db"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	AWS       AWSConfig       `mapstructure:"aws"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Annotator AnnotatorConfig `mapstructure:"annotator"`
	Archive   ArchiveConfig   `mapstructure:"archive"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// LogConfig controls the structured logger.
type LogConfig struct {
	Level string `mapstructure:"level" validate:"oneof=debug info warn error"`
}

// WebConfig holds the HTTP server settings of the web tier.
type WebConfig struct {
	Host               string        `mapstructure:"host"`
	Port               string        `mapstructure:"port" validate:"required"`
	ReadTimeout        time.Duration `mapstructure:"read_timeout"`
	WriteTimeout       time.Duration `mapstructure:"write_timeout"`
	IdleTimeout        time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout    time.Duration `mapstructure:"shutdown_timeout"`
	CORSAllowedOrigins []string      `mapstructure:"cors_allowed_origins"`

	// UploadRedirectURL is the absolute URL of the job creation endpoint the
	// object store sends the browser to after an upload.
	UploadRedirectURL string `mapstructure:"upload_redirect_url"`
}

// DebugConfig holds the pprof and statsviz listener.
type DebugConfig struct {
	Host string `mapstructure:"host"`
}

// DBConfig holds the Postgres connection settings.
type DBConfig struct {
	URL      string `mapstructure:"url" validate:"required"`
	MinConns int32  `mapstructure:"min_conns" validate:"gte=0"`
	MaxConns int32  `mapstructure:"max_conns" validate:"gte=1"`
	Migrate  bool   `mapstructure:"migrate"`
}

// KafkaConfig holds the broker addresses and topic names.
type KafkaConfig struct {
	Brokers              []string      `mapstructure:"brokers" validate:"required,min=1"`
	GroupID              string        `mapstructure:"group_id"`
	ClientID             string        `mapstructure:"client_id"`
	JobRequestsTopic     string        `mapstructure:"job_requests_topic" validate:"required"`
	JobResultsTopic      string        `mapstructure:"job_results_topic" validate:"required"`
	ArchiveRequestsTopic string        `mapstructure:"archive_requests_topic" validate:"required"`
	RestoreRequestsTopic string        `mapstructure:"restore_requests_topic" validate:"required"`
	ThawRequestsTopic    string        `mapstructure:"thaw_requests_topic" validate:"required"`
	HandlerRetries       uint64        `mapstructure:"handler_retries"`
	CommitInterval       time.Duration `mapstructure:"commit_interval"`
	ConnectTimeout       time.Duration `mapstructure:"connect_timeout"`
}

// AWSConfig holds the region and optional endpoint override used for local
// S3 compatible stores. Static keys are only needed for such stores; otherwise
// the default credential chain applies.
type AWSConfig struct {
	Region          string  `mapstructure:"region" validate:"required"`
	S3Endpoint      string  `mapstructure:"s3_endpoint"`
	S3PathStyle     bool    `mapstructure:"s3_path_style"`
	AccessKeyID     string  `mapstructure:"access_key_id"`
	SecretAccessKey string  `mapstructure:"secret_access_key" validate:"required_with=AccessKeyID"`
	VaultName       string  `mapstructure:"vault_name"`
	VaultRPS        float64 `mapstructure:"vault_rps" validate:"gt=0"`
	VaultBurst      int     `mapstructure:"vault_burst" validate:"gte=1"`
}

// StorageConfig describes the bucket layout and link lifetimes.
type StorageConfig struct {
	InputsBucket     string        `mapstructure:"inputs_bucket" validate:"required"`
	ResultsBucket    string        `mapstructure:"results_bucket" validate:"required"`
	KeyPrefix        string        `mapstructure:"key_prefix" validate:"required"`
	Encryption       string        `mapstructure:"encryption"`
	ACL              string        `mapstructure:"acl"`
	UploadExpires    time.Duration `mapstructure:"upload_expires"`
	DownloadExpires  time.Duration `mapstructure:"download_expires"`
	FreeAccessWindow time.Duration `mapstructure:"free_access_window"`
}

// AuthConfig holds the bearer token settings of the web tier.
type AuthConfig struct {
	Secret string        `mapstructure:"secret"`
	Issuer string        `mapstructure:"issuer"`
	TTL    time.Duration `mapstructure:"ttl"`
}

// AnnotatorConfig controls the annotation worker.
type AnnotatorConfig struct {
	Command       []string      `mapstructure:"command"`
	WorkDir       string        `mapstructure:"work_dir"`
	MaxConcurrent int           `mapstructure:"max_concurrent" validate:"gte=1"`
	RunTimeout    time.Duration `mapstructure:"run_timeout"`
}

// ArchiveConfig controls the archiver and thawer.
type ArchiveConfig struct {
	SpoolDir        string        `mapstructure:"spool_dir"`
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	MaxPollInterval time.Duration `mapstructure:"max_poll_interval"`
	MaxWait         time.Duration `mapstructure:"max_wait"`
}

// TelemetryConfig controls the OTLP exporters.
type TelemetryConfig struct {
	Endpoint    string  `mapstructure:"endpoint"`
	Probability float64 `mapstructure:"probability" validate:"gte=0,lte=1"`
	Insecure    bool    `mapstructure:"insecure"`
}
