package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Loader provides configuration loading capabilities. It abstracts the source
// of configuration to allow for different implementations like files, environment
// variables, or remote configuration services.
type Loader interface {
	// Load retrieves and parses the configuration from the underlying source.
	// It returns the parsed configuration or an error if loading fails.
	Load(ctx context.Context) (*Config, error)
}

// ConfigFileEnv names the environment variable pointing at an optional
// config file. Environment variables override values from the file.
const ConfigFileEnv = "GAS_CONFIG_FILE"

// Service names understood by Load.
const (
	ServiceWeb       = "web"
	ServiceAnnotator = "annotator"
	ServiceArchiver  = "archiver"
	ServiceRestorer  = "restorer"
	ServiceThawer    = "thawer"
)

var _ Loader = (*EnvLoader)(nil)

// EnvLoader reads configuration from the environment and an optional file
// with viper. Nested keys map to upper case variables joined by underscores,
// e.g. kafka.brokers is read from KAFKA_BROKERS.
type EnvLoader struct {
	service string
	v       *viper.Viper
}

// NewEnvLoader creates a loader for service.
func NewEnvLoader(service string) *EnvLoader {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v, service)

	return &EnvLoader{service: service, v: v}
}

// Load implements Loader.
func (l *EnvLoader) Load(_ context.Context) (*Config, error) {
	if path := os.Getenv(ConfigFileEnv); path != "" {
		l.v.SetConfigFile(path)
		if err := l.v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	cfg.Service = l.service

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Load reads the configuration of service from the environment.
func Load(ctx context.Context, service string) (*Config, error) {
	return NewEnvLoader(service).Load(ctx)
}

var validate = validator.New()

// Validate checks the sections every process needs and the ones specific
// to cfg.Service.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	switch c.Service {
	case ServiceWeb:
		if c.Auth.Secret == "" {
			return errors.New("invalid config: auth.secret is required for the web tier")
		}
		if c.Web.UploadRedirectURL == "" {
			return errors.New("invalid config: web.upload_redirect_url is required for the web tier")
		}
	case ServiceAnnotator:
		if len(c.Annotator.Command) == 0 {
			return errors.New("invalid config: annotator.command is required")
		}
	case ServiceArchiver, ServiceRestorer, ServiceThawer:
		if c.AWS.VaultName == "" {
			return errors.New("invalid config: aws.vault_name is required")
		}
	}

	if c.Service != ServiceWeb && c.Kafka.GroupID == "" {
		return fmt.Errorf("invalid config: kafka.group_id is required for %s", c.Service)
	}
	return nil
}

func setDefaults(v *viper.Viper, service string) {
	defaults := map[string]any{
		"build": "develop",

		"log.level": "info",

		"web.host":                 "0.0.0.0",
		"web.port":                 "8080",
		"web.read_timeout":         5 * time.Second,
		"web.write_timeout":        10 * time.Second,
		"web.idle_timeout":         120 * time.Second,
		"web.shutdown_timeout":     20 * time.Second,
		"web.cors_allowed_origins": []string{},
		"web.upload_redirect_url":  "",

		"debug.host": "0.0.0.0:6010",

		"db.url":       "",
		"db.min_conns": 2,
		"db.max_conns": 10,
		"db.migrate":   false,

		"kafka.brokers":                []string{},
		"kafka.group_id":               service,
		"kafka.client_id":              service,
		"kafka.job_requests_topic":     "gas-job-requests",
		"kafka.job_results_topic":      "gas-job-results",
		"kafka.archive_requests_topic": "gas-archive-requests",
		"kafka.restore_requests_topic": "gas-restore-requests",
		"kafka.thaw_requests_topic":    "gas-thaw-requests",
		"kafka.handler_retries":        3,
		"kafka.commit_interval":        time.Second,
		"kafka.connect_timeout":        5 * time.Minute,

		"aws.region":            "us-east-1",
		"aws.s3_endpoint":       "",
		"aws.s3_path_style":     false,
		"aws.access_key_id":     "",
		"aws.secret_access_key": "",
		"aws.vault_name":        "",
		"aws.vault_rps":         5.0,
		"aws.vault_burst":       5,

		"storage.inputs_bucket":      "",
		"storage.results_bucket":     "",
		"storage.key_prefix":         "gas/",
		"storage.encryption":         "AES256",
		"storage.acl":                "private",
		"storage.upload_expires":     time.Hour,
		"storage.download_expires":   time.Hour,
		"storage.free_access_window": 5 * time.Minute,

		"auth.secret": "",
		"auth.issuer": "",
		"auth.ttl":    time.Hour,

		"annotator.command":        []string{},
		"annotator.work_dir":       os.TempDir(),
		"annotator.max_concurrent": 2,
		"annotator.run_timeout":    time.Hour,

		"archive.spool_dir":         os.TempDir(),
		"archive.poll_interval":     30 * time.Second,
		"archive.max_poll_interval": 5 * time.Minute,
		"archive.max_wait":          6 * time.Hour,

		"telemetry.endpoint":    "",
		"telemetry.probability": 0.05,
		"telemetry.insecure":    true,
	}
	// The web tier only publishes; it joins no consumer group.
	if service == ServiceWeb {
		defaults["kafka.group_id"] = ""
	}

	for k, val := range defaults {
		v.SetDefault(k, val)
	}
}
