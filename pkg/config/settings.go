package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/openfroyo/govframe/pkg/engine"
)

// EnvPrefix prefixes every environment variable that overrides a setting.
const EnvPrefix = "GOVFRAME"

// Artifact store backends.
const (
	ArtifactBackendMemory = "memory"
	ArtifactBackendDir    = "dir"
	ArtifactBackendS3     = "s3"
)

// Notification sinks.
const (
	SinkLog = "log"
	SinkSNS = "sns"
)

// Deploy modes of the DeployFramework state.
const (
	DeployModeRunner   = "runner"
	DeployModeExternal = "external"
)

// Settings control how the orchestrator runs.
type Settings struct {
	// StorePath is the SQLite run history database.
	StorePath string `mapstructure:"store_path" validate:"required"`

	AWS           AWSSettings          `mapstructure:"aws"`
	Notifications NotificationSettings `mapstructure:"notifications"`
	Artifacts     ArtifactSettings     `mapstructure:"artifacts"`

	// Retry applies to the two retrying states.
	Retry RetrySettings `mapstructure:"retry"`

	// AccountPoll bounds the wait for an asynchronous account creation.
	AccountPoll RetrySettings `mapstructure:"account_poll"`

	Timeouts TimeoutSettings `mapstructure:"timeouts"`

	// Parallelism bounds concurrent tasks within one run order.
	Parallelism int `mapstructure:"parallelism" validate:"min=1,max=64"`

	// DeployMode selects the in-process plan runner or the external
	// start-deployment capability.
	DeployMode string `mapstructure:"deploy_mode" validate:"oneof=runner external"`

	// Policies are Rego files or directories evaluated against plans.
	Policies []string `mapstructure:"policies"`

	Telemetry TelemetrySettings `mapstructure:"telemetry"`
}

// AWSSettings select the credentials used by the AWS provider.
type AWSSettings struct {
	Region  string `mapstructure:"region" validate:"required"`
	Profile string `mapstructure:"profile"`

	// AssumeRoleName is assumed in member accounts.
	AssumeRoleName string `mapstructure:"assume_role_name" validate:"required"`
}

// NotificationSettings select the notification sink.
type NotificationSettings struct {
	Sink     string `mapstructure:"sink" validate:"oneof=log sns"`
	TopicARN string `mapstructure:"topic_arn" validate:"required_if=Sink sns"`
}

// ArtifactSettings select the artifact output store.
type ArtifactSettings struct {
	Backend string `mapstructure:"backend" validate:"oneof=memory dir s3"`
	Dir     string `mapstructure:"dir" validate:"required_if=Backend dir"`
	Bucket  string `mapstructure:"bucket" validate:"required_if=Backend s3"`
	Prefix  string `mapstructure:"prefix"`

	// SourceBucket holds the source repositories copied into the artifact
	// bucket before the pipelines run.
	SourceBucket string `mapstructure:"source_bucket"`
}

// RetrySettings is a fixed-interval retry budget.
type RetrySettings struct {
	MaxAttempts int           `mapstructure:"max_attempts" validate:"min=1"`
	Interval    time.Duration `mapstructure:"interval" validate:"gte=0"`
}

// TimeoutSettings are the per-task timeouts by task class.
type TimeoutSettings struct {
	Control time.Duration `mapstructure:"control" validate:"gt=0"`
	Account time.Duration `mapstructure:"account" validate:"gt=0"`
	Deploy  time.Duration `mapstructure:"deploy" validate:"gt=0"`
}

// TelemetrySettings configure logging, tracing and metrics.
type TelemetrySettings struct {
	LogLevel  string `mapstructure:"log_level" validate:"oneof=trace debug info warn error"`
	LogFormat string `mapstructure:"log_format" validate:"oneof=console json"`

	TracingEnabled  bool   `mapstructure:"tracing_enabled"`
	TracingExporter string `mapstructure:"tracing_exporter" validate:"oneof=stdout otlp"`
	OTLPEndpoint    string `mapstructure:"otlp_endpoint" validate:"required_if=TracingExporter otlp"`

	MetricsEnabled bool   `mapstructure:"metrics_enabled"`
	MetricsAddr    string `mapstructure:"metrics_addr" validate:"required_if=MetricsEnabled true"`
}

var settingsValidator = validator.New()

// Validate checks the settings constraints.
func (s *Settings) Validate() error {
	if err := settingsValidator.Struct(s); err != nil {
		return engine.NewConfigurationError("invalid settings", err).WithOperation("settings")
	}
	return nil
}

// LoadSettings reads settings from defaults, an optional YAML file and
// GOVFRAME_* environment variables. With an empty path govframe.yaml is
// looked up in the working directory and $HOME/.govframe; a missing file is
// not an error.
func LoadSettings(path string) (*Settings, error) {
	v := viper.New()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("govframe")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.govframe")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, engine.NewConfigurationError("failed to read settings", err).WithResource(path)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := bindEnvVars(v); err != nil {
		return nil, err
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, engine.NewConfigurationError("failed to decode settings", err)
	}

	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// DefaultSettings returns the built-in defaults.
func DefaultSettings() *Settings {
	v := viper.New()
	setDefaults(v)

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		panic(fmt.Sprintf("default settings: %v", err))
	}
	return &s
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("store_path", "govframe.db")

	v.SetDefault("aws.region", "us-gov-west-1")
	v.SetDefault("aws.profile", "")
	v.SetDefault("aws.assume_role_name", "OrganizationAccountAccessRole")

	v.SetDefault("notifications.sink", SinkLog)
	v.SetDefault("notifications.topic_arn", "")

	v.SetDefault("artifacts.backend", ArtifactBackendMemory)
	v.SetDefault("artifacts.dir", "")
	v.SetDefault("artifacts.bucket", "")
	v.SetDefault("artifacts.prefix", "outputs")
	v.SetDefault("artifacts.source_bucket", "")

	v.SetDefault("retry.max_attempts", 5)
	v.SetDefault("retry.interval", 30*time.Second)
	v.SetDefault("account_poll.max_attempts", 10)
	v.SetDefault("account_poll.interval", 20*time.Second)

	v.SetDefault("timeouts.control", 5*time.Minute)
	v.SetDefault("timeouts.account", 15*time.Minute)
	v.SetDefault("timeouts.deploy", 4*time.Hour)

	v.SetDefault("parallelism", 10)
	v.SetDefault("deploy_mode", DeployModeRunner)
	v.SetDefault("policies", []string{})

	v.SetDefault("telemetry.log_level", "info")
	v.SetDefault("telemetry.log_format", "console")
	v.SetDefault("telemetry.tracing_enabled", false)
	v.SetDefault("telemetry.tracing_exporter", "stdout")
	v.SetDefault("telemetry.otlp_endpoint", "")
	v.SetDefault("telemetry.metrics_enabled", false)
	v.SetDefault("telemetry.metrics_addr", ":9090")
}

// bindEnvVars binds nested keys explicitly; AutomaticEnv alone does not reach
// them during Unmarshal.
func bindEnvVars(v *viper.Viper) error {
	keys := []string{
		"store_path",
		"aws.region",
		"aws.profile",
		"aws.assume_role_name",
		"notifications.sink",
		"notifications.topic_arn",
		"artifacts.backend",
		"artifacts.dir",
		"artifacts.bucket",
		"artifacts.prefix",
		"artifacts.source_bucket",
		"retry.max_attempts",
		"retry.interval",
		"account_poll.max_attempts",
		"account_poll.interval",
		"timeouts.control",
		"timeouts.account",
		"timeouts.deploy",
		"parallelism",
		"deploy_mode",
		"policies",
		"telemetry.log_level",
		"telemetry.log_format",
		"telemetry.tracing_enabled",
		"telemetry.tracing_exporter",
		"telemetry.otlp_endpoint",
		"telemetry.metrics_enabled",
		"telemetry.metrics_addr",
	}
	for _, key := range keys {
		if err := v.BindEnv(key); err != nil {
			return fmt.Errorf("failed to bind env var %q: %w", key, err)
		}
	}
	return nil
}
