// Package config provides configuration loading from flags, environment variables and files.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ServiceConfig holds configuration for the automation service.
type ServiceConfig struct {
	Port              string
	MetricsPort       string
	APIKey            string
	ShutdownDrainWait time.Duration // Time to wait for load balancer to drain (0 to skip)
	LogLevel          string

	WorkDir      string // Per-job working directories live under here
	UploadDir    string // Already-persisted user uploads
	ScriptsDir   string // Worker executables
	ServicesFile string // Optional YAML service catalog

	DatabasePath string   // SQLite file for ledger and history; empty keeps both in memory
	AdminUsers   []string // Privileged users bypass credit reservation

	JobRetention        time.Duration
	MaintenanceInterval time.Duration
	TerminateGrace      time.Duration

	StartRatePerMinute int
	StartBurst         int

	PythonRuntime string // Explicit interpreter path; probed on PATH when empty
	DockerEnabled bool

	ArchiveBucket string
	ArchivePrefix string
}

// NewViper returns a viper instance with defaults registered and environment binding enabled.
// Keys map to upper-case environment variables, e.g. "work_dir" reads WORK_DIR.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetDefault("port", "8080")
	v.SetDefault("metrics_port", "9090")
	v.SetDefault("api_key_file", "")
	v.SetDefault("shutdown_drain_wait", 5*time.Second)
	v.SetDefault("log_level", "info")
	v.SetDefault("work_dir", "data/jobs")
	v.SetDefault("upload_dir", "data/uploads")
	v.SetDefault("scripts_dir", "automation_scripts")
	v.SetDefault("services_file", "")
	v.SetDefault("database_path", "")
	v.SetDefault("admin_users", "")
	v.SetDefault("job_retention", time.Hour)
	v.SetDefault("maintenance_interval", time.Minute)
	v.SetDefault("terminate_grace", 10*time.Second)
	v.SetDefault("start_rate", 30)
	v.SetDefault("start_burst", 5)
	v.SetDefault("runtime_python", "")
	v.SetDefault("docker_enabled", false)
	v.SetDefault("archive_bucket", "")
	v.SetDefault("archive_prefix", "automation")

	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the service configuration. If file is non-empty it is merged
// beneath environment variables and explicitly set flags.
func Load(v *viper.Viper, file string) (*ServiceConfig, error) {
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", file, err)
		}
	}

	cfg := &ServiceConfig{
		Port:                v.GetString("port"),
		MetricsPort:         v.GetString("metrics_port"),
		APIKey:              GetSecretFile(v.GetString("api_key_file")),
		ShutdownDrainWait:   v.GetDuration("shutdown_drain_wait"),
		LogLevel:            v.GetString("log_level"),
		WorkDir:             v.GetString("work_dir"),
		UploadDir:           v.GetString("upload_dir"),
		ScriptsDir:          v.GetString("scripts_dir"),
		ServicesFile:        v.GetString("services_file"),
		DatabasePath:        v.GetString("database_path"),
		AdminUsers:          SplitList(v.GetString("admin_users")),
		JobRetention:        v.GetDuration("job_retention"),
		MaintenanceInterval: v.GetDuration("maintenance_interval"),
		TerminateGrace:      v.GetDuration("terminate_grace"),
		StartRatePerMinute:  v.GetInt("start_rate"),
		StartBurst:          v.GetInt("start_burst"),
		PythonRuntime:       v.GetString("runtime_python"),
		DockerEnabled:       v.GetBool("docker_enabled"),
		ArchiveBucket:       v.GetString("archive_bucket"),
		ArchivePrefix:       v.GetString("archive_prefix"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *ServiceConfig) validate() error {
	if c.WorkDir == "" {
		return fmt.Errorf("work_dir is required")
	}
	if c.UploadDir == "" {
		return fmt.Errorf("upload_dir is required")
	}
	if c.JobRetention <= 0 {
		return fmt.Errorf("job_retention must be positive")
	}
	if c.MaintenanceInterval <= 0 {
		return fmt.Errorf("maintenance_interval must be positive")
	}
	if c.StartRatePerMinute < 0 || c.StartBurst < 0 {
		return fmt.Errorf("start_rate and start_burst must not be negative")
	}
	return nil
}
