// Package config loads and validates the foreman's startup configuration
// object (spec.md §6): bind host, protocol/admin ports, database location,
// scheduler strategy name, and the durations used by §5/§4.9. Grounded on
// the teacher's internal/cli.Config YAML struct, with struct-tag validation
// added the way R4cc-ModSentinel and Geocoder89-event-hub validate their
// own config/request structs.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

var validate = validator.New()

// Config is the single startup configuration object spec.md §6 names.
type Config struct {
	BindHost string `yaml:"bind_host" validate:"required"`
	Port     int    `yaml:"port" validate:"required,gt=0,lt=65536"`
	AdminPort int   `yaml:"admin_port" validate:"required,gt=0,lt=65536"`

	DatabasePath  string `yaml:"database_path" validate:"required"`
	CheckpointDir string `yaml:"checkpoint_dir" validate:"required"`

	Scheduler string `yaml:"scheduler" validate:"required,oneof=fifo round_robin least_loaded performance priority pso"`

	MaxConcurrentTasksPerWorker int `yaml:"max_concurrent_tasks_per_worker" validate:"required,gt=0"`
	MaxAttempts                 int `yaml:"max_attempts" validate:"required,gt=0"`

	HeartbeatTimeout   time.Duration `yaml:"heartbeat_timeout" validate:"required,gt=0"`
	TaskStaleAfter     time.Duration `yaml:"task_stale_after" validate:"required,gt=0"`
	SupervisorInterval time.Duration `yaml:"supervisor_interval" validate:"required,gt=0"`
	SendTimeout        time.Duration `yaml:"send_timeout" validate:"required,gt=0"`
	DispatchInterval   time.Duration `yaml:"dispatch_interval" validate:"required,gt=0"`
}

// Default returns the configuration spec.md §6/§5 names as defaults:
// protocol port 9000, admin port 8000, 10s send timeout, 60s heartbeat
// timeout, stale-after 5x that.
func Default() Config {
	return Config{
		BindHost:                    "0.0.0.0",
		Port:                        9000,
		AdminPort:                   8000,
		DatabasePath:                "foreman.db",
		CheckpointDir:               "checkpoints",
		Scheduler:                   "fifo",
		MaxConcurrentTasksPerWorker: 1,
		MaxAttempts:                 3,
		HeartbeatTimeout:            60 * time.Second,
		TaskStaleAfter:              5 * 60 * time.Second,
		SupervisorInterval:          5 * time.Second,
		SendTimeout:                 10 * time.Second,
		DispatchInterval:            250 * time.Millisecond,
	}
}

// Load reads a YAML config file, overlaying it on Default(), then validates
// the result. Fields the file omits keep their Default() values, so a config
// file only needs to override what it cares about; a path that cannot be
// read is an error.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}

	if err := validate.Struct(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: invalid: %w", err)
	}
	return cfg, nil
}
