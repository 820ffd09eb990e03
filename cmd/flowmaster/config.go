package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/rendis/flowmaster/internal/dispatch"
	"github.com/rendis/flowmaster/internal/engine"
)

// Duration is a time.Duration read from settings.json as "30s" or as nanoseconds.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		var n int64
		if err := json.Unmarshal(b, &n); err != nil {
			return fmt.Errorf("duration must be a string or an integer: %s", b)
		}
		*d = Duration(n)
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Config holds all flowmaster configuration.
// Priority: env vars > .env > settings.json > defaults.
type Config struct {
	ListenAddr string `json:"listen_addr"`
	// Host is the address workers call back on. Derived from ListenAddr when empty.
	Host      string `json:"host"`
	DBPath    string `json:"db_path"`
	LogLevel  string `json:"log_level"`
	LogFormat string `json:"log_format"`
	Metrics   bool   `json:"metrics"`

	PoolSize         int `json:"pool_size"`
	DispatchPoolSize int `json:"dispatch_pool_size"`

	// Workers is the static worker list, see dispatch.ParseWorkers.
	Workers         string   `json:"workers"`
	EtcdEndpoints   []string `json:"etcd_endpoints"`
	EtcdPrefix      string   `json:"etcd_prefix"`
	LoadBalancer    string   `json:"load_balancer"`
	DispatchTimeout Duration `json:"dispatch_timeout"`
	DispatchRetries int      `json:"dispatch_retries"`
	// RedispatchDelay is how long a task no worker took waits before it is offered again.
	RedispatchDelay Duration `json:"redispatch_delay"`

	DefaultWorkerGroup     string   `json:"default_worker_group"`
	DefaultEnvironmentCode int64    `json:"default_environment_code"`
	RetryIntervalUnit      Duration `json:"retry_interval_unit"`
	DependentCheckInterval Duration `json:"dependent_check_interval"`
	CommandPollInterval    Duration `json:"command_poll_interval"`
	CommandBatchSize       int      `json:"command_batch_size"`
	SchedulerInterval      Duration `json:"scheduler_interval"`

	LogBase     string `json:"log_base"`
	ExecuteBase string `json:"execute_base"`
}

func defaultConfig() Config {
	return Config{
		ListenAddr:             ":5678",
		DBPath:                 filepath.Join(flowmasterDir(), "flowmaster.db"),
		LogLevel:               "info",
		LogFormat:              "text",
		Metrics:                true,
		PoolSize:               64,
		DispatchPoolSize:       16,
		EtcdPrefix:             "/flowmaster",
		LoadBalancer:           dispatch.PolicyRoundRobin,
		DispatchTimeout:        Duration(dispatch.DefaultDispatchTimeout),
		DispatchRetries:        3,
		RedispatchDelay:        Duration(engine.DefaultRedispatchDelay),
		DefaultWorkerGroup:     dispatch.DefaultGroup,
		RetryIntervalUnit:      Duration(time.Minute),
		DependentCheckInterval: Duration(10 * time.Second),
		CommandPollInterval:    Duration(time.Second),
		CommandBatchSize:       10,
		SchedulerInterval:      Duration(time.Second),
		LogBase:                filepath.Join(flowmasterDir(), "logs"),
		ExecuteBase:            "/tmp/flowmaster/exec",
	}
}

func flowmasterDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".flowmaster"
	}
	return filepath.Join(home, ".flowmaster")
}

func settingsPath() string {
	return filepath.Join(flowmasterDir(), "settings.json")
}

// loadConfig layers the settings file (settings.json under ~/.flowmaster
// when path is empty), then .env, then FLOWMASTER_* variables over the
// defaults. Variables already set win over .env. The result is not validated.
func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()
	if path == "" {
		path = settingsPath()
	}

	if data, err := os.ReadFile(path); err == nil {
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return cfg, fmt.Errorf("read %s: %w", path, err)
	}

	_ = godotenv.Load()

	if err := applyEnv(&cfg, os.Getenv); err != nil {
		return cfg, err
	}

	if cfg.Host == "" {
		cfg.Host = advertisedHost(cfg.ListenAddr)
	}
	return cfg, nil
}

// applyEnv overrides cfg with the FLOWMASTER_* variables returned by getenv.
func applyEnv(cfg *Config, getenv func(string) string) error {
	str := func(key string, dst *string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	var errs []string
	num := func(key string, dst *int) {
		if v := getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, key)
				return
			}
			*dst = n
		}
	}
	dur := func(key string, dst *Duration) {
		if v := getenv(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, key)
				return
			}
			*dst = Duration(d)
		}
	}

	str("FLOWMASTER_LISTEN_ADDR", &cfg.ListenAddr)
	str("FLOWMASTER_HOST", &cfg.Host)
	str("FLOWMASTER_DB_PATH", &cfg.DBPath)
	str("FLOWMASTER_LOG_LEVEL", &cfg.LogLevel)
	str("FLOWMASTER_LOG_FORMAT", &cfg.LogFormat)
	if v := getenv("FLOWMASTER_METRICS"); v != "" {
		cfg.Metrics = v == "true" || v == "1"
	}
	num("FLOWMASTER_POOL_SIZE", &cfg.PoolSize)
	num("FLOWMASTER_DISPATCH_POOL_SIZE", &cfg.DispatchPoolSize)
	str("FLOWMASTER_WORKERS", &cfg.Workers)
	if v := getenv("FLOWMASTER_ETCD_ENDPOINTS"); v != "" {
		cfg.EtcdEndpoints = splitList(v)
	}
	str("FLOWMASTER_ETCD_PREFIX", &cfg.EtcdPrefix)
	str("FLOWMASTER_LOAD_BALANCER", &cfg.LoadBalancer)
	dur("FLOWMASTER_DISPATCH_TIMEOUT", &cfg.DispatchTimeout)
	num("FLOWMASTER_DISPATCH_RETRIES", &cfg.DispatchRetries)
	dur("FLOWMASTER_REDISPATCH_DELAY", &cfg.RedispatchDelay)
	str("FLOWMASTER_DEFAULT_WORKER_GROUP", &cfg.DefaultWorkerGroup)
	if v := getenv("FLOWMASTER_DEFAULT_ENVIRONMENT_CODE"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			errs = append(errs, "FLOWMASTER_DEFAULT_ENVIRONMENT_CODE")
		} else {
			cfg.DefaultEnvironmentCode = n
		}
	}
	dur("FLOWMASTER_RETRY_INTERVAL_UNIT", &cfg.RetryIntervalUnit)
	dur("FLOWMASTER_DEPENDENT_CHECK_INTERVAL", &cfg.DependentCheckInterval)
	dur("FLOWMASTER_COMMAND_POLL_INTERVAL", &cfg.CommandPollInterval)
	num("FLOWMASTER_COMMAND_BATCH_SIZE", &cfg.CommandBatchSize)
	dur("FLOWMASTER_SCHEDULER_INTERVAL", &cfg.SchedulerInterval)
	str("FLOWMASTER_LOG_BASE", &cfg.LogBase)
	str("FLOWMASTER_EXECUTE_BASE", &cfg.ExecuteBase)

	if len(errs) > 0 {
		return fmt.Errorf("invalid value for %s", strings.Join(errs, ", "))
	}
	return nil
}

func (c Config) validate() error {
	if c.Workers == "" && len(c.EtcdEndpoints) == 0 {
		return fmt.Errorf("no worker source: set workers or etcd_endpoints")
	}
	if c.Workers != "" {
		if _, err := dispatch.ParseWorkers(c.Workers); err != nil {
			return err
		}
	}
	if c.DispatchRetries < 1 {
		return fmt.Errorf("dispatch_retries must be at least 1")
	}
	return nil
}

// advertisedHost turns a listen address into one workers can dial.
func advertisedHost(listen string) string {
	host, port, err := net.SplitHostPort(listen)
	if err != nil {
		return listen
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		if h, err := os.Hostname(); err == nil {
			host = h
		} else {
			host = "localhost"
		}
	}
	return net.JoinHostPort(host, port)
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// configDiff describes what changed between two configurations.
type configDiff struct {
	LogLevelChanged bool
	MetricsChanged  bool
	WorkersChanged  bool
	RestartNeeded   []string // fields that require a master restart
}

func diffConfigs(old, new Config) configDiff {
	var d configDiff
	d.LogLevelChanged = old.LogLevel != new.LogLevel
	d.MetricsChanged = old.Metrics != new.Metrics
	d.WorkersChanged = old.Workers != new.Workers

	restart := func(name string, changed bool) {
		if changed {
			d.RestartNeeded = append(d.RestartNeeded, name)
		}
	}
	restart("listen_addr", old.ListenAddr != new.ListenAddr)
	restart("host", old.Host != new.Host)
	restart("db_path", old.DBPath != new.DBPath)
	restart("log_format", old.LogFormat != new.LogFormat)
	restart("pool_size", old.PoolSize != new.PoolSize)
	restart("dispatch_pool_size", old.DispatchPoolSize != new.DispatchPoolSize)
	restart("etcd_endpoints", !slices.Equal(old.EtcdEndpoints, new.EtcdEndpoints))
	restart("etcd_prefix", old.EtcdPrefix != new.EtcdPrefix)
	restart("load_balancer", old.LoadBalancer != new.LoadBalancer)
	restart("dispatch_timeout", old.DispatchTimeout != new.DispatchTimeout)
	restart("dispatch_retries", old.DispatchRetries != new.DispatchRetries)
	restart("redispatch_delay", old.RedispatchDelay != new.RedispatchDelay)
	restart("default_worker_group", old.DefaultWorkerGroup != new.DefaultWorkerGroup)
	restart("default_environment_code", old.DefaultEnvironmentCode != new.DefaultEnvironmentCode)
	restart("retry_interval_unit", old.RetryIntervalUnit != new.RetryIntervalUnit)
	restart("dependent_check_interval", old.DependentCheckInterval != new.DependentCheckInterval)
	restart("command_poll_interval", old.CommandPollInterval != new.CommandPollInterval)
	restart("command_batch_size", old.CommandBatchSize != new.CommandBatchSize)
	restart("scheduler_interval", old.SchedulerInterval != new.SchedulerInterval)
	restart("log_base", old.LogBase != new.LogBase)
	restart("execute_base", old.ExecuteBase != new.ExecuteBase)
	return d
}
