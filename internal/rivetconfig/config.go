// Package rivetconfig loads runtime defaults from an embedded YAML file and
// overlays the §6 environment-variable table, the way backend/config.Load
// seeds defaults from an embedded YAML then overlays a DB-backed live
// config. Here the overlay source is the environment, since this is a
// library embedded into a host process rather than a service with its own
// admin-editable config row.
package rivetconfig

import (
	_ "embed"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed defaults.yaml
var defaultsYAML []byte

// Defaults holds the per-registry tunables that actor definitions may
// override individually.
type Defaults struct {
	SleepTimeout    time.Duration `yaml:"sleep_timeout"`
	RunStopTimeout  time.Duration `yaml:"run_stop_timeout"`
	MailboxCapacity int           `yaml:"mailbox_capacity"`
	ActionTimeout   time.Duration `yaml:"action_timeout"`
	WakeTimeout     time.Duration `yaml:"wake_timeout"`
	QueueTimeout    time.Duration `yaml:"queue_timeout"`
	ReconnectDelay  time.Duration `yaml:"reconnect_delay"`
}

// rawDefaults mirrors Defaults with string durations, since yaml.v3 doesn't
// unmarshal "30s" into time.Duration on its own.
type rawDefaults struct {
	SleepTimeout    string `yaml:"sleep_timeout"`
	RunStopTimeout  string `yaml:"run_stop_timeout"`
	MailboxCapacity int    `yaml:"mailbox_capacity"`
	ActionTimeout   string `yaml:"action_timeout"`
	WakeTimeout     string `yaml:"wake_timeout"`
	QueueTimeout    string `yaml:"queue_timeout"`
	ReconnectDelay  string `yaml:"reconnect_delay"`
}

func LoadDefaults() Defaults {
	var raw rawDefaults
	_ = yaml.Unmarshal(defaultsYAML, &raw)
	return Defaults{
		SleepTimeout:    dur(raw.SleepTimeout, 30*time.Second),
		RunStopTimeout:  dur(raw.RunStopTimeout, 10*time.Second),
		MailboxCapacity: orInt(raw.MailboxCapacity, 256),
		ActionTimeout:   dur(raw.ActionTimeout, 10*time.Second),
		WakeTimeout:     dur(raw.WakeTimeout, 5*time.Second),
		QueueTimeout:    dur(raw.QueueTimeout, 30*time.Second),
		ReconnectDelay:  dur(raw.ReconnectDelay, 5*time.Second),
	}
}

func dur(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

func orInt(v, fallback int) int {
	if v == 0 {
		return fallback
	}
	return v
}

// Env holds the §6 environment-variable table.
type Env struct {
	// Engine-driver connection.
	RivetEndpoint  string
	RivetToken     string
	RivetNamespace string
	RivetRunner    string

	// Runner capacity/identity.
	RivetTotalSlots int
	RivetRunnerKey  string

	// Admin endpoint auth & enablement.
	InspectorToken   string
	InspectorDisable bool

	// Filesystem driver root.
	StoragePath string

	// Logging controls.
	LogLevel     string
	LogTarget    string
	LogTimestamp bool

	// Listener defaults.
	Port     string
	Hostname string
}

// EnvFromOS reads Env from the process environment, applying the documented
// defaults for anything unset.
func EnvFromOS() Env {
	e := Env{
		RivetEndpoint:    os.Getenv("RIVET_ENDPOINT"),
		RivetToken:       os.Getenv("RIVET_TOKEN"),
		RivetNamespace:   os.Getenv("RIVET_NAMESPACE"),
		RivetRunner:      os.Getenv("RIVET_RUNNER"),
		RivetRunnerKey:   os.Getenv("RIVET_RUNNER_KEY"),
		InspectorToken:   os.Getenv("RIVETKIT_INSPECTOR_TOKEN"),
		InspectorDisable: boolEnv("RIVETKIT_INSPECTOR_DISABLE", false),
		StoragePath:      envOr("RIVETKIT_STORAGE_PATH", "./rivetkit-data"),
		LogLevel:         envOr("RIVET_LOG_LEVEL", "info"),
		LogTarget:        envOr("RIVET_LOG_TARGET", "stdout"),
		LogTimestamp:     boolEnv("RIVET_LOG_TIMESTAMP", true),
		Port:             envOr("PORT", "8080"),
		Hostname:         envOr("HOSTNAME", "0.0.0.0"),
	}
	if v := os.Getenv("RIVET_TOTAL_SLOTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			e.RivetTotalSlots = n
		}
	}
	return e
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func boolEnv(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

// UsesEngineDriver reports whether enough of the engine-driver connection
// is configured to dial the external cluster. Mirrors the teacher's
// graceful-degradation pattern for optional downstream clients
// (backend/main.go: convClient/thumbClient are nil when their URL env var
// is unset).
func (e Env) UsesEngineDriver() bool {
	return e.RivetEndpoint != ""
}
