// Package config implements the layered configuration resolver consumed by
// the database manager, the processor, and the operational manager.
//
// Configuration is a flat key space whose keys encode their scope:
// "<env>_<scope>_<key>", uppercased. Scope is either a flow name or the
// literal "global". Lookup precedence for a given environment, optional
// flow, and key is:
//
//  1. <ENV>_<FLOW>_<KEY>   (env × flow-specific override)
//  2. <ENV>_GLOBAL_<KEY>   (env-wide default)
//  3. a static, compiled-in default
//
// Values are sourced from environment variables (via viper's automatic env
// binding) with an optional YAML file providing the static layer, mirroring
// the teacher's viper-based config loading.
package config

import (
	"fmt"
	"strings"
	"time"

	"os"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/spf13/viper"
)

// globalScope is the scope literal used for environment-wide (non-flow)
// overrides.
const globalScope = "global"

// ErrConfigMissing is returned when a required key has no value at any
// layer of the lookup.
type ErrConfigMissing struct {
	Key string
	Env string
}

func (e *ErrConfigMissing) Error() string {
	return fmt.Sprintf("config: required key %q has no value in environment %q", e.Key, e.Env)
}

// ConfigSource is the interface the rest of the system depends on instead
// of a concrete viper-backed type, per the duck-typed-to-explicit-interface
// redesign.
type ConfigSource interface {
	GetVariable(flow, key string, def ...string) (string, error)
	GetSecret(key string) (string, error)
	GetDistributedConfig() (DistributedConfig, error)
	GetDatabaseConfig(logicalName string) (DatabaseConfig, error)
}

// SecretStore abstracts secret lookup so a vault-backed implementation can
// replace the environment-backed default without touching callers.
type SecretStore interface {
	GetSecret(key string) (string, bool)
}

// DistributedConfig holds the processor-tuning options recognized by §4.A.
type DistributedConfig struct {
	DefaultBatchSize    int
	CleanupTimeoutHours float64
	MaxRetries          int
	HealthCheckInterval time.Duration
}

// DatabaseConfig describes one named connection pool's shape and dialect.
type DatabaseConfig struct {
	Type             string
	ConnectionString string
	PoolSize         int
	MaxOverflow      int
	Timeout          time.Duration
}

// Resolver implements ConfigSource over viper plus a secret store, with a
// bounded LRU cache over resolved (flow, key) lookups so a hot batch loop
// doesn't re-walk the layers on every call.
type Resolver struct {
	env     string
	v       *viper.Viper
	secrets SecretStore
	cache   *lru.Cache[string, string]
}

// NewResolver builds a Resolver for the given environment ("production",
// "staging", ...). configFile may be empty to rely on environment
// variables and defaults only.
func NewResolver(env, configFile string, secrets SecretStore) (*Resolver, error) {
	v := viper.New()
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("config: reading config file: %w", err)
			}
		}
	}

	if secrets == nil {
		secrets = EnvSecretStore{}
	}

	cache, err := lru.New[string, string](512)
	if err != nil {
		return nil, fmt.Errorf("config: creating lookup cache: %w", err)
	}

	return &Resolver{env: strings.ToLower(env), v: v, secrets: secrets, cache: cache}, nil
}

// GetVariable resolves key under the optional flow scope, falling back to
// the global scope, then to the compiled-in static defaults, and then to def
// (if supplied). Returns ErrConfigMissing when no layer resolves it and no
// default is given.
func (r *Resolver) GetVariable(flow, key string, def ...string) (string, error) {
	if flow != "" {
		if v, ok := r.lookup(flow, key); ok {
			return v, nil
		}
	}
	if v, ok := r.lookup(globalScope, key); ok {
		return v, nil
	}
	if v, ok := staticDefaults[strings.ToLower(key)]; ok {
		return v, nil
	}
	if len(def) > 0 {
		return def[0], nil
	}
	return "", &ErrConfigMissing{Key: key, Env: r.env}
}

// GetSecret resolves a secret through the configured SecretStore using the
// global-scope naming convention as variables: "<ENV>_GLOBAL_SECRET_<KEY>".
func (r *Resolver) GetSecret(key string) (string, error) {
	fullKey := r.composeKey(globalScope, "secret_"+key)
	if v, ok := r.secrets.GetSecret(fullKey); ok {
		return v, nil
	}
	return "", &ErrConfigMissing{Key: key, Env: r.env}
}

// GetDistributedConfig resolves the processor's global tuning knobs.
func (r *Resolver) GetDistributedConfig() (DistributedConfig, error) {
	batchSize, err := r.intVar("", "default_batch_size", 50)
	if err != nil {
		return DistributedConfig{}, err
	}
	cleanup, err := r.floatVar("", "cleanup_timeout_hours", 1.0)
	if err != nil {
		return DistributedConfig{}, err
	}
	maxRetries, err := r.intVar("", "max_retries", 3)
	if err != nil {
		return DistributedConfig{}, err
	}
	interval, err := r.durationVar("", "health_check_interval", 30*time.Second)
	if err != nil {
		return DistributedConfig{}, err
	}

	return DistributedConfig{
		DefaultBatchSize:    batchSize,
		CleanupTimeoutHours: cleanup,
		MaxRetries:          maxRetries,
		HealthCheckInterval: interval,
	}, nil
}

// GetDatabaseConfig resolves the pool shape for a logical database name
// (e.g. "queue", "source").
func (r *Resolver) GetDatabaseConfig(logicalDB string) (DatabaseConfig, error) {
	prefix := logicalDB + "_"

	dbType, err := r.GetVariable("", prefix+"type", "postgres")
	if err != nil {
		return DatabaseConfig{}, err
	}
	dsn, err := r.GetVariable("", prefix+"connection_string")
	if err != nil {
		return DatabaseConfig{}, err
	}
	poolSize, err := r.intVar("", prefix+"pool_size", 10)
	if err != nil {
		return DatabaseConfig{}, err
	}
	overflow, err := r.intVar("", prefix+"max_overflow", 5)
	if err != nil {
		return DatabaseConfig{}, err
	}
	timeout, err := r.durationVar("", prefix+"timeout", 30*time.Second)
	if err != nil {
		return DatabaseConfig{}, err
	}

	return DatabaseConfig{
		Type:             dbType,
		ConnectionString: dsn,
		PoolSize:         poolSize,
		MaxOverflow:      overflow,
		Timeout:          timeout,
	}, nil
}

func (r *Resolver) intVar(flow, key string, def int) (int, error) {
	s, err := r.GetVariable(flow, key, fmt.Sprintf("%d", def))
	if err != nil {
		return 0, err
	}
	var out int
	if _, err := fmt.Sscanf(s, "%d", &out); err != nil {
		return 0, fmt.Errorf("config: %q is not an integer: %w", key, err)
	}
	return out, nil
}

func (r *Resolver) floatVar(flow, key string, def float64) (float64, error) {
	s, err := r.GetVariable(flow, key, fmt.Sprintf("%v", def))
	if err != nil {
		return 0, err
	}
	var out float64
	if _, err := fmt.Sscanf(s, "%g", &out); err != nil {
		return 0, fmt.Errorf("config: %q is not a number: %w", key, err)
	}
	return out, nil
}

func (r *Resolver) durationVar(flow, key string, def time.Duration) (time.Duration, error) {
	s, err := r.GetVariable(flow, key, def.String())
	if err != nil {
		return 0, err
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("config: %q is not a duration: %w", key, err)
	}
	return d, nil
}

// lookup checks the cache, then viper, for the fully composed key.
func (r *Resolver) lookup(scope, key string) (string, bool) {
	fullKey := r.composeKey(scope, key)

	if v, ok := r.cache.Get(fullKey); ok {
		return v, v != ""
	}

	if !r.v.IsSet(fullKey) {
		r.cache.Add(fullKey, "")
		return "", false
	}

	v := r.v.GetString(fullKey)
	r.cache.Add(fullKey, v)
	return v, true
}

func (r *Resolver) composeKey(scope, key string) string {
	return strings.ToLower(fmt.Sprintf("%s_%s_%s", r.env, scope, key))
}

// staticDefaults is the last-resort layer for options spec §4.A names
// explicitly, when no env var is set at all.
var staticDefaults = map[string]string{
	"default_batch_size":   "50",
	"cleanup_timeout_hours": "1",
	"max_retries":           "3",
	"health_check_interval": "30s",
}

// EnvSecretStore resolves secrets from environment variables using the same
// naming convention as regular variables. It is the default SecretStore.
type EnvSecretStore struct{}

func (EnvSecretStore) GetSecret(key string) (string, bool) {
	v := os.Getenv(strings.ToUpper(key))
	return v, v != ""
}
