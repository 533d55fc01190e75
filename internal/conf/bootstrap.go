// Package conf provides configuration management using Viper.
// It supports loading configuration from YAML files and environment variables,
// with CLI flag overrides.
package conf

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"google.golang.org/protobuf/types/known/durationpb"
)

// NewBootstrap creates and initializes a Bootstrap configuration.
// It loads configuration from the specified config file path, applies defaults,
// and allows overrides from environment variables prefixed with RELAYGUARD_.
//
// Configuration priority: CLI flags > Environment variables > Config file > Defaults
//
// Required environment variables:
//   - MYSQL_DSN or RELAYGUARD_DATA_DATABASE_SOURCE: catalog database connection string
//
// Parameters:
//   - configPath: Path to the configuration file or directory
//
// Returns:
//   - *Bootstrap: Loaded configuration
//   - error: Configuration loading or validation error
func NewBootstrap(configPath string) (*Bootstrap, error) {
	v := viper.New()

	// Set default values
	setDefaults(v)

	// Enable environment variable support with RELAYGUARD_ prefix
	v.SetEnvPrefix("RELAYGUARD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Bind well-known environment variable names for required fields
	_ = v.BindEnv("data.database.source", "MYSQL_DSN", "RELAYGUARD_DATA_DATABASE_SOURCE")
	_ = v.BindEnv("data.redis.addr", "REDIS_ADDR", "RELAYGUARD_DATA_REDIS_ADDR")

	// Load configuration file
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			// If config file is specified but not found, return error
			return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
		}
	}

	// Parse configuration into Bootstrap structure
	bc := &Bootstrap{
		Server: &Server{
			Http: &Server_HTTP{
				Network: v.GetString("server.http.network"),
				Addr:    v.GetString("server.http.addr"),
				Timeout: durationpb.New(v.GetDuration("server.http.timeout")),
			},
		},
		Data: &Data{
			Database: &Data_Database{
				Driver: v.GetString("data.database.driver"),
				Source: v.GetString("data.database.source"),
			},
			Redis: &Data_Redis{
				Network:      v.GetString("data.redis.network"),
				Addr:         v.GetString("data.redis.addr"),
				ReadTimeout:  durationpb.New(v.GetDuration("data.redis.read_timeout")),
				WriteTimeout: durationpb.New(v.GetDuration("data.redis.write_timeout")),
			},
		},
		Gateway: &Gateway{
			Admission: &Gateway_Admission{
				SessionTtl:  durationpb.New(v.GetDuration("gateway.admission.session_ttl")),
				GlobalLimit: v.GetInt32("gateway.admission.global_limit"),
			},
			Breaker: &Gateway_Breaker{
				ConfigTtl:                       durationpb.New(v.GetDuration("gateway.breaker.config_ttl")),
				StateTtl:                        durationpb.New(v.GetDuration("gateway.breaker.state_ttl")),
				InvalidationChannel:             v.GetString("gateway.breaker.invalidation_channel"),
				DefaultFailureThreshold:         v.GetInt32("gateway.breaker.default_failure_threshold"),
				DefaultOpenDuration:             durationpb.New(v.GetDuration("gateway.breaker.default_open_duration")),
				DefaultHalfOpenSuccessThreshold: v.GetInt32("gateway.breaker.default_half_open_success_threshold"),
			},
			Lease: &Gateway_Lease{
				RefreshInterval: durationpb.New(v.GetDuration("gateway.lease.refresh_interval")),
				Percent:         v.GetFloat64("gateway.lease.percent"),
				CapUsd:          v.GetFloat64("gateway.lease.cap_usd"),
			},
			Prober: &Gateway_Prober{
				Interval:     durationpb.New(v.GetDuration("gateway.prober.interval")),
				BatchSize:    v.GetInt32("gateway.prober.batch_size"),
				Concurrency:  v.GetInt32("gateway.prober.concurrency"),
				Timeout:      durationpb.New(v.GetDuration("gateway.prober.timeout")),
				LogRetention: durationpb.New(v.GetDuration("gateway.prober.log_retention")),
			},
		},
		Log: &Log{
			Level:      v.GetString("log.level"),
			Format:     v.GetString("log.format"),
			OutputFile: v.GetString("log.output_file"),
			Env:        v.GetString("log.env"),
		},
	}

	// Validate required fields
	if err := Validate(bc); err != nil {
		return nil, err
	}

	return bc, nil
}

// setDefaults sets default configuration values.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.http.network", "tcp")
	v.SetDefault("server.http.addr", ":8080")
	v.SetDefault("server.http.timeout", 10*time.Minute)

	// Data defaults
	v.SetDefault("data.database.driver", "mysql")
	// Note: data.database.source (MYSQL_DSN) is required from environment

	v.SetDefault("data.redis.network", "tcp")
	v.SetDefault("data.redis.addr", "127.0.0.1:6379")
	v.SetDefault("data.redis.read_timeout", 200*time.Millisecond)
	v.SetDefault("data.redis.write_timeout", 200*time.Millisecond)

	// Admission defaults: sessions age out after five minutes without a
	// heartbeat, matching the sliding-window TTL enforced in Redis.
	v.SetDefault("gateway.admission.session_ttl", 5*time.Minute)
	v.SetDefault("gateway.admission.global_limit", 0)

	// Breaker defaults
	v.SetDefault("gateway.breaker.config_ttl", 5*time.Minute)
	v.SetDefault("gateway.breaker.state_ttl", 24*time.Hour)
	v.SetDefault("gateway.breaker.invalidation_channel", "relayguard:breaker:invalidate")
	v.SetDefault("gateway.breaker.default_failure_threshold", 5)
	v.SetDefault("gateway.breaker.default_open_duration", 5*time.Minute)
	v.SetDefault("gateway.breaker.default_half_open_success_threshold", 3)

	// Lease defaults
	v.SetDefault("gateway.lease.refresh_interval", 10*time.Second)
	v.SetDefault("gateway.lease.percent", 0.05)
	v.SetDefault("gateway.lease.cap_usd", 0.0)

	// Prober defaults
	v.SetDefault("gateway.prober.interval", 30*time.Second)
	v.SetDefault("gateway.prober.batch_size", 10)
	v.SetDefault("gateway.prober.concurrency", 4)
	v.SetDefault("gateway.prober.timeout", 5*time.Second)
	v.SetDefault("gateway.prober.log_retention", 7*24*time.Hour)

	// Log defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// Validate checks that all required configuration fields are present and valid.
// It returns an error listing all missing required fields.
func Validate(bc *Bootstrap) error {
	var missingFields []string

	// Check required database configuration
	if bc.Data == nil || bc.Data.Database == nil || bc.Data.Database.Source == "" {
		missingFields = append(missingFields, "data.database.source (MYSQL_DSN)")
	}

	if len(missingFields) > 0 {
		return fmt.Errorf("missing required configuration fields: %s", strings.Join(missingFields, ", "))
	}

	// Lease percent must be a sane fraction; a misconfigured value here
	// silently over- or under-grants budget to every instance.
	if bc.Gateway != nil && bc.Gateway.Lease != nil {
		if p := bc.Gateway.Lease.Percent; p <= 0 || p > 1 {
			return fmt.Errorf("gateway.lease.percent must be in (0, 1], got %v", p)
		}
	}

	return nil
}
