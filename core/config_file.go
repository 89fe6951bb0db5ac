package core

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// fileOverrides is the on-disk shape LoadConfigFile parses: every field is a
// pointer so "absent from the file" and "explicitly zero" are distinguishable,
// matching LoadFromEnv's "only touch what's set" behavior one layer down. It
// expresses durations in milliseconds, the same unit the env var layer uses,
// so a deployment can move settings between a manifest and env vars freely.
type fileOverrides struct {
	Layers *struct {
		StrategicTTLMs      *int `yaml:"strategic_ttl_ms"`
		DesignTTLMs         *int `yaml:"design_ttl_ms"`
		ImplementationTTLMs *int `yaml:"implementation_ttl_ms"`
	} `yaml:"layers"`

	Backend *struct {
		Mode             *string `yaml:"mode"`
		TimeoutMs        *int    `yaml:"timeout_ms"`
		RetryJitterMsMax *int    `yaml:"retry_jitter_ms_max"`
		LiveEndpoint     *string `yaml:"live_endpoint"`
		LiveAPIKey       *string `yaml:"live_api_key"`
	} `yaml:"backend"`

	Breaker *struct {
		FailureThreshold *int `yaml:"failure_threshold"`
		CooldownMs       *int `yaml:"cooldown_ms"`
	} `yaml:"breaker"`

	Budget *struct {
		PerSessionCents *int `yaml:"per_session_cents"`
		PerHourCents    *int `yaml:"per_hour_cents"`
	} `yaml:"budget"`

	Cache *struct {
		CapacityBytes *int64   `yaml:"capacity_bytes"`
		HighWatermark *float64 `yaml:"high_watermark"`
		Backend       *string  `yaml:"backend"`
		RedisURL      *string  `yaml:"redis_url"`
	} `yaml:"cache"`

	Memory *struct {
		ShortTermMaxAgeDays    *int    `yaml:"short_term_max_age_days"`
		ConsolidationThreshold *int    `yaml:"consolidation_threshold"`
		Backend                *string `yaml:"backend"`
		RedisURL               *string `yaml:"redis_url"`
	} `yaml:"memory"`

	Learning *struct {
		Rate                    *float64 `yaml:"rate"`
		MaxIterationsPerSession *int     `yaml:"max_iterations_per_session"`
		EscalationMagnitude     *float64 `yaml:"escalation_magnitude"`
	} `yaml:"learning"`

	Telemetry *struct {
		Enabled     *bool   `yaml:"enabled"`
		ServiceName *string `yaml:"service_name"`
		Exporter    *string `yaml:"exporter"`
	} `yaml:"telemetry"`

	Logging *struct {
		Level  *string `yaml:"level"`
		Format *string `yaml:"format"`
		Output *string `yaml:"output"`
	} `yaml:"logging"`
}

// LoadConfigFile reads a YAML deployment manifest and applies its overrides
// to c in place. It sits between the struct defaults and the environment
// layer: call it before LoadFromEnv and before applying Options, so a
// manifest can be checked into a repo while secrets and per-run overrides
// still win through env vars and Option values.
func (c *Config) LoadConfigFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("core: read config file %s: %w", path, err)
	}

	var f fileOverrides
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("core: parse config file %s: %w", path, err)
	}
	f.applyTo(c)
	return nil
}

func (f fileOverrides) applyTo(c *Config) {
	if l := f.Layers; l != nil {
		if l.StrategicTTLMs != nil {
			c.Layers.StrategicTTL = time.Duration(*l.StrategicTTLMs) * time.Millisecond
		}
		if l.DesignTTLMs != nil {
			c.Layers.DesignTTL = time.Duration(*l.DesignTTLMs) * time.Millisecond
		}
		if l.ImplementationTTLMs != nil {
			c.Layers.ImplementationTTL = time.Duration(*l.ImplementationTTLMs) * time.Millisecond
		}
	}

	if b := f.Backend; b != nil {
		if b.Mode != nil {
			c.Backend.Mode = BackendMode(*b.Mode)
		}
		if b.TimeoutMs != nil {
			c.Backend.Timeout = time.Duration(*b.TimeoutMs) * time.Millisecond
		}
		if b.RetryJitterMsMax != nil {
			c.Backend.RetryJitterMax = time.Duration(*b.RetryJitterMsMax) * time.Millisecond
		}
		if b.LiveEndpoint != nil {
			c.Backend.LiveEndpoint = *b.LiveEndpoint
		}
		if b.LiveAPIKey != nil {
			c.Backend.LiveAPIKey = *b.LiveAPIKey
		}
	}

	if br := f.Breaker; br != nil {
		if br.FailureThreshold != nil {
			c.Breaker.FailureThreshold = *br.FailureThreshold
		}
		if br.CooldownMs != nil {
			c.Breaker.CooldownMs = time.Duration(*br.CooldownMs) * time.Millisecond
		}
	}

	if bu := f.Budget; bu != nil {
		if bu.PerSessionCents != nil {
			c.Budget.PerSessionCents = *bu.PerSessionCents
		}
		if bu.PerHourCents != nil {
			c.Budget.PerHourCents = *bu.PerHourCents
		}
	}

	if ca := f.Cache; ca != nil {
		if ca.CapacityBytes != nil {
			c.Cache.CapacityBytes = *ca.CapacityBytes
		}
		if ca.HighWatermark != nil {
			c.Cache.HighWatermark = *ca.HighWatermark
		}
		if ca.Backend != nil {
			c.Cache.Backend = *ca.Backend
		}
		if ca.RedisURL != nil {
			c.Cache.RedisURL = *ca.RedisURL
		}
	}

	if m := f.Memory; m != nil {
		if m.ShortTermMaxAgeDays != nil {
			c.Memory.ShortTermMaxAgeDays = *m.ShortTermMaxAgeDays
		}
		if m.ConsolidationThreshold != nil {
			c.Memory.ConsolidationThreshold = *m.ConsolidationThreshold
		}
		if m.Backend != nil {
			c.Memory.Backend = *m.Backend
		}
		if m.RedisURL != nil {
			c.Memory.RedisURL = *m.RedisURL
		}
	}

	if l := f.Learning; l != nil {
		if l.Rate != nil {
			c.Learning.Rate = *l.Rate
		}
		if l.MaxIterationsPerSession != nil {
			c.Learning.MaxIterationsPerSession = *l.MaxIterationsPerSession
		}
		if l.EscalationMagnitude != nil {
			c.Learning.EscalationMagnitude = *l.EscalationMagnitude
		}
	}

	if t := f.Telemetry; t != nil {
		if t.Enabled != nil {
			c.Telemetry.Enabled = *t.Enabled
		}
		if t.ServiceName != nil {
			c.Telemetry.ServiceName = *t.ServiceName
		}
		if t.Exporter != nil {
			c.Telemetry.Exporter = *t.Exporter
		}
	}

	if lg := f.Logging; lg != nil {
		if lg.Level != nil {
			c.Logging.Level = *lg.Level
		}
		if lg.Format != nil {
			c.Logging.Format = *lg.Format
		}
		if lg.Output != nil {
			c.Logging.Output = *lg.Output
		}
	}
}
