package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DeploymentProfile overlays region- or cluster-specific tuning onto a
// Config loaded from the environment: lease timing, rate-limit posture, and
// CORS origins that differ between e.g. a US and an EU deployment of the
// same binary.
type DeploymentProfile struct {
	Name   string        `yaml:"name" json:"name"`
	Code   string        `yaml:"code" json:"code"`
	Lease  LeaseProfile  `yaml:"lease" json:"lease"`
	CORS   CORSProfile   `yaml:"cors" json:"cors"`
	Limits LimitsProfile `yaml:"limits" json:"limits"`
}

// LeaseProfile overrides the default lease timing knobs.
type LeaseProfile struct {
	DefaultTTL  string `yaml:"default_ttl,omitempty" json:"default_ttl,omitempty"`
	MaxTTL      string `yaml:"max_ttl,omitempty" json:"max_ttl,omitempty"`
	MaxRenewals int    `yaml:"max_renewals,omitempty" json:"max_renewals,omitempty"`
	MaxLifetime string `yaml:"max_lifetime,omitempty" json:"max_lifetime,omitempty"`
}

// CORSProfile overrides the origin allowlist and credential posture.
type CORSProfile struct {
	AllowedOrigins   []string `yaml:"allowed_origins,omitempty" json:"allowed_origins,omitempty"`
	AllowCredentials bool     `yaml:"allow_credentials,omitempty" json:"allow_credentials,omitempty"`
}

// LimitsProfile overrides the rate-limit backend and strict locatability.
type LimitsProfile struct {
	RateLimitBackend   string `yaml:"rate_limit_backend,omitempty" json:"rate_limit_backend,omitempty"`
	StrictLocatability *bool  `yaml:"strict_locatability,omitempty" json:"strict_locatability,omitempty"`
}

// LoadProfile loads a deployment profile YAML by region code. It searches
// profilesDir for profile_<code>.yaml.
func LoadProfile(profilesDir, code string) (*DeploymentProfile, error) {
	code = strings.ToLower(code)
	path := filepath.Join(profilesDir, fmt.Sprintf("profile_%s.yaml", code))

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load profile %q: %w", code, err)
	}

	var profile DeploymentProfile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("parse profile %q: %w", code, err)
	}
	if profile.Code == "" {
		profile.Code = code
	}
	return &profile, nil
}

// LoadAllProfiles loads every profile_*.yaml file in profilesDir.
func LoadAllProfiles(profilesDir string) (map[string]*DeploymentProfile, error) {
	matches, err := filepath.Glob(filepath.Join(profilesDir, "profile_*.yaml"))
	if err != nil {
		return nil, err
	}

	profiles := make(map[string]*DeploymentProfile, len(matches))
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}

		var profile DeploymentProfile
		if err := yaml.Unmarshal(data, &profile); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		if profile.Code == "" {
			base := filepath.Base(path)
			profile.Code = strings.TrimSuffix(strings.TrimPrefix(base, "profile_"), ".yaml")
		}
		profiles[profile.Code] = &profile
	}
	return profiles, nil
}

// ApplyProfile overlays p onto c. Only fields the profile sets are
// overridden; zero values in the profile leave c's env-derived value alone,
// except StrictLocatability which uses an explicit pointer so "false" can
// be distinguished from "unset".
func (c *Config) ApplyProfile(p *DeploymentProfile) error {
	if p == nil {
		return nil
	}

	if p.Lease.DefaultTTL != "" {
		d, err := time.ParseDuration(p.Lease.DefaultTTL)
		if err != nil {
			return fmt.Errorf("profile %s: lease.default_ttl: %w", p.Code, err)
		}
		c.LeaseDefaultTTL = d
	}
	if p.Lease.MaxTTL != "" {
		d, err := time.ParseDuration(p.Lease.MaxTTL)
		if err != nil {
			return fmt.Errorf("profile %s: lease.max_ttl: %w", p.Code, err)
		}
		c.LeaseMaxTTL = d
	}
	if p.Lease.MaxRenewals > 0 {
		c.LeaseMaxRenewals = p.Lease.MaxRenewals
	}
	if p.Lease.MaxLifetime != "" {
		d, err := time.ParseDuration(p.Lease.MaxLifetime)
		if err != nil {
			return fmt.Errorf("profile %s: lease.max_lifetime: %w", p.Code, err)
		}
		c.LeaseMaxLifetime = d
	}

	if len(p.CORS.AllowedOrigins) > 0 {
		c.CORSAllowedOrigins = p.CORS.AllowedOrigins
	}
	if p.CORS.AllowCredentials {
		c.CORSAllowCredentials = true
	}

	if p.Limits.RateLimitBackend != "" {
		c.RateLimitBackend = p.Limits.RateLimitBackend
	}
	if p.Limits.StrictLocatability != nil && !c.Environment.isDeployed() {
		// A deployed tier's forced posture (applyEnvironmentPosture) always
		// wins; a profile may only relax strict locatability outside staging
		// and production, where that forcing doesn't apply.
		c.StrictLocatability = *p.Limits.StrictLocatability
	}

	return c.validate()
}
