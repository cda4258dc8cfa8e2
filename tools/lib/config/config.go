// Copyright 2022 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads verifier configuration from YAML. Values may reference environment
// variables as ${VAR} or ${VAR:-default}.
package config

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/go-sev-verify/abi"
	"github.com/google/go-sev-verify/check"
	"github.com/google/go-sev-verify/tools/lib/cmdline"
	"github.com/google/go-sev-verify/uvm"
	"github.com/google/go-sev-verify/validate"
	"github.com/google/go-sev-verify/verify/trust"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"
)

// Validator is implemented by configuration that checks itself after loading.
type Validator interface {
	IsValid() error
}

// Load merges the YAML file at path into cfg, then calls IsValid if cfg implements Validator.
// An empty path only validates.
func Load[T any](cfg *T, path string) error {
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return errors.Wrap(err, "failed to open YAML file")
		}
		defer f.Close()
		if err := MergeYAML(cfg, f); err != nil {
			return errors.Wrapf(err, "config %q", path)
		}
	}
	if v, ok := any(cfg).(Validator); ok {
		if err := v.IsValid(); err != nil {
			return errors.Wrap(err, "invalid configuration")
		}
	}
	return nil
}

// MergeYAML expands environment variables in the YAML source and unmarshals it into cfg. A
// referenced variable that is unset and has no default is an error.
func MergeYAML[T any](cfg *T, src io.Reader) error {
	raw, err := io.ReadAll(src)
	if err != nil {
		return errors.Wrap(err, "failed to read the YAML source")
	}
	var missing []string
	expanded := os.Expand(string(raw), func(key string) string {
		if i := strings.Index(key, ":-"); i != -1 {
			if val, ok := os.LookupEnv(key[:i]); ok {
				return val
			}
			return key[i+2:]
		}
		val, ok := os.LookupEnv(key)
		if !ok {
			missing = append(missing, key)
		}
		return val
	})
	if len(missing) > 0 {
		return fmt.Errorf("YAML source expects the following environment variables to be set: %v", missing)
	}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return errors.Wrap(err, "failed to unmarshal YAML to config")
	}
	return nil
}

// Config is the verifier configuration.
type Config struct {
	// TrustedRoots are paths to PEM files whose self-signed certificates pin the ARK.
	TrustedRoots []string `yaml:"trusted_roots"`
	// TrustedRootFingerprints are hex SHA-256 or SHA-384 digests of acceptable ARK certificates.
	TrustedRootFingerprints []string `yaml:"trusted_root_fingerprints"`
	// NonceMode is one of exact, prefix or zeropad.
	NonceMode string `yaml:"nonce_mode"`
	// CheckValidityPeriod checks certificate validity periods against the current time.
	CheckValidityPeriod bool `yaml:"check_validity_period"`
	// CheckUvmMeasurement requires a utility VM endorsement vouching for MEASUREMENT.
	CheckUvmMeasurement bool   `yaml:"check_uvm_measurement"`
	UvmIssuer           string `yaml:"uvm_issuer"`
	UvmFeed             string `yaml:"uvm_feed"`
	// ExpectedMeasurement is the hex or base64 MEASUREMENT. Unchecked if empty.
	ExpectedMeasurement string `yaml:"expected_measurement"`
	// ExpectedHostData is the hex or base64 HOST_DATA. Unchecked if empty.
	ExpectedHostData string `yaml:"expected_host_data"`
	DisallowDebug    bool   `yaml:"disallow_debug"`
	MinimumGuestSvn  uint32 `yaml:"minimum_guest_svn"`
}

// IsValid reports every malformed setting at once. It does not read trusted root files.
func (c *Config) IsValid() error {
	var errs error
	if _, err := validate.ParseNonceMode(c.NonceMode); err != nil {
		errs = multierr.Append(errs, err)
	}
	for _, fp := range c.TrustedRootFingerprints {
		if _, err := trust.FromFingerprint(fp); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	if _, err := cmdline.FieldBytes("expected_measurement", c.ExpectedMeasurement, abi.MeasurementSize); err != nil {
		errs = multierr.Append(errs, err)
	}
	if _, err := cmdline.FieldBytes("expected_host_data", c.ExpectedHostData, abi.HostDataSize); err != nil {
		errs = multierr.Append(errs, err)
	}
	return errs
}

// Anchors loads the configured trusted roots.
func (c *Config) Anchors() (trust.Anchors, error) {
	var anchors trust.Anchors
	var errs error
	for _, path := range c.TrustedRoots {
		as, err := trust.FromPEMFile(path)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		anchors = append(anchors, as...)
	}
	for _, fp := range c.TrustedRootFingerprints {
		a, err := trust.FromFingerprint(fp)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		anchors = append(anchors, a)
	}
	return anchors, errs
}

// CheckOptions translates the configuration into pipeline options. now is used only when
// CheckValidityPeriod is set.
func (c *Config) CheckOptions(now time.Time) (*check.Options, error) {
	anchors, err := c.Anchors()
	if err != nil {
		return nil, err
	}
	mode, err := validate.ParseNonceMode(c.NonceMode)
	if err != nil {
		return nil, err
	}
	opts := &check.Options{
		NonceMode: mode,
		CheckUvm:  c.CheckUvmMeasurement,
		Uvm:       uvm.Expectations{Issuer: c.UvmIssuer, Feed: c.UvmFeed},
	}
	opts.Verify.TrustedRoots = anchors
	if c.CheckValidityPeriod {
		opts.Verify.Now = now
	}
	policy := &validate.Options{DisallowDebug: c.DisallowDebug, MinimumGuestSvn: c.MinimumGuestSvn}
	if policy.Measurement, err = cmdline.FieldBytes("expected_measurement", c.ExpectedMeasurement, abi.MeasurementSize); err != nil {
		return nil, err
	}
	if policy.HostData, err = cmdline.FieldBytes("expected_host_data", c.ExpectedHostData, abi.HostDataSize); err != nil {
		return nil, err
	}
	if policy.DisallowDebug || policy.MinimumGuestSvn != 0 || policy.Measurement != nil || policy.HostData != nil {
		opts.Policy = policy
	}
	return opts, nil
}
