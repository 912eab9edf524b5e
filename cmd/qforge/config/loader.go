// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/QuantumForge/pkg/secrets"
	"github.com/AleutianAI/QuantumForge/services/evaluator"
	"github.com/AleutianAI/QuantumForge/services/llm"
)

// DefaultPath is the config file used when --config is not given.
const DefaultPath = "qforge.yaml"

// EnvModelPattern names the per-role model override, e.g. QFORGE_CODE_MODEL.
const EnvModelPattern = "QFORGE_%s_MODEL"

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid config")

const splitTolerance = 1e-6

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("yaml"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("splitsum", validateSplitSum)
	_ = v.RegisterValidation("provider", validateProvider)
	return v
}

// validateSplitSum checks that a dataset split adds up to one.
func validateSplitSum(fl validator.FieldLevel) bool {
	s, ok := fl.Field().Interface().(evaluator.Split)
	if !ok {
		return false
	}
	return math.Abs(s.Sum()-1) <= splitTolerance
}

func validateProvider(fl validator.FieldLevel) bool {
	switch llm.Provider(strings.ToLower(fl.Field().String())) {
	case llm.ProviderOpenAI, llm.ProviderAnthropic, llm.ProviderGoogle, "gemini":
		return true
	}
	return false
}

// Load reads the config at path, creating it from DefaultConfig on first
// run. The returned bool reports whether the file was created.
func Load(path string) (*Config, bool, error) {
	if path == "" {
		path = DefaultPath
	}
	created := false
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		if err := WriteDefault(path); err != nil {
			return nil, false, err
		}
		created = true
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, false, fmt.Errorf("failed to read the config file: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, false, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, created, nil
}

// Parse decodes data over DefaultConfig. Keys absent from data keep their
// defaults.
func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse the config: %w", err)
	}
	return &cfg, nil
}

// WriteDefault writes DefaultConfig to path.
func WriteDefault(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create the config directory: %w", err)
	}
	data, err := yaml.Marshal(DefaultConfig())
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// LoadDotEnv loads KEY=VALUE files into the process environment without
// overriding variables that are already set. Missing files are ignored.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// ApplyEnv applies QFORGE_<ROLE>_MODEL overrides.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	for _, role := range llm.AllRoles() {
		name := fmt.Sprintf(EnvModelPattern, strings.ToUpper(string(role)))
		if model, ok := lookup(name); ok && model != "" {
			if c.LLM.Models == nil {
				c.LLM.Models = make(map[llm.Role]string)
			}
			c.LLM.Models[role] = model
		}
	}
}

// APIKeyName returns the secret holding the chat provider's key.
func (c LLMConfig) APIKeyName() string {
	switch llm.Provider(strings.ToLower(c.Provider)) {
	case llm.ProviderAnthropic:
		return secrets.AnthropicAPIKey
	case llm.ProviderGoogle, "gemini":
		return secrets.GoogleAPIKey
	}
	return secrets.OpenAIAPIKey
}

// ApplySecrets copies credentials from the vault into the sections that
// need them. Secrets are never read from the config file.
func (c *Config) ApplySecrets(v *secrets.Vault) {
	if c.Knowledge.Weaviate != nil {
		c.Knowledge.Weaviate.APIKey = v.RevealOr(secrets.WeaviateAPIKey, "")
	}
	if c.Sinks.Influx != nil {
		c.Sinks.Influx.Token = v.RevealOr(secrets.InfluxDBToken, "")
	}
	if c.Export.S3 != nil {
		c.Export.S3.AccessKey = v.RevealOr(secrets.MinioAccessKey, "")
		c.Export.S3.SecretKey = v.RevealOr(secrets.MinioSecretKey, "")
	}
}

// Validate checks struct tags and the cross-field rules.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(msgs, "; "))
		}
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if err := c.Experiment.Budgets.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if err := c.Pipeline.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if err := c.Retry.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	for role := range c.LLM.Models {
		if _, err := llm.ParseRole(string(role)); err != nil {
			return fmt.Errorf("%w: llm.models: %w", ErrInvalidConfig, err)
		}
	}
	for role := range c.LLM.Params {
		if _, err := llm.ParseRole(string(role)); err != nil {
			return fmt.Errorf("%w: llm.params: %w", ErrInvalidConfig, err)
		}
	}
	switch c.Evaluator.Backend {
	case EvaluatorSubprocess:
		if c.Evaluator.Subprocess == nil {
			return fmt.Errorf("%w: evaluator.subprocess is required for the subprocess backend", ErrInvalidConfig)
		}
	case EvaluatorHTTP:
		if c.Evaluator.HTTP == nil {
			return fmt.Errorf("%w: evaluator.http is required for the http backend", ErrInvalidConfig)
		}
	}
	return nil
}
