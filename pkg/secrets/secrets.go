// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package secrets keeps API keys in encrypted memguard enclaves between
// configuration load and client construction.
package secrets

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/awnumar/memguard"
)

// Environment variable names for the supported secrets.
const (
	OpenAIAPIKey    = "OPENAI_API_KEY"
	AnthropicAPIKey = "ANTHROPIC_API_KEY"
	GoogleAPIKey    = "GOOGLE_API_KEY"
	WeaviateAPIKey  = "WEAVIATE_API_KEY"
	InfluxDBToken   = "INFLUXDB_TOKEN"
	MinioAccessKey  = "MINIO_ACCESS_KEY"
	MinioSecretKey  = "MINIO_SECRET_KEY"
)

// Known lists every secret loaded by FromEnv.
func Known() []string {
	return []string{
		OpenAIAPIKey, AnthropicAPIKey, GoogleAPIKey, WeaviateAPIKey,
		InfluxDBToken, MinioAccessKey, MinioSecretKey,
	}
}

// ErrMissing is returned by Reveal for a secret that was never set.
var ErrMissing = errors.New("secret not set")

// Vault holds named secrets sealed in memguard enclaves.
//
// Thread Safety: Safe for concurrent use.
type Vault struct {
	mu       sync.RWMutex
	enclaves map[string]*memguard.Enclave
}

// NewVault returns an empty vault.
func NewVault() *Vault {
	return &Vault{enclaves: make(map[string]*memguard.Enclave)}
}

// FromEnv seals every non-empty environment variable in names.
func FromEnv(names ...string) *Vault {
	v := NewVault()
	for _, name := range names {
		if val, ok := os.LookupEnv(name); ok && val != "" {
			v.Set(name, val)
		}
	}
	return v
}

// Set seals value under name. An empty value removes the secret.
func (v *Vault) Set(name, value string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if value == "" {
		delete(v.enclaves, name)
		return
	}
	// NewEnclave wipes the slice it is given.
	v.enclaves[name] = memguard.NewEnclave([]byte(value))
}

// Has reports whether name is set.
func (v *Vault) Has(name string) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	_, ok := v.enclaves[name]
	return ok
}

// Names returns the set secret names, sorted. Values are never listed.
func (v *Vault) Names() []string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make([]string, 0, len(v.enclaves))
	for k := range v.enclaves {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Reveal decrypts name. The returned string is an ordinary heap copy; hand
// it straight to the client that needs it.
func (v *Vault) Reveal(name string) (string, error) {
	v.mu.RLock()
	enclave, ok := v.enclaves[name]
	v.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrMissing, name)
	}
	buf, err := enclave.Open()
	if err != nil {
		return "", fmt.Errorf("open enclave %s: %w", name, err)
	}
	defer buf.Destroy()
	return string(buf.Bytes()), nil
}

// RevealOr returns the secret, or def when it is not set.
func (v *Vault) RevealOr(name, def string) string {
	s, err := v.Reveal(name)
	if err != nil {
		return def
	}
	return s
}

// Purge wipes all memguard-managed memory. Call it once, on exit.
func Purge() {
	memguard.Purge()
}

// CatchInterrupt purges memguard memory when the process is interrupted.
func CatchInterrupt() {
	memguard.CatchInterrupt()
}
