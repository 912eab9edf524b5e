// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package secrets

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVault_SetReveal(t *testing.T) {
	v := NewVault()
	v.Set(OpenAIAPIKey, "sk-test")

	assert.True(t, v.Has(OpenAIAPIKey))
	got, err := v.Reveal(OpenAIAPIKey)
	require.NoError(t, err)
	assert.Equal(t, "sk-test", got)

	// Revealing twice works; the enclave is not consumed.
	got, err = v.Reveal(OpenAIAPIKey)
	require.NoError(t, err)
	assert.Equal(t, "sk-test", got)
}

func TestVault_Missing(t *testing.T) {
	v := NewVault()
	_, err := v.Reveal(GoogleAPIKey)
	assert.ErrorIs(t, err, ErrMissing)
	assert.Equal(t, "fallback", v.RevealOr(GoogleAPIKey, "fallback"))
}

func TestVault_EmptyRemoves(t *testing.T) {
	v := NewVault()
	v.Set(InfluxDBToken, "tok")
	v.Set(InfluxDBToken, "")
	assert.False(t, v.Has(InfluxDBToken))
}

func TestFromEnv(t *testing.T) {
	t.Setenv(AnthropicAPIKey, "sk-ant")
	t.Setenv(WeaviateAPIKey, "")

	v := FromEnv(Known()...)
	assert.Contains(t, v.Names(), AnthropicAPIKey)
	assert.NotContains(t, v.Names(), WeaviateAPIKey)
	assert.Equal(t, "sk-ant", v.RevealOr(AnthropicAPIKey, ""))
}
