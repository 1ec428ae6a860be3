package config

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateSecret_Empty(t *testing.T) {
	result := ValidateSecret("", "test_secret", 12, true)
	assert.False(t, result.IsValid)
	assert.Equal(t, SecretStrengthWeak, result.Strength)
	assert.Contains(t, result.Errors[0], "cannot be empty")
}

func TestValidateSecret_Placeholders(t *testing.T) {
	placeholders := []string{
		"changeme",
		"CHANGEME",
		"please_change_me",
		"your_api_key",
		"test123",
		"password",
		"admin123",
	}

	for _, placeholder := range placeholders {
		t.Run(placeholder, func(t *testing.T) {
			result := ValidateSecret(placeholder, "test_secret", 12, true)
			assert.False(t, result.IsValid)
			assert.Equal(t, SecretStrengthWeak, result.Strength)
			assert.NotEmpty(t, result.Errors)
		})
	}
}

func TestValidateSecret_CommonWeakPasswords(t *testing.T) {
	weakPasswords := []string{
		"123456",
		"12345678",
		"qwerty",
		"letmein",
	}

	for _, weak := range weakPasswords {
		t.Run(weak, func(t *testing.T) {
			result := ValidateSecret(weak, "test_secret", 12, true)
			assert.False(t, result.IsValid)
			assert.Equal(t, SecretStrengthWeak, result.Strength)
			assert.NotEmpty(t, result.Errors)
		})
	}
}

func TestValidateSecret_TooShort(t *testing.T) {
	result := ValidateSecret("Xy1!", "test_secret", 12, true)
	assert.False(t, result.IsValid)
	assert.Contains(t, result.Errors[0], "at least 12 characters")
}

func TestValidateSecret_StrongPassword(t *testing.T) {
	result := ValidateSecret("Tr0ub4dour&Horse-Battery", "test_secret", 12, true)
	assert.True(t, result.IsValid)
	assert.Equal(t, SecretStrengthStrong, result.Strength)
	assert.Empty(t, result.Errors)
}

func TestValidateSecret_MediumPassword(t *testing.T) {
	result := ValidateSecret("somelongerpw42", "test_secret", 12, true)
	assert.True(t, result.IsValid)
	assert.Equal(t, SecretStrengthMedium, result.Strength)
	assert.NotEmpty(t, result.Warnings)
}

func TestValidateSecret_APIKeyNotRequiredStrong(t *testing.T) {
	// Provider-generated keys are long but may be a single character class
	result := ValidateSecret("sk-or-v1-aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", "api key", 10, false)
	assert.True(t, result.IsValid)
}

func TestGetSecretStrengthDescription(t *testing.T) {
	assert.Equal(t, "Weak", GetSecretStrengthDescription(SecretStrengthWeak))
	assert.Equal(t, "Medium", GetSecretStrengthDescription(SecretStrengthMedium))
	assert.Equal(t, "Strong", GetSecretStrengthDescription(SecretStrengthStrong))
	assert.Equal(t, "Unknown", GetSecretStrengthDescription(SecretStrength(99)))
}

func TestNewVaultClient_Disabled(t *testing.T) {
	_, err := NewVaultClient(VaultConfig{Enabled: false})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "not enabled")
}

func TestNewVaultClient_MissingToken(t *testing.T) {
	t.Setenv("VAULT_TOKEN", "")

	_, err := NewVaultClient(VaultConfig{
		Enabled:    true,
		Address:    "http://127.0.0.1:8200",
		AuthMethod: "token",
	})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "VAULT_TOKEN")
}

func TestNewVaultClient_UnsupportedAuthMethod(t *testing.T) {
	_, err := NewVaultClient(VaultConfig{
		Enabled:    true,
		Address:    "http://127.0.0.1:8200",
		AuthMethod: "ldap",
	})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported Vault auth method")
}

func TestLoadSecretsFromVault_Disabled(t *testing.T) {
	cfg := &Config{}
	err := LoadSecretsFromVault(context.Background(), cfg, VaultConfig{Enabled: false})
	assert.NoError(t, err)
}
