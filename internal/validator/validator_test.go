package validator

import (
	"net/url"
	"testing"

	"commune/internal/config"
	"github.com/stretchr/testify/require"
)

func TestValidateLengthBounds(t *testing.T) {
	require.False(t, ValidateLength("too-short").OK)
	require.True(t, ValidateLength("0123456789abcdef").OK)
	require.False(t, ValidateLength(string(make([]byte, 257))).OK)
}

func TestValidateRequestEmptyRulesAccepts(t *testing.T) {
	result := ValidateRequest(config.Provider{}, Request{})
	require.True(t, result.OK)
}

func TestValidateRequestBodyJSONMatch(t *testing.T) {
	provider := config.Provider{Validation: []config.ValidationRule{
		{Type: "body-json", Key: "model", Regex: "^gpt-"},
	}}
	result := ValidateRequest(provider, Request{Body: []byte(`{"model":"gpt-4"}`)})
	require.True(t, result.OK)
}

func TestValidateRequestBodyJSONMissingKeyRejects(t *testing.T) {
	provider := config.Provider{Validation: []config.ValidationRule{
		{Type: "body-json", Key: "model", Regex: "^gpt-"},
	}}
	result := ValidateRequest(provider, Request{Body: []byte(`{"other":"x"}`)})
	require.False(t, result.OK)
}

func TestValidateRequestQueryNonMatchRejects(t *testing.T) {
	provider := config.Provider{Validation: []config.ValidationRule{
		{Type: "query", Key: "version", Regex: "^v[0-9]+$"},
	}}
	result := ValidateRequest(provider, Request{Query: url.Values{"version": {"beta"}}})
	require.False(t, result.OK)
}

func TestValidateRequestInvalidRegexRejectsWithDiagnostic(t *testing.T) {
	provider := config.Provider{Validation: []config.ValidationRule{
		{Type: "path", Regex: "("},
	}}
	result := ValidateRequest(provider, Request{Path: "/v1/chat"})
	require.False(t, result.OK)
	require.Contains(t, result.Reason, "invalid regex")
}

func TestValidateForImportIsLengthOnly(t *testing.T) {
	require.True(t, ValidateForImport("0123456789abcdef").OK)
	require.False(t, ValidateForImport("short").OK)
}
