// Package validator implements the Request Validator (spec §4.6): a length
// check on presented credentials and configurable per-provider content
// rules on the forwarded body/path/query. Body-json rules use gjson's
// dot-path lookups instead of hand-rolled JSON traversal, following the
// rest of the pack's preference for tidwall/gjson over encoding/json for
// read-only field extraction (grounded on other_examples' gjson usage).
package validator

import (
	"fmt"
	"net/url"
	"regexp"

	"commune/internal/config"
	"github.com/tidwall/gjson"
)

const (
	minCredentialLength = 16
	maxCredentialLength = 256
)

// Result carries a human-readable reason for a rejection; the Admission
// Pipeline maps a non-empty Reason to HTTP 400.
type Result struct {
	OK     bool
	Reason string
}

func accept() Result { return Result{OK: true} }

func reject(format string, args ...any) Result {
	return Result{OK: false, Reason: fmt.Sprintf(format, args...)}
}

// ValidateLength rejects credentials outside [16, 256] characters.
func ValidateLength(raw string) Result {
	n := len(raw)
	if n < minCredentialLength || n > maxCredentialLength {
		return reject("credential length %d outside [%d, %d]", n, minCredentialLength, maxCredentialLength)
	}
	return accept()
}

// ValidateForImport applies the length-only check used by bulk import.
func ValidateForImport(raw string) Result { return ValidateLength(raw) }

// Request is the subset of an inbound request the content rules inspect.
type Request struct {
	Body  []byte
	Path  string
	Query url.Values
}

// ValidateRequest iterates provider's configured rules in order. An empty
// rule set accepts. Missing key, regex non-match, or an invalid regex all
// reject; the first failing rule's reason is returned.
func ValidateRequest(provider config.Provider, req Request) Result {
	for _, rule := range provider.Validation {
		re, err := regexp.Compile(rule.Regex)
		if err != nil {
			return reject("rule %s/%s: invalid regex %q: %v", rule.Type, rule.Key, rule.Regex, err)
		}

		var value string
		var present bool

		switch rule.Type {
		case "body-json":
			result := gjson.GetBytes(req.Body, rule.Key)
			present = result.Exists()
			value = result.String()
		case "path":
			present = req.Path != ""
			value = req.Path
		case "query":
			values, ok := req.Query[rule.Key]
			present = ok && len(values) > 0
			if present {
				value = values[0]
			}
		default:
			return reject("rule has unknown type %q", rule.Type)
		}

		if !present {
			return reject("rule %s/%s: key not present", rule.Type, rule.Key)
		}
		if !re.MatchString(value) {
			return reject("rule %s/%s: value does not match %q", rule.Type, rule.Key, rule.Regex)
		}
	}
	return accept()
}
