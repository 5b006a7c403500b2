package auth

import (
	"fmt"
	"sort"
	"strings"
)

const googleScopePrefix = "https://www.googleapis.com/auth/"

// HostOnlyScopes are scopes the remote platform rejects when requested
// outside the scripting host. They are declared by manifests but can never be
// granted to an external token, so audits skip them.
var HostOnlyScopes = []string{
	googleScopePrefix + "script.external_request",
	googleScopePrefix + "script.container.ui",
	googleScopePrefix + "script.scriptapp",
	googleScopePrefix + "script.send_mail",
	googleScopePrefix + "script.locale",
	googleScopePrefix + "script.storage",
}

// scopeImplies holds broader scopes that satisfy narrower ones.
var scopeImplies = map[string][]string{
	googleScopePrefix + "drive": {
		googleScopePrefix + "drive.file",
		googleScopePrefix + "drive.metadata",
		googleScopePrefix + "drive.metadata.readonly",
		googleScopePrefix + "documents",
		googleScopePrefix + "documents.readonly",
		googleScopePrefix + "spreadsheets",
		googleScopePrefix + "spreadsheets.readonly",
		googleScopePrefix + "presentations",
		googleScopePrefix + "presentations.readonly",
	},
	googleScopePrefix + "drive.metadata": {
		googleScopePrefix + "drive.metadata.readonly",
	},
}

// NormalizeScopes expands short names to full URLs, deduplicates and sorts.
func NormalizeScopes(scopes []string) []string {
	seen := make(map[string]bool, len(scopes))
	out := make([]string, 0, len(scopes))
	for _, s := range scopes {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if !strings.Contains(s, "/") && !strings.Contains(s, ":") {
			s = googleScopePrefix + s
		}
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}

// Satisfies reports whether a granted scope set covers the required one.
func Satisfies(granted []string, required string) bool {
	for _, g := range granted {
		if g == required || g+".readonly" == required {
			return true
		}
		for _, implied := range scopeImplies[g] {
			if implied == required {
				return true
			}
		}
	}
	return false
}

// MissingScopes returns required scopes not covered by granted, ignoring the
// allow-list.
func MissingScopes(granted, required, allow []string) []string {
	granted = NormalizeScopes(granted)
	skip := make(map[string]bool, len(allow))
	for _, s := range NormalizeScopes(allow) {
		skip[s] = true
	}

	var missing []string
	for _, r := range NormalizeScopes(required) {
		if skip[r] || Satisfies(granted, r) {
			continue
		}
		missing = append(missing, r)
	}
	return missing
}

func missingScopeError(platform string, missing []string) error {
	return fmt.Errorf("%w for platform %s: %s", ErrMissingScope, platform, strings.Join(missing, ", "))
}
