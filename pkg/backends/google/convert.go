package google

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/iancoleman/strcase"
	"google.golang.org/api/googleapi"

	"github.com/hashicorp-forge/hermes-bridge/pkg/retry"
)

// legacyFields maps Drive v2 field names, still used by older scripts, to
// their v3 names.
var legacyFields = map[string]string{
	"title":                 "name",
	"modifiedDate":          "modifiedTime",
	"createdDate":           "createdTime",
	"fileSize":              "size",
	"lastViewedByMeDate":    "viewedByMeTime",
	"markedViewedByMeDate":  "viewedByMeTime",
	"sharedWithMeDate":      "sharedWithMeTime",
	"userPermission":        "capabilities",
	"lastModifyingUserName": "lastModifyingUser",
}

// normalizeFields turns caller field names into Drive's lowerCamel form.
// Selectors with sub-fields are kept as written.
func normalizeFields(fields []string) []string {
	if fields == nil {
		return nil
	}
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		if f == "*" || strings.ContainsAny(f, "(/") {
			out = append(out, f)
			continue
		}
		out = append(out, strcase.ToLowerCamel(f))
	}
	return out
}

func hasLegacy(fields []string) bool {
	for _, f := range fields {
		if v3, ok := legacyFields[f]; ok && v3 != f {
			return true
		}
	}
	return false
}

// substituteLegacy rewrites v2 names to v3 names and returns the rewritten
// list together with a v3 -> requested alias map.
func substituteLegacy(fields []string) ([]string, map[string][]string) {
	aliases := map[string][]string{}
	seen := map[string]bool{}
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		name := f
		if v3, ok := legacyFields[f]; ok && v3 != f {
			aliases[v3] = append(aliases[v3], f)
			name = v3
		}
		if !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	return out, aliases
}

// legacyClassifier marks an invalid field selection caused by v2 names as
// recoverable, so the engine retries it once with substituted names.
func legacyClassifier(fields []string) retry.Classifier {
	return func(res *retry.Result, err error) (retry.Class, bool) {
		var gerr *googleapi.Error
		if !errors.As(err, &gerr) || gerr.Code != http.StatusBadRequest || !hasLegacy(fields) {
			return 0, false
		}
		msg := strings.ToLower(gerr.Message)
		for _, item := range gerr.Errors {
			msg += " " + strings.ToLower(item.Message) + " " + strings.ToLower(item.Reason)
		}
		if strings.Contains(msg, "invalid field selection") || strings.Contains(msg, "invalidparameter") {
			return retry.ClassRecoverable, true
		}
		return 0, false
	}
}

// selector builds a partial-response selector for file fields. A nil list
// selects every field.
func selector(fields []string) googleapi.Field {
	if fields == nil {
		return "*"
	}
	sorted := append([]string{}, fields...)
	sort.Strings(sorted)
	return googleapi.Field(strings.Join(sorted, ","))
}

// toMap converts an API struct into its JSON object form.
func toMap(v any) (map[string]any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode response: %w", err)
	}
	out := map[string]any{}
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return out, nil
}

// fromMap fills an API struct from a JSON object.
func fromMap(m any, out any) error {
	b, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, out)
}

func result(resp googleapi.ServerResponse, data any) *retry.Result {
	status := resp.HTTPStatusCode
	if status == 0 {
		status = http.StatusOK
	}
	return &retry.Result{
		Status:     status,
		StatusText: http.StatusText(status),
		Header:     resp.Header,
		Data:       data,
	}
}
