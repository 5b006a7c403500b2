package auth

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/afero"
)

// Manifest is the subset of an appsscript.json manifest the bridge reads.
type Manifest struct {
	TimeZone    string   `json:"timeZone"`
	OAuthScopes []string `json:"oauthScopes"`
}

// ReadManifest loads a manifest from fs. A missing file is not an error and
// yields an empty manifest.
func ReadManifest(fs afero.Fs, path string) (*Manifest, error) {
	if path == "" {
		return &Manifest{}, nil
	}
	exists, err := afero.Exists(fs, path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat manifest %s: %w", path, err)
	}
	if !exists {
		return &Manifest{}, nil
	}

	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest %s: %w", path, err)
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest %s: %w", path, err)
	}
	m.OAuthScopes = NormalizeScopes(m.OAuthScopes)
	return &m, nil
}
