package config

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/steward-ai/steward/pkg/models"
)

const redactedPlaceholder = "[REDACTED]"

// sensitiveKeyFragments marks config keys whose values are redacted
// from snapshots unless sensitive access is requested.
var sensitiveKeyFragments = []string{"key", "secret", "token", "password"}

// Snapshot returns a read-only view of the configuration at a dotted
// path ("" for the whole tree). Sensitive values are replaced with a
// placeholder unless includeSensitive is set.
func (c *Config) Snapshot(path string, includeSensitive bool) (models.ConfigSnapshot, error) {
	raw, err := yaml.Marshal(c)
	if err != nil {
		return models.ConfigSnapshot{}, fmt.Errorf("failed to serialize config: %w", err)
	}
	var tree map[string]any
	if err := yaml.Unmarshal(raw, &tree); err != nil {
		return models.ConfigSnapshot{}, fmt.Errorf("failed to rebuild config tree: %w", err)
	}

	values := any(tree)
	if path != "" {
		for _, segment := range strings.Split(path, ".") {
			node, ok := values.(map[string]any)
			if !ok {
				return models.ConfigSnapshot{}, fmt.Errorf("%w: %s", ErrPathNotFound, path)
			}
			values, ok = node[segment]
			if !ok {
				return models.ConfigSnapshot{}, fmt.Errorf("%w: %s", ErrPathNotFound, path)
			}
		}
	}

	var result map[string]any
	switch node := values.(type) {
	case map[string]any:
		result = node
	default:
		// Leaf value: wrap it under its final path segment.
		segments := strings.Split(path, ".")
		result = map[string]any{segments[len(segments)-1]: values}
	}

	if !includeSensitive {
		result = redact(result)
	}

	return models.ConfigSnapshot{
		Path:      path,
		Values:    result,
		Sensitive: includeSensitive,
	}, nil
}

// redact returns a copy of the tree with sensitive leaf values replaced.
func redact(tree map[string]any) map[string]any {
	out := make(map[string]any, len(tree))
	for key, value := range tree {
		switch node := value.(type) {
		case map[string]any:
			out[key] = redact(node)
		default:
			if isSensitiveKey(key) {
				out[key] = redactedPlaceholder
			} else {
				out[key] = value
			}
		}
	}
	return out
}

func isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, fragment := range sensitiveKeyFragments {
		if strings.Contains(lower, fragment) {
			return true
		}
	}
	return false
}
