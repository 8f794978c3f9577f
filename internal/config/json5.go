package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/basket/crpc/internal/shared"
	"github.com/tidwall/jsonc"
)

// includeKey is the top-level directive naming additional files to merge
// beneath the including document.
const includeKey = "include"

// maxIncludeDepth bounds include chains; deeper nesting is a config error.
const maxIncludeDepth = 8

var envRefPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// LoadRaw reads a JSON5/JSONC config file into a generic map, applying
// include directives and ${ENV} substitution. An unknown env reference
// fails the load.
func LoadRaw(path string) (map[string]any, error) {
	return loadRawDepth(path, 0)
}

func loadRawDepth(path string, depth int) (map[string]any, error) {
	if depth > maxIncludeDepth {
		return nil, shared.Ef(shared.KindSchemaInvalid, "include chain deeper than %d at %s", maxIncludeDepth, path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]any{}, nil
		}
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return parseRaw(data, filepath.Dir(path), depth)
}

func parseRaw(data []byte, dir string, depth int) (map[string]any, error) {
	doc := map[string]any{}
	if len(strings.TrimSpace(string(data))) > 0 {
		if err := json.Unmarshal(jsonc.ToJSON(data), &doc); err != nil {
			return nil, shared.Wrap(shared.KindSchemaInvalid, "parse config", err)
		}
	}

	// Resolve includes first so the including document wins the merge.
	var base map[string]any
	if rawInc, ok := doc[includeKey]; ok {
		delete(doc, includeKey)
		paths, err := includePaths(rawInc)
		if err != nil {
			return nil, err
		}
		base = map[string]any{}
		for _, inc := range paths {
			if !filepath.IsAbs(inc) {
				inc = filepath.Join(dir, inc)
			}
			sub, err := loadRawDepth(inc, depth+1)
			if err != nil {
				return nil, fmt.Errorf("include %s: %w", inc, err)
			}
			base = Merge(base, sub)
		}
	}

	if base != nil {
		doc = Merge(base, doc)
	}

	substituted, err := substituteEnv(doc)
	if err != nil {
		return nil, err
	}
	return substituted.(map[string]any), nil
}

func includePaths(raw any) ([]string, error) {
	switch v := raw.(type) {
	case string:
		return []string{v}, nil
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, shared.Ef(shared.KindSchemaInvalid, "include entries must be strings, got %T", item)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, shared.Ef(shared.KindSchemaInvalid, "include must be a string or list, got %T", raw)
	}
}

// substituteEnv expands ${VAR} references in every string leaf. Encrypted
// values are left alone; their plaintext may legitimately contain the
// pattern after decryption.
func substituteEnv(v any) (any, error) {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			sub, err := substituteEnv(item)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", k, err)
			}
			out[k] = sub
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			sub, err := substituteEnv(item)
			if err != nil {
				return nil, err
			}
			out[i] = sub
		}
		return out, nil
	case string:
		if strings.HasPrefix(val, encPrefix) {
			return val, nil
		}
		var refErr error
		expanded := envRefPattern.ReplaceAllStringFunc(val, func(match string) string {
			name := envRefPattern.FindStringSubmatch(match)[1]
			value, ok := os.LookupEnv(name)
			if !ok {
				refErr = shared.Ef(shared.KindSchemaInvalid, "unknown environment variable %s", name)
				return match
			}
			return value
		})
		if refErr != nil {
			return nil, refErr
		}
		return expanded, nil
	default:
		return v, nil
	}
}
