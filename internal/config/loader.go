package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	json5 "github.com/yosuke-furukawa/json5/encoding/json5"
	"gopkg.in/yaml.v3"
)

// includeKey lists files merged underneath the file that names them. Paths
// are relative to that file and may be glob patterns such as "conf.d/*.yaml".
const includeKey = "$include"

// source is a config file tree being assembled. files records every file
// read, in merge order, for diagnostics.
type source struct {
	files  []string
	active map[string]bool
}

// LoadRaw reads path and its includes into one merged map. It also returns
// the files that contributed, included files first.
func LoadRaw(path string) (map[string]any, []string, error) {
	if strings.TrimSpace(path) == "" {
		return nil, nil, errors.New("config path is required")
	}
	src := &source{active: map[string]bool{}}
	raw, err := src.load(path)
	if err != nil {
		return nil, nil, err
	}
	return raw, src.files, nil
}

func (s *source) load(path string) (map[string]any, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	if s.active[abs] {
		return nil, fmt.Errorf("config include cycle detected at %s", abs)
	}
	s.active[abs] = true
	defer delete(s.active, abs)

	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, err
	}
	raw, err := parseRawBytes([]byte(expandEnv(string(data))), abs)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", abs, err)
	}
	patterns, err := takeIncludes(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", abs, err)
	}

	merged := map[string]any{}
	for _, pattern := range patterns {
		paths, err := resolveInclude(filepath.Dir(abs), pattern)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", abs, err)
		}
		for _, p := range paths {
			inc, err := s.load(p)
			if err != nil {
				return nil, err
			}
			merged = mergeMaps(merged, inc)
		}
	}
	s.files = append(s.files, abs)
	return mergeMaps(merged, raw), nil
}

// resolveInclude expands one include entry. A plain path must exist; a glob
// may match nothing, and its matches are merged in lexical order.
func resolveInclude(dir, pattern string) ([]string, error) {
	pattern = strings.TrimSpace(pattern)
	if pattern == "" {
		return nil, nil
	}
	if !filepath.IsAbs(pattern) {
		pattern = filepath.Join(dir, pattern)
	}
	if !strings.ContainsAny(pattern, "*?[") {
		return []string{pattern}, nil
	}
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil, fmt.Errorf("bad include pattern %q: %w", pattern, err)
	}
	sort.Strings(matches)
	return matches, nil
}

// expandEnv substitutes $VAR, ${VAR} and ${VAR:-fallback}. The include key
// itself is left alone.
func expandEnv(s string) string {
	return os.Expand(s, func(name string) string {
		if name == strings.TrimPrefix(includeKey, "$") {
			return includeKey
		}
		if key, fallback, ok := strings.Cut(name, ":-"); ok {
			if v := os.Getenv(key); v != "" {
				return v
			}
			return fallback
		}
		return os.Getenv(name)
	})
}

// parseRawBytes decodes .json and .json5 files with json5 and everything
// else as a single YAML document.
func parseRawBytes(data []byte, pathHint string) (map[string]any, error) {
	var raw map[string]any
	switch strings.ToLower(filepath.Ext(pathHint)) {
	case ".json", ".json5":
		if err := json5.Unmarshal(data, &raw); err != nil {
			return nil, err
		}
	default:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		if err := dec.Decode(&raw); err != nil && !errors.Is(err, io.EOF) {
			return nil, err
		}
		if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
			return nil, errors.New("expected a single YAML document")
		}
	}
	if raw == nil {
		raw = map[string]any{}
	}
	return raw, nil
}

// takeIncludes removes the include key from raw and returns its entries.
func takeIncludes(raw map[string]any) ([]string, error) {
	val, ok := raw[includeKey]
	if !ok {
		return nil, nil
	}
	delete(raw, includeKey)

	switch typed := val.(type) {
	case nil:
		return nil, nil
	case string:
		return []string{typed}, nil
	case []any:
		out := make([]string, 0, len(typed))
		for i, entry := range typed {
			s, ok := entry.(string)
			if !ok {
				return nil, fmt.Errorf("%s[%d] must be a string, got %T", includeKey, i, entry)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%s must be a string or a list of strings, got %T", includeKey, val)
	}
}

// mergeMaps overlays src onto dst. Nested sections merge key by key; lists
// and scalars from src replace what dst had.
func mergeMaps(dst, src map[string]any) map[string]any {
	if dst == nil {
		dst = map[string]any{}
	}
	for key, value := range src {
		if section, ok := value.(map[string]any); ok {
			if existing, ok := dst[key].(map[string]any); ok {
				dst[key] = mergeMaps(existing, section)
				continue
			}
		}
		dst[key] = value
	}
	return dst
}

// decodeConfig re-encodes the merged map and decodes it strictly into Config,
// so a misspelled key in any file is an error.
func decodeConfig(raw map[string]any) (*Config, error) {
	payload, err := yaml.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize merged config: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(payload))
	dec.KnownFields(true)
	var cfg Config
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
