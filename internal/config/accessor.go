package config

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// The config document is exactly two levels deep: a section ("settings")
// holding scalar keys ("rate_limit_window"). Paths are "section.key".

type document map[string]map[string]any

func toDocument(cfg *Config) (document, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func (doc document) lookup(path string) (section, key string, val any, err error) {
	section, key, _ = strings.Cut(path, ".")
	sec, ok := doc[section]
	if !ok {
		return "", "", nil, fmt.Errorf("unknown config section %q", section)
	}
	if key == "" {
		return section, "", sec, nil
	}
	val, ok = sec[key]
	if !ok {
		return "", "", nil, fmt.Errorf("unknown config key %q", path)
	}
	return section, key, val, nil
}

// GetByPath returns the value at "section.key", or the whole section when
// the path names only a section.
func GetByPath(cfg *Config, path string) (any, error) {
	doc, err := toDocument(cfg)
	if err != nil {
		return nil, err
	}
	_, _, val, err := doc.lookup(path)
	return val, err
}

// SetByPath parses raw according to the current type of the key at path and
// stores it in cfg. Unknown keys are rejected.
func SetByPath(cfg *Config, path, raw string) error {
	doc, err := toDocument(cfg)
	if err != nil {
		return err
	}
	section, key, current, err := doc.lookup(path)
	if err != nil {
		return err
	}
	if key == "" {
		return fmt.Errorf("%q is a section, set one of its keys", path)
	}

	switch current.(type) {
	case bool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return fmt.Errorf("%s expects true or false, got %q", path, raw)
		}
		doc[section][key] = b
	case float64:
		n, err := strconv.Atoi(raw)
		if err != nil {
			return fmt.Errorf("%s expects an integer, got %q", path, raw)
		}
		doc[section][key] = n
	default:
		doc[section][key] = raw
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	var next Config
	if err := json.Unmarshal(data, &next); err != nil {
		return err
	}
	*cfg = next
	return nil
}

// ListPaths flattens cfg into "section.key" -> value.
func ListPaths(cfg *Config) map[string]any {
	doc, err := toDocument(cfg)
	if err != nil {
		return nil
	}
	out := make(map[string]any)
	for section, keys := range doc {
		for key, val := range keys {
			out[section+"."+key] = val
		}
	}
	return out
}

// Sanitize returns a copy of cfg with credentials masked.
func Sanitize(cfg *Config) *Config {
	c := *cfg
	c.AIEngine.BearerToken = mask(c.AIEngine.BearerToken)
	c.Platform.PageAccessToken = mask(c.Platform.PageAccessToken)
	c.Platform.AppSecret = mask(c.Platform.AppSecret)
	c.Platform.VerifyToken = mask(c.Platform.VerifyToken)
	return &c
}

// mask keeps the first and last four characters of long secrets.
func mask(s string) string {
	switch {
	case s == "":
		return ""
	case len(s) <= 8:
		return "***"
	}
	return s[:4] + "****" + s[len(s)-4:]
}
