package config

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"
)

var durationType = reflect.TypeOf(time.Duration(0))

// toMap converts a config struct into nested maps keyed by json tag.
// Durations render in their string form ("2h0m0s").
func toMap(v reflect.Value) map[string]any {
	t := v.Type()
	m := make(map[string]any, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		name := strings.Split(t.Field(i).Tag.Get("json"), ",")[0]
		if name == "" || name == "-" {
			continue
		}
		fv := v.Field(i)
		switch {
		case fv.Type() == durationType:
			m[name] = time.Duration(fv.Int()).String()
		case fv.Kind() == reflect.Struct:
			m[name] = toMap(fv)
		default:
			m[name] = fv.Interface()
		}
	}
	return m
}

// GetByPath retrieves a config value by dot-notation path (e.g. "dify.baseUrl").
func GetByPath(cfg *Config, path string) (any, error) {
	var current any = toMap(reflect.ValueOf(*cfg))
	for _, key := range strings.Split(path, ".") {
		switch v := current.(type) {
		case map[string]any:
			val, ok := v[key]
			if !ok {
				return nil, fmt.Errorf("key not found: %s", path)
			}
			current = val
		case []string:
			idx, err := strconv.Atoi(key)
			if err != nil || idx < 0 || idx >= len(v) {
				return nil, fmt.Errorf("invalid array index: %s", key)
			}
			current = v[idx]
		default:
			return nil, fmt.Errorf("cannot traverse into %T at %s", current, key)
		}
	}
	return current, nil
}

// Sanitize returns a copy of the config with secrets masked.
func Sanitize(cfg *Config) *Config {
	out := *cfg
	out.Bot.AllowFrom = append([]string(nil), cfg.Bot.AllowFrom...)
	if out.Bot.Token != "" {
		out.Bot.Token = maskString(out.Bot.Token)
	}
	if out.Dify.APIKey != "" {
		out.Dify.APIKey = maskString(out.Dify.APIKey)
	}
	if out.News.APIKey != "" {
		out.News.APIKey = maskString(out.News.APIKey)
	}
	return &out
}

// maskString shows first 4 and last 4 chars, masks the rest.
func maskString(s string) string {
	if len(s) <= 8 {
		return "***"
	}
	return s[:4] + "****" + s[len(s)-4:]
}

// ListPaths returns every config path with its current value.
func ListPaths(cfg *Config) map[string]any {
	result := make(map[string]any)
	flattenMap("", toMap(reflect.ValueOf(*cfg)), result)
	return result
}

func flattenMap(prefix string, m map[string]any, result map[string]any) {
	for k, v := range m {
		path := k
		if prefix != "" {
			path = prefix + "." + k
		}
		switch val := v.(type) {
		case map[string]any:
			flattenMap(path, val, result)
		default:
			result[path] = val
		}
	}
}
