package config

import (
	"encoding/json"
	"reflect"
	"strings"
)

const redacted = "[redacted]"

// Redact returns a JSON-friendly map of cfg with every non-empty field tagged
// `sensitive:"true"` replaced by a placeholder. Used when logging the effective configuration.
func Redact(cfg interface{}) (map[string]interface{}, error) {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}

	var out map[string]interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}

	redactValue(reflect.ValueOf(cfg), out)

	return out, nil
}

func redactValue(v reflect.Value, out map[string]interface{}) {
	for v.Kind() == reflect.Ptr {
		if v.IsNil() {
			return
		}

		v = v.Elem()
	}

	if v.Kind() != reflect.Struct || out == nil {
		return
	}

	t := v.Type()

	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if f.PkgPath != "" {
			continue
		}

		name := strings.Split(f.Tag.Get("json"), ",")[0]
		if name == "" || name == "-" {
			continue
		}

		if f.Tag.Get("sensitive") == "true" {
			if _, ok := out[name]; ok && !v.Field(i).IsZero() {
				out[name] = redacted
			}

			continue
		}

		if nested, ok := out[name].(map[string]interface{}); ok {
			redactValue(v.Field(i), nested)
		}
	}
}
