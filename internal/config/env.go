package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
)

// EnvPrefix prefixes every environment override, e.g.
// FLEET_ORCHESTRATOR_PORTS_BASE.
const EnvPrefix = "FLEET"

// EnvVar describes one overridable configuration field.
type EnvVar struct {
	Key     string
	Kind    reflect.Kind
	Default string
}

// LoadEnv applies environment overrides to cfg. Keys are derived from the
// yaml tags, upper-cased and joined with underscores.
func LoadEnv(cfg *Config) error {
	return walkEnv(reflect.ValueOf(cfg).Elem(), EnvPrefix, func(key string, field reflect.Value) error {
		val, ok := os.LookupEnv(key)
		if !ok || val == "" {
			return nil
		}
		return setField(key, field, val)
	})
}

// EnvVars lists every override key along with the value cfg currently
// holds for it.
func EnvVars(cfg *Config) []EnvVar {
	var vars []EnvVar
	_ = walkEnv(reflect.ValueOf(cfg).Elem(), EnvPrefix, func(key string, field reflect.Value) error {
		vars = append(vars, EnvVar{Key: key, Kind: field.Kind(), Default: formatField(field)})
		return nil
	})
	return vars
}

// EnvExample generates example assignments for every override key
func EnvExample(cfg *Config) []string {
	vars := EnvVars(cfg)
	examples := make([]string, 0, len(vars))
	for _, v := range vars {
		examples = append(examples, fmt.Sprintf("%s=%s", v.Key, exampleValue(v.Kind)))
	}
	return examples
}

// walkEnv visits every settable leaf field reachable through yaml-tagged
// struct fields.
func walkEnv(v reflect.Value, prefix string, visit func(key string, field reflect.Value) error) error {
	t := v.Type()
	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		if !field.CanSet() {
			continue
		}

		tag := strings.Split(t.Field(i).Tag.Get("yaml"), ",")[0]
		if tag == "" || tag == "-" {
			continue
		}
		key := prefix + "_" + strings.ToUpper(tag)

		switch field.Kind() {
		case reflect.Struct:
			if err := walkEnv(field, key, visit); err != nil {
				return err
			}
		case reflect.Ptr:
			if field.IsNil() {
				if !hasEnvVarsWithPrefix(key) {
					continue
				}
				field.Set(reflect.New(field.Type().Elem()))
			}
			if err := walkEnv(field.Elem(), key, visit); err != nil {
				return err
			}
		case reflect.Map:
			continue
		case reflect.Slice:
			if field.Type().Elem().Kind() != reflect.String {
				continue
			}
			if err := visit(key, field); err != nil {
				return err
			}
		default:
			if err := visit(key, field); err != nil {
				return err
			}
		}
	}
	return nil
}

func setField(key string, field reflect.Value, val string) error {
	switch field.Kind() {
	case reflect.String:
		field.SetString(val)
	case reflect.Int, reflect.Int64:
		n, err := strconv.ParseInt(val, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid int value for %s: %v", key, err)
		}
		field.SetInt(n)
	case reflect.Float64:
		f, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return fmt.Errorf("invalid float value for %s: %v", key, err)
		}
		field.SetFloat(f)
	case reflect.Bool:
		b, err := strconv.ParseBool(val)
		if err != nil {
			return fmt.Errorf("invalid bool value for %s: %v", key, err)
		}
		field.SetBool(b)
	case reflect.Slice:
		parts := strings.Split(val, ",")
		slice := reflect.MakeSlice(field.Type(), 0, len(parts))
		for _, part := range parts {
			if part = strings.TrimSpace(part); part != "" {
				slice = reflect.Append(slice, reflect.ValueOf(part))
			}
		}
		field.Set(slice)
	}
	return nil
}

func formatField(field reflect.Value) string {
	switch field.Kind() {
	case reflect.Slice:
		parts := make([]string, field.Len())
		for i := range parts {
			parts[i] = field.Index(i).String()
		}
		return strings.Join(parts, ",")
	default:
		return fmt.Sprint(field.Interface())
	}
}

func exampleValue(kind reflect.Kind) string {
	switch kind {
	case reflect.Int, reflect.Int64:
		return "123"
	case reflect.Float64:
		return "1.5"
	case reflect.Bool:
		return "true"
	case reflect.Slice:
		return "value1,value2"
	default:
		return "value"
	}
}

// hasEnvVarsWithPrefix checks if any environment variables exist with the given prefix
func hasEnvVarsWithPrefix(prefix string) bool {
	prefix = prefix + "_"
	for _, env := range os.Environ() {
		if strings.HasPrefix(env, prefix) {
			return true
		}
	}
	return false
}
