package config

import (
	"reflect"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ckpt-project/ckpt/pkg/errclass"
)

// Keys returns every settable dotted key, e.g. "snapshot.default_format".
func Keys() []string {
	var keys []string
	var walk func(prefix string, t reflect.Type)
	walk = func(prefix string, t reflect.Type) {
		for i := range t.NumField() {
			f := t.Field(i)
			name := yamlName(f)
			if name == "" {
				continue
			}
			if f.Type.Kind() == reflect.Struct {
				walk(prefix+name+".", f.Type)
				continue
			}
			keys = append(keys, prefix+name)
		}
	}
	walk("", reflect.TypeOf(Config{}))
	sort.Strings(keys)
	return keys
}

// Get returns the YAML rendering of the value at key.
func (c *Config) Get(key string) (string, error) {
	v, err := c.field(key)
	if err != nil {
		return "", err
	}
	out, err := yaml.Marshal(v.Interface())
	if err != nil {
		return "", err
	}
	return strings.TrimRight(string(out), "\n"), nil
}

// Set parses value as YAML into the field at key. The config is left
// unchanged if the result does not validate.
func (c *Config) Set(key, value string) error {
	next := *c
	v, err := next.field(key)
	if err != nil {
		return err
	}
	ptr := reflect.New(v.Type())
	if err := yaml.Unmarshal([]byte(value), ptr.Interface()); err != nil {
		return errclass.ErrConfigInvalid.WithMessagef("invalid value for %s", key).Wrap(err)
	}
	v.Set(ptr.Elem())
	if err := next.Validate(); err != nil {
		return err
	}
	*c = next
	return nil
}

func (c *Config) field(key string) (reflect.Value, error) {
	v := reflect.ValueOf(c).Elem()
	for _, part := range strings.Split(key, ".") {
		if v.Kind() != reflect.Struct {
			return reflect.Value{}, unknownKey(key)
		}
		found := false
		for i := range v.NumField() {
			if yamlName(v.Type().Field(i)) == part {
				v = v.Field(i)
				found = true
				break
			}
		}
		if !found {
			return reflect.Value{}, unknownKey(key)
		}
	}
	if v.Kind() == reflect.Struct {
		return reflect.Value{}, unknownKey(key)
	}
	return v, nil
}

func unknownKey(key string) error {
	return errclass.ErrConfigInvalid.WithMessagef("unknown config key %q", key)
}

func yamlName(f reflect.StructField) string {
	tag := f.Tag.Get("yaml")
	name, _, _ := strings.Cut(tag, ",")
	if name == "-" {
		return ""
	}
	return name
}
