package cmd

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"

	"github.com/golobby/cast"
)

// EnvPrefix prefixes the environment variables read into Options.
const EnvPrefix = "SCRD"

// ErrEnvInvalidStructure indicates that the target is not a struct pointer
var ErrEnvInvalidStructure = errors.New("env: invalid structure")

// EnvFeeder fills tagged struct fields from PREFIX_TAG environment
// variables. Slice fields take a comma separated list.
type EnvFeeder struct {
	Prefix string
	lookup func(string) (string, bool)
}

// NewEnvFeeder creates a feeder reading the process environment.
func NewEnvFeeder(prefix string) EnvFeeder {
	return EnvFeeder{Prefix: prefix, lookup: os.LookupEnv}
}

// Feed populates structure, which must be a pointer to a struct.
func (f EnvFeeder) Feed(structure any) error {
	rv := reflect.ValueOf(structure)
	if rv.Kind() != reflect.Pointer || rv.IsNil() || rv.Elem().Kind() != reflect.Struct {
		return ErrEnvInvalidStructure
	}
	lookup := f.lookup
	if lookup == nil {
		lookup = os.LookupEnv
	}
	rv = rv.Elem()
	for i := 0; i < rv.NumField(); i++ {
		fieldType := rv.Type().Field(i)
		tag, ok := fieldType.Tag.Lookup("env")
		if !ok {
			continue
		}
		name := strings.ToUpper(tag)
		if f.Prefix != "" {
			name = strings.ToUpper(f.Prefix) + "_" + name
		}
		value, ok := lookup(name)
		if !ok || value == "" {
			continue
		}
		if err := setFieldValue(rv.Field(i), value); err != nil {
			return fmt.Errorf("error in field '%s' (%s): %w", fieldType.Name, name, err)
		}
	}
	return nil
}

func setFieldValue(field reflect.Value, value string) error {
	if field.Kind() == reflect.Slice {
		parts := strings.Split(value, ",")
		out := reflect.MakeSlice(field.Type(), 0, len(parts))
		for _, p := range parts {
			v, err := cast.FromType(strings.TrimSpace(p), field.Type().Elem())
			if err != nil {
				return fmt.Errorf("cannot convert value to type %v: %w", field.Type().Elem(), err)
			}
			out = reflect.Append(out, reflect.ValueOf(v))
		}
		field.Set(out)
		return nil
	}

	v, err := cast.FromType(value, field.Type())
	if err != nil {
		return fmt.Errorf("cannot convert value to type %v: %w", field.Type(), err)
	}
	field.Set(reflect.ValueOf(v))
	return nil
}
