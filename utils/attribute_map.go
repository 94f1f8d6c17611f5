package utils

import (
	"fmt"
	"reflect"

	"github.com/go-viper/mapstructure/v2"
	"github.com/pkg/errors"
)

// AttributeMap is a convenience wrapper for pulling out
// typed information from a decoded configuration mapping.
type AttributeMap map[string]interface{}

// Has returns whether the given name is set.
func (am AttributeMap) Has(name string) bool {
	_, has := am[name]
	return has
}

// GetString returns the string set at name, or the empty string.
func (am AttributeMap) GetString(name string) string {
	x := am[name]
	if x == nil {
		return ""
	}
	if s, ok := x.(string); ok {
		return s
	}
	return fmt.Sprint(x)
}

// GetMap returns the nested mapping at name. Maps decoded from yaml or json with
// differently typed keys are converted.
func (am AttributeMap) GetMap(name string) (AttributeMap, bool) {
	return ToAttributeMap(am[name])
}

// ToAttributeMap converts a decoded mapping value into an AttributeMap.
func ToAttributeMap(value interface{}) (AttributeMap, bool) {
	switch v := value.(type) {
	case AttributeMap:
		return v, true
	case map[string]interface{}:
		return AttributeMap(v), true
	case map[interface{}]interface{}:
		out := make(AttributeMap, len(v))
		for k, val := range v {
			out[fmt.Sprint(k)] = val
		}
		return out, true
	default:
		return nil, false
	}
}

// TransformAttributeMap uses an attribute map to transform attributes to the prescribed format.
// Field names are matched by their json tags; unrecognized keys are returned as unused.
func TransformAttributeMap[T any](attributes AttributeMap) (T, []string, error) {
	var out T

	var forResult interface{}

	toT := reflect.TypeOf(out)
	if toT == nil {
		// nothing to transform
		return out, nil, nil
	}
	if toT.Kind() == reflect.Ptr {
		// needs to be allocated then
		var ok bool
		out, ok = reflect.New(toT.Elem()).Interface().(T)
		if !ok {
			return out, nil, errors.Errorf("failed to allocate default config type %T", out)
		}
		forResult = out
	} else {
		forResult = &out
	}

	var md mapstructure.Metadata
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		Result:           forResult,
		Metadata:         &md,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return out, nil, err
	}
	if err := decoder.Decode(map[string]interface{}(attributes)); err != nil {
		return out, nil, err
	}
	return out, md.Unused, nil
}
