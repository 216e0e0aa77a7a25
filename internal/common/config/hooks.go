package config

import (
	"reflect"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

var CustomHooks = []viper.DecoderConfigOption{
	viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		DurationSliceHookFunc(),
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)),
}

// DurationSliceHookFunc decodes "5s,10s,20s" into a []time.Duration. Backoff tables are written
// this way so they can be overridden from a single environment variable.
func DurationSliceHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data interface{},
	) (interface{}, error) {
		if f.Kind() != reflect.String || t != reflect.TypeOf([]time.Duration{}) {
			return data, nil
		}
		raw := strings.TrimSpace(data.(string))
		if raw == "" {
			return []time.Duration{}, nil
		}
		parts := strings.Split(raw, ",")
		result := make([]time.Duration, 0, len(parts))
		for _, part := range parts {
			d, err := time.ParseDuration(strings.TrimSpace(part))
			if err != nil {
				return nil, err
			}
			result = append(result, d)
		}
		return result, nil
	}
}
