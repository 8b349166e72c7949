package config

import (
	"bytes"
	"encoding/json"
	"io"
	"reflect"
	"strconv"
	"strings"

	"github.com/a8m/envsubst"
	"github.com/go-viper/mapstructure/v2"
	"github.com/pkg/errors"

	"go.viam.com/dpgo/logging"
	"go.viam.com/dpgo/robust"
)

// Read reads a JSON configuration from filePath after substituting environment variables, on
// top of the defaults.
func Read(filePath string) (*Config, error) {
	buf, err := envsubst.ReadFile(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot read config %q", filePath)
	}
	cfg, err := FromReader(filePath, bytes.NewReader(buf))
	if err != nil {
		return nil, errors.Wrapf(err, "cannot read config %q", filePath)
	}
	return cfg, nil
}

// FromReader decodes a JSON configuration on top of the defaults. originalPath records where
// the reader came from, if anywhere.
func FromReader(originalPath string, r io.Reader) (*Config, error) {
	cfg := Default()
	cfg.ConfigFilePath = originalPath
	decoder := json.NewDecoder(r)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(cfg); err != nil {
		return nil, errors.Wrap(err, "failed to decode Config from json")
	}
	return cfg, nil
}

// ApplyOverrides sets fields named by dotted JSON paths, as in "agent.robust_cost.cost_type=GNC_TLS"
// or "num_robots=4". Values are converted to the field types.
func ApplyOverrides(cfg *Config, overrides []string) error {
	attributes := map[string]interface{}{}
	for _, override := range overrides {
		key, value, ok := strings.Cut(override, "=")
		if !ok || key == "" {
			return errors.Errorf("override %q must have the form key=value", override)
		}
		if err := setPath(attributes, strings.Split(key, "."), value); err != nil {
			return errors.Wrapf(err, "override %q", override)
		}
	}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		Result:           cfg,
		DecodeHook:       textDecodeHook,
	})
	if err != nil {
		return err
	}
	return decoder.Decode(attributes)
}

func setPath(attributes map[string]interface{}, path []string, value string) error {
	if len(path) == 1 {
		attributes[path[0]] = value
		return nil
	}
	child, ok := attributes[path[0]]
	if !ok {
		child = map[string]interface{}{}
		attributes[path[0]] = child
	}
	childMap, ok := child.(map[string]interface{})
	if !ok {
		return errors.Errorf("%q is set both as a value and as an object", path[0])
	}
	return setPath(childMap, path[1:], value)
}

// textDecodeHook converts override strings to the enumerations and durations that are written
// as strings in JSON.
func textDecodeHook(from, to reflect.Type, data interface{}) (interface{}, error) {
	if from.Kind() != reflect.String {
		return data, nil
	}
	s, _ := data.(string)
	switch to {
	case reflect.TypeOf(robust.CostType(0)):
		return robust.CostTypeFromString(s)
	case reflect.TypeOf(logging.Level(0)):
		return logging.LevelFromString(s)
	case reflect.TypeOf(Duration(0)):
		var d Duration
		if err := d.UnmarshalJSON([]byte(strconv.Quote(s))); err != nil {
			return nil, err
		}
		return d, nil
	}
	return data, nil
}
