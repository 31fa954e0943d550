package config

import (
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
)

// ApplySetting overrides one config field given as "section.key=value", with
// the value in YAML scalar syntax, e.g. "solver.base_lr=0.01",
// "model.arch=slowfast" or "data.train_jitter_scales=[128, 160]".
// Call Validate after applying a batch of settings.
func (cfg *Config) ApplySetting(setting string) error {
	key, rawValue, ok := strings.Cut(setting, "=")
	if !ok {
		return errors.Errorf("setting %q is not of the form key=value", setting)
	}
	var value any
	if err := yaml.Unmarshal([]byte(rawValue), &value); err != nil {
		return errors.Wrapf(err, "failed to parse the value of setting %q", setting)
	}

	// Wrap the value into the nested document the key path describes and let
	// the YAML decoder overlay it, reusing the file-loading merge semantics.
	doc := value
	parts := strings.Split(key, ".")
	for i := len(parts) - 1; i >= 0; i-- {
		doc = map[string]any{parts[i]: doc}
	}
	text, err := yaml.Marshal(doc)
	if err != nil {
		return errors.Wrapf(err, "failed to encode setting %q", setting)
	}
	if err := yaml.Unmarshal(text, cfg); err != nil {
		return errors.Wrapf(err, "failed to apply setting %q", setting)
	}
	return nil
}
