package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Load reads settings from the given YAML file. Unmarshalling happens
// on top of Default(), so keys the file omits keep their defaults while
// explicit zero values stick.
func Load(path string) (*Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	s := Default()
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}
	return &s, nil
}

// LoadDefault loads <root>/.orchestra/config.yaml if it exists, and
// returns Default() otherwise. Only a present-but-broken file is an
// error.
func LoadDefault(root string) (*Settings, error) {
	path := filepath.Join(root, ".orchestra", "config.yaml")
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			s := Default()
			return &s, nil
		}
		return nil, fmt.Errorf("checking config file: %w", err)
	}
	return Load(path)
}
