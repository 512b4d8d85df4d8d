package catalog

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// LoadFile reads a YAML override file of the form:
//
//	sources:
//	  mydata: 'Data by <a href="https://example.com">Example</a>.'
//	exchanges:
//	  DELAYED: ""   # removes the built-in entry
func LoadFile(path string) (Entries, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Entries{}, fmt.Errorf("catalog file: %w", err)
	}
	return Parse(data)
}

// Parse decodes override YAML.
func Parse(data []byte) (Entries, error) {
	var e Entries
	if err := yaml.Unmarshal(data, &e); err != nil {
		return Entries{}, fmt.Errorf("catalog file: %w", err)
	}
	for k := range e.Sources {
		if k == "" {
			return Entries{}, fmt.Errorf("catalog file: empty source id")
		}
	}
	for k := range e.Exchanges {
		if k == "" {
			return Entries{}, fmt.Errorf("catalog file: empty exchange id")
		}
	}
	return e, nil
}

// FromFile returns the defaults merged with the overrides in path. An empty
// path yields the defaults.
func FromFile(path string) (Table, error) {
	if path == "" {
		return Defaults(), nil
	}
	e, err := LoadFile(path)
	if err != nil {
		return Table{}, err
	}
	return Defaults().Merge(e), nil
}
