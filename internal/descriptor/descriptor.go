// Package descriptor reads plugin descriptors: small YAML files naming an
// external plugin executable and how the panel presents it.
package descriptor

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Descriptor describes one installable plugin.
type Descriptor struct {
	// Name is the plugin's internal name. Every item of the plugin shares it.
	Name string `yaml:"name" json:"name"`
	// DisplayName is shown to the user; it defaults to Name.
	DisplayName string `yaml:"display_name,omitempty" json:"display_name,omitempty"`
	// Exec is the plugin executable. Relative paths resolve against the
	// descriptor's directory.
	Exec        string `yaml:"exec" json:"exec"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
	// Unique plugins may have at most one item on the panel.
	Unique bool `yaml:"unique,omitempty" json:"unique,omitempty"`

	// Path is the file the descriptor was read from.
	Path string `yaml:"-" json:"path,omitempty"`
}

// Parse parses a descriptor from YAML bytes.
func Parse(data []byte) (*Descriptor, error) {
	var d Descriptor
	if err := yaml.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("parse descriptor: %w", err)
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	if d.DisplayName == "" {
		d.DisplayName = d.Name
	}
	return &d, nil
}

// Validate checks required fields.
func (d *Descriptor) Validate() error {
	if d.Name == "" {
		return errors.New("descriptor: name is required")
	}
	if strings.ContainsAny(d.Name, " =/\t\n") {
		return fmt.Errorf("descriptor %s: name must not contain spaces, '=' or '/'", d.Name)
	}
	if d.Exec == "" {
		return fmt.Errorf("descriptor %s: exec is required", d.Name)
	}
	return nil
}

// LoadFile reads and parses a descriptor file.
func LoadFile(path string) (*Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read descriptor: %w", err)
	}
	d, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	d.Path = path
	if !filepath.IsAbs(d.Exec) && strings.ContainsRune(d.Exec, filepath.Separator) {
		d.Exec = filepath.Join(filepath.Dir(path), d.Exec)
	}
	return d, nil
}

// LoadDir reads every *.yaml and *.yml descriptor in dir, sorted by name. A
// missing directory yields no descriptors. Invalid files are returned in
// errs and skipped.
func LoadDir(dir string) (descs []*Descriptor, errs []error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, []error{err}
	}

	seen := make(map[string]string)
	for _, e := range entries {
		ext := filepath.Ext(e.Name())
		if e.IsDir() || (ext != ".yaml" && ext != ".yml") {
			continue
		}
		path := filepath.Join(dir, e.Name())
		d, err := LoadFile(path)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if prev, dup := seen[d.Name]; dup {
			errs = append(errs, fmt.Errorf("%s: plugin %s already defined in %s", path, d.Name, prev))
			continue
		}
		seen[d.Name] = path
		descs = append(descs, d)
	}
	sort.Slice(descs, func(i, j int) bool { return descs[i].Name < descs[j].Name })
	return descs, errs
}

// Find returns the descriptor with the given name.
func Find(descs []*Descriptor, name string) (*Descriptor, bool) {
	for _, d := range descs {
		if d.Name == name {
			return d, true
		}
	}
	return nil, false
}
