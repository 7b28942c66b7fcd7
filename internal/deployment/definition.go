// Package deployment builds deployments from YAML definitions and submits
// them to the orchestration API.
package deployment

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Definition is the on-disk description of a single deployment
type Definition struct {
	// Name defaults to the definition file's stem
	Name     string `yaml:"name"`
	FlowName string `yaml:"flow_name"`
	// Custom selects a flow from the repository's custom flow directory
	// instead of the flow package.
	Custom           bool           `yaml:"custom"`
	Params           map[string]any `yaml:"params"`
	Schedule         string         `yaml:"schedule"`
	ScheduleTimezone string         `yaml:"schedule_timezone"`
	Queue            string         `yaml:"queue"`
	InfraBlock       string         `yaml:"infra_block"`
	StorageBlock     string         `yaml:"storage_block"`
	Version          int            `yaml:"version"`
	Tags             []string       `yaml:"tags"`
}

// LoadDefinition reads and validates a definition file
func LoadDefinition(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read definition: %w", err)
	}

	def, err := ParseDefinition(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	if def.Name == "" {
		base := filepath.Base(path)
		def.Name = strings.TrimSuffix(base, filepath.Ext(base))
	}

	if err := def.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	return def, nil
}

// ParseDefinition decodes a definition, rejecting unknown fields. An empty
// document yields a zero definition.
func ParseDefinition(data []byte) (*Definition, error) {
	var def Definition

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&def); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse definition: %w", err)
	}

	if def.Version == 0 {
		def.Version = 1
	}

	return &def, nil
}

// Validate checks the fields that cannot be defaulted
func (d *Definition) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("name is required")
	}
	if d.FlowName == "" {
		return fmt.Errorf("flow_name is required")
	}
	if strings.ContainsAny(d.FlowName, "/\\.") {
		return fmt.Errorf("flow_name must be a plain identifier: %s", d.FlowName)
	}
	if d.Version < 0 {
		return fmt.Errorf("version must be positive")
	}
	return nil
}
