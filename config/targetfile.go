package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"hyperfleet"
)

// targetFile is the YAML shape operators submit with `target submit`.
type targetFile struct {
	Role      string            `yaml:"role"`
	Channel   string            `yaml:"channel"`
	Config    map[string]string `yaml:"config,omitempty"`
	Relations []relationEntry   `yaml:"relations,omitempty"`
}

type relationEntry struct {
	Name      string `yaml:"name"`
	Mandatory bool   `yaml:"mandatory,omitempty"`
	OfferRef  string `yaml:"offer-ref,omitempty"`
}

// LoadTarget reads a role target descriptor. Generation and submission
// time are server-assigned and not part of the file format.
func LoadTarget(path string) (hyperfleet.RoleTarget, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return hyperfleet.RoleTarget{}, fmt.Errorf("read target file: %w", err)
	}
	return ParseTarget(data)
}

// ParseTarget decodes and validates a target descriptor.
func ParseTarget(data []byte) (hyperfleet.RoleTarget, error) {
	var file targetFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil {
		return hyperfleet.RoleTarget{}, fmt.Errorf("parse target file: %w", err)
	}

	if file.Role == "" {
		return hyperfleet.RoleTarget{}, errors.New("target file: role is required")
	}
	if file.Channel == "" {
		return hyperfleet.RoleTarget{}, errors.New("target file: channel is required")
	}

	target := hyperfleet.RoleTarget{
		Role:    file.Role,
		Channel: file.Channel,
		Config:  file.Config,
	}
	seen := make(map[string]bool, len(file.Relations))
	for _, rel := range file.Relations {
		if rel.Name == "" {
			return hyperfleet.RoleTarget{}, errors.New("target file: relation name is required")
		}
		if seen[rel.Name] {
			return hyperfleet.RoleTarget{}, fmt.Errorf("target file: relation %s declared twice", rel.Name)
		}
		seen[rel.Name] = true
		target.Relations = append(target.Relations, hyperfleet.Relation{
			Name:      rel.Name,
			Mandatory: rel.Mandatory,
			OfferRef:  rel.OfferRef,
		})
	}
	return target, nil
}
