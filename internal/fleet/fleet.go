// Package fleet loads the target host inventory from a YAML file.
package fleet

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Host is one inventory entry.
type Host struct {
	Hostname string   `yaml:"host" json:"host"`
	Username string   `yaml:"user" json:"user"`
	Port     int      `yaml:"port,omitempty" json:"port,omitempty"`
	Tags     []string `yaml:"tags,omitempty" json:"tags,omitempty"`
}

// Inventory is the parsed targets file.
type Inventory struct {
	Defaults struct {
		Username string `yaml:"user"`
		Port     int    `yaml:"port"`
	} `yaml:"defaults"`
	Hosts []Host `yaml:"targets"`
}

// Load reads and validates an inventory file. Per-host fields win over the
// defaults block; the port falls back to 22.
func Load(path string) (*Inventory, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read inventory: %w", err)
	}

	var inv Inventory
	if err := yaml.Unmarshal(raw, &inv); err != nil {
		return nil, fmt.Errorf("parse inventory %s: %w", path, err)
	}

	seen := make(map[string]bool)
	for i := range inv.Hosts {
		h := &inv.Hosts[i]
		if h.Hostname == "" {
			return nil, fmt.Errorf("inventory %s: target %d has no host", path, i)
		}
		if h.Username == "" {
			h.Username = inv.Defaults.Username
		}
		if h.Username == "" {
			return nil, fmt.Errorf("inventory %s: target %s has no user and no default", path, h.Hostname)
		}
		if h.Port == 0 {
			h.Port = inv.Defaults.Port
		}
		if h.Port == 0 {
			h.Port = 22
		}
		key := fmt.Sprintf("%s@%s:%d", h.Username, h.Hostname, h.Port)
		if seen[key] {
			return nil, fmt.Errorf("inventory %s: duplicate target %s", path, key)
		}
		seen[key] = true
	}
	return &inv, nil
}

// Select returns the hosts carrying the given tag, or every host when the
// tag is empty.
func (inv *Inventory) Select(tag string) []Host {
	if tag == "" {
		out := make([]Host, len(inv.Hosts))
		copy(out, inv.Hosts)
		return out
	}
	var out []Host
	for _, h := range inv.Hosts {
		for _, t := range h.Tags {
			if t == tag {
				out = append(out, h)
				break
			}
		}
	}
	return out
}
