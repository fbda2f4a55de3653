package module

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Regions answers which network is authoritative for a location.
type Regions interface {
	IsAuthor(network string, latitude, longitude float64) bool
}

// Region is a named polygon owned by a network. Points are [longitude, latitude] pairs.
type Region struct {
	Network string       `yaml:"network" validate:"required"`
	Name    string       `yaml:"name"`
	Points  [][2]float64 `yaml:"points" validate:"min=3"`
}

// AuthoritativeRegions assigns each location to the network of the first region containing it, falling back to
// DefaultNetwork.
type AuthoritativeRegions struct {
	DefaultNetwork string   `yaml:"default_network"`
	Regions        []Region `yaml:"regions"`
}

// LoadRegions reads authoritative regions from a YAML file
func LoadRegions(filePath string) (*AuthoritativeRegions, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read regions file: %w", err)
	}

	var regions AuthoritativeRegions
	if err := yaml.Unmarshal(data, &regions); err != nil {
		return nil, fmt.Errorf("failed to parse regions YAML: %w", err)
	}
	for i, r := range regions.Regions {
		if r.Network == "" || len(r.Points) < 3 {
			return nil, fmt.Errorf("region %d (%s): network and at least 3 points are required", i, r.Name)
		}
	}
	return &regions, nil
}

// Author returns the authoritative network for the location.
func (r *AuthoritativeRegions) Author(latitude, longitude float64) string {
	for _, region := range r.Regions {
		if region.Contains(latitude, longitude) {
			return region.Network
		}
	}
	return r.DefaultNetwork
}

func (r *AuthoritativeRegions) IsAuthor(network string, latitude, longitude float64) bool {
	author := r.Author(latitude, longitude)
	return author != "" && strings.EqualFold(author, network)
}

// Contains uses ray casting; points on the boundary may land on either side.
func (r Region) Contains(latitude, longitude float64) bool {
	inside := false
	n := len(r.Points)
	for i, j := 0, n-1; i < n; j, i = i, i+1 {
		xi, yi := r.Points[i][0], r.Points[i][1]
		xj, yj := r.Points[j][0], r.Points[j][1]
		if (yi > latitude) != (yj > latitude) &&
			longitude < (xj-xi)*(latitude-yi)/(yj-yi)+xi {
			inside = !inside
		}
	}
	return inside
}
