package config

import (
	"fmt"
	"math"
	"os"

	"gopkg.in/yaml.v3"
)

// Scenario seeds the demo host with an initial population of objects.
type Scenario struct {
	Name    string         `yaml:"name"`
	Objects []ScenarioBody `yaml:"objects"`
}

// ScenarioBody describes one seeded object.
type ScenarioBody struct {
	ID          string     `yaml:"id"`
	Kind        string     `yaml:"kind"`
	Faction     string     `yaml:"faction"`
	Position    [2]float64 `yaml:"position"`
	Velocity    [2]float64 `yaml:"velocity"`
	Radius      float64    `yaml:"radius"`
	SensorRange float64    `yaml:"sensor_range"`
}

// LoadScenario parses a YAML scenario file.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scenario: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario decodes and validates scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	if err := yaml.Unmarshal(data, &scenario); err != nil {
		return nil, fmt.Errorf("decode scenario: %w", err)
	}
	seen := make(map[string]struct{}, len(scenario.Objects))
	for i, body := range scenario.Objects {
		//1.- Ids must be unique because the object store rejects duplicates.
		if body.ID == "" {
			return nil, fmt.Errorf("scenario object %d: id is required", i)
		}
		if _, dup := seen[body.ID]; dup {
			return nil, fmt.Errorf("scenario object %q: duplicate id", body.ID)
		}
		seen[body.ID] = struct{}{}
		//2.- Negative or non-finite sizes would be rejected later with a less helpful message.
		if body.Radius < 0 || math.IsNaN(body.Radius) || math.IsInf(body.Radius, 0) {
			return nil, fmt.Errorf("scenario object %q: radius must be a non-negative number", body.ID)
		}
		if body.SensorRange < 0 || math.IsNaN(body.SensorRange) || math.IsInf(body.SensorRange, 0) {
			return nil, fmt.Errorf("scenario object %q: sensor_range must be a non-negative number", body.ID)
		}
	}
	return &scenario, nil
}
