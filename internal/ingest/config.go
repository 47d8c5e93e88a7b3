package ingest

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// AggregationClasses decides which rollup aggregate is meaningful for a
// metric type: rate-like metrics average, cumulative metrics sum. Types in
// neither list still get min/max/count.
type AggregationClasses struct {
	Average []string `yaml:"average"`
	Sum     []string `yaml:"sum"`
}

func DefaultAggregationClasses() AggregationClasses {
	return AggregationClasses{
		Average: []string{
			"heart_rate", "resting_heart_rate", "walking_hr_avg", "hr_variability_sdnn",
			"oxygen_saturation", "walking_speed", "vo2_max", "body_mass", "body_mass_index",
			"blood_glucose", "blood_pressure_systolic", "blood_pressure_diastolic",
			"respiratory_rate", "body_temperature",
		},
		Sum: []string{
			"steps", "active_energy_burned", "sleep_hours", "active_time_minutes",
			"distance_walking_running_km", "distance_cycling_km", "distance_swimming_km",
			"dietary_water", "mindfulness_minutes",
		},
	}
}

// LoadAggregationClasses reads classes from a YAML file, falling back to the
// compiled defaults when path is empty.
func LoadAggregationClasses(path string) (AggregationClasses, error) {
	if path == "" {
		return DefaultAggregationClasses(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return AggregationClasses{}, fmt.Errorf("read aggregation classes: %w", err)
	}
	var classes AggregationClasses
	if err := yaml.Unmarshal(raw, &classes); err != nil {
		return AggregationClasses{}, fmt.Errorf("parse aggregation classes: %w", err)
	}
	return classes, nil
}
