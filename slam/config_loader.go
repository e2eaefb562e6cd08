package slam

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// LoadConfig loads the configuration from a YAML file. Sections missing
// from the file keep the values of DefaultConfig.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// Validate checks the fields the core cannot run without
func (c *Config) Validate() error {
	if c.Robot.ID == "" {
		return fmt.Errorf("robot.id is required")
	}
	if c.Odometry.BaseWidth <= 0 {
		return fmt.Errorf("odometry.baseWidth must be positive, got %v", c.Odometry.BaseWidth)
	}
	if c.Odometry.MetersPerTick <= 0 {
		return fmt.Errorf("odometry.metersPerTick must be positive, got %v", c.Odometry.MetersPerTick)
	}
	if c.Odometry.EncoderBits != 0 && (c.Odometry.EncoderBits < 8 || c.Odometry.EncoderBits > 64) {
		return fmt.Errorf("odometry.encoderBits must be 0 or between 8 and 64, got %d", c.Odometry.EncoderBits)
	}
	if c.Laser.Samples < 2 {
		return fmt.Errorf("laser.samples must be at least 2, got %d", c.Laser.Samples)
	}
	if c.Laser.MaxRange <= c.Laser.MinRange {
		return fmt.Errorf("laser.maxRange (%v) must exceed laser.minRange (%v)", c.Laser.MaxRange, c.Laser.MinRange)
	}
	if c.Grid.Size <= 0 || c.Grid.Extent <= 0 {
		return fmt.Errorf("grid.size and grid.extent must be positive")
	}
	if c.Grid.DownsampleBy <= 0 || c.Grid.Size%c.Grid.DownsampleBy != 0 {
		return fmt.Errorf("grid.downsampleBy (%d) must divide grid.size (%d)", c.Grid.DownsampleBy, c.Grid.Size)
	}
	if c.Grid.DOccupancy <= 0 || c.Grid.DOccupancy > 1 {
		return fmt.Errorf("grid.dOccupancy must be in (0, 1], got %v", c.Grid.DOccupancy)
	}
	if c.Filter.Particles <= 0 {
		return fmt.Errorf("filter.particles must be positive, got %d", c.Filter.Particles)
	}
	if c.Filter.BeamStride <= 0 {
		return fmt.Errorf("filter.beamStride must be positive, got %d", c.Filter.BeamStride)
	}
	if c.Corners.Neighborhood <= 0 {
		return fmt.Errorf("corners.neighborhood must be positive, got %d", c.Corners.Neighborhood)
	}
	if c.Planner.Connectivity != 4 && c.Planner.Connectivity != 8 {
		return fmt.Errorf("planner.connectivity must be 4 or 8, got %d", c.Planner.Connectivity)
	}
	if c.Planner.WindowCells > 0 && c.Planner.WindowExtent <= 0 {
		return fmt.Errorf("planner.windowExtent must be positive when planner.windowCells is set")
	}
	if c.VectorMap.MergeRadius <= 0 {
		return fmt.Errorf("vectorMap.mergeRadius must be positive, got %v", c.VectorMap.MergeRadius)
	}

	seen := make(map[string]bool, len(c.Peers))
	for i, p := range c.Peers {
		if p.ID == "" {
			return fmt.Errorf("peers[%d].id is required", i)
		}
		if p.ID == c.Robot.ID {
			return fmt.Errorf("peers[%d].id %q duplicates robot.id", i, p.ID)
		}
		if seen[p.ID] {
			return fmt.Errorf("peers[%d].id %q is defined twice", i, p.ID)
		}
		seen[p.ID] = true
		if p.Fetch.Timeout < 0 || p.Fetch.Attempts < 0 || p.Fetch.Backoff < 0 {
			return fmt.Errorf("peers[%d].fetch values must not be negative", i)
		}
	}

	return nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(path string, config *Config) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("marshaling config YAML: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	return nil
}
