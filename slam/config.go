package slam

import (
	"math"
	"time"
)

// Config represents the full configuration file
type Config struct {
	MQTT      MQTTConfig      `yaml:"mqtt" json:"mqtt"`
	Robot     RobotConfig     `yaml:"robot" json:"robot"`
	Peers     []PeerConfig    `yaml:"peers,omitempty" json:"peers,omitempty"`
	Odometry  OdometryConfig  `yaml:"odometry" json:"odometry"`
	Laser     LaserConfig     `yaml:"laser" json:"laser"`
	Grid      GridConfig      `yaml:"grid" json:"grid"`
	Filter    FilterConfig    `yaml:"filter" json:"filter"`
	Corners   CornerConfig    `yaml:"corners" json:"corners"`
	VectorMap VectorMapConfig `yaml:"vectorMap" json:"vectorMap"`
	Planner   PlannerConfig   `yaml:"planner" json:"planner"`
	Serial    SerialConfig    `yaml:"serial,omitempty" json:"serial,omitempty"`
}

// MQTTConfig holds MQTT connection settings
type MQTTConfig struct {
	Broker        string `yaml:"broker" json:"broker"`
	PublishPrefix string `yaml:"publishPrefix" json:"publishPrefix"`
	ClientID      string `yaml:"clientId" json:"clientId"`
	Username      string `yaml:"username,omitempty" json:"username,omitempty"`
	Password      string `yaml:"password,omitempty" json:"password,omitempty"`
}

// RobotConfig identifies the local robot
type RobotConfig struct {
	ID    string `yaml:"id" json:"id"`
	Color string `yaml:"color,omitempty" json:"color,omitempty"`
}

// PeerConfig describes another robot sharing its landmark map
type PeerConfig struct {
	ID     string  `yaml:"id" json:"id"`
	Color  string  `yaml:"color,omitempty" json:"color,omitempty"`
	ApiURL *string `yaml:"apiUrl,omitempty" json:"apiUrl,omitempty"` // Optional URL of the peer's /landmarks endpoint

	Fetch PeerFetchConfig `yaml:"fetch,omitempty" json:"fetch,omitempty"`
}

// PeerFetchConfig bounds pulls of a peer's landmark set. Zero values take
// the defaults in http_client.go.
type PeerFetchConfig struct {
	Timeout  time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`   // per attempt
	Attempts int           `yaml:"attempts,omitempty" json:"attempts,omitempty"` // including the first
	Backoff  time.Duration `yaml:"backoff,omitempty" json:"backoff,omitempty"`   // first retry delay, doubled per retry
}

// OdometryConfig holds the differential-drive geometry
type OdometryConfig struct {
	BaseWidth     float64 `yaml:"baseWidth" json:"baseWidth"`         // meters between wheels
	MetersPerTick float64 `yaml:"metersPerTick" json:"metersPerTick"` // wheel travel per encoder tick
	EncoderBits   int     `yaml:"encoderBits,omitempty" json:"encoderBits,omitempty"`
}

// LaserConfig describes the scanner geometry
type LaserConfig struct {
	Samples    int     `yaml:"samples" json:"samples"`
	AngleStart float64 `yaml:"angleStart" json:"angleStart"` // radians
	AngleWidth float64 `yaml:"angleWidth" json:"angleWidth"` // radians covered by all samples
	MinRange   float64 `yaml:"minRange" json:"minRange"`
	MaxRange   float64 `yaml:"maxRange" json:"maxRange"`
}

// GridConfig sizes the occupancy map
type GridConfig struct {
	Size                 int     `yaml:"size" json:"size"`     // cells per side
	Extent               float64 `yaml:"extent" json:"extent"` // meters per side
	DOccupancy           float64 `yaml:"dOccupancy" json:"dOccupancy"`
	DownsampleBy         int     `yaml:"downsampleBy" json:"downsampleBy"`
	MinimumLaserDistance float64 `yaml:"minimumLaserDistance" json:"minimumLaserDistance"`
}

// MotionNoise holds the odometry error coefficients of the motion model
type MotionNoise struct {
	RotationErrorFromRotation       float64 `yaml:"rotationErrorFromRotation" json:"rotationErrorFromRotation"`
	RotationErrorFromTranslation    float64 `yaml:"rotationErrorFromTranslation" json:"rotationErrorFromTranslation"` // radians/meter
	TranslationErrorFromRotation    float64 `yaml:"translationErrorFromRotation" json:"translationErrorFromRotation"` // meters/radian
	TranslationErrorFromTranslation float64 `yaml:"translationErrorFromTranslation" json:"translationErrorFromTranslation"`
}

// FilterConfig tunes the particle filter
type FilterConfig struct {
	Particles          int         `yaml:"particles" json:"particles"`
	BeamStride         int         `yaml:"beamStride" json:"beamStride"`
	OccupancyThreshold float64     `yaml:"occupancyThreshold" json:"occupancyThreshold"`
	HitLogProb         float64     `yaml:"hitLogProb" json:"hitLogProb"`
	ObstructedLogProb  float64     `yaml:"obstructedLogProb" json:"obstructedLogProb"`
	MissLogProb        float64     `yaml:"missLogProb" json:"missLogProb"`
	LikelihoodTemper   float64     `yaml:"likelihoodTemper" json:"likelihoodTemper"`
	Workers            int         `yaml:"workers,omitempty" json:"workers,omitempty"`
	Noise              MotionNoise `yaml:"noise" json:"noise"`
}

// CornerConfig holds the landmark extraction thresholds
type CornerConfig struct {
	UpperAngleThreshold    float64 `yaml:"upperAngleThreshold" json:"upperAngleThreshold"`
	LowerAngleThreshold    float64 `yaml:"lowerAngleThreshold" json:"lowerAngleThreshold"`
	DiscontinuityThreshold float64 `yaml:"discontinuityThreshold" json:"discontinuityThreshold"`
	Neighborhood           int     `yaml:"neighborhood" json:"neighborhood"` // beams on each side used for curvature
}

// VectorMapConfig tunes landmark correspondence and merging
type VectorMapConfig struct {
	MergeRadius                   float64 `yaml:"mergeRadius" json:"mergeRadius"`
	TransformMagnitudeRestriction float64 `yaml:"transformMagnitudeRestriction" json:"transformMagnitudeRestriction"`
	MaxLandmarks                  int     `yaml:"maxLandmarks" json:"maxLandmarks"`
}

// PlannerConfig bounds path searches
type PlannerConfig struct {
	OccupancyThreshold float64       `yaml:"occupancyThreshold" json:"occupancyThreshold"`
	Connectivity       int           `yaml:"connectivity" json:"connectivity"` // 4 or 8
	MaxNodes           int           `yaml:"maxNodes,omitempty" json:"maxNodes,omitempty"`
	MaxDuration        time.Duration `yaml:"maxDuration,omitempty" json:"maxDuration,omitempty"`
	Simplify           float64       `yaml:"simplify,omitempty" json:"simplify,omitempty"`         // Douglas-Peucker tolerance in meters for exported paths
	WindowCells        int           `yaml:"windowCells,omitempty" json:"windowCells,omitempty"`   // local path map size; 0 plans on the downsampled global grid
	WindowExtent       float64       `yaml:"windowExtent,omitempty" json:"windowExtent,omitempty"` // meters covered by the local path map
}

// SerialConfig configures the wheel-encoder serial link
type SerialConfig struct {
	Port     string `yaml:"port,omitempty" json:"port,omitempty"`
	BaudRate int    `yaml:"baudRate,omitempty" json:"baudRate,omitempty"`
	DataBits int    `yaml:"dataBits,omitempty" json:"dataBits,omitempty"`
	StopBits int    `yaml:"stopBits,omitempty" json:"stopBits,omitempty"`
	Parity   string `yaml:"parity,omitempty" json:"parity,omitempty"`
}

// DefaultConfig returns the tuned defaults of the robot
func DefaultConfig() *Config {
	return &Config{
		MQTT: MQTTConfig{
			PublishPrefix: "tudoslam",
			ClientID:      "tudoslam",
		},
		Robot: RobotConfig{ID: "robot", Color: "#FF6B6B"},
		Odometry: OdometryConfig{
			BaseWidth:     0.4572,
			MetersPerTick: 0.0003483428571,
		},
		Laser: LaserConfig{
			Samples:    1081,
			AngleStart: -0.75 * math.Pi,
			AngleWidth: 1.5 * math.Pi,
			MinRange:   0.1,
			MaxRange:   30.0,
		},
		Grid: GridConfig{
			Size:                 4096,
			Extent:               20.0,
			DOccupancy:           0.2,
			DownsampleBy:         32,
			MinimumLaserDistance: 0.1,
		},
		Filter: FilterConfig{
			Particles:          2000,
			BeamStride:         10,
			OccupancyThreshold: 0.0,
			HitLogProb:         -4,
			ObstructedLogProb:  -8,
			MissLogProb:        -12,
			LikelihoodTemper:   0.1,
			Noise: MotionNoise{
				RotationErrorFromRotation:       0.5,
				RotationErrorFromTranslation:    0.5,
				TranslationErrorFromRotation:    0.2,
				TranslationErrorFromTranslation: 0.1,
			},
		},
		Corners: CornerConfig{
			UpperAngleThreshold:    math.Pi / 3,
			LowerAngleThreshold:    0.05,
			DiscontinuityThreshold: 0.25,
			Neighborhood:           5,
		},
		VectorMap: VectorMapConfig{
			MergeRadius:                   0.10,
			TransformMagnitudeRestriction: 0.5,
			MaxLandmarks:                  4096,
		},
		Planner: PlannerConfig{
			OccupancyThreshold: 0.0,
			Connectivity:       8,
			MaxNodes:           1 << 20,
			MaxDuration:        2 * time.Second,
			Simplify:           0.05,
		},
		Serial: SerialConfig{
			BaudRate: 9600,
		},
	}
}

// GetPeerByID returns the peer config for the given ID
func (c *Config) GetPeerByID(id string) *PeerConfig {
	for i := range c.Peers {
		if c.Peers[i].ID == id {
			return &c.Peers[i]
		}
	}
	return nil
}

// LaserModel returns the scan geometry described by the laser section
func (c *Config) LaserModel() LaserModel {
	return LaserModel{
		Samples:        c.Laser.Samples,
		AngleStart:     c.Laser.AngleStart,
		AngleIncrement: c.Laser.AngleWidth / float64(c.Laser.Samples-1),
		MinRange:       c.Laser.MinRange,
		MaxRange:       c.Laser.MaxRange,
	}
}
