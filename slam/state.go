package slam

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// StateTracker holds what the HTTP endpoints show: live robot poses, the
// landmark sets received from peers and the latest delivered plan.
type StateTracker struct {
	mu            sync.RWMutex
	positions     map[string]*LivePosition
	colors        map[string]string // robot ID -> hex color
	peerLandmarks map[string]LandmarkSet
	path          *PlanResult
	cached        LandmarkSet
	cachePath     string // landmark cache file; empty disables persistence
}

// NewStateTracker creates a new state tracker
func NewStateTracker() *StateTracker {
	return NewStateTrackerWithCache("")
}

// NewStateTrackerWithCache creates a tracker that persists the landmark set
// to cachePath. An existing cache is loaded and exposed by
// CachedLandmarks.
func NewStateTrackerWithCache(cachePath string) *StateTracker {
	st := &StateTracker{
		positions:     make(map[string]*LivePosition),
		colors:        make(map[string]string),
		peerLandmarks: make(map[string]LandmarkSet),
		cachePath:     cachePath,
	}
	if cachePath != "" {
		if set, err := LoadLandmarkSet(cachePath); err == nil {
			st.cached = set
			log.Printf("[MAP] Loaded %d cached landmarks from %s", len(set), cachePath)
		}
	}
	return st
}

// SetColor sets the display color of a robot
func (st *StateTracker) SetColor(robotID, hexColor string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.colors[robotID] = hexColor
}

// UpdatePosition records a robot's latest pose
func (st *StateTracker) UpdatePosition(robotID string, pose Pose) {
	st.mu.Lock()
	defer st.mu.Unlock()

	color := st.colors[robotID]
	if color == "" {
		color = "#FF0000"
	}

	st.positions[robotID] = &LivePosition{
		RobotID:   robotID,
		X:         pose.X,
		Y:         pose.Y,
		Angle:     pose.Angle,
		Timestamp: time.Now().Unix(),
		Color:     color,
	}
}

// GetPositions returns a copy of every live position
func (st *StateTracker) GetPositions() map[string]*LivePosition {
	st.mu.RLock()
	defer st.mu.RUnlock()

	result := make(map[string]*LivePosition, len(st.positions))
	for k, v := range st.positions {
		copy := *v
		result[k] = &copy
	}
	return result
}

// UpdatePeerLandmarks stores the latest landmark set shared by a peer
func (st *StateTracker) UpdatePeerLandmarks(peerID string, set LandmarkSet) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.peerLandmarks[peerID] = set
}

// GetPeerLandmarks returns the latest set of every peer
func (st *StateTracker) GetPeerLandmarks() map[string]LandmarkSet {
	st.mu.RLock()
	defer st.mu.RUnlock()

	result := make(map[string]LandmarkSet, len(st.peerLandmarks))
	for k, v := range st.peerLandmarks {
		result[k] = v
	}
	return result
}

// SetPath records the latest delivered plan
func (st *StateTracker) SetPath(res PlanResult) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.path = &res
}

// GetPath returns the latest delivered plan, or nil
func (st *StateTracker) GetPath() *PlanResult {
	st.mu.RLock()
	defer st.mu.RUnlock()
	if st.path == nil {
		return nil
	}
	res := *st.path
	return &res
}

// CachedLandmarks returns the set loaded from the cache at startup
func (st *StateTracker) CachedLandmarks() LandmarkSet {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.cached
}

// PersistLandmarks writes set to the cache file when one is configured
func (st *StateTracker) PersistLandmarks(set LandmarkSet) error {
	if st.cachePath == "" {
		return nil
	}
	return SaveLandmarkSet(set, st.cachePath)
}

// SaveLandmarkSet writes a landmark set to disk as JSON
func SaveLandmarkSet(set LandmarkSet, path string) error {
	data, err := json.MarshalIndent(set, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal landmark set: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create cache directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write landmark cache: %w", err)
	}
	return nil
}

// LoadLandmarkSet reads a landmark set from a JSON file
func LoadLandmarkSet(path string) (LandmarkSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read landmark cache: %w", err)
	}
	var set LandmarkSet
	if err := json.Unmarshal(data, &set); err != nil {
		return nil, fmt.Errorf("unmarshal landmark cache: %w", err)
	}
	return set, nil
}
