package main

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/paulmach/orb/geojson"

	"github.com/kwv/tudoslam/slam"
)

const (
	// occupancy above wallThreshold is vectorized as wall
	wallThreshold = 0.5
	// maxDestinationBytes caps a POST /destination body
	maxDestinationBytes = 4096
)

// newHTTPServer creates an HTTP server with all endpoints
func newHTTPServer(a *App) http.Handler {
	mux := http.NewServeMux()

	// Health check endpoint
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		status := struct {
			Status        string    `json:"status"`
			Timestamp     time.Time `json:"timestamp"`
			RobotID       string    `json:"robotId"`
			Cycles        int       `json:"cycles"`
			Landmarks     int       `json:"landmarks"`
			MQTTConnected bool      `json:"mqttConnected"`
		}{
			Status:        "ok",
			Timestamp:     time.Now(),
			RobotID:       a.Config.Robot.ID,
			Cycles:        a.Engine.Cycles(),
			Landmarks:     len(a.Engine.Landmarks()),
			MQTTConnected: a.MQTTClient != nil && a.MQTTClient.IsConnected(),
		}
		writeJSON(w, status)
	})

	// Best pose as a tagged message
	mux.HandleFunc("/pose", func(w http.ResponseWriter, r *http.Request) {
		writeMessage(w, slam.PoseMessage{
			RobotID:   a.Config.Robot.ID,
			Pose:      a.Engine.Pose(),
			Timestamp: time.Now().Unix(),
		})
	})

	mux.HandleFunc("/positions", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, a.StateTracker.GetPositions())
	})

	// Landmark set in the form peers fetch it
	mux.HandleFunc("/landmarks", func(w http.ResponseWriter, r *http.Request) {
		writeMessage(w, slam.LandmarksMessage{
			RobotID:   a.Config.Robot.ID,
			Landmarks: a.Engine.LandmarkSet(),
		})
	})

	mux.HandleFunc("/landmarks.geojson", func(w http.ResponseWriter, r *http.Request) {
		fc := slam.LandmarksToFeatureCollection(a.Engine.Landmarks(), a.Config.Robot.ID)
		for peerID, set := range a.StateTracker.GetPeerLandmarks() {
			for _, l := range set {
				fc.Append(slam.LandmarkFeature(l, peerID))
			}
		}
		fc.Append(slam.PoseFeature(a.Config.Robot.ID, a.Engine.Pose()))
		writeGeoJSON(w, fc)
	})

	mux.HandleFunc("/path.geojson", func(w http.ResponseWriter, r *http.Request) {
		res := a.StateTracker.GetPath()
		if res == nil || res.Err != nil {
			http.Error(w, "No path available", http.StatusNotFound)
			return
		}
		f := slam.PathFeature(res.Path.Points, a.Config.Planner.Simplify, map[string]interface{}{
			"seq":      res.Seq,
			"cost":     res.Path.Cost,
			"expanded": res.Path.Expanded,
		})
		writeGeoJSON(w, f)
	})

	mux.HandleFunc("/map.geojson", func(w http.ResponseWriter, r *http.Request) {
		grid, err := a.Engine.Map().Downsampled()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		fc := geojson.NewFeatureCollection()
		fc.Append(slam.WallsFeature(slam.VectorizeWalls(grid, wallThreshold, grid.CellSize())))
		fc.Append(slam.ParticlesFeature(a.Engine.Particles()))
		writeGeoJSON(w, fc)
	})

	// Occupancy grid PNG; ?full=1 renders the full-resolution grid
	mux.HandleFunc("/map.png", func(w http.ResponseWriter, r *http.Request) {
		grid := a.Engine.Map().Snapshot()
		if r.URL.Query().Get("full") != "1" {
			downsampled, err := a.Engine.Map().Downsampled()
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			grid = downsampled
		}
		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Cache-Control", "no-cache")
		if err := a.gridRenderer(grid, 800).WritePNG(w); err != nil {
			log.Printf("Error encoding map PNG: %v", err)
		}
	})

	mux.HandleFunc("/map.svg", func(w http.ResponseWriter, r *http.Request) {
		grid, err := a.Engine.Map().Downsampled()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "image/svg+xml")
		w.Header().Set("Cache-Control", "no-cache")
		if err := a.vectorRenderer(grid).RenderToSVG(w); err != nil {
			log.Printf("Error encoding map SVG: %v", err)
		}
	})

	mux.HandleFunc("/destination", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req slam.DestinationRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxDestinationBytes)).Decode(&req); err != nil {
			http.Error(w, fmt.Sprintf("Invalid destination: %v", err), http.StatusBadRequest)
			return
		}
		seq, err := a.requestPath(req)
		if err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		writeJSON(w, map[string]uint64{"seq": seq})
	})

	// Default route serves an HTML page embedding the SVG map
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Cache-Control", "no-cache")
		_, _ = fmt.Fprint(w, `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>tudoslam</title>
<style>
*{margin:0;padding:0;box-sizing:border-box}
html,body{width:100%;height:100%;overflow:hidden;background:#1a1a1a}
img{display:block;width:100vw;height:100vh;object-fit:contain}
</style>
</head>
<body>
<img src="/map.svg" alt="Map">
</body>
</html>`)
	})

	// Wrap mux with logging middleware
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.Printf("[HTTP] %s %s from %s", r.Method, r.URL.Path, r.RemoteAddr)
		mux.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	if w.Header().Get("Content-Type") == "" {
		w.Header().Set("Content-Type", "application/json")
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[HTTP] Error encoding response: %v", err)
	}
}

// writeMessage sends a tagged transport message
func writeMessage(w http.ResponseWriter, m slam.Message) {
	data, err := slam.EncodeMessage(m)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(data)
}

func writeGeoJSON(w http.ResponseWriter, v json.Marshaler) {
	data, err := v.MarshalJSON()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/geo+json")
	w.Header().Set("Cache-Control", "no-cache")
	_, _ = w.Write(data)
}
