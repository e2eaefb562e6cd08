package main

import (
	"bytes"
	"context"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/kwv/tudoslam/slam"
)

// testConfig is a small room-sized setup that runs a cycle in milliseconds
func testConfig() *slam.Config {
	cfg := slam.DefaultConfig()
	cfg.Robot.ID = "may"
	cfg.Robot.Color = "#00AAFF"
	cfg.Peers = []slam.PeerConfig{{ID: "june", Color: "#FFAA00"}}
	cfg.Grid.Size = 200
	cfg.Grid.Extent = 20
	cfg.Grid.DownsampleBy = 4
	cfg.Filter.Particles = 50
	cfg.Filter.Workers = 2
	cfg.Laser.Samples = 541
	return cfg
}

// newTestApp returns a prepared app whose landmark cache lives in a temp dir
func newTestApp(t *testing.T) *App {
	t.Helper()
	app := NewApp()
	app.Config = testConfig()
	app.Seed = 7
	app.LandmarkCache = filepath.Join(t.TempDir(), "landmarks.json")
	if err := app.prepare(); err != nil {
		t.Fatalf("prepare: %v", err)
	}
	return app
}

// boxRanges ray-casts a scan from pose inside an axis-aligned square room
// of the given half width centred on the origin
func boxRanges(model slam.LaserModel, pose slam.Pose, half float64) []float64 {
	ranges := make([]float64, model.Samples)
	for i := range ranges {
		a := pose.Angle + model.AngleStart + float64(i)*model.AngleIncrement
		dx, dy := math.Cos(a), math.Sin(a)
		best := math.Inf(1)
		for _, wall := range []struct{ d, p, w float64 }{
			{dx, pose.X, half}, {dx, pose.X, -half},
			{dy, pose.Y, half}, {dy, pose.Y, -half},
		} {
			if math.Abs(wall.d) < 1e-12 {
				continue
			}
			if t := (wall.w - wall.p) / wall.d; t > 0 && t < best {
				best = t
			}
		}
		ranges[i] = best
	}
	return ranges
}

func roomScan(app *App) slam.ScanMessage {
	return slam.ScanMessage{Ranges: boxRanges(app.Config.LaserModel(), slam.Pose{}, 3)}
}

func encodeLine(t *testing.T, m slam.Message) string {
	t.Helper()
	data, err := slam.EncodeMessage(m)
	if err != nil {
		t.Fatalf("EncodeMessage(%s): %v", m.Type(), err)
	}
	return string(data)
}

// portRecorder is a serial port that records writes and never yields data
type portRecorder struct {
	written bytes.Buffer
}

func (p *portRecorder) Read([]byte) (int, error)    { select {} }
func (p *portRecorder) Write(b []byte) (int, error) { return p.written.Write(b) }
func (p *portRecorder) Close() error                { return nil }

func TestNewApp(t *testing.T) {
	app := NewApp()
	if app == nil {
		t.Fatal("NewApp returned nil")
		return
	}
	if app.StateTracker == nil {
		t.Error("StateTracker should be initialized")
	}
}

func TestApplyOptions(t *testing.T) {
	app := NewApp()
	opts := AppOptions{
		ConfigFile:    "test-config.yaml",
		LandmarkCache: ".test-landmarks.json",
		ReplayFile:    "session.jsonl",
		RenderOutput:  "map.svg",
		SerialPort:    "/dev/ttyACM0",
		Seed:          42,
		HttpPort:      8080,
		MqttMode:      true,
		HttpMode:      false,
	}

	app.ApplyOptions(opts)

	if app.ConfigFile != "test-config.yaml" {
		t.Errorf("ConfigFile = %s, want test-config.yaml", app.ConfigFile)
	}
	if app.LandmarkCache != ".test-landmarks.json" {
		t.Errorf("LandmarkCache = %s, want .test-landmarks.json", app.LandmarkCache)
	}
	if app.ReplayFile != "session.jsonl" {
		t.Errorf("ReplayFile = %s, want session.jsonl", app.ReplayFile)
	}
	if app.RenderOutput != "map.svg" {
		t.Errorf("RenderOutput = %s, want map.svg", app.RenderOutput)
	}
	if app.SerialPort != "/dev/ttyACM0" {
		t.Errorf("SerialPort = %s, want /dev/ttyACM0", app.SerialPort)
	}
	if app.Seed != 42 {
		t.Errorf("Seed = %d, want 42", app.Seed)
	}
	if app.HttpPort != 8080 {
		t.Errorf("HttpPort = %d, want 8080", app.HttpPort)
	}
	if !app.MqttMode {
		t.Error("MqttMode should be true")
	}
	if app.HttpMode {
		t.Error("HttpMode should be false")
	}
}

func TestPrepare_LoadsConfigFile(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")
	configYAML := `robot:
  id: may
  color: "#00AAFF"
peers:
  - id: june
    color: "#FFAA00"
grid:
  size: 200
  extent: 20
  dOccupancy: 0.2
  downsampleBy: 4
  minimumLaserDistance: 0.1
filter:
  particles: 20
`
	if err := os.WriteFile(configPath, []byte(configYAML), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	app := NewApp()
	app.ConfigFile = configPath
	app.SerialPort = "/dev/ttyUSB1"
	if err := app.prepare(); err != nil {
		t.Fatalf("prepare: %v", err)
	}

	if app.Engine == nil || app.Planner == nil {
		t.Fatal("engine and planner should be built")
	}
	if got := app.Config.Serial.Port; got != "/dev/ttyUSB1" {
		t.Errorf("Serial.Port = %q, want the -serial override", got)
	}
	if got := len(app.Engine.Particles()); got != 20 {
		t.Errorf("particles = %d, want 20", got)
	}

	app.StateTracker.UpdatePosition("june", slam.Pose{})
	if got := app.StateTracker.GetPositions()["june"].Color; got != "#FFAA00" {
		t.Errorf("peer color = %s, want #FFAA00", got)
	}
}

func TestPrepare_MissingConfig(t *testing.T) {
	app := NewApp()
	app.ConfigFile = filepath.Join(t.TempDir(), "missing.yaml")
	if err := app.prepare(); err == nil {
		t.Fatal("expected error for missing config")
	}
}

func TestPrepare_LoadsLandmarkCache(t *testing.T) {
	cache := filepath.Join(t.TempDir(), "landmarks.json")
	l := slam.Landmark{ID: [16]byte{1}, Kind: slam.KindCorner, Position: slam.Point{X: 1, Y: 1}, StartAngle: 0, EndAngle: 1, Count: 1}
	if err := slam.SaveLandmarkSet(slam.LandmarkSet{l.ID: l}, cache); err != nil {
		t.Fatalf("SaveLandmarkSet: %v", err)
	}

	app := NewApp()
	app.Config = testConfig()
	app.LandmarkCache = cache
	if err := app.prepare(); err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if got := len(app.Engine.Landmarks()); got != 1 {
		t.Errorf("landmarks = %d, want 1 from the cache", got)
	}
}

func TestHandleMessage_TicksThenScan(t *testing.T) {
	app := newTestApp(t)

	app.handleMessage("may", slam.OdometryMessage{OdometryTicks: slam.OdometryTicks{Left: 0, Right: 0}})
	app.handleMessage("may", roomScan(app))

	if got := app.Engine.Cycles(); got != 1 {
		t.Fatalf("Cycles = %d, want 1", got)
	}
	pos, ok := app.StateTracker.GetPositions()["may"]
	if !ok {
		t.Fatal("own position not tracked after a scan")
	}
	if pos.Color != "#00AAFF" {
		t.Errorf("Color = %s, want #00AAFF", pos.Color)
	}
	if math.Hypot(pos.X, pos.Y) > 0.5 {
		t.Errorf("stationary robot drifted to (%.2f, %.2f)", pos.X, pos.Y)
	}
}

func TestHandleMessage_BadScanIsDropped(t *testing.T) {
	app := newTestApp(t)
	app.handleMessage("may", slam.ScanMessage{Ranges: []float64{1, 2, 3}})
	if got := app.Engine.Cycles(); got != 0 {
		t.Errorf("Cycles = %d, want 0 after a malformed scan", got)
	}
}

func TestHandleMessage_PeerLandmarks(t *testing.T) {
	app := newTestApp(t)
	l := slam.Landmark{ID: [16]byte{9}, Kind: slam.KindEdge, Position: slam.Point{X: 2}, StartAngle: math.NaN(), EndAngle: 0, Count: 1}
	set := slam.LandmarkSet{l.ID: l}

	app.handleMessage("may", slam.LandmarksMessage{RobotID: "may", Landmarks: set})
	if got := len(app.Engine.Landmarks()); got != 0 {
		t.Fatalf("own landmark echo merged: %d landmarks", got)
	}

	app.handleMessage("june", slam.LandmarksMessage{RobotID: "june", Landmarks: set})
	if got := len(app.Engine.Landmarks()); got != 1 {
		t.Errorf("landmarks = %d, want 1 after peer merge", got)
	}
	if _, ok := app.StateTracker.GetPeerLandmarks()["june"]; !ok {
		t.Error("peer set not recorded")
	}
}

func TestHandleMessage_PoseResets(t *testing.T) {
	app := newTestApp(t)
	app.handleMessage("may", roomScan(app))

	app.handleMessage("may", slam.PoseMessage{RobotID: "may", Pose: slam.Pose{X: 1, Y: -1}})

	if got := app.Engine.Cycles(); got != 0 {
		t.Errorf("Cycles = %d, want 0 after reset", got)
	}
	pose := app.Engine.Pose()
	if math.Abs(pose.X-1) > 1e-9 || math.Abs(pose.Y+1) > 1e-9 {
		t.Errorf("Pose = %+v, want (1, -1)", pose)
	}
}

func TestHandleMessage_RobotCommand(t *testing.T) {
	app := newTestApp(t)

	// no link: dropped without panicking
	app.handleMessage("may", slam.RobotCommand{Left: 10, Right: 10})

	port := &portRecorder{}
	app.Encoders = slam.NewEncoderLink(port)
	app.handleMessage("may", slam.RobotCommand{Left: 40, Right: -40})

	if got := port.written.String(); got != "40l-40r" {
		t.Errorf("serial write = %q, want 40l-40r", got)
	}
}

func TestHandleMessage_Destination(t *testing.T) {
	app := newTestApp(t)
	app.handleMessage("may", roomScan(app))

	app.handleMessage("may", slam.DestinationMessage{DestinationRequest: slam.DestinationRequest{X: 1, Y: 1}})
	app.Planner.Wait()

	res := app.StateTracker.GetPath()
	if res == nil {
		t.Fatal("no plan delivered")
	}
	if res.Seq != 1 {
		t.Errorf("Seq = %d, want 1", res.Seq)
	}
	if res.Err != nil {
		t.Errorf("plan failed: %v", res.Err)
	}
}

func TestReplay(t *testing.T) {
	app := newTestApp(t)

	lines := []string{
		"# recorded in the lab",
		encodeLine(t, slam.OdometryMessage{}),
		encodeLine(t, roomScan(app)),
		"",
		"not json",
		`{"t":"bogus"}`,
		encodeLine(t, slam.OdometryMessage{}),
		encodeLine(t, roomScan(app)),
		encodeLine(t, slam.DestinationMessage{DestinationRequest: slam.DestinationRequest{X: -1, Y: 1}}),
	}

	handled, err := app.replay(strings.NewReader(strings.Join(lines, "\n")))
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if handled != 5 {
		t.Errorf("handled = %d, want 5", handled)
	}
	if got := app.Engine.Cycles(); got != 2 {
		t.Errorf("Cycles = %d, want 2", got)
	}
	if app.StateTracker.GetPath() == nil {
		t.Error("replay should wait for the requested plan")
	}
}

func writeReplayFile(t *testing.T, app *App, cycles int) string {
	t.Helper()
	var b strings.Builder
	for range cycles {
		b.WriteString(encodeLine(t, slam.OdometryMessage{}))
		b.WriteByte('\n')
		b.WriteString(encodeLine(t, roomScan(app)))
		b.WriteByte('\n')
	}
	path := filepath.Join(t.TempDir(), "session.jsonl")
	if err := os.WriteFile(path, []byte(b.String()), 0644); err != nil {
		t.Fatalf("write replay: %v", err)
	}
	return path
}

func TestRunReplay_RendersAndPersists(t *testing.T) {
	for _, ext := range []string{".png", ".svg"} {
		t.Run(ext, func(t *testing.T) {
			app := NewApp()
			app.Config = testConfig()
			app.LandmarkCache = filepath.Join(t.TempDir(), "landmarks.json")
			app.ReplayFile = writeReplayFile(t, app, 3)
			app.RenderOutput = filepath.Join(t.TempDir(), "map"+ext)

			if err := app.RunReplay(); err != nil {
				t.Fatalf("RunReplay: %v", err)
			}
			if info, err := os.Stat(app.RenderOutput); err != nil || info.Size() == 0 {
				t.Errorf("render output missing: %v", err)
			}
			if _, err := os.Stat(app.LandmarkCache); err != nil {
				t.Errorf("landmark cache not written: %v", err)
			}
		})
	}
}

func TestRunReplay_MissingFile(t *testing.T) {
	app := NewApp()
	app.Config = testConfig()
	app.ReplayFile = filepath.Join(t.TempDir(), "missing.jsonl")
	if err := app.RunReplay(); err == nil {
		t.Fatal("expected error for missing replay file")
	}
}

func TestRunRender_FromCache(t *testing.T) {
	cache := filepath.Join(t.TempDir(), "landmarks.json")
	l := slam.Landmark{ID: [16]byte{3}, Kind: slam.KindCorner, Position: slam.Point{X: 2, Y: 2}, StartAngle: 0, EndAngle: math.Pi / 2, Count: 4}
	if err := slam.SaveLandmarkSet(slam.LandmarkSet{l.ID: l}, cache); err != nil {
		t.Fatalf("SaveLandmarkSet: %v", err)
	}

	app := NewApp()
	app.Config = testConfig()
	app.LandmarkCache = cache
	app.RenderOutput = filepath.Join(t.TempDir(), "landmarks.svg")

	if err := app.RunRender(); err != nil {
		t.Fatalf("RunRender: %v", err)
	}
	data, err := os.ReadFile(app.RenderOutput)
	if err != nil {
		t.Fatalf("read render: %v", err)
	}
	if !strings.Contains(string(data), "<svg") {
		t.Errorf("output is not SVG")
	}
}

func TestRender_UnsupportedFormat(t *testing.T) {
	app := newTestApp(t)
	if err := app.render(filepath.Join(t.TempDir(), "map.jpg")); err == nil {
		t.Fatal("expected error for .jpg output")
	}
}

func TestDispatch_QueuesEngineMessages(t *testing.T) {
	app := newTestApp(t)
	app.cycles = make(chan queuedMessage, 8)
	port := &portRecorder{}
	app.Encoders = slam.NewEncoderLink(port)

	peer := slam.Landmark{ID: [16]byte{9}, Kind: slam.KindCorner, Position: slam.Point{X: 1, Y: 2}, StartAngle: 0, EndAngle: 1, Count: 1}
	app.dispatch("may", slam.OdometryMessage{})
	app.dispatch("may", roomScan(app))
	app.dispatch("may", slam.RobotCommand{Left: 5, Right: 5})
	app.dispatch("june", slam.LandmarksMessage{RobotID: "june", Landmarks: slam.LandmarkSet{peer.ID: peer}})

	if app.Engine.Cycles() != 0 {
		t.Errorf("Cycles = %d before the worker ran, want 0", app.Engine.Cycles())
	}
	if len(app.cycles) != 3 {
		t.Errorf("queued = %d, want 3", len(app.cycles))
	}
	if got := port.written.String(); got != "5l5r" {
		t.Errorf("serial write = %q, want 5l5r (commands bypass the queue)", got)
	}

	close(app.cycles)
	if err := app.runCycles(context.Background()); err != nil {
		t.Fatalf("runCycles: %v", err)
	}
	if app.Engine.Cycles() != 1 {
		t.Errorf("Cycles = %d after the worker ran, want 1", app.Engine.Cycles())
	}
	if _, ok := app.StateTracker.GetPeerLandmarks()["june"]; !ok {
		t.Error("peer landmarks from june not handled")
	}
}

func TestDispatch_DropsScansWhenFull(t *testing.T) {
	app := newTestApp(t)
	app.cycles = make(chan queuedMessage, 1)

	app.dispatch("may", slam.OdometryMessage{})
	app.dispatch("may", roomScan(app))

	if len(app.cycles) != 1 {
		t.Fatalf("queued = %d, want 1", len(app.cycles))
	}
	if q := <-app.cycles; q.msg.Type() != slam.MessageOdometry {
		t.Errorf("queued %s, want the odometry message kept", q.msg.Type())
	}
}

func TestDispatch_InlineWithoutWorker(t *testing.T) {
	app := newTestApp(t)

	app.dispatch("may", slam.OdometryMessage{})
	app.dispatch("may", roomScan(app))

	if app.Engine.Cycles() != 1 {
		t.Errorf("Cycles = %d, want 1", app.Engine.Cycles())
	}
}

func TestRunCycles_StopsOnCancel(t *testing.T) {
	app := newTestApp(t)
	app.cycles = make(chan queuedMessage)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := app.runCycles(ctx); err != nil {
		t.Errorf("runCycles = %v, want nil on cancel", err)
	}
}

func TestFetchPeers_MergesPeerSets(t *testing.T) {
	app := newTestApp(t)

	l := slam.Landmark{ID: [16]byte{7}, Kind: slam.KindCorner, Position: slam.Point{X: 2, Y: -1}, StartAngle: 0, EndAngle: 1, Count: 1}
	body, err := slam.EncodeMessage(slam.LandmarksMessage{RobotID: "june", Landmarks: slam.LandmarkSet{l.ID: l}})
	if err != nil {
		t.Fatalf("EncodeMessage: %v", err)
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	url := srv.URL + "/landmarks"
	app.Config.Peers[0].ApiURL = &url
	app.Config.Peers[0].Fetch = slam.PeerFetchConfig{Timeout: 5 * time.Second, Attempts: 1}
	app.fetchPeers(t.Context())

	if _, ok := app.StateTracker.GetPeerLandmarks()["june"]; !ok {
		t.Error("june's landmarks were not tracked")
	}
	if len(app.Engine.Landmarks()) != 1 {
		t.Errorf("engine landmarks = %d, want june's 1", len(app.Engine.Landmarks()))
	}
}
