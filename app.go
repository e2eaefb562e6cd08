package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kwv/tudoslam/slam"
)

const (
	// landmarks are shared with peers every landmarkEvery scan cycles
	landmarkEvery = 10
	// cycleQueueSize bounds engine-bound messages waiting for the cycle worker
	cycleQueueSize = 64
)

// queuedMessage is an engine-bound message waiting for the cycle worker
type queuedMessage struct {
	source string
	msg    slam.Message
}

// App encapsulates the application state and dependencies
type App struct {
	Config       *slam.Config
	Engine       *slam.Engine
	Planner      *slam.Planner
	StateTracker *slam.StateTracker
	MQTTClient   *slam.MQTTClient
	Publisher    *slam.Publisher
	Encoders     *slam.EncoderLink

	// cycles feeds the cycle worker in service mode; nil runs messages inline
	cycles chan queuedMessage

	// CLI Flags (effectively dependencies)
	ConfigFile    string
	LandmarkCache string
	ReplayFile    string
	RenderOutput  string
	SerialPort    string
	Seed          uint64
	HttpPort      int
	MqttMode      bool
	HttpMode      bool

	ctx context.Context
}

// NewApp creates a new App instance
func NewApp() *App {
	return &App{
		StateTracker: slam.NewStateTracker(),
		ctx:          context.Background(),
	}
}

// ApplyOptions applies CLI options to the App instance
func (a *App) ApplyOptions(opts AppOptions) {
	a.ConfigFile = opts.ConfigFile
	a.LandmarkCache = opts.LandmarkCache
	a.ReplayFile = opts.ReplayFile
	a.RenderOutput = opts.RenderOutput
	a.SerialPort = opts.SerialPort
	a.Seed = opts.Seed
	a.HttpPort = opts.HttpPort
	a.MqttMode = opts.MqttMode
	a.HttpMode = opts.HttpMode
}

// prepare loads the config (unless one is already set) and builds the
// engine, planner and state tracker
func (a *App) prepare() error {
	if a.Config == nil {
		config, err := slam.LoadConfig(a.ConfigFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w (looked at %s)", err, a.ConfigFile)
		}
		a.Config = config
		log.Printf("Loaded config from %s", a.ConfigFile)
	}
	if a.SerialPort != "" {
		a.Config.Serial.Port = a.SerialPort
	}

	engine, err := slam.NewEngine(a.Config, a.Seed)
	if err != nil {
		return err
	}
	a.Engine = engine
	a.Planner = slam.NewPlanner(a.Config.Planner, a.onPlan)
	a.StateTracker = slam.NewStateTrackerWithCache(a.LandmarkCache)

	if a.Config.Robot.Color != "" {
		a.StateTracker.SetColor(a.Config.Robot.ID, a.Config.Robot.Color)
	}
	for _, peer := range a.Config.Peers {
		if peer.Color != "" {
			a.StateTracker.SetColor(peer.ID, peer.Color)
		}
	}

	if cached := a.StateTracker.CachedLandmarks(); len(cached) > 0 {
		a.Engine.MergePeer("cache", cached)
	}
	if a.ctx == nil {
		a.ctx = context.Background()
	}
	return nil
}

// handleMessage routes one decoded message. source is this robot for
// inbox traffic and the peer's ID for shared landmark sets.
func (a *App) handleMessage(source string, msg slam.Message) {
	switch m := msg.(type) {
	case slam.OdometryMessage:
		a.Engine.HandleTicks(m.OdometryTicks)

	case slam.ScanMessage:
		a.handleScan(m.Ranges)

	case slam.DestinationMessage:
		if _, err := a.requestPath(m.DestinationRequest); err != nil {
			log.Printf("[PLAN] %v", err)
		}

	case slam.RobotCommand:
		if a.Encoders == nil {
			log.Printf("[SERIAL] No encoder link, dropping %s", m)
			return
		}
		if err := a.Encoders.SendCommand(m); err != nil {
			log.Printf("[SERIAL] Error sending %s: %v", m, err)
		}

	case slam.PoseMessage:
		log.Printf("[PF] Reset to (%.2f, %.2f, %.2f)", m.Pose.X, m.Pose.Y, m.Pose.Angle)
		a.Engine.Reset(m.Pose)
		a.StateTracker.UpdatePosition(a.Config.Robot.ID, m.Pose)

	case slam.LandmarksMessage:
		if source == a.Config.Robot.ID {
			return
		}
		a.Engine.MergePeer(source, m.Landmarks)
		a.StateTracker.UpdatePeerLandmarks(source, m.Landmarks)

	default:
		log.Printf("[MQTT] Ignoring %s message from %s", msg.Type(), source)
	}
}

// dispatch is the transport-facing handler. In service mode it queues
// engine-bound messages for the cycle worker so the MQTT router never waits
// on a scan cycle; robot commands go straight to the serial link. Scans are
// dropped when the queue is full, everything else waits for room.
func (a *App) dispatch(source string, msg slam.Message) {
	if a.cycles == nil {
		a.handleMessage(source, msg)
		return
	}

	switch msg.(type) {
	case slam.RobotCommand:
		a.handleMessage(source, msg)
	case slam.ScanMessage:
		select {
		case a.cycles <- queuedMessage{source, msg}:
		default:
			log.Printf("[PF] Cycle queue full, dropping scan from %s", source)
		}
	default:
		select {
		case a.cycles <- queuedMessage{source, msg}:
		case <-a.ctx.Done():
		}
	}
}

// runCycles handles queued messages in arrival order until ctx is done or
// the queue is closed
func (a *App) runCycles(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case q, ok := <-a.cycles:
			if !ok {
				return nil
			}
			a.handleMessage(q.source, q.msg)
		}
	}
}

// handleScan runs one cycle and publishes its outputs
func (a *App) handleScan(ranges []float64) {
	res, err := a.Engine.HandleScan(a.ctx, ranges)
	if err != nil {
		log.Printf("[PF] Scan cycle failed: %v", err)
		return
	}

	robotID := a.Config.Robot.ID
	a.StateTracker.UpdatePosition(robotID, res.Pose)

	if a.Publisher == nil {
		return
	}
	if err := a.Publisher.PublishPose(robotID, res.Pose); err != nil {
		log.Printf("Error publishing pose for %s: %v", robotID, err)
	}
	if res.Correction.Matched > 0 && res.Correction.Transform != slam.Identity() {
		if err := a.Publisher.PublishTransform(res.Correction.Transform); err != nil {
			log.Printf("Error publishing transform: %v", err)
		}
	}
	if res.Cycle%landmarkEvery == 0 {
		if err := a.Publisher.PublishLandmarks(a.Engine.LandmarkSet()); err != nil {
			log.Printf("Error publishing landmarks: %v", err)
		}
	}
}

// requestPath snapshots the planning grid at the current pose and starts a
// search, returning its sequence number
func (a *App) requestPath(req slam.DestinationRequest) (uint64, error) {
	pose := a.Engine.Pose()
	grid, err := a.Engine.PlanningGrid(pose)
	if err != nil {
		return 0, fmt.Errorf("planning grid: %w", err)
	}
	return a.Planner.Request(a.ctx, req, pose, grid), nil
}

// onPlan receives the newest plan result
func (a *App) onPlan(res slam.PlanResult) {
	a.StateTracker.SetPath(res)
	if a.Publisher == nil {
		return
	}
	if err := a.Publisher.PublishPath(res, a.Config.Planner.Simplify); err != nil {
		log.Printf("Error publishing path #%d: %v", res.Seq, err)
	}
}

// replay feeds JSON lines of tagged messages through handleMessage and
// waits for the plans they requested. Malformed lines are logged and
// skipped.
func (a *App) replay(r io.Reader) (int, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4<<20)

	handled := 0
	for line := 1; scanner.Scan(); line++ {
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		msg, err := slam.DecodeMessage([]byte(text))
		if err != nil {
			log.Printf("Replay line %d: %v", line, err)
			continue
		}
		a.handleMessage(a.Config.Robot.ID, msg)
		handled++
	}
	a.Planner.Wait()

	if err := scanner.Err(); err != nil {
		return handled, fmt.Errorf("reading replay: %w", err)
	}
	return handled, nil
}

// RunReplay replays a recorded session offline
func (a *App) RunReplay() error {
	if err := a.prepare(); err != nil {
		return err
	}

	f, err := os.Open(a.ReplayFile)
	if err != nil {
		return fmt.Errorf("opening replay: %w", err)
	}
	defer f.Close()

	started := time.Now()
	handled, err := a.replay(f)
	if err != nil {
		return err
	}

	pose := a.Engine.Pose()
	fmt.Printf("Replayed %d messages (%d scan cycles) in %v\n", handled, a.Engine.Cycles(), time.Since(started).Round(time.Millisecond))
	fmt.Printf("Final pose: (%.3f, %.3f) angle: %.3f rad\n", pose.X, pose.Y, pose.Angle)
	fmt.Printf("Landmarks: %d\n", len(a.Engine.Landmarks()))

	if err := a.StateTracker.PersistLandmarks(a.Engine.LandmarkSet()); err != nil {
		log.Printf("Warning: failed to persist landmarks: %v", err)
	}

	if a.RenderOutput != "" {
		if err := a.render(a.RenderOutput); err != nil {
			return err
		}
		fmt.Printf("Rendered map to %s\n", a.RenderOutput)
	}
	return nil
}

// RunRender draws the cached landmark set without replaying anything
func (a *App) RunRender() error {
	if err := a.prepare(); err != nil {
		return err
	}
	if len(a.Engine.Landmarks()) == 0 {
		log.Printf("Warning: landmark cache %s is empty", a.LandmarkCache)
	}
	if err := a.render(a.RenderOutput); err != nil {
		return err
	}
	fmt.Printf("Rendered map to %s\n", a.RenderOutput)
	return nil
}

// render writes the current map: .png as the occupancy grid with overlays,
// .svg as the vector view
func (a *App) render(path string) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".png":
		return a.gridRenderer(a.Engine.Map().Snapshot(), 1024).SavePNG(path)
	case ".svg":
		grid, err := a.Engine.Map().Downsampled()
		if err != nil {
			return err
		}
		f, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("creating %s: %w", path, err)
		}
		defer f.Close()
		return a.vectorRenderer(grid).RenderToSVG(f)
	default:
		return fmt.Errorf("unsupported render format %q (want .png or .svg)", filepath.Ext(path))
	}
}

func (a *App) pathPoints() []slam.Point {
	if res := a.StateTracker.GetPath(); res != nil && res.Err == nil {
		return res.Path.Points
	}
	return nil
}

func (a *App) gridRenderer(grid *slam.Grid, minPixels int) *slam.GridRenderer {
	r := slam.NewGridRenderer(grid, minPixels)
	r.Title = fmt.Sprintf("%s  cycle %d", a.Config.Robot.ID, a.Engine.Cycles())
	r.Positions = a.StateTracker.GetPositions()
	r.Particles = a.Engine.Particles()
	r.Path = a.pathPoints()
	r.Landmarks = a.Engine.Landmarks()
	return r
}

func (a *App) vectorRenderer(grid *slam.Grid) *slam.VectorRenderer {
	r := slam.NewVectorRenderer()
	r.Grid = grid
	r.Landmarks = a.Engine.Landmarks()
	r.Path = a.pathPoints()
	r.Particles = a.Engine.Particles()
	r.Positions = a.StateTracker.GetPositions()
	return r
}

// fetchPeers pulls the landmark set of every peer with an API URL
func (a *App) fetchPeers(ctx context.Context) {
	for _, peer := range a.Config.Peers {
		if peer.ApiURL == nil || *peer.ApiURL == "" {
			continue
		}
		lm, err := slam.FetchPeerLandmarks(ctx, nil, peer)
		if err != nil {
			log.Printf("[HTTP] Failed to fetch landmarks from %s: %v", peer.ID, err)
			continue
		}
		a.dispatch(peer.ID, lm)
	}
}

// RunService starts MQTT, HTTP and the serial link as configured and
// blocks until interrupted
func (a *App) RunService() error {
	fmt.Println("Starting tudoslam service...")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	a.ctx = ctx

	if err := a.prepare(); err != nil {
		return err
	}
	log.Printf("Robot: %s, peers: %d", a.Config.Robot.ID, len(a.Config.Peers))

	g, gctx := errgroup.WithContext(ctx)
	a.ctx = gctx
	a.cycles = make(chan queuedMessage, cycleQueueSize)
	g.Go(func() error {
		return a.runCycles(gctx)
	})

	if a.MqttMode {
		mqttClient, err := slam.InitMQTT(a.Config, a.dispatch)
		if err != nil {
			return fmt.Errorf("failed to initialize MQTT: %w", err)
		}
		if mqttClient == nil {
			return errors.New("MQTT broker not configured in config.yaml")
		}
		a.MQTTClient = mqttClient
		a.Publisher = slam.NewPublisher(mqttClient.GetClient(), mqttClient.Prefix(), a.Config.Robot.ID)
		fmt.Println("MQTT publisher initialized")
	}

	if a.Config.Serial.Port != "" {
		link, err := slam.OpenEncoderLink(a.Config.Serial)
		if err != nil {
			return err
		}
		a.Encoders = link
	}

	if a.Encoders != nil {
		g.Go(func() error {
			err := a.Encoders.Monitor(gctx, func(ticks slam.OdometryTicks) {
				a.Engine.HandleTicks(ticks)
			})
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return fmt.Errorf("encoder link: %w", err)
		})
	}

	if a.HttpMode {
		server := &http.Server{
			Addr:    fmt.Sprintf("0.0.0.0:%d", a.HttpPort),
			Handler: newHTTPServer(a),
		}
		g.Go(func() error {
			log.Printf("[HTTP] Starting server on %s", server.Addr)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("[HTTP] server error: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		a.fetchPeers(gctx)
		<-gctx.Done()
		return nil
	})

	a.printServiceInfo()

	err := g.Wait()

	fmt.Println("\nShutting down service...")
	a.Planner.Wait()
	if err := a.StateTracker.PersistLandmarks(a.Engine.LandmarkSet()); err != nil {
		log.Printf("Warning: failed to persist landmarks: %v", err)
	}
	if a.Encoders != nil {
		_ = a.Encoders.Close()
	}
	if a.MQTTClient != nil {
		a.MQTTClient.Disconnect()
	}
	fmt.Println("Service stopped")
	return err
}

func (a *App) printServiceInfo() {
	fmt.Println("\nService Running")
	fmt.Println("===============")

	if a.MQTTClient != nil {
		prefix := a.MQTTClient.Prefix()
		fmt.Println("\nMQTT:")
		fmt.Println("  Subscribed topics:")
		for topic, source := range a.MQTTClient.Subscriptions() {
			fmt.Printf("    - %s (%s)\n", topic, source)
		}
		fmt.Printf("  Publishing to: %s/%s/{pose,landmarks,path,transform}\n", prefix, a.Config.Robot.ID)
		fmt.Printf("  Combined positions: %s\n", slam.PositionsTopic(prefix))
	}

	if a.Encoders != nil {
		fmt.Printf("\nSerial: %s\n", a.Config.Serial.Port)
	}

	if a.HttpMode {
		fmt.Printf("\nHTTP endpoints (port %d):\n", a.HttpPort)
		fmt.Println("  GET  /health            - Health check")
		fmt.Println("  GET  /pose              - Best pose (tagged pose message)")
		fmt.Println("  GET  /positions         - Live positions of every robot")
		fmt.Println("  GET  /landmarks         - Landmark set (tagged lm message, fetched by peers)")
		fmt.Println("  GET  /landmarks.geojson - Own and peer landmarks")
		fmt.Println("  GET  /path.geojson      - Latest planned path")
		fmt.Println("  GET  /map.geojson       - Vectorized walls and particles")
		fmt.Println("  GET  /map.png           - Occupancy grid with overlays")
		fmt.Println("  GET  /map.svg           - Vector view")
		fmt.Println("  POST /destination       - Request a path {\"x\":..,\"y\":..}")
	}

	fmt.Println("\nPress Ctrl+C to stop")
}
