package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
)

// Version is set at build time via -ldflags
var Version = "dev"

// AppOptions holds the parsed command line
type AppOptions struct {
	ConfigFile    string
	LandmarkCache string
	ReplayFile    string
	RenderOutput  string
	SerialPort    string
	Seed          uint64
	HttpPort      int
	MqttMode      bool
	HttpMode      bool
}

// Runner is the application surface driven by the command line
type Runner interface {
	ApplyOptions(opts AppOptions)
	RunReplay() error
	RunRender() error
	RunService() error
}

func main() {
	if err := run(os.Args[1:], os.Stdout, NewApp()); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		log.Fatal(err)
	}
}

// run parses args and dispatches to the selected mode. Replay runs first
// (and renders its result when -render is also set); -render alone draws
// the cached landmark set; -mqtt, -http or -serial start the service.
func run(args []string, stdout io.Writer, app Runner) error {
	fs := flag.NewFlagSet("tudoslam", flag.ContinueOnError)
	fs.SetOutput(stdout)

	var opts AppOptions
	fs.StringVar(&opts.ConfigFile, "config", "config.yaml", "Path to configuration file")
	fs.StringVar(&opts.LandmarkCache, "landmark-cache", ".landmarks.json", "Path to the landmark cache file")
	fs.StringVar(&opts.ReplayFile, "replay", "", "Replay a JSON-lines file of tagged messages and exit")
	fs.StringVar(&opts.RenderOutput, "render", "", "Render the map to this .png or .svg file and exit")
	fs.StringVar(&opts.SerialPort, "serial", "", "Serial port of the wheel-encoder link (overrides serial.port)")
	fs.Uint64Var(&opts.Seed, "seed", 1, "Particle filter random seed")
	fs.BoolVar(&opts.MqttMode, "mqtt", false, "Run MQTT service mode")
	fs.BoolVar(&opts.HttpMode, "http", false, "Enable HTTP server for map, pose and landmark endpoints")
	fs.IntVar(&opts.HttpPort, "http-port", 8080, "HTTP server port (default 8080)")

	if err := fs.Parse(args); err != nil {
		return err
	}

	fmt.Fprintf(stdout, "tudoslam version: %s\n", Version)
	app.ApplyOptions(opts)

	switch {
	case opts.ReplayFile != "":
		return app.RunReplay()
	case opts.RenderOutput != "":
		return app.RunRender()
	case opts.MqttMode || opts.HttpMode || opts.SerialPort != "":
		return app.RunService()
	}

	fmt.Fprintln(stdout, "tudoslam service starting...")
	fmt.Fprintln(stdout, "Use --replay=FILE to run recorded ticks and scans offline")
	fmt.Fprintln(stdout, "Use --replay=FILE --render=map.png to render the replayed map")
	fmt.Fprintln(stdout, "Use --render=map.svg to render the cached landmark set")
	fmt.Fprintln(stdout, "Use --mqtt to run MQTT service mode")
	fmt.Fprintln(stdout, "Use --http to run HTTP server mode")
	fmt.Fprintln(stdout, "Use --serial=/dev/ttyUSB0 to read wheel encoders directly")
	fmt.Fprintln(stdout, "\nConfiguration:")
	fmt.Fprintln(stdout, "  config.yaml     - robot, peers, MQTT and algorithm settings")
	fmt.Fprintln(stdout, "  .landmarks.json - landmark set persisted between runs")
	return nil
}
