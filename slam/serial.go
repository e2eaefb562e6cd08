package slam

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"go.bug.st/serial"
)

// ErrWriteFailed is returned when a command is only partially written
var ErrWriteFailed = errors.New("failed to write full command to serial port")

// encoderPacket matches one "b<left>l<right>r" packet from the motor board
var encoderPacket = regexp.MustCompile(`b(-?\d+)l(-?\d+)r`)

// SerialPorter is the subset of a serial port the encoder link needs
type SerialPorter interface {
	io.ReadWriter
	io.Closer
}

// PortOptions configures the serial line to the motor board
type PortOptions struct {
	BaudRate int
	DataBits int
	StopBits int
	Parity   string
}

// PortOptionsFromConfig copies the serial section into port options
func PortOptionsFromConfig(cfg SerialConfig) PortOptions {
	return PortOptions{
		BaudRate: cfg.BaudRate,
		DataBits: cfg.DataBits,
		StopBits: cfg.StopBits,
		Parity:   cfg.Parity,
	}
}

// Normalize fills defaults and validates the options
func (o PortOptions) Normalize() (PortOptions, error) {
	if o.BaudRate == 0 {
		o.BaudRate = 9600
	}
	if o.DataBits == 0 {
		o.DataBits = 8
	}
	if o.StopBits == 0 {
		o.StopBits = 1
	}
	if o.Parity == "" {
		o.Parity = "N"
	}
	o.Parity = strings.ToUpper(o.Parity)

	if o.BaudRate < 0 {
		return o, fmt.Errorf("invalid baud rate %d", o.BaudRate)
	}
	if o.DataBits < 5 || o.DataBits > 8 {
		return o, fmt.Errorf("invalid data bits %d", o.DataBits)
	}
	if o.StopBits != 1 && o.StopBits != 2 {
		return o, fmt.Errorf("invalid stop bits %d", o.StopBits)
	}
	switch o.Parity {
	case "N", "E", "O":
	default:
		return o, fmt.Errorf("invalid parity %q", o.Parity)
	}
	return o, nil
}

// SerialMode converts normalized options into a serial.Mode
func (o PortOptions) SerialMode() (*serial.Mode, error) {
	n, err := o.Normalize()
	if err != nil {
		return nil, err
	}

	mode := &serial.Mode{
		BaudRate: n.BaudRate,
		DataBits: n.DataBits,
		StopBits: serial.OneStopBit,
		Parity:   serial.NoParity,
	}
	if n.StopBits == 2 {
		mode.StopBits = serial.TwoStopBits
	}
	switch n.Parity {
	case "E":
		mode.Parity = serial.EvenParity
	case "O":
		mode.Parity = serial.OddParity
	}
	return mode, nil
}

// EncoderLink talks to the motor board: it reads encoder packets and
// writes wheel velocity commands.
type EncoderLink struct {
	port    SerialPorter
	writeMu sync.Mutex
}

// NewEncoderLink wraps an already open port
func NewEncoderLink(port SerialPorter) *EncoderLink {
	return &EncoderLink{port: port}
}

// OpenEncoderLink opens the configured serial device
func OpenEncoderLink(cfg SerialConfig) (*EncoderLink, error) {
	if cfg.Port == "" {
		return nil, errors.New("serial port path is empty")
	}
	mode, err := PortOptionsFromConfig(cfg).SerialMode()
	if err != nil {
		return nil, fmt.Errorf("invalid serial options: %w", err)
	}
	port, err := serial.Open(cfg.Port, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", cfg.Port, err)
	}
	log.Printf("[SERIAL] Opened %s at %d baud", cfg.Port, mode.BaudRate)
	return NewEncoderLink(port), nil
}

// SendCommand writes a velocity command as "<left>l<right>r"
func (l *EncoderLink) SendCommand(cmd RobotCommand) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	payload := fmt.Sprintf("%dl%dr", cmd.Left, cmd.Right)
	n, err := l.port.Write([]byte(payload))
	if err != nil {
		return fmt.Errorf("writing %s: %w", cmd, err)
	}
	if n != len(payload) {
		return ErrWriteFailed
	}
	return nil
}

// Monitor reads encoder packets until ctx is done or the port fails.
// Malformed packets are skipped.
func (l *EncoderLink) Monitor(ctx context.Context, handle func(OdometryTicks)) error {
	packets := make(chan string)
	scanErr := make(chan error, 1)

	go func() {
		var err error
		defer func() {
			scanErr <- err
			close(packets)
		}()
		scanner := bufio.NewScanner(l.port)
		scanner.Split(splitEncoderPackets)
		for scanner.Scan() {
			select {
			case packets <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		err = scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case packet, ok := <-packets:
			if !ok {
				if err := <-scanErr; err != nil {
					return fmt.Errorf("reading serial port: %w", err)
				}
				return io.EOF
			}
			ticks, ok := ParseEncoderPacket(packet)
			if !ok {
				log.Printf("[SERIAL] Skipping malformed packet %q", packet)
				continue
			}
			handle(ticks)
		}
	}
}

// Close closes the underlying port
func (l *EncoderLink) Close() error {
	return l.port.Close()
}

// ParseEncoderPacket extracts the wheel counts from a "b<l>l<r>r" packet.
// Leading noise before the 'b' is ignored.
func ParseEncoderPacket(packet string) (OdometryTicks, bool) {
	m := encoderPacket.FindStringSubmatch(packet)
	if m == nil {
		return OdometryTicks{}, false
	}
	left, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return OdometryTicks{}, false
	}
	right, err := strconv.ParseInt(m[2], 10, 64)
	if err != nil {
		return OdometryTicks{}, false
	}
	return OdometryTicks{Left: left, Right: right}, true
}

// splitEncoderPackets is a bufio.SplitFunc that cuts the stream after
// every 'r' terminator
func splitEncoderPackets(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if i := bytes.IndexByte(data, 'r'); i >= 0 {
		return i + 1, bytes.TrimSpace(data[:i+1]), nil
	}
	if atEOF && len(data) > 0 {
		return len(data), bytes.TrimSpace(data), nil
	}
	return 0, nil, nil
}
