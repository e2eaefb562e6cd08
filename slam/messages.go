package slam

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MessageType is the tag carried under the "t" key of every transport
// message
type MessageType string

const (
	MessageRobotCommand MessageType = "rc"
	MessagePose         MessageType = "pose"
	MessageLandmarks    MessageType = "lm"
	MessageDestination  MessageType = "dest"
	MessageTransform    MessageType = "tt"
	MessageOdometry     MessageType = "odo"
	MessageScan         MessageType = "scan"
	MessagePath         MessageType = "path"
)

const messageTypeKey = "t"

// ErrUnknownMessage is returned when a payload carries no known tag
var ErrUnknownMessage = errors.New("unknown message type")

// Message is one variant of the transport message union
type Message interface {
	Type() MessageType
}

// RobotCommand sets the wheel motor velocities
type RobotCommand struct {
	Left  int `json:"l"`
	Right int `json:"r"`
}

// PoseMessage reports a robot's best pose estimate
type PoseMessage struct {
	RobotID   string `json:"robotId"`
	Pose      Pose   `json:"pose"`
	Timestamp int64  `json:"timestamp"`
}

// LandmarksMessage carries a robot's landmark set to its peers
type LandmarksMessage struct {
	RobotID   string      `json:"robotId"`
	Landmarks LandmarkSet `json:"landmarks"`
}

// DestinationMessage asks the planner for a route
type DestinationMessage struct {
	DestinationRequest
}

// TransformMessage carries an accepted map correction
type TransformMessage struct {
	RobotID   string       `json:"robotId"`
	Transform AffineMatrix `json:"transform"`
}

// OdometryMessage carries cumulative encoder counts
type OdometryMessage struct {
	OdometryTicks
}

// ScanMessage carries one sweep of laser ranges in meters
type ScanMessage struct {
	Ranges []float64 `json:"ranges"`
}

// PathMessage reports a planned route in world meters
type PathMessage struct {
	RobotID string  `json:"robotId"`
	Seq     uint64  `json:"seq"`
	Points  []Point `json:"points"`
	Length  float64 `json:"length"`
}

func (RobotCommand) Type() MessageType       { return MessageRobotCommand }
func (PoseMessage) Type() MessageType        { return MessagePose }
func (LandmarksMessage) Type() MessageType   { return MessageLandmarks }
func (DestinationMessage) Type() MessageType { return MessageDestination }
func (TransformMessage) Type() MessageType   { return MessageTransform }
func (OdometryMessage) Type() MessageType    { return MessageOdometry }
func (ScanMessage) Type() MessageType        { return MessageScan }
func (PathMessage) Type() MessageType        { return MessagePath }

// String implements fmt.Stringer for log output
func (c RobotCommand) String() string {
	return fmt.Sprintf("RC: (%d, %d)", c.Left, c.Right)
}

// EncodeMessage serializes m as a JSON object with its tag under "t"
func EncodeMessage(m Message) ([]byte, error) {
	body, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshaling %s message: %w", m.Type(), err)
	}

	fields := make(map[string]json.RawMessage)
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, fmt.Errorf("%s message is not a JSON object: %w", m.Type(), err)
	}
	tag, err := json.Marshal(m.Type())
	if err != nil {
		return nil, err
	}
	fields[messageTypeKey] = tag

	return json.Marshal(fields)
}

// DecodeMessage parses a tagged JSON payload into its concrete variant
func DecodeMessage(data []byte) (Message, error) {
	var envelope struct {
		Type MessageType `json:"t"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("parsing message envelope: %w", err)
	}

	var m Message
	switch envelope.Type {
	case MessageRobotCommand:
		m = &RobotCommand{}
	case MessagePose:
		m = &PoseMessage{}
	case MessageLandmarks:
		m = &LandmarksMessage{}
	case MessageDestination:
		m = &DestinationMessage{}
	case MessageTransform:
		m = &TransformMessage{}
	case MessageOdometry:
		m = &OdometryMessage{}
	case MessageScan:
		m = &ScanMessage{}
	case MessagePath:
		m = &PathMessage{}
	default:
		return nil, fmt.Errorf("%q: %w", envelope.Type, ErrUnknownMessage)
	}

	if err := json.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("parsing %s message: %w", envelope.Type, err)
	}
	return deref(m), nil
}

// deref returns the value form of a decoded variant so callers can switch
// on value types only
func deref(m Message) Message {
	switch v := m.(type) {
	case *RobotCommand:
		return *v
	case *PoseMessage:
		return *v
	case *LandmarksMessage:
		return *v
	case *DestinationMessage:
		return *v
	case *TransformMessage:
		return *v
	case *OdometryMessage:
		return *v
	case *ScanMessage:
		return *v
	case *PathMessage:
		return *v
	}
	return m
}
