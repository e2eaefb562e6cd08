package slam

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// Publisher sends the robot's outputs to MQTT: its pose, the combined
// positions of every known robot, its landmark set, planned paths and
// accepted corrections.
type Publisher struct {
	client    mqtt.Client
	prefix    string
	robotID   string
	qos       byte
	retain    bool
	positions map[string]PoseMessage
	mu        sync.RWMutex
}

// NewPublisher creates a publisher for robotID. A nil client disables
// publishing but positions are still tracked.
func NewPublisher(client mqtt.Client, prefix, robotID string) *Publisher {
	return &Publisher{
		client:    client,
		prefix:    prefix,
		robotID:   robotID,
		qos:       0,
		retain:    true,
		positions: make(map[string]PoseMessage),
	}
}

func (p *Publisher) connected() bool {
	return p.client != nil && p.client.IsConnected()
}

// publish encodes m as a tagged message and sends it to topic
func (p *Publisher) publish(topic string, m Message) error {
	if !p.connected() {
		return fmt.Errorf("MQTT client not connected")
	}
	payload, err := EncodeMessage(m)
	if err != nil {
		return err
	}
	return p.publishRaw(topic, payload)
}

func (p *Publisher) publishRaw(topic string, payload []byte) error {
	token := p.client.Publish(topic, p.qos, p.retain, payload)
	if token.WaitTimeout(2*time.Second) && token.Error() != nil {
		return fmt.Errorf("publishing to %s: %w", topic, token.Error())
	}
	return nil
}

// PublishPose publishes a robot's pose to its own topic and refreshes the
// combined positions topic
func (p *Publisher) PublishPose(robotID string, pose Pose) error {
	msg := p.RecordPose(robotID, pose)

	if err := p.publish(PoseTopic(p.prefix, robotID), msg); err != nil {
		return err
	}
	return p.publishCombined()
}

// RecordPose stores a pose for the combined topic without publishing
func (p *Publisher) RecordPose(robotID string, pose Pose) PoseMessage {
	msg := PoseMessage{RobotID: robotID, Pose: pose, Timestamp: time.Now().Unix()}
	p.mu.Lock()
	p.positions[robotID] = msg
	p.mu.Unlock()
	return msg
}

// publishCombined publishes every known pose to the positions topic
func (p *Publisher) publishCombined() error {
	positions := p.GetAllPositions()
	if len(positions) == 0 {
		return nil
	}

	payload, err := json.Marshal(map[string]interface{}{
		"robots":    positions,
		"timestamp": time.Now().Unix(),
	})
	if err != nil {
		return fmt.Errorf("marshaling combined positions: %w", err)
	}
	return p.publishRaw(PositionsTopic(p.prefix), payload)
}

// PublishLandmarks shares the robot's landmark set with its peers
func (p *Publisher) PublishLandmarks(set LandmarkSet) error {
	if err := p.publish(LandmarksTopic(p.prefix, p.robotID), LandmarksMessage{RobotID: p.robotID, Landmarks: set}); err != nil {
		return err
	}
	log.Printf("[MQTT] Published %d landmarks for %s", len(set), p.robotID)
	return nil
}

// PublishPath publishes a delivered plan. Failed plans publish an empty
// path so subscribers drop the previous one.
func (p *Publisher) PublishPath(res PlanResult, tolerance float64) error {
	msg := PathMessage{RobotID: p.robotID, Seq: res.Seq}
	if res.Err == nil {
		msg.Points = SimplifyPath(res.Path.Points, tolerance)
		msg.Length = PathLength(msg.Points)
	}
	return p.publish(PathTopic(p.prefix, p.robotID), msg)
}

// PublishTransform publishes an accepted map correction
func (p *Publisher) PublishTransform(m AffineMatrix) error {
	return p.publish(TransformTopic(p.prefix, p.robotID), TransformMessage{RobotID: p.robotID, Transform: m})
}

// SendCommand forwards a motor command to a robot's inbox
func (p *Publisher) SendCommand(robotID string, cmd RobotCommand) error {
	return p.publish(InboxTopic(p.prefix, robotID), cmd)
}

// GetPosition returns the last known pose of a robot
func (p *Publisher) GetPosition(robotID string) (PoseMessage, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	pos, ok := p.positions[robotID]
	return pos, ok
}

// GetAllPositions returns a copy of every known pose
func (p *Publisher) GetAllPositions() map[string]PoseMessage {
	p.mu.RLock()
	defer p.mu.RUnlock()

	positions := make(map[string]PoseMessage, len(p.positions))
	for id, pos := range p.positions {
		positions[id] = pos
	}
	return positions
}

// ClearPosition forgets a robot's pose
func (p *Publisher) ClearPosition(robotID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.positions, robotID)
}

// SetQoS sets the Quality of Service level for publishing (0, 1, or 2)
func (p *Publisher) SetQoS(qos byte) {
	if qos <= 2 {
		p.qos = qos
	}
}

// SetRetain sets whether published messages are retained by the broker
func (p *Publisher) SetRetain(retain bool) {
	p.retain = retain
}
