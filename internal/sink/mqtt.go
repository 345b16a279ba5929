package sink

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"dashobd/internal/models"
	"dashobd/pkg/log"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

const (
	DefaultTopic    = "vehicle/obd"
	DefaultClientID = "dashobd"

	publishTimeout = 2 * time.Second
)

// CommandType names a request received on the command topic.
type CommandType string

const (
	CommandReadDTCs        CommandType = "read_dtcs"
	CommandReadPendingDTCs CommandType = "read_pending_dtcs"
	CommandClearDTCs       CommandType = "clear_dtcs"
)

type Command struct {
	Type CommandType `json:"type"`
}

// CommandAck is published on the ack topic after each command.
type CommandAck struct {
	Type    CommandType          `json:"type"`
	Success bool                 `json:"success"`
	Message string               `json:"message,omitempty"`
	Codes   []models.TroubleCode `json:"codes,omitempty"`
}

// TroubleCodes is the subset of the DTC manager the command topic drives.
type TroubleCodes interface {
	ReadCodes() ([]models.TroubleCode, error)
	ReadPendingCodes() ([]models.TroubleCode, error)
	ClearCodes() error
}

type MQTTConfig struct {
	Broker   string
	ClientID string
	// Topic receives snapshots; Topic+"/command" and Topic+"/ack" carry
	// trouble code requests and their results.
	Topic string
}

// MQTTPublisher forwards snapshots to a broker and serves trouble code
// requests from the command topic.
type MQTTPublisher struct {
	config MQTTConfig
	client mqtt.Client
	codes  TroubleCodes
}

func NewMQTTPublisher(config MQTTConfig, codes TroubleCodes) *MQTTPublisher {
	if config.Topic == "" {
		config.Topic = DefaultTopic
	}
	if config.ClientID == "" {
		config.ClientID = DefaultClientID
	}
	return &MQTTPublisher{config: config, codes: codes}
}

func (p *MQTTPublisher) commandTopic() string { return p.config.Topic + "/command" }
func (p *MQTTPublisher) ackTopic() string     { return p.config.Topic + "/ack" }

// Connect dials the broker and subscribes to the command topic on every
// (re)connect.
func (p *MQTTPublisher) Connect() error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(p.config.Broker)
	opts.SetClientID(p.config.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetOnConnectHandler(func(client mqtt.Client) {
		log.Info("Connected to MQTT broker", zap.String("broker", p.config.Broker))
		token := client.Subscribe(p.commandTopic(), 1, p.onMessage)
		go func() {
			<-token.Done()
			if token.Error() != nil {
				log.Warn("MQTT subscribe failed", zap.String("topic", p.commandTopic()), zap.Error(token.Error()))
			}
		}()
	})
	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		log.Warn("MQTT connection lost", zap.Error(err))
	})

	p.client = mqtt.NewClient(opts)
	if token := p.client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("mqtt connect %s: %w", p.config.Broker, token.Error())
	}
	return nil
}

func (p *MQTTPublisher) Disconnect() {
	if p.client != nil && p.client.IsConnected() {
		p.client.Disconnect(250)
	}
}

// Publish is a poller.Handler. Delivery is best effort; a slow broker
// delays the next poll cycle by at most publishTimeout.
func (p *MQTTPublisher) Publish(snap models.MetricsSnapshot) {
	if p.client == nil || !p.client.IsConnected() {
		return
	}
	data, err := json.Marshal(snap)
	if err != nil {
		log.Error("Failed to encode snapshot", zap.Error(err))
		return
	}
	p.publish(p.config.Topic, data)
}

func (p *MQTTPublisher) publish(topic string, data []byte) {
	token := p.client.Publish(topic, 0, false, data)
	if !token.WaitTimeout(publishTimeout) {
		log.Warn("MQTT publish timed out", zap.String("topic", topic))
		return
	}
	if token.Error() != nil {
		log.Warn("MQTT publish failed", zap.String("topic", topic), zap.Error(token.Error()))
	}
}

func (p *MQTTPublisher) onMessage(_ mqtt.Client, msg mqtt.Message) {
	ack := p.handleCommand(msg.Payload())
	data, err := json.Marshal(ack)
	if err != nil {
		log.Error("Failed to encode command ack", zap.Error(err))
		return
	}
	p.publish(p.ackTopic(), data)
}

var errUnknownCommand = errors.New("unknown command")

// handleCommand decodes and runs one command payload.
func (p *MQTTPublisher) handleCommand(payload []byte) CommandAck {
	var cmd Command
	if err := json.Unmarshal(payload, &cmd); err != nil {
		log.Warn("Invalid MQTT command", zap.ByteString("payload", payload), zap.Error(err))
		return CommandAck{Message: fmt.Sprintf("invalid command: %v", err)}
	}

	ack := CommandAck{Type: cmd.Type}
	var err error
	switch cmd.Type {
	case CommandReadDTCs:
		ack.Codes, err = p.codes.ReadCodes()
	case CommandReadPendingDTCs:
		ack.Codes, err = p.codes.ReadPendingCodes()
	case CommandClearDTCs:
		err = p.codes.ClearCodes()
	default:
		err = fmt.Errorf("%w: %q", errUnknownCommand, cmd.Type)
	}

	if err != nil {
		ack.Message = err.Error()
		return ack
	}
	ack.Success = true
	return ack
}
