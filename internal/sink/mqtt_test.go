package sink

import (
	"errors"
	"testing"

	"dashobd/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCodes struct {
	codes    []models.TroubleCode
	pending  []models.TroubleCode
	readErr  error
	clearErr error
	cleared  bool
}

func (f *fakeCodes) ReadCodes() ([]models.TroubleCode, error) {
	if f.readErr != nil {
		return nil, f.readErr
	}
	return f.codes, nil
}

func (f *fakeCodes) ReadPendingCodes() ([]models.TroubleCode, error) {
	if f.readErr != nil {
		return nil, f.readErr
	}
	return f.pending, nil
}

func (f *fakeCodes) ClearCodes() error {
	if f.clearErr != nil {
		return f.clearErr
	}
	f.cleared = true
	return nil
}

func TestNewMQTTPublisherDefaults(t *testing.T) {
	p := NewMQTTPublisher(MQTTConfig{Broker: "tcp://localhost:1883"}, &fakeCodes{})

	assert.Equal(t, DefaultTopic, p.config.Topic)
	assert.Equal(t, DefaultClientID, p.config.ClientID)
	assert.Equal(t, "vehicle/obd/command", p.commandTopic())
	assert.Equal(t, "vehicle/obd/ack", p.ackTopic())
}

func TestHandleReadCommand(t *testing.T) {
	codes := &fakeCodes{codes: []models.TroubleCode{{Code: "P0420", Description: "Catalyst"}}}
	p := NewMQTTPublisher(MQTTConfig{}, codes)

	ack := p.handleCommand([]byte(`{"type":"read_dtcs"}`))

	require.True(t, ack.Success)
	assert.Equal(t, CommandReadDTCs, ack.Type)
	assert.Equal(t, codes.codes, ack.Codes)
}

func TestHandleReadPendingCommand(t *testing.T) {
	codes := &fakeCodes{
		codes:   []models.TroubleCode{{Code: "P0420"}},
		pending: []models.TroubleCode{{Code: "P0171"}},
	}
	p := NewMQTTPublisher(MQTTConfig{}, codes)

	ack := p.handleCommand([]byte(`{"type":"read_pending_dtcs"}`))

	require.True(t, ack.Success)
	assert.Equal(t, CommandReadPendingDTCs, ack.Type)
	assert.Equal(t, codes.pending, ack.Codes)
}

func TestHandleClearCommand(t *testing.T) {
	codes := &fakeCodes{}
	p := NewMQTTPublisher(MQTTConfig{}, codes)

	ack := p.handleCommand([]byte(`{"type":"clear_dtcs"}`))

	require.True(t, ack.Success)
	assert.True(t, codes.cleared)
}

func TestHandleCommandFailures(t *testing.T) {
	codes := &fakeCodes{clearErr: errors.New("failed to clear trouble codes: no data")}
	p := NewMQTTPublisher(MQTTConfig{}, codes)

	ack := p.handleCommand([]byte(`{"type":"clear_dtcs"}`))
	assert.False(t, ack.Success)
	assert.Contains(t, ack.Message, "failed to clear")

	ack = p.handleCommand([]byte(`{"type":"reboot"}`))
	assert.False(t, ack.Success)
	assert.Contains(t, ack.Message, "unknown command")

	ack = p.handleCommand([]byte(`not json`))
	assert.False(t, ack.Success)
	assert.Contains(t, ack.Message, "invalid command")
}

func TestPublishWithoutConnection(t *testing.T) {
	p := NewMQTTPublisher(MQTTConfig{}, &fakeCodes{})

	assert.NotPanics(t, func() {
		p.Publish(models.MetricsSnapshot{Cycle: 1})
		p.Disconnect()
	})
}
