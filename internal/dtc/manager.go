// Package dtc reads and clears diagnostic trouble codes on demand.
package dtc

import (
	"dashobd/internal/models"
	"dashobd/internal/obd"
	"dashobd/pkg/log"

	"go.uber.org/zap"
)

// Observer is told about every finished operation; err is nil on success.
type Observer func(op string, err error)

// Manager issues trouble-code commands. It keeps no state between calls:
// every read goes to the vehicle and nothing is retried.
type Manager struct {
	q        obd.Querier
	observer Observer
}

type Option func(*Manager)

func WithObserver(o Observer) Option {
	return func(m *Manager) {
		m.observer = o
	}
}

// NewManager returns a Manager that sends its commands through q, which
// should be the same obd.Bus the poller uses.
func NewManager(q obd.Querier, opts ...Option) *Manager {
	m := &Manager{q: q}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// ReadCodes returns the stored trouble codes. No codes is an empty slice,
// not an error.
func (m *Manager) ReadCodes() ([]models.TroubleCode, error) {
	return m.read(obd.CommandReadDTC, OpRead, "failed to read trouble codes")
}

// ReadPendingCodes returns codes detected during the current or last
// driving cycle that have not yet been confirmed as stored.
func (m *Manager) ReadPendingCodes() ([]models.TroubleCode, error) {
	return m.read(obd.CommandReadPendingDTC, OpReadPending, "failed to read pending trouble codes")
}

func (m *Manager) read(cmd obd.Command, op, desc string) ([]models.TroubleCode, error) {
	resp, err := m.q.Query(cmd)
	if err != nil {
		return nil, m.fail(op, desc, err)
	}

	codes := make([]models.TroubleCode, 0, len(resp.Codes))
	for _, c := range resp.Codes {
		if c.Description == "" {
			c.Description = Describe(c.Code)
		}
		codes = append(codes, c)
	}

	log.Info("Read trouble codes", zap.String("op", op), zap.Int("count", len(codes)))
	m.notify(op, nil)
	return codes, nil
}

// ClearCodes asks the vehicle to clear stored codes and the MIL. It does
// not read back; call ReadCodes to see the result.
func (m *Manager) ClearCodes() error {
	if _, err := m.q.Query(obd.CommandClearDTC); err != nil {
		return m.fail(OpClear, "failed to clear trouble codes", err)
	}

	log.Info("Cleared trouble codes")
	m.notify(OpClear, nil)
	return nil
}

func (m *Manager) fail(op, desc string, err error) error {
	opErr := &OperationError{Op: op, Description: desc, Err: err}
	log.Warn("Trouble code operation failed", zap.String("op", op), zap.Error(err))
	m.notify(op, opErr)
	return opErr
}

func (m *Manager) notify(op string, err error) {
	if m.observer != nil {
		m.observer(op, err)
	}
}
