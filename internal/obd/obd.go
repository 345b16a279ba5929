package obd

import (
	"context"
	"errors"

	"dashobd/internal/models"
)

var (
	ErrNotConnected = errors.New("not connected")
	ErrNoData       = errors.New("no data")
	ErrMalformed    = errors.New("malformed response")
	ErrUnsupported  = errors.New("unsupported command")
)

// Response is a decoded gateway reply. Live-data commands fill Value and
// Unit, the read-codes command fills Codes.
type Response struct {
	Value float64
	Unit  string
	Codes []models.TroubleCode
}

// Querier issues a single blocking request to the vehicle.
type Querier interface {
	Query(cmd Command) (Response, error)
}

// Gateway abstracts access to an OBD-II device.
// It owns the physical connection and serves one request at a time.
type Gateway interface {
	Querier
	Start(ctx context.Context) error
	Stop()
	IsConnected() bool
}
