package serial

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"dashobd/internal/models"
	"dashobd/internal/obd"
	"dashobd/pkg/log"

	"github.com/tarm/serial"
	"go.uber.org/zap"
)

const DefaultDelay = 100 * time.Millisecond

const (
	CommandReset           = "ATZ"
	CommandEchoOff         = "ATE0"
	CommandLineFeedsOff    = "ATL0"
	CommandHeadersOff      = "ATH0"
	CommandSpacesOn        = "ATS1"
	CommandSetProtocolAuto = "ATSP0"
	CommandLowPower        = "ATLP"
	CommandProtocolNum     = "ATDPN"
	CommandReadVoltage     = "ATRV"
	CommandSetHeader       = "ATSH"

	CR = "\r"

	// Supported protocol IDs
	ProtocolAuto          = "0" // Automatic mode
	ProtocolJ1850PWM      = "1" // SAE J1850 PWM
	ProtocolJ1850VPW      = "2" // SAE J1850 VPW
	ProtocolISO9141       = "3" // ISO 9141-2
	ProtocolISO14230_5    = "4" // ISO 14230-4 (KWP 5BAUD)
	ProtocolISO14230      = "5" // ISO 14230-4 (KWP FAST)
	ProtocolISO15765_11   = "6" // ISO 15765-4 (CAN 11/500)
	ProtocolISO15765_29   = "7" // ISO 15765-4 (CAN 29/500)
	ProtocolISO15765_11_2 = "8" // ISO 15765-4 (CAN 11/250)
	ProtocolISO15765_29_2 = "9" // ISO 15765-4 (CAN 29/250)
	ProtocolSAEJ1939      = "A" // SAE J1939 (CAN 29/250)
)

const (
	minVoltage      = 6.0
	queryTimeout    = 1200 * time.Millisecond
	dtcQueryTimeout = 10 * time.Second
	openRetries     = 3
	atTimeout       = 500 * time.Millisecond

	broadcastHeader = "7DF"
)

// Module is an ECU addressed directly by its CAN request header.
type Module struct {
	Name   string
	Header string
}

// DefaultModules are the ECUs that often keep codes the broadcast request
// does not reach: chassis and TPMS C-codes, body and safety modules.
var DefaultModules = []Module{
	{Name: "TPMS", Header: "7C0"},
	{Name: "TPMS", Header: "7C4"},
	{Name: "Body Control", Header: "765"},
	{Name: "Chassis", Header: "760"},
	{Name: "ABS", Header: "7E1"},
	{Name: "Airbag", Header: "7E2"},
	{Name: "Transmission", Header: "7E3"},
}

// SerialOBD implements obd.Gateway backed by a serial (ELM327-like) device.
// It is not safe for concurrent Query calls; callers go through obd.Bus.
type SerialOBD struct {
	portName    string
	baud        int
	port        io.ReadWriteCloser
	reader      *bufio.Reader
	protocol    string
	isLowPower  bool
	isConnected bool
	modules     []Module

	mu sync.RWMutex
}

type Option func(*SerialOBD)

// WithModuleSweep makes trouble code reads also address each module by
// header on CAN vehicles. Codes from every module are merged.
func WithModuleSweep(modules ...Module) Option {
	return func(s *SerialOBD) {
		s.modules = append(s.modules, modules...)
	}
}

// New creates a SerialOBD. An empty portName selects the platform default.
func New(portName string, baud int, opts ...Option) *SerialOBD {
	if portName == "" {
		portName = detectPlatformSerialDev()
	}
	s := &SerialOBD{
		portName: portName,
		baud:     baud,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *SerialOBD) Start(ctx context.Context) error {
	if err := s.open(ctx); err != nil {
		return fmt.Errorf("error while connecting: %w", err)
	}

	if err := s.initELM327(); err != nil {
		s.closePort()
		return fmt.Errorf("error while initializing ELM327: %w", err)
	}

	// Try to detect protocol automatically first
	if err := s.autoDetectProtocol(); err != nil {
		log.Warn("Auto protocol detection failed, will try specific protocols", zap.Error(err))
		// Try specific protocols in order of likelihood
		protocols := []string{
			ProtocolISO15765_11,   // ISO 15765-4 (CAN 11/500) - Most common
			ProtocolISO15765_11_2, // ISO 15765-4 (CAN 11/250)
			ProtocolJ1850PWM,      // SAE J1850 PWM
			ProtocolISO9141,       // ISO 9141-2
			ProtocolISO14230,      // ISO 14230-4 (KWP FAST)
		}

		detected := false
		for _, protocol := range protocols {
			if err := s.tryProtocol(protocol); err == nil {
				log.Info("Successfully connected using protocol",
					zap.String("protocol", protocol),
					zap.String("name", protocolName(protocol)))
				s.protocol = protocol
				detected = true
				break
			}
		}
		if !detected {
			s.closePort()
			return fmt.Errorf("no vehicle protocol answered: %w", obd.ErrNotConnected)
		}
	}

	s.setConnected(true)
	return nil
}

func (s *SerialOBD) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.port != nil {
		s.port.Close()
		s.port = nil
	}
	s.isConnected = false
}

func (s *SerialOBD) IsConnected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isConnected
}

// Query sends cmd to the vehicle and decodes the reply.
func (s *SerialOBD) Query(cmd obd.Command) (obd.Response, error) {
	if !s.IsConnected() {
		return obd.Response{}, fmt.Errorf("%s: %w", cmd.Name, obd.ErrNotConnected)
	}
	if s.isLowPower {
		if err := s.ExitLowPower(); err != nil {
			return obd.Response{}, err
		}
	}

	resp, err := s.query(cmd)
	if err != nil {
		return obd.Response{}, err
	}
	if _, ok := dtcReplyMarkers[cmd.Mode]; ok && len(s.modules) > 0 && isCANProtocol(s.protocol) {
		resp.Codes = s.sweepModules(cmd, resp.Codes)
	}
	return resp, nil
}

// query runs one request/reply exchange with the current header.
func (s *SerialOBD) query(cmd obd.Command) (obd.Response, error) {
	timeout := queryTimeout
	if cmd.Mode != "01" {
		timeout = dtcQueryTimeout
	}

	if err := s.sendCommand(cmd.String()); err != nil {
		return obd.Response{}, fmt.Errorf("failed to send %s command: %w", cmd.Name, err)
	}

	line, err := s.readELMResponse(timeout)
	if err != nil {
		return obd.Response{}, fmt.Errorf("failed to read %s response: %w", cmd.Name, err)
	}

	resp, err := decodeResponse(cmd, line, isCANProtocol(s.protocol))
	if err != nil {
		log.Debug("Undecodable response", zap.String("command", cmd.Name), zap.String("raw", line), zap.Error(err))
		return obd.Response{}, err
	}
	return resp, nil
}

// sweepModules repeats cmd against every configured module header and
// merges what they report into codes. Modules that do not answer are
// skipped. The broadcast header is restored afterwards.
func (s *SerialOBD) sweepModules(cmd obd.Command, codes []models.TroubleCode) []models.TroubleCode {
	defer func() {
		if err := s.exchange(CommandSetHeader+broadcastHeader, atTimeout); err != nil {
			log.Warn("Failed to restore broadcast header", zap.Error(err))
		}
	}()

	for _, mod := range s.modules {
		if err := s.exchange(CommandSetHeader+mod.Header, atTimeout); err != nil {
			log.Debug("Failed to address module", zap.String("module", mod.Name), zap.String("header", mod.Header), zap.Error(err))
			continue
		}
		resp, err := s.query(cmd)
		if err != nil {
			log.Debug("Module did not answer", zap.String("module", mod.Name), zap.String("header", mod.Header), zap.Error(err))
			continue
		}
		if len(resp.Codes) > 0 {
			log.Info("Module reported trouble codes", zap.String("module", mod.Name), zap.Int("count", len(resp.Codes)))
		}
		codes = mergeCodes(codes, resp.Codes)
	}
	return codes
}

// mergeCodes appends the codes of more not already in codes.
func mergeCodes(codes, more []models.TroubleCode) []models.TroubleCode {
	seen := make(map[string]bool, len(codes))
	for _, c := range codes {
		seen[c.Code] = true
	}
	for _, c := range more {
		if !seen[c.Code] {
			seen[c.Code] = true
			codes = append(codes, c)
		}
	}
	return codes
}

// EnterLowPower puts the ELM327 into low power mode
func (s *SerialOBD) EnterLowPower() error {
	if !s.IsConnected() {
		return fmt.Errorf("cannot enter low power: %w", obd.ErrNotConnected)
	}

	if err := s.sendCommand(CommandLowPower); err != nil {
		return fmt.Errorf("failed to enter low power mode: %w", err)
	}

	resp, err := s.readELMResponse(500 * time.Millisecond)
	if err != nil || !strings.Contains(resp, "OK") {
		return fmt.Errorf("did not receive OK response for low power mode")
	}

	s.isLowPower = true
	log.Info("Successfully entered low power mode")
	return nil
}

// ExitLowPower wakes up the ELM327 from low power mode
func (s *SerialOBD) ExitLowPower() error {
	if !s.IsConnected() {
		return fmt.Errorf("cannot exit low power: %w", obd.ErrNotConnected)
	}

	// Any character wakes the device
	if _, err := s.port.Write([]byte(" ")); err != nil {
		return fmt.Errorf("failed to send wake up command: %w", err)
	}

	time.Sleep(1 * time.Second)

	s.isLowPower = false
	log.Info("Successfully exited low power mode")
	return nil
}

// autoDetectProtocol lets the adapter pick the protocol with ATSP0 and
// records what it settled on.
func (s *SerialOBD) autoDetectProtocol() error {
	if err := s.exchange(CommandSetProtocolAuto, atTimeout); err != nil {
		return fmt.Errorf("failed to set auto protocol: %w", err)
	}

	// The first request triggers the search.
	if err := s.sendCommand("0100"); err != nil {
		return fmt.Errorf("failed to send test command: %w", err)
	}
	resp, err := s.readELMResponse(5 * time.Second)
	if err != nil {
		return fmt.Errorf("no response to test command: %w", err)
	}
	if upper := strings.ToUpper(resp); strings.Contains(upper, "UNABLE TO CONNECT") ||
		strings.Contains(upper, "NO DATA") || strings.Contains(upper, "ERROR") {
		return fmt.Errorf("unable to detect protocol: %s", resp)
	}

	if err := s.sendCommand(CommandProtocolNum); err != nil {
		return fmt.Errorf("failed to get protocol number: %w", err)
	}
	resp, err = s.readELMResponse(1 * time.Second)
	if err != nil || resp == "" {
		return fmt.Errorf("no response from protocol query")
	}

	s.protocol = normalizeProtocol(resp)
	log.Info("Detected protocol",
		zap.String("protocol", s.protocol),
		zap.String("name", protocolName(s.protocol)))
	return nil
}

// tryProtocol attempts to connect using a specific protocol
func (s *SerialOBD) tryProtocol(protocol string) error {
	if err := s.exchange("ATTP"+protocol, atTimeout); err != nil {
		return fmt.Errorf("failed to set protocol %s: %w", protocol, err)
	}

	if err := s.sendCommand("0100"); err != nil {
		return fmt.Errorf("failed to communicate with protocol %s: %w", protocol, err)
	}

	resp, err := s.readELMResponse(5 * time.Second)
	if err != nil || resp == "" {
		return fmt.Errorf("no response with protocol %s", protocol)
	}

	upper := strings.ToUpper(resp)
	if strings.Contains(upper, "UNABLE TO CONNECT") || strings.Contains(upper, "NO DATA") {
		return fmt.Errorf("unable to connect with protocol %s", protocol)
	}

	return nil
}

func (s *SerialOBD) open(ctx context.Context) error {
	cfg := &serial.Config{
		Name:        s.portName,
		Baud:        s.baud,
		ReadTimeout: DefaultDelay,
		Size:        8,
		Parity:      serial.ParityNone,
		StopBits:    serial.Stop1,
	}
	log.Info("Opening serial port", zap.String("port", s.portName), zap.Int("baud", s.baud))

	var p *serial.Port
	var err error
	for i := 0; i < openRetries; i++ {
		p, err = serial.OpenPort(cfg)
		if err == nil {
			break
		}
		log.Warn("Failed to open port, retrying...", zap.Error(err), zap.Int("attempt", i+1))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
	if err != nil {
		return fmt.Errorf("failed to open port after %d attempts: %w", openRetries, err)
	}

	if err := p.Flush(); err != nil {
		log.Warn("Failed to flush port", zap.Error(err))
	}

	s.mu.Lock()
	s.port = p
	s.reader = bufio.NewReader(p)
	s.mu.Unlock()

	log.Info("Port opened successfully", zap.String("config", fmt.Sprintf("%+v", cfg)))
	return nil
}

func (s *SerialOBD) initELM327() error {
	var resetOK bool
	for i := 0; i < openRetries; i++ {
		if err := s.sendCommand(CommandReset); err != nil {
			log.Warn("Reset attempt failed", zap.Int("attempt", i+1), zap.Error(err))
			time.Sleep(1 * time.Second)
			continue
		}

		resp, err := s.readELMResponse(3 * time.Second)
		if err == nil && strings.Contains(resp, "ELM") {
			log.Info("Reset successful", zap.String("response", resp))
			resetOK = true
			break
		}
		log.Warn("No ELM327 banner after reset", zap.Int("attempt", i+1), zap.String("response", resp))
	}
	if !resetOK {
		return fmt.Errorf("device failed to respond after %d reset attempts", openRetries)
	}

	commands := []string{
		CommandEchoOff,
		CommandLineFeedsOff,
		CommandHeadersOff,
		CommandSpacesOn,
	}
	for _, cmd := range commands {
		if err := s.exchange(cmd, atTimeout); err != nil {
			return fmt.Errorf("command %s failed: %w", cmd, err)
		}
	}

	// ATRV is not supported on every clone.
	if err := s.sendCommand(CommandReadVoltage); err == nil {
		if resp, err := s.readELMResponse(500 * time.Millisecond); err == nil && resp != "" {
			if v, err := parseVoltage(resp); err == nil {
				if v < minVoltage {
					return fmt.Errorf("voltage too low: %.1fV", v)
				}
				log.Info("Battery voltage", zap.Float64("volts", v))
			}
		}
	}

	return nil
}

// exchange sends an AT command and expects a non-empty reply.
func (s *SerialOBD) exchange(cmd string, timeout time.Duration) error {
	if err := s.sendCommand(cmd); err != nil {
		return err
	}
	resp, err := s.readELMResponse(timeout)
	if err != nil {
		return err
	}
	if resp == "" {
		return fmt.Errorf("command %s got no response", cmd)
	}
	log.Debug("AT command", zap.String("command", cmd), zap.String("response", resp))
	return nil
}

func (s *SerialOBD) sendCommand(cmd string) error {
	if s.port == nil {
		return fmt.Errorf("cannot send command: port is nil")
	}

	// Drop anything left over from a previous exchange.
	for s.reader.Buffered() > 0 {
		if _, err := s.reader.Discard(s.reader.Buffered()); err != nil {
			break
		}
	}

	full := cmd + CR

	var writeErr error
	for i := 0; i < openRetries; i++ {
		n, err := s.port.Write([]byte(full))
		if err != nil {
			writeErr = err
			log.Warn("Write failed, retrying...",
				zap.String("command", cmd),
				zap.Error(err),
				zap.Int("attempt", i+1))
			time.Sleep(500 * time.Millisecond)
			continue
		}
		if n != len(full) {
			writeErr = fmt.Errorf("incomplete write: %d/%d bytes", n, len(full))
			continue
		}
		writeErr = nil
		break
	}
	if writeErr != nil {
		return fmt.Errorf("error writing command %q after retries: %w", cmd, writeErr)
	}

	log.Debug("Command sent successfully", zap.String("command", cmd), zap.Int("bytes", len(full)))
	return nil
}

func (s *SerialOBD) setConnected(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.isConnected = v
}

func (s *SerialOBD) closePort() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.port != nil {
		s.port.Close()
		s.port = nil
	}
}

// readELMResponse collects bytes until the ELM327 prompt '>' is seen or
// the timeout elapses. The port's own ReadTimeout keeps each Read short.
func (s *SerialOBD) readELMResponse(timeout time.Duration) (string, error) {
	if s.reader == nil {
		return "", fmt.Errorf("cannot read: port is nil")
	}
	return readUntilPrompt(s.reader, timeout)
}

func readUntilPrompt(r io.Reader, timeout time.Duration) (string, error) {
	var sb strings.Builder
	buf := make([]byte, 1)
	deadline := time.Now().Add(timeout)

	for time.Now().Before(deadline) {
		n, err := r.Read(buf)
		if err != nil && err != io.EOF {
			return strings.TrimSpace(sb.String()), err
		}
		if n == 0 {
			time.Sleep(10 * time.Millisecond)
			continue
		}

		b := buf[0]
		if b == '>' {
			return strings.TrimSpace(sb.String()), nil
		}
		// Keep printable characters and line breaks only
		if b >= 32 && b <= 126 || b == '\r' || b == '\n' {
			sb.WriteByte(b)
		}
	}

	if sb.Len() > 0 {
		return strings.TrimSpace(sb.String()), fmt.Errorf("no prompt after %v", timeout)
	}
	return "", fmt.Errorf("read timeout after %v: %w", timeout, obd.ErrNoData)
}
