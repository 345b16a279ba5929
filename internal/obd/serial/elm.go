package serial

import (
	"fmt"
	"strconv"
	"strings"

	"dashobd/internal/models"
	"dashobd/internal/obd"
)

// pidDecoder turns the data bytes following "41 <pid>" into a value.
type pidDecoder struct {
	size   int
	unit   string
	decode func(b []byte) float64
}

var pidDecoders = map[string]pidDecoder{
	// A km/h
	obd.CommandSpeed.Code: {size: 1, unit: "km/h", decode: func(b []byte) float64 {
		return float64(b[0])
	}},
	// ((A*256)+B)/4 rpm
	obd.CommandRPM.Code: {size: 2, unit: "rpm", decode: func(b []byte) float64 {
		return float64(int(b[0])*256+int(b[1])) / 4
	}},
	// A*100/255 %
	obd.CommandThrottlePosition.Code: {size: 1, unit: "%", decode: percent},
	obd.CommandFuelLevel.Code:        {size: 1, unit: "%", decode: percent},
	// A-40 °C
	obd.CommandCoolantTemp.Code: {size: 1, unit: "°C", decode: func(b []byte) float64 {
		return float64(int(b[0]) - 40)
	}},
}

func percent(b []byte) float64 {
	return float64(b[0]) * 100 / 255
}

// Replies the ELM327 prints instead of data.
var elmFailures = []string{
	"UNABLE TO CONNECT",
	"CAN ERROR",
	"BUS INIT",
	"BUS BUSY",
	"BUS ERROR",
	"DATA ERROR",
	"FB ERROR",
	"STOPPED",
	"ERROR",
	"?",
}

// normalizeProtocol drops the "A" that ATDPN prefixes to auto-detected
// protocol numbers.
func normalizeProtocol(protocol string) string {
	p := strings.ToUpper(strings.TrimSpace(protocol))
	if len(p) == 2 && p[0] == 'A' {
		return p[1:]
	}
	return p
}

func isCANProtocol(protocol string) bool {
	switch normalizeProtocol(protocol) {
	case ProtocolISO15765_11, ProtocolISO15765_29, ProtocolISO15765_11_2, ProtocolISO15765_29_2, ProtocolSAEJ1939:
		return true
	}
	return false
}

// decodeResponse interprets a raw ELM327 reply to cmd.
func decodeResponse(cmd obd.Command, raw string, can bool) (obd.Response, error) {
	upper := strings.ToUpper(strings.TrimSpace(raw))
	compact := strings.ReplaceAll(upper, " ", "")

	marker, isDTCRead := dtcReplyMarkers[cmd.Mode]

	if strings.Contains(compact, "NODATA") {
		if isDTCRead {
			// Pre-CAN ECUs answer NO DATA when nothing is stored.
			return obd.Response{Codes: []models.TroubleCode{}}, nil
		}
		return obd.Response{}, fmt.Errorf("%s: %w", cmd.Name, obd.ErrNoData)
	}
	if upper == "" {
		return obd.Response{}, fmt.Errorf("%s: empty reply: %w", cmd.Name, obd.ErrNoData)
	}

	frames, indexed, err := splitFrames(upper)
	if err != nil {
		for _, f := range elmFailures {
			if strings.Contains(upper, f) {
				return obd.Response{}, fmt.Errorf("%s: adapter replied %q: %w", cmd.Name, f, obd.ErrMalformed)
			}
		}
		return obd.Response{}, fmt.Errorf("%s: %v: %w", cmd.Name, err, obd.ErrMalformed)
	}

	if isDTCRead {
		return obd.Response{Codes: decodeDTCs(frames, marker, can, indexed)}, nil
	}
	switch cmd.Mode {
	case "01":
		return decodeLiveData(cmd, frames)
	case obd.CommandClearDTC.Mode:
		for _, f := range frames {
			if len(f) > 0 && f[0] == 0x44 {
				return obd.Response{}, nil
			}
		}
		return obd.Response{}, fmt.Errorf("%s: no 44 acknowledgement in %q: %w", cmd.Name, raw, obd.ErrMalformed)
	}
	return obd.Response{}, fmt.Errorf("%s: %w", cmd.Name, obd.ErrUnsupported)
}

func decodeLiveData(cmd obd.Command, frames [][]byte) (obd.Response, error) {
	dec, ok := pidDecoders[cmd.Code]
	if !ok {
		return obd.Response{}, fmt.Errorf("%s: %w", cmd.Name, obd.ErrUnsupported)
	}
	pid, err := parseHexByte(cmd.Code)
	if err != nil {
		return obd.Response{}, fmt.Errorf("%s: bad pid %q: %w", cmd.Name, cmd.Code, obd.ErrUnsupported)
	}

	// The first ECU that answers wins.
	for _, f := range frames {
		for i := 0; i+1+dec.size < len(f); i++ {
			if f[i] == 0x41 && f[i+1] == pid {
				data := f[i+2 : i+2+dec.size]
				return obd.Response{Value: dec.decode(data), Unit: dec.unit}, nil
			}
		}
	}
	return obd.Response{}, fmt.Errorf("%s: no 41 %s in reply: %w", cmd.Name, cmd.Code, obd.ErrMalformed)
}

// Positive reply bytes of the trouble code services: stored (03) and
// pending (07).
var dtcReplyMarkers = map[string]byte{
	obd.CommandReadDTC.Mode:        0x43,
	obd.CommandReadPendingDTC.Mode: 0x47,
}

// decodeDTCs parses a mode 03 or 07 reply. With headers off every ECU that
// answers prints its own line, so each line starting with marker is a
// separate record. CAN records carry a count byte after the marker; older
// protocols send three codes per line with no count. An indexed CAN reply
// is one multi-frame record split over several lines.
func decodeDTCs(frames [][]byte, marker byte, can, indexed bool) []models.TroubleCode {
	codes := []models.TroubleCode{}

	if can && indexed {
		var stream []byte
		for _, f := range frames {
			stream = append(stream, f...)
		}
		for i := 0; i+1 < len(stream); i++ {
			if stream[i] == marker {
				return appendDTCs(codes, stream[i+2:], int(stream[i+1]))
			}
		}
		return codes
	}

	for _, f := range frames {
		if len(f) < 2 || f[0] != marker {
			continue
		}
		if can {
			codes = appendDTCs(codes, f[2:], int(f[1]))
			continue
		}
		codes = appendDTCs(codes, f[1:], -1)
	}
	return codes
}

// appendDTCs decodes up to limit byte pairs from data; limit < 0 means all.
func appendDTCs(codes []models.TroubleCode, data []byte, limit int) []models.TroubleCode {
	for j, n := 0, 0; j+1 < len(data) && (limit < 0 || n < limit); j, n = j+2, n+1 {
		if code := decodeDTC(data[j], data[j+1]); code != "" {
			codes = append(codes, models.TroubleCode{Code: code})
		}
	}
	return codes
}

// decodeDTC converts the two DTC bytes to the SAE J2012 form (e.g. P0301).
// The two high bits of a select the letter. Returns "" for 00 00 padding.
func decodeDTC(a, b byte) string {
	if a == 0 && b == 0 {
		return ""
	}
	letters := []byte{'P', 'C', 'B', 'U'}
	return fmt.Sprintf("%c%X%X%X%X", letters[(a&0xC0)>>6], (a&0x30)>>4, a&0x0F, (b&0xF0)>>4, b&0x0F)
}

// splitFrames converts the reply lines to byte frames. The ISO-TP length
// line ("00E") and frame index prefixes ("0:") of multi-frame CAN replies
// are dropped; indexed reports whether any were seen. Spaces between bytes
// are optional.
func splitFrames(raw string) (frames [][]byte, indexed bool, err error) {
	lines := strings.FieldsFunc(raw, func(r rune) bool { return r == '\r' || r == '\n' })
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "SEARCHING") ||
			(strings.HasPrefix(line, "BUS INIT") && strings.HasSuffix(line, "OK")) {
			continue
		}
		if idx := strings.Index(line, ":"); idx > 0 && idx <= 2 {
			line = line[idx+1:]
			indexed = true
		}
		hex := strings.ReplaceAll(line, " ", "")
		if len(hex) == 3 && len(lines) > 1 {
			continue
		}
		if len(hex)%2 != 0 {
			return nil, false, fmt.Errorf("odd hex length in %q", line)
		}
		frame := make([]byte, 0, len(hex)/2)
		for i := 0; i < len(hex); i += 2 {
			b, err := parseHexByte(hex[i : i+2])
			if err != nil {
				return nil, false, fmt.Errorf("bad byte %q in %q", hex[i:i+2], line)
			}
			frame = append(frame, b)
		}
		frames = append(frames, frame)
	}
	if len(frames) == 0 {
		return nil, false, fmt.Errorf("no data frames")
	}
	return frames, indexed, nil
}

func parseHexByte(s string) (byte, error) {
	v, err := strconv.ParseUint(s, 16, 8)
	if err != nil {
		return 0, err
	}
	return byte(v), nil
}

// parseVoltage parses an ELM voltage reply like "12.5V".
func parseVoltage(response string) (float64, error) {
	response = strings.TrimSpace(strings.TrimSuffix(strings.ToUpper(strings.TrimSpace(response)), "V"))
	return strconv.ParseFloat(response, 64)
}

// protocolName returns a human-readable name for an ATDPN protocol number.
func protocolName(protocolNum string) string {
	protocols := map[string]string{
		ProtocolAuto:          "Auto",
		ProtocolJ1850PWM:      "SAE J1850 PWM (41.6 kbaud)",
		ProtocolJ1850VPW:      "SAE J1850 VPW (10.4 kbaud)",
		ProtocolISO9141:       "ISO 9141-2 (5 baud init)",
		ProtocolISO14230_5:    "ISO 14230-4 KWP (5 baud init)",
		ProtocolISO14230:      "ISO 14230-4 KWP (fast init)",
		ProtocolISO15765_11:   "ISO 15765-4 CAN (11 bit ID, 500 kbaud)",
		ProtocolISO15765_29:   "ISO 15765-4 CAN (29 bit ID, 500 kbaud)",
		ProtocolISO15765_11_2: "ISO 15765-4 CAN (11 bit ID, 250 kbaud)",
		ProtocolISO15765_29_2: "ISO 15765-4 CAN (29 bit ID, 250 kbaud)",
		ProtocolSAEJ1939:      "SAE J1939 CAN (29 bit ID, 250 kbaud)",
	}

	if name, ok := protocols[normalizeProtocol(protocolNum)]; ok {
		return name
	}
	return "Unknown"
}
