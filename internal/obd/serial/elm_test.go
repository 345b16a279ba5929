package serial

import (
	"strings"
	"testing"
	"time"

	"dashobd/internal/models"
	"dashobd/internal/obd"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeLiveData(t *testing.T) {
	tests := []struct {
		name string
		cmd  obd.Command
		raw  string
		want float64
		unit string
	}{
		{"speed", obd.CommandSpeed, "41 0D 32", 50, "km/h"},
		{"rpm", obd.CommandRPM, "41 0C 1A F8", 1726, "rpm"},
		{"rpm without spaces", obd.CommandRPM, "410C1AF8", 1726, "rpm"},
		{"throttle", obd.CommandThrottlePosition, "41 11 FF", 100, "%"},
		{"fuel level", obd.CommandFuelLevel, "41 2F 00", 0, "%"},
		{"coolant", obd.CommandCoolantTemp, "41 05 7B", 83, "°C"},
		{"searching prefix", obd.CommandSpeed, "SEARCHING...\r41 0D 0A", 10, "km/h"},
		{"two ecus", obd.CommandCoolantTemp, "41 05 50\r41 05 51", 40, "°C"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := decodeResponse(tt.cmd, tt.raw, true)
			require.NoError(t, err)
			assert.InDelta(t, tt.want, resp.Value, 1e-9)
			assert.Equal(t, tt.unit, resp.Unit)
		})
	}
}

func TestDecodeFailures(t *testing.T) {
	tests := []struct {
		name string
		cmd  obd.Command
		raw  string
		want error
	}{
		{"no data", obd.CommandSpeed, "NO DATA", obd.ErrNoData},
		{"empty", obd.CommandRPM, "", obd.ErrNoData},
		{"unable to connect", obd.CommandRPM, "UNABLE TO CONNECT", obd.ErrMalformed},
		{"question mark", obd.CommandRPM, "?", obd.ErrMalformed},
		{"wrong pid", obd.CommandRPM, "41 0D 32", obd.ErrMalformed},
		{"truncated", obd.CommandRPM, "41 0C 1A", obd.ErrMalformed},
		{"clear without ack", obd.CommandClearDTC, "7F 04 22", obd.ErrMalformed},
		{"unknown mode", obd.Command{Name: "X", Mode: "09", Code: "02"}, "49 02 01", obd.ErrUnsupported},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := decodeResponse(tt.cmd, tt.raw, true)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestDecodeDTCsCAN(t *testing.T) {
	resp, err := decodeResponse(obd.CommandReadDTC, "43 02 01 33 C1 58", true)
	require.NoError(t, err)
	assert.Equal(t, []models.TroubleCode{{Code: "P0133"}, {Code: "U0158"}}, resp.Codes)
}

func TestDecodeDTCsCANMultiFrame(t *testing.T) {
	raw := "00E\r0: 43 04 01 43 01 96\r1: 02 34 02 CD 03 57\r2: 0A 24 00 00 00 00"
	resp, err := decodeResponse(obd.CommandReadDTC, raw, true)
	require.NoError(t, err)

	got := make([]string, 0, len(resp.Codes))
	for _, c := range resp.Codes {
		got = append(got, c.Code)
	}
	assert.Equal(t, []string{"P0143", "P0196", "P0234", "P02CD"}, got)
}

func TestDecodeDTCsCANSeveralECUs(t *testing.T) {
	// ECM and TCM each answer on their own line with headers off.
	resp, err := decodeResponse(obd.CommandReadDTC, "43 01 01 33\r43 01 07 00", true)
	require.NoError(t, err)
	assert.Equal(t, []models.TroubleCode{{Code: "P0133"}, {Code: "P0700"}}, resp.Codes)

	resp, err = decodeResponse(obd.CommandReadDTC, "43 02 01 33 C1 58\r43 00\r43 01 41 01", true)
	require.NoError(t, err)
	assert.Equal(t, []models.TroubleCode{{Code: "P0133"}, {Code: "U0158"}, {Code: "C0101"}}, resp.Codes)
}

func TestDecodePendingDTCs(t *testing.T) {
	resp, err := decodeResponse(obd.CommandReadPendingDTC, "47 01 01 71", true)
	require.NoError(t, err)
	assert.Equal(t, []models.TroubleCode{{Code: "P0171"}}, resp.Codes)

	resp, err = decodeResponse(obd.CommandReadPendingDTC, "47 01 71 00 00 00 00", false)
	require.NoError(t, err)
	assert.Equal(t, []models.TroubleCode{{Code: "P0171"}}, resp.Codes)

	resp, err = decodeResponse(obd.CommandReadPendingDTC, "NO DATA", true)
	require.NoError(t, err)
	assert.NotNil(t, resp.Codes)
	assert.Empty(t, resp.Codes)

	// A stored-codes reply does not answer a pending request.
	resp, err = decodeResponse(obd.CommandReadPendingDTC, "43 01 01 33", true)
	require.NoError(t, err)
	assert.Empty(t, resp.Codes)
}

func TestDecodeDTCsLegacy(t *testing.T) {
	raw := "43 01 33 00 00 00 00\r43 44 20 00 00 00 00"
	resp, err := decodeResponse(obd.CommandReadDTC, raw, false)
	require.NoError(t, err)
	assert.Equal(t, []models.TroubleCode{{Code: "P0133"}, {Code: "C0420"}}, resp.Codes)
}

func TestDecodeDTCsEmpty(t *testing.T) {
	for _, raw := range []string{"43 00", "NO DATA"} {
		resp, err := decodeResponse(obd.CommandReadDTC, raw, true)
		require.NoError(t, err, raw)
		require.NotNil(t, resp.Codes, raw)
		assert.Empty(t, resp.Codes, raw)
	}
}

func TestDecodeClearAck(t *testing.T) {
	_, err := decodeResponse(obd.CommandClearDTC, "44", true)
	assert.NoError(t, err)
}

func TestDecodeDTC(t *testing.T) {
	assert.Equal(t, "", decodeDTC(0x00, 0x00))
	assert.Equal(t, "P0301", decodeDTC(0x03, 0x01))
	assert.Equal(t, "C1A00", decodeDTC(0x5A, 0x00))
	assert.Equal(t, "B1342", decodeDTC(0x93, 0x42))
	assert.Equal(t, "U2103", decodeDTC(0xE1, 0x03))
}

func TestProtocolHelpers(t *testing.T) {
	assert.True(t, isCANProtocol("A6"))
	assert.True(t, isCANProtocol("8"))
	assert.False(t, isCANProtocol("A3"))
	assert.False(t, isCANProtocol("1"))
	assert.Equal(t, "ISO 15765-4 CAN (11 bit ID, 500 kbaud)", protocolName("A6"))
	assert.Equal(t, "SAE J1939 CAN (29 bit ID, 250 kbaud)", protocolName("A"))
	assert.Equal(t, "Unknown", protocolName("Z"))
}

func TestParseVoltage(t *testing.T) {
	v, err := parseVoltage("12.5V")
	require.NoError(t, err)
	assert.InDelta(t, 12.5, v, 1e-9)

	_, err = parseVoltage("?")
	assert.Error(t, err)
}

func TestReadUntilPrompt(t *testing.T) {
	got, err := readUntilPrompt(strings.NewReader("41 0D 32\r\r>"), time.Second)
	require.NoError(t, err)
	assert.Equal(t, "41 0D 32", got)

	_, err = readUntilPrompt(strings.NewReader(""), 50*time.Millisecond)
	assert.ErrorIs(t, err, obd.ErrNoData)
}
