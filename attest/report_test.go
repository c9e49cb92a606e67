package attest

import (
	"encoding/binary"
	"encoding/hex"
	"testing"

	"github.com/google/go-sev-guest/abi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruteri/snp-guest-orchestrator/measure"
)

// buildRawReport assembles a layout-valid version 2 report around the given
// REPORT_DATA and MEASUREMENT fields. The policy carries the mandatory
// reserved bit plus SMT, matching what the VMM requests by default.
func buildRawReport(reportData, measurement []byte) []byte {
	raw := make([]byte, abi.ReportSize)
	binary.LittleEndian.PutUint32(raw[0x00:], 2)       // version
	binary.LittleEndian.PutUint64(raw[0x08:], 0x30000) // guest policy
	binary.LittleEndian.PutUint32(raw[0x34:], 1)       // ECDSA P-384 / SHA-384
	copy(raw[0x50:0x90], reportData)
	copy(raw[0x90:0xC0], measurement)
	return raw
}

func testMeasurement(fill byte) []byte {
	m := make([]byte, 48)
	for i := range m {
		m[i] = fill
	}
	return m
}

func TestParseReport(t *testing.T) {
	data := make([]byte, abi.ReportDataSize)
	data[0] = 0xde
	m := testMeasurement(0xab)

	rep, err := ParseReport(buildRawReport(data, m), "rendered")
	require.NoError(t, err)
	assert.Equal(t, data, rep.Proto.GetReportData())
	assert.Equal(t, m, rep.Proto.GetMeasurement())
	assert.Equal(t, "rendered", rep.Rendered)
}

func TestParseReportIgnoresTrailingCertTable(t *testing.T) {
	raw := buildRawReport(make([]byte, abi.ReportDataSize), testMeasurement(0x01))
	raw = append(raw, make([]byte, 512)...)

	rep, err := ParseReport(raw, "")
	require.NoError(t, err)
	assert.Len(t, rep.Raw, abi.ReportSize)
}

func TestParseReportRejectsShortInput(t *testing.T) {
	_, err := ParseReport(make([]byte, 64), "")
	require.Error(t, err)
}

func TestExtractRenderedMeasurement(t *testing.T) {
	hexVal := hex.EncodeToString(testMeasurement(0xab))

	tests := []struct {
		name     string
		rendered string
		want     measure.Measurement
		wantErr  bool
	}{
		{
			name:     "value on the anchor line",
			rendered: "Measurement: " + hexVal + "\nHost Data: 00\n",
			want:     measure.Measurement(hexVal),
		},
		{
			name:     "value on following lines",
			rendered: "Version: 2\nMeasurement:\n  " + hexVal[:32] + "\n  " + hexVal[32:] + "\nHost Data:\n00\n",
			want:     measure.Measurement(hexVal),
		},
		{
			name:     "byte-grouped uppercase value",
			rendered: "Measurement:\nAB AB AB AB\nHost Data:\n00\n",
			want:     "abababab",
		},
		{
			name:     "console noise stripped",
			rendered: "Measurement:\n\x00\x1b" + hexVal + "\r\nPlatform Info: 0\n",
			want:     measure.Measurement(hexVal),
		},
		{
			name:     "label missing",
			rendered: "Version: 2\nHost Data: 00\n",
			wantErr:  true,
		},
		{
			name:     "label with empty value",
			rendered: "Measurement:\nHost Data: 00\n",
			wantErr:  true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ExtractRenderedMeasurement(tt.rendered)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
