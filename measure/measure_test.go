package measure

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruteri/snp-guest-orchestrator/artifacts"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want Measurement
	}{
		{"lowercases", "AB12CD", "ab12cd"},
		{"strips spaces and tabs", " ab\t12 cd ", "ab12cd"},
		{"strips newlines", "ab12\r\ncd\n", "ab12cd"},
		{"strips non-printables", "ab\x00\x0812cd\x7f", "ab12cd"},
		{"keeps stray printable noise", "ab12:cd", "ab12:cd"},
		{"empty", "   \n", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Normalize(tt.in))
		})
	}
}

func TestCompareMatchesAcrossCaseAndWhitespace(t *testing.T) {
	require.NoError(t, Compare("AB12", "ab12"))
	require.NoError(t, Compare("ab 12\n", "AB12"))
}

func TestCompareSingleDigitMismatch(t *testing.T) {
	err := Compare("ab12", "ab13")

	var mm *MismatchError
	require.ErrorAs(t, err, &mm)
	assert.Equal(t, Measurement("ab12"), mm.Expected)
	assert.Equal(t, Measurement("ab13"), mm.Actual)
	assert.Contains(t, err.Error(), "measurements do not match")
}

func TestCompareEmptyIsNeverAMatch(t *testing.T) {
	var mm *MismatchError
	require.ErrorAs(t, Compare("", ""), &mm)
	require.ErrorAs(t, Compare("ab12", "  "), &mm)
}

func TestFromBytes(t *testing.T) {
	assert.Equal(t, Measurement("00ff10"), FromBytes([]byte{0x00, 0xff, 0x10}))
}

func TestExpectedUnknownCPUModel(t *testing.T) {
	_, err := Expected(CalcInput{VCPUs: 4, VCPUType: "EPYC-v99", FirmwarePath: "/unused"})

	var te *ToolError
	require.ErrorAs(t, err, &te)
	assert.Contains(t, err.Error(), "EPYC-v99")
}

func TestExpectedMissingFirmware(t *testing.T) {
	_, err := Expected(CalcInput{
		VCPUs:        4,
		VCPUType:     "EPYC-v4",
		FirmwarePath: filepath.Join(t.TempDir(), "OVMF.fd"),
	})

	var me *artifacts.MissingError
	require.ErrorAs(t, err, &me)
	assert.Equal(t, "firmware", me.Name)
}

func TestExpectedUnsetFirmware(t *testing.T) {
	_, err := Expected(CalcInput{VCPUs: 4, VCPUType: "EPYC-v4"})

	var me *artifacts.MissingError
	require.ErrorAs(t, err, &me)
	assert.Equal(t, "firmware", me.Name)
}

func TestExpectedMissingKernel(t *testing.T) {
	dir := t.TempDir()
	fw := filepath.Join(dir, "OVMF.fd")
	require.NoError(t, os.WriteFile(fw, make([]byte, 16), 0o644))

	_, err := Expected(CalcInput{
		VCPUs:        4,
		VCPUType:     "EPYC-v4",
		FirmwarePath: fw,
		KernelPath:   filepath.Join(dir, "vmlinuz"),
	})

	var me *artifacts.MissingError
	require.ErrorAs(t, err, &me)
	assert.Equal(t, "kernel", me.Name)
}
