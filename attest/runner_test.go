package attest

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-sev-guest/verify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruteri/snp-guest-orchestrator/hostcpu"
	"github.com/ruteri/snp-guest-orchestrator/measure"
	"github.com/ruteri/snp-guest-orchestrator/remote"
	"github.com/ruteri/snp-guest-orchestrator/retry"
)

// fakeGuest plays the in-guest side of an attestation run: it answers the
// snpguest probe, produces a report bound to whatever challenge was
// uploaded, and serves that report back on download.
type fakeGuest struct {
	measurement []byte
	rendered    string // overrides the derived rendering when set
	bindWrong   bool   // produce a report not bound to the challenge
	hasTool     bool
	pingErr     error

	uploads map[string][]byte
	cmds    []string
	report  []byte
}

func newFakeGuest(measurement []byte) *fakeGuest {
	return &fakeGuest{measurement: measurement, hasTool: true, uploads: map[string][]byte{}}
}

func (g *fakeGuest) Ping(ctx context.Context) error { return g.pingErr }

func (g *fakeGuest) Exec(ctx context.Context, command string) (*remote.Result, error) {
	g.cmds = append(g.cmds, command)
	switch {
	case command == "snpguest --version":
		if g.hasTool {
			return &remote.Result{Stdout: "snpguest 0.9.2"}, nil
		}
		return nil, &remote.CommandError{Command: command, ExitCode: 127, Stderr: "snpguest: not found"}
	case strings.HasPrefix(command, "sudo snpguest report "):
		data := g.uploads[remoteRequestFile]
		if g.bindWrong {
			data = make([]byte, len(data))
		}
		g.report = buildRawReport(data, g.measurement)
		return &remote.Result{}, nil
	case strings.HasPrefix(command, "sudo snpguest display report "):
		out := g.rendered
		if out == "" {
			out = fmt.Sprintf("Attestation Report:\nVersion: 2\nMeasurement:\n%s\nHost Data:\n00\n",
				hex.EncodeToString(g.measurement))
		}
		return &remote.Result{Stdout: out}, nil
	default:
		g.hasTool = true
		return &remote.Result{}, nil
	}
}

func (g *fakeGuest) Upload(ctx context.Context, localPath, remotePath string) error {
	raw, err := os.ReadFile(localPath)
	if err != nil {
		return err
	}
	g.uploads[remotePath] = raw
	return nil
}

func (g *fakeGuest) Download(ctx context.Context, remotePath, localPath string) error {
	if g.report == nil {
		return fmt.Errorf("no report was requested")
	}
	return os.WriteFile(localPath, g.report, 0o644)
}

const testInstallCmd = "curl -sSfL https://example.invalid/snpguest | sudo install /dev/stdin /usr/local/bin/snpguest"

func newTestRunner(t *testing.T, g *fakeGuest, expected []byte, kdsURL string) *Runner {
	t.Helper()
	return NewRunner(RunnerConfig{
		Guest:      g,
		Calc:       measure.CalcInput{VCPUs: 4, VCPUType: "EPYC-v4"},
		Dir:        t.TempDir(),
		InstallCmd: testInstallCmd,
		Poller:     retry.New(3, time.Millisecond, testLogger()),
		Identify: func() (hostcpu.Identity, error) {
			return hostcpu.Identity{Family: 25, Model: 1, SocketType: 4, Codename: hostcpu.Milan}, nil
		},
		KDSBase:      kdsURL,
		VerifyReport: func([]byte, *verify.Options) error { return nil },
		Expected: func(measure.CalcInput) (measure.Measurement, error) {
			return measure.FromBytes(expected), nil
		},
	}, testLogger())
}

func TestRunnerVerifiesMatchingMeasurement(t *testing.T) {
	var hits int
	srv := chainServer(t, testChain(t, true), &hits)
	m := testMeasurement(0xab)
	g := newFakeGuest(m)

	r := newTestRunner(t, g, m, srv.URL)
	res, err := r.Run(context.Background())
	require.NoError(t, err)

	want := measure.Measurement(hex.EncodeToString(m))
	assert.Equal(t, want, res.Expected)
	assert.Equal(t, want, res.Actual)

	for _, name := range []string{"request-data.bin", "report.bin", "report.txt"} {
		assert.FileExists(t, filepath.Join(r.dir, name))
	}
	for _, name := range []string{"cert_chain.pem", "ask.pem", "ark.pem"} {
		assert.FileExists(t, filepath.Join(r.dir, "certs", name))
	}
}

func TestRunnerReportsMismatch(t *testing.T) {
	var hits int
	srv := chainServer(t, testChain(t, true), &hits)
	g := newFakeGuest(testMeasurement(0xab))

	r := newTestRunner(t, g, testMeasurement(0xcd), srv.URL)
	res, err := r.Run(context.Background())

	var mm *measure.MismatchError
	require.ErrorAs(t, err, &mm)
	assert.Contains(t, err.Error(), "measurements do not match")
	require.NotNil(t, res, "mismatch verdicts carry both sides")
	assert.NotEqual(t, res.Expected, res.Actual)
}

func TestRunnerRejectsUnboundReport(t *testing.T) {
	var hits int
	srv := chainServer(t, testChain(t, true), &hits)
	g := newFakeGuest(testMeasurement(0xab))
	g.bindWrong = true

	r := newTestRunner(t, g, testMeasurement(0xab), srv.URL)
	_, err := r.Run(context.Background())

	var ve *VerificationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, StateRequestReport, ve.Stage)
}

func TestRunnerRejectsDivergingRendering(t *testing.T) {
	var hits int
	srv := chainServer(t, testChain(t, true), &hits)
	m := testMeasurement(0xab)
	g := newFakeGuest(m)
	g.rendered = "Measurement:\n" + hex.EncodeToString(testMeasurement(0xee)) + "\nHost Data:\n00\n"

	r := newTestRunner(t, g, m, srv.URL)
	_, err := r.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disagree")
}

func TestRunnerInstallsToolingWhenMissing(t *testing.T) {
	var hits int
	srv := chainServer(t, testChain(t, true), &hits)
	m := testMeasurement(0xab)
	g := newFakeGuest(m)
	g.hasTool = false

	r := newTestRunner(t, g, m, srv.URL)
	_, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Contains(t, g.cmds, testInstallCmd)
}

func TestRunnerSkipsInstallWhenToolPresent(t *testing.T) {
	var hits int
	srv := chainServer(t, testChain(t, true), &hits)
	m := testMeasurement(0xab)
	g := newFakeGuest(m)

	r := newTestRunner(t, g, m, srv.URL)
	_, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.NotContains(t, g.cmds, testInstallCmd)
}

func TestRunnerTimesOutOnUnreachableGuest(t *testing.T) {
	g := newFakeGuest(testMeasurement(0xab))
	g.pingErr = &remote.ConnectError{Addr: "127.0.0.1:10022", Err: errors.New("connection refused")}

	r := newTestRunner(t, g, testMeasurement(0xab), "http://unused.invalid")
	_, err := r.Run(context.Background())

	var te *retry.TimeoutError
	require.ErrorAs(t, err, &te)
	var ce *remote.ConnectError
	assert.ErrorAs(t, err, &ce)
}
