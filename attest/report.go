package attest

import (
	"bytes"
	"context"
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/go-sev-guest/abi"
	spb "github.com/google/go-sev-guest/proto/sevsnp"

	"github.com/ruteri/snp-guest-orchestrator/measure"
)

// Guest-side file names, relative to the SSH user's home directory.
const (
	remoteRequestFile = "snp-request.bin"
	remoteReportFile  = "snp-report.bin"
)

// Report is one fetched attestation report: the raw signed bytes, the
// in-guest tool's textual rendering, and the challenge it must be bound to.
type Report struct {
	Raw       []byte
	Rendered  string
	Challenge []byte
	Proto     *spb.Report
}

// ParseReport validates the binary layout of a raw report and decodes its
// fields. Trailing bytes beyond the fixed report size (e.g. an appended
// certificate table) are ignored.
func ParseReport(raw []byte, rendered string) (*Report, error) {
	if len(raw) > abi.ReportSize {
		raw = raw[:abi.ReportSize]
	}
	proto, err := abi.ReportToProto(raw)
	if err != nil {
		return nil, fmt.Errorf("parse report: %w", err)
	}
	return &Report{Raw: raw, Rendered: rendered, Proto: proto}, nil
}

// requestReport issues a fresh random challenge, has the guest produce an
// attestation report over it, fetches the raw report plus its rendering,
// and checks that the report's REPORT_DATA carries the challenge. A report
// not bound to the challenge could be a replay and is rejected outright.
func (r *Runner) requestReport(ctx context.Context) error {
	challenge := make([]byte, abi.ReportDataSize)
	if _, err := rand.Read(challenge); err != nil {
		return fmt.Errorf("generate challenge: %w", err)
	}
	requestPath := filepath.Join(r.dir, "request-data.bin")
	if err := os.WriteFile(requestPath, challenge, 0o600); err != nil {
		return fmt.Errorf("write challenge: %w", err)
	}
	if err := r.guest.Upload(ctx, requestPath, remoteRequestFile); err != nil {
		return fmt.Errorf("push challenge to guest: %w", err)
	}

	if _, err := r.guest.Exec(ctx, fmt.Sprintf("sudo snpguest report %s %s", remoteReportFile, remoteRequestFile)); err != nil {
		return fmt.Errorf("request report in guest: %w", err)
	}

	reportPath := filepath.Join(r.dir, "report.bin")
	if err := r.guest.Download(ctx, remoteReportFile, reportPath); err != nil {
		return fmt.Errorf("fetch report from guest: %w", err)
	}
	rendered, err := r.guest.Exec(ctx, "sudo snpguest display report "+remoteReportFile)
	if err != nil {
		return fmt.Errorf("render report in guest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(r.dir, "report.txt"), []byte(rendered.Stdout), 0o644); err != nil {
		return fmt.Errorf("save rendered report: %w", err)
	}

	raw, err := os.ReadFile(reportPath)
	if err != nil {
		return fmt.Errorf("read fetched report: %w", err)
	}
	rep, err := ParseReport(raw, rendered.Stdout)
	if err != nil {
		return err
	}
	if !bytes.Equal(rep.Proto.GetReportData(), challenge) {
		return &VerificationError{
			Stage: StateRequestReport,
			Err:   fmt.Errorf("report data does not carry the issued challenge"),
		}
	}
	rep.Challenge = challenge
	r.report = rep
	return nil
}

// ExtractRenderedMeasurement pulls the launch measurement out of a report's
// textual rendering: the value under the "Measurement:" label up to the
// next labeled field, with whitespace and console noise stripped.
func ExtractRenderedMeasurement(rendered string) (measure.Measurement, error) {
	const anchor = "Measurement:"
	idx := strings.Index(rendered, anchor)
	if idx == -1 {
		return "", fmt.Errorf("rendered report carries no %q field", anchor)
	}

	var parts []string
	for i, line := range strings.Split(rendered[idx+len(anchor):], "\n") {
		if i > 0 && strings.Contains(line, ":") {
			break
		}
		parts = append(parts, line)
	}
	m := measure.Normalize(strings.Join(parts, ""))
	if m == "" {
		return "", fmt.Errorf("empty value under the %q label", anchor)
	}
	return m, nil
}
