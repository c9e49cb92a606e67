package attest

import (
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/go-sev-guest/abi"
	"github.com/google/go-sev-guest/kds"
	"github.com/google/go-sev-guest/verify/trust"
)

const defaultKDSBase = "https://kdsintf.amd.com"

// CertChain is the AMD signing chain for one product line: the self-signed
// root (ARK) and the intermediate SEV key (ASK) that signs VCEKs.
type CertChain struct {
	ASK *x509.Certificate
	ARK *x509.Certificate
	// Raw is the PEM chain exactly as served by the key distribution
	// service, kept for audit.
	Raw []byte
}

// FetchCertChain downloads the product cert chain and verifies its internal
// signatures: the ARK must be self-signed and the ASK must be signed by the
// ARK. Chain failures are reported as VerificationError.
func FetchCertChain(getter trust.HTTPSGetter, productLine string) (*CertChain, error) {
	url := kds.ProductCertChainURL(abi.VcekReportSigner, productLine)
	raw, err := getter.Get(url)
	if err != nil {
		return nil, fmt.Errorf("fetch cert chain for %s: %w", productLine, err)
	}

	askDER, arkDER, err := kds.ParseProductCertChain(raw)
	if err != nil {
		return nil, fmt.Errorf("parse cert chain for %s: %w", productLine, err)
	}
	ask, err := x509.ParseCertificate(askDER)
	if err != nil {
		return nil, fmt.Errorf("parse ASK certificate: %w", err)
	}
	ark, err := x509.ParseCertificate(arkDER)
	if err != nil {
		return nil, fmt.Errorf("parse ARK certificate: %w", err)
	}

	if err := ark.CheckSignatureFrom(ark); err != nil {
		return nil, &VerificationError{Stage: StateFetchCertChain, Err: fmt.Errorf("ARK is not self-signed: %w", err)}
	}
	if err := ask.CheckSignatureFrom(ark); err != nil {
		return nil, &VerificationError{Stage: StateFetchCertChain, Err: fmt.Errorf("ASK is not signed by the ARK: %w", err)}
	}

	return &CertChain{ASK: ask, ARK: ark, Raw: raw}, nil
}

// WritePEMs persists the verified chain under dir: the raw chain plus the
// two certificates split out.
func (c *CertChain) WritePEMs(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create cert dir: %w", err)
	}
	files := map[string][]byte{
		"cert_chain.pem": c.Raw,
		"ask.pem":        pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: c.ASK.Raw}),
		"ark.pem":        pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: c.ARK.Raw}),
	}
	for name, raw := range files {
		if err := os.WriteFile(filepath.Join(dir, name), raw, 0o644); err != nil {
			return fmt.Errorf("write %s: %w", name, err)
		}
	}
	return nil
}

// KDSGetter fetches AMD key-distribution URLs with an on-disk cache, so
// repeated attestation runs do not re-download a chain that never changes
// for a given platform. An optional base override redirects requests to a
// stand-in endpoint.
type KDSGetter struct {
	upstream trust.HTTPSGetter
	dir      string
	base     string
	log      *slog.Logger
}

// NewKDSGetter returns a caching getter storing responses under cacheDir.
// An empty cacheDir disables caching; an empty baseOverride keeps the AMD
// production endpoint.
func NewKDSGetter(cacheDir, baseOverride string, log *slog.Logger) *KDSGetter {
	return &KDSGetter{
		upstream: trust.DefaultHTTPSGetter(),
		dir:      cacheDir,
		base:     baseOverride,
		log:      log,
	}
}

func (g *KDSGetter) Get(rawURL string) ([]byte, error) {
	var cachePath string
	if g.dir != "" {
		cachePath = filepath.Join(g.dir, cacheKey(rawURL))
		if raw, err := os.ReadFile(cachePath); err == nil {
			g.log.Debug("KDS cache hit", "url", rawURL)
			return raw, nil
		}
	}

	fetchURL := rawURL
	if g.base != "" {
		fetchURL = strings.Replace(fetchURL, defaultKDSBase, strings.TrimSuffix(g.base, "/"), 1)
	}
	g.log.Info("fetching from KDS", "url", fetchURL)
	raw, err := g.upstream.Get(fetchURL)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", fetchURL, err)
	}

	if cachePath != "" {
		if err := os.MkdirAll(g.dir, 0o755); err != nil {
			g.log.Warn("KDS cache dir not writable", "dir", g.dir, "err", err)
		} else if err := os.WriteFile(cachePath, raw, 0o644); err != nil {
			g.log.Warn("KDS cache write failed", "path", cachePath, "err", err)
		}
	}
	return raw, nil
}

func cacheKey(rawURL string) string {
	repl := strings.NewReplacer(
		"https://", "", "http://", "",
		"/", "_", "?", "_", "&", "_", "=", "-", ":", "-",
	)
	return repl.Replace(rawURL)
}
