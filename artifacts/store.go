package artifacts

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"
)

// MissingError reports an artifact whose location does not resolve to an
// existing file. It is fatal: artifacts are inputs produced outside the
// workflow and are never synthesized here.
type MissingError struct {
	Name string
	Path string
	Err  error
}

func (e *MissingError) Error() string {
	return fmt.Sprintf("artifact %s missing at %s: %v", e.Name, e.Path, e.Err)
}

func (e *MissingError) Unwrap() error { return e.Err }

// VerifyError reports a fetched artifact whose digest does not match the
// sha256 declared in its locator.
type VerifyError struct {
	Name string
	Path string
	Want string
	Got  string
}

func (e *VerifyError) Error() string {
	return fmt.Sprintf("artifact %s at %s failed digest check: want sha256 %s, got %s", e.Name, e.Path, e.Want, e.Got)
}

// Store resolves artifact locators to local paths, downloading remote
// artifacts into a cache directory under the working directory. A cached
// file is only ever complete: downloads land in a temp file and are renamed
// into place, so presence implies a finished fetch.
type Store struct {
	root string
	log  *slog.Logger
}

// NewStore returns a Store caching under rootDir.
func NewStore(rootDir string, log *slog.Logger) *Store {
	return &Store{root: rootDir, log: log}
}

// Resolve turns an artifact locator into a local path. Bare paths and
// file:// locators are validated in place and returned unchanged. Remote
// locators (http, https, s3, ipfs) are fetched into the cache, keyed by the
// logical artifact name; an existing cache entry short-circuits the fetch.
// A `sha256` query parameter on remote locators is verified after download.
func (s *Store) Resolve(ctx context.Context, name, locator string) (string, error) {
	if locator == "" {
		return "", &MissingError{Name: name, Path: "(unset)", Err: fmt.Errorf("no location configured")}
	}

	u, err := url.Parse(locator)
	if err != nil {
		return "", fmt.Errorf("parse artifact locator %q: %w", locator, err)
	}

	if u.Scheme == "" || u.Scheme == "file" {
		local := locator
		if u.Scheme == "file" {
			local = u.Path
		}
		if _, err := os.Stat(local); err != nil {
			return "", &MissingError{Name: name, Path: local, Err: err}
		}
		return local, nil
	}

	dest := filepath.Join(s.root, name+path.Ext(u.Path))
	if _, err := os.Stat(dest); err == nil {
		s.log.Debug("artifact cache hit", "name", name, "path", dest)
		return dest, nil
	}

	src, err := sourceFor(u, s.log)
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(s.root, 0o755); err != nil {
		return "", fmt.Errorf("create artifact cache dir: %w", err)
	}

	start := time.Now()
	s.log.Info("fetching artifact", "name", name, "locator", redacted(u), "dest", dest)
	if err := s.download(ctx, src, u, dest); err != nil {
		return "", fmt.Errorf("fetch artifact %s: %w", name, err)
	}

	if want := u.Query().Get("sha256"); want != "" {
		got, err := fileSHA256(dest)
		if err != nil {
			return "", err
		}
		if !strings.EqualFold(want, got) {
			os.Remove(dest)
			return "", &VerifyError{Name: name, Path: dest, Want: strings.ToLower(want), Got: got}
		}
	}

	s.log.Info("artifact ready", "name", name, "path", dest, "duration", time.Since(start))
	return dest, nil
}

func (s *Store) download(ctx context.Context, src source, u *url.URL, dest string) error {
	tmp, err := os.CreateTemp(s.root, ".fetch-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()

	if err := src.fetch(ctx, u, tmp); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("sync download: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close download: %w", err)
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return fmt.Errorf("move download into cache: %w", err)
	}
	return nil
}

func fileSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s for digest: %w", path, err)
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("digest %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// redacted renders a locator for logging without credentials.
func redacted(u *url.URL) string {
	c := *u
	c.User = nil
	return c.String()
}
