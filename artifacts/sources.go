package artifacts

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	shell "github.com/ipfs/go-ipfs-api"
)

// source streams one remote artifact into dst.
type source interface {
	fetch(ctx context.Context, u *url.URL, dst io.Writer) error
}

// sourceFor picks the source implementation for a locator scheme.
//
// Supported remote schemes:
//   - http(s)://host/path
//   - s3://[accessKey:secretKey@]bucket/key[?region=...&endpoint=...]
//   - ipfs://api-host:port/<cid>
func sourceFor(u *url.URL, log *slog.Logger) (source, error) {
	switch u.Scheme {
	case "http", "https":
		return &httpSource{}, nil
	case "s3":
		return &s3Source{log: log}, nil
	case "ipfs":
		return &ipfsSource{log: log}, nil
	default:
		return nil, fmt.Errorf("unsupported artifact scheme: %s", u.Scheme)
	}
}

type httpSource struct{}

func (h *httpSource) fetch(ctx context.Context, u *url.URL, dst io.Writer) error {
	fetchURL := *u
	q := fetchURL.Query()
	q.Del("sha256")
	fetchURL.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fetchURL.String(), nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("get %s: %w", fetchURL.String(), err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("get %s: unexpected status %s", fetchURL.String(), resp.Status)
	}
	if _, err := io.Copy(dst, resp.Body); err != nil {
		return fmt.Errorf("read %s: %w", fetchURL.String(), err)
	}
	return nil
}

type s3Source struct {
	log *slog.Logger
}

func (s *s3Source) fetch(ctx context.Context, u *url.URL, dst io.Writer) error {
	bucket := u.Host
	key := strings.TrimPrefix(u.Path, "/")
	region := u.Query().Get("region")
	if region == "" {
		region = "us-east-1"
	}

	cfg := aws.Config{Region: aws.String(region)}
	if endpoint := u.Query().Get("endpoint"); endpoint != "" {
		cfg.Endpoint = aws.String(endpoint)
	}
	if user := u.User; user != nil {
		if secret, ok := user.Password(); ok {
			cfg.Credentials = credentials.NewStaticCredentials(user.Username(), secret, "")
		}
	}

	sess, err := session.NewSession(&cfg)
	if err != nil {
		return fmt.Errorf("create AWS session: %w", err)
	}
	client := s3.New(sess)

	s.log.Debug("fetching from S3", "bucket", bucket, "key", key, "region", region)
	obj, err := client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("get s3://%s/%s: %w", bucket, key, err)
	}
	defer obj.Body.Close()
	if _, err := io.Copy(dst, obj.Body); err != nil {
		return fmt.Errorf("read s3://%s/%s: %w", bucket, key, err)
	}
	return nil
}

type ipfsSource struct {
	log *slog.Logger
}

func (i *ipfsSource) fetch(ctx context.Context, u *url.URL, dst io.Writer) error {
	api := u.Host
	if api == "" {
		api = "127.0.0.1:5001"
	}
	cid := strings.TrimPrefix(u.Path, "/")
	if cid == "" {
		return fmt.Errorf("ipfs locator missing content id")
	}

	sh := shell.NewShell(api)
	if !sh.IsUp() {
		return fmt.Errorf("ipfs node %s not reachable", api)
	}

	i.log.Debug("fetching from IPFS", "api", api, "cid", cid)
	rc, err := sh.Cat("/ipfs/" + cid)
	if err != nil {
		return fmt.Errorf("cat %s: %w", cid, err)
	}
	defer rc.Close()
	if _, err := io.Copy(dst, rc); err != nil {
		return fmt.Errorf("read %s: %w", cid, err)
	}
	return nil
}
