package master

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Fetcher stages task URIs into sandbox directories. It understands
// http/https, s3:// and local paths (with or without a file:// scheme).
// The S3 client is built lazily from the ambient AWS configuration the
// first time an s3 URI shows up.
type Fetcher struct {
	client *http.Client
	logger *slog.Logger

	s3Once sync.Once
	s3DL   *manager.Downloader
	s3Err  error
}

func NewFetcher(logger *slog.Logger) *Fetcher {
	transport := &http.Transport{
		MaxIdleConns:        10,
		MaxIdleConnsPerHost: 4,
		IdleConnTimeout:     90 * time.Second,
	}
	return &Fetcher{
		client: &http.Client{Timeout: 5 * time.Minute, Transport: transport},
		logger: logger.With("component", "fetcher"),
	}
}

// Fetch stages one URI into dir and returns the local path. The file name
// is the last path element of the URI.
func (f *Fetcher) Fetch(ctx context.Context, rawURI, dir string) (string, error) {
	u, err := url.Parse(rawURI)
	if err != nil {
		return "", fmt.Errorf("parse uri %q: %w", rawURI, err)
	}
	name := path.Base(u.Path)
	if name == "." || name == "/" || name == "" {
		return "", fmt.Errorf("uri %q has no file name", rawURI)
	}
	dest := filepath.Join(dir, name)

	switch u.Scheme {
	case "http", "https":
		err = f.fetchHTTP(ctx, rawURI, dest)
	case "s3":
		err = f.fetchS3(ctx, u, dest)
	case "file":
		err = copyLocal(u.Path, dest)
	case "":
		err = copyLocal(rawURI, dest)
	default:
		return "", fmt.Errorf("unsupported uri scheme %q", u.Scheme)
	}
	if err != nil {
		return "", err
	}
	f.logger.Debug("fetched", "uri", rawURI, "dest", dest)
	return dest, nil
}

func (f *Fetcher) fetchHTTP(ctx context.Context, rawURL, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("get %s: %w", rawURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("get %s: HTTP %d: %s", rawURL, resp.StatusCode, bytes.TrimSpace(body))
	}
	return writeAtomic(dest, resp.Body)
}

func (f *Fetcher) fetchS3(ctx context.Context, u *url.URL, dest string) error {
	dl, err := f.s3Downloader(ctx)
	if err != nil {
		return err
	}
	out, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("create %s: %w", dest, err)
	}
	defer out.Close()

	key := strings.TrimPrefix(u.Path, "/")
	if _, err := dl.Download(ctx, out, &s3.GetObjectInput{
		Bucket: aws.String(u.Host),
		Key:    aws.String(key),
	}); err != nil {
		os.Remove(dest)
		return fmt.Errorf("download s3://%s/%s: %w", u.Host, key, err)
	}
	return nil
}

func (f *Fetcher) s3Downloader(ctx context.Context) (*manager.Downloader, error) {
	f.s3Once.Do(func() {
		cfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			f.s3Err = fmt.Errorf("aws config: %w", err)
			return
		}
		f.s3DL = manager.NewDownloader(s3.NewFromConfig(cfg))
	})
	return f.s3DL, f.s3Err
}

func copyLocal(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer in.Close()
	return writeAtomic(dest, in)
}

// writeAtomic streams r into dest through a temp file so a partial
// download never masquerades as a staged artifact.
func writeAtomic(dest string, r io.Reader) error {
	tmp := dest + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create %s: %w", tmp, err)
	}
	_, err = io.Copy(out, r)
	if closeErr := out.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tmp)
		return fmt.Errorf("write %s: %w", dest, err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename %s: %w", tmp, err)
	}
	return nil
}
