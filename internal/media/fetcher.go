// Package media materializes listing photos onto local disk so the form
// can attach them. Sources are plain HTTP(S) URLs or s3:// references.
package media

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/disintegration/imaging"
	"go.uber.org/zap"

	"dealer-posting-engine/internal/config"
)

// s3Getter is the slice of the S3 client the fetcher needs.
type s3Getter interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Fetcher downloads, validates, and bounds listing photos.
type Fetcher struct {
	cfg        config.Config
	httpClient *http.Client
	s3Client   s3Getter
	maxBytes   int64
	maxDim     int
	log        *zap.Logger
}

// New builds a fetcher. The S3 client is created lazily only when an
// s3:// reference shows up, so plain-HTTP deployments need no AWS config.
func New(cfg config.Config, log *zap.Logger) *Fetcher {
	timeout := cfg.PhotoDownloadTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Fetcher{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: timeout},
		maxBytes:   cfg.PhotoMaxBytes,
		maxDim:     cfg.PhotoMaxDimension,
		log:        log,
	}
}

// NewWithS3 wires an explicit S3 client; used by tests.
func NewWithS3(cfg config.Config, client s3Getter, log *zap.Logger) *Fetcher {
	f := New(cfg, log)
	f.s3Client = client
	return f
}

// Fetch materializes every reference into dir and returns the local
// paths in input order. A single bad photo fails the whole batch; a
// listing with half its photos is worse than a retried task.
func (f *Fetcher) Fetch(ctx context.Context, refs []string, dir string) ([]string, error) {
	paths := make([]string, 0, len(refs))
	for i, ref := range refs {
		var (
			body io.ReadCloser
			err  error
		)
		switch {
		case strings.HasPrefix(ref, "s3://"):
			body, err = f.openS3(ctx, ref)
		case strings.HasPrefix(ref, "http://"), strings.HasPrefix(ref, "https://"):
			body, err = f.openHTTP(ctx, ref)
		default:
			err = fmt.Errorf("unsupported photo reference %q", ref)
		}
		if err != nil {
			return nil, fmt.Errorf("photo %d: %w", i, err)
		}

		path := filepath.Join(dir, fmt.Sprintf("photo-%03d.jpg", i))
		if err := f.materialize(body, path); err != nil {
			body.Close()
			return nil, fmt.Errorf("photo %d: %w", i, err)
		}
		body.Close()
		paths = append(paths, path)
	}
	return paths, nil
}

func (f *Fetcher) openHTTP(ctx context.Context, url string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("download returned status %d", resp.StatusCode)
	}
	return resp.Body, nil
}

func (f *Fetcher) openS3(ctx context.Context, ref string) (io.ReadCloser, error) {
	client, err := f.s3(ctx)
	if err != nil {
		return nil, err
	}
	bucket, key, err := splitS3Ref(ref)
	if err != nil {
		return nil, err
	}
	out, err := client.GetObject(ctx, &s3.GetObjectInput{Bucket: &bucket, Key: &key})
	if err != nil {
		return nil, fmt.Errorf("get s3 object: %w", err)
	}
	return out.Body, nil
}

func (f *Fetcher) s3(ctx context.Context) (s3Getter, error) {
	if f.s3Client != nil {
		return f.s3Client, nil
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(f.cfg.PhotoS3Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	f.s3Client = s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if f.cfg.PhotoS3Endpoint != "" {
			o.BaseEndpoint = &f.cfg.PhotoS3Endpoint
		}
		o.UsePathStyle = f.cfg.PhotoS3PathStyle
	})
	return f.s3Client, nil
}

// materialize decodes the photo (rejecting anything that is not a real
// image), downscales oversized ones, and writes a JPEG at path. The read
// is capped at maxBytes.
func (f *Fetcher) materialize(r io.Reader, path string) error {
	limited := io.LimitReader(r, f.maxBytes+1)
	img, err := imaging.Decode(limited, imaging.AutoOrientation(true))
	if err != nil {
		return fmt.Errorf("decode image: %w", err)
	}

	bounds := img.Bounds()
	if f.maxDim > 0 && (bounds.Dx() > f.maxDim || bounds.Dy() > f.maxDim) {
		img = imaging.Fit(img, f.maxDim, f.maxDim, imaging.Lanczos)
	}

	if err := imaging.Save(img, path, imaging.JPEGQuality(90)); err != nil {
		return fmt.Errorf("write image: %w", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if f.maxBytes > 0 && info.Size() > f.maxBytes {
		os.Remove(path)
		return fmt.Errorf("photo exceeds %d byte limit after processing", f.maxBytes)
	}
	return nil
}

func splitS3Ref(ref string) (bucket, key string, err error) {
	trimmed := strings.TrimPrefix(ref, "s3://")
	parts := strings.SplitN(trimmed, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("malformed s3 reference %q", ref)
	}
	return parts[0], parts[1], nil
}
