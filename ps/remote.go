// Remote file I/O support for S3 and HTTP URLs.
package ps

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Config contains S3 authentication configuration
type S3Config struct {
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Region    string `yaml:"region"`
	Endpoint  string `yaml:"endpoint"` // Optional: custom S3-compatible endpoint
}

// urlScheme represents the scheme of a URL
type urlScheme string

const (
	schemeFile  urlScheme = "file"
	schemeS3    urlScheme = "s3"
	schemeHTTP  urlScheme = "http"
	schemeHTTPS urlScheme = "https"
	schemeLocal urlScheme = "local" // no scheme, local path
)

// detectScheme detects the URL scheme from a path string
func detectScheme(path string) urlScheme {
	lowerPath := strings.ToLower(path)
	switch {
	case strings.HasPrefix(lowerPath, "s3://"):
		return schemeS3
	case strings.HasPrefix(lowerPath, "https://"):
		return schemeHTTPS
	case strings.HasPrefix(lowerPath, "http://"):
		return schemeHTTP
	case strings.HasPrefix(lowerPath, "file://"):
		return schemeFile
	default:
		return schemeLocal
	}
}

// OpenSource opens a database snapshot for reading.
func OpenSource(ctx context.Context, path string, cfg S3Config) (io.ReadCloser, error) {
	switch detectScheme(path) {
	case schemeLocal:
		return osOpen(path)
	case schemeFile:
		return osOpen(strings.TrimPrefix(path, "file://"))
	case schemeHTTP, schemeHTTPS:
		return openHTTPReader(ctx, path)
	case schemeS3:
		return openS3Reader(ctx, path, cfg)
	default:
		return nil, fmt.Errorf("unsupported URL scheme: %s", path)
	}
}

// OpenSink opens a destination for an exported snapshot. S3 uploads happen
// on Close.
func OpenSink(ctx context.Context, path string, cfg S3Config) (io.WriteCloser, error) {
	switch detectScheme(path) {
	case schemeLocal:
		return osCreate(path)
	case schemeFile:
		return osCreate(strings.TrimPrefix(path, "file://"))
	case schemeHTTP, schemeHTTPS:
		return nil, fmt.Errorf("HTTP/HTTPS does not support writing")
	case schemeS3:
		return openS3Writer(ctx, path, cfg)
	default:
		return nil, fmt.Errorf("unsupported URL scheme: %s", path)
	}
}

// openHTTPReader opens an HTTP GET reader
func openHTTPReader(ctx context.Context, url string) (io.ReadCloser, error) {
	client := &http.Client{
		Timeout: 5 * time.Minute, // generous timeout for large files
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("invalid HTTP request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("HTTP request returned status %d", resp.StatusCode)
	}

	return resp.Body, nil
}

// parseS3URL parses s3://bucket/key into bucket and key parts
func parseS3URL(url string) (bucket, key string, err error) {
	path := strings.TrimPrefix(url, "s3://")
	parts := strings.SplitN(path, "/", 2)
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid S3 URL: %s", url)
	}
	return parts[0], parts[1], nil
}

// getS3Client creates an S3 client with the given configuration
func getS3Client(ctx context.Context, cfg S3Config) (*s3.Client, error) {
	var opts []func(*config.LoadOptions) error

	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}

	// Set explicit credentials if provided
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		creds := credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")
		opts = append(opts, config.WithCredentialsProvider(creds))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	clientOpts := []func(*s3.Options){}
	if cfg.Endpoint != "" {
		clientOpts = append(clientOpts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true // For S3-compatible services
		})
	}

	return s3.NewFromConfig(awsCfg, clientOpts...), nil
}

func openS3Reader(ctx context.Context, url string, cfg S3Config) (io.ReadCloser, error) {
	bucket, key, err := parseS3URL(url)
	if err != nil {
		return nil, err
	}

	client, err := getS3Client(ctx, cfg)
	if err != nil {
		return nil, err
	}

	resp, err := client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get S3 object: %w", err)
	}

	return resp.Body, nil
}

// s3Writer wraps S3 upload in a WriteCloser interface
type s3Writer struct {
	ctx    context.Context
	client *s3.Client
	bucket string
	key    string
	buffer bytes.Buffer
	closed bool
}

func (w *s3Writer) Write(p []byte) (n int, err error) {
	if w.closed {
		return 0, fmt.Errorf("writer is closed")
	}
	return w.buffer.Write(p)
}

func (w *s3Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true

	_, err := w.client.PutObject(w.ctx, &s3.PutObjectInput{
		Bucket: aws.String(w.bucket),
		Key:    aws.String(w.key),
		Body:   bytes.NewReader(w.buffer.Bytes()),
	})
	if err != nil {
		return fmt.Errorf("failed to upload to S3: %w", err)
	}

	return nil
}

func openS3Writer(ctx context.Context, url string, cfg S3Config) (io.WriteCloser, error) {
	bucket, key, err := parseS3URL(url)
	if err != nil {
		return nil, err
	}

	client, err := getS3Client(ctx, cfg)
	if err != nil {
		return nil, err
	}

	return &s3Writer{
		ctx:    ctx,
		client: client,
		bucket: bucket,
		key:    key,
	}, nil
}

// osOpen wraps os.Open - used to allow the function to be swapped in tests
var osOpen = func(path string) (io.ReadCloser, error) {
	return os.Open(path)
}

// osCreate wraps os.Create - used to allow the function to be swapped in tests
var osCreate = func(path string) (io.WriteCloser, error) {
	return os.Create(path)
}
