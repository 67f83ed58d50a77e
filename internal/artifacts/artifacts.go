// Package artifacts publishes finished job records and their histogram
// plots to a local directory or an S3 bucket.
package artifacts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"quiqcl-server/internal/models"
	"quiqcl-server/internal/plot"
)

// Uploader stores one object and returns where it went.
type Uploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// S3Config selects the bucket and endpoint for S3 uploads.
type S3Config struct {
	Bucket    string
	Region    string
	Endpoint  string
	PathStyle bool
}

// Publisher writes <id>/result.json and, for hardware results, <id>/histogram.png.
type Publisher struct {
	uploader Uploader
	plotOpts plot.Options
}

// NewPublisher wraps an uploader. A nil uploader yields a nil Publisher,
// which publishes nothing.
func NewPublisher(u Uploader) *Publisher {
	if u == nil {
		return nil
	}
	return &Publisher{uploader: u}
}

// New picks S3 when a bucket is configured, else a local directory when dir
// is set. With neither it returns nil.
func New(ctx context.Context, dir string, s3cfg S3Config) (*Publisher, error) {
	if s3cfg.Bucket != "" {
		client, err := NewS3Client(ctx, s3cfg)
		if err != nil {
			return nil, err
		}
		return NewPublisher(&S3Uploader{client: client, bucket: s3cfg.Bucket}), nil
	}
	if dir != "" {
		return NewPublisher(&LocalUploader{baseDir: dir}), nil
	}
	return nil, nil
}

// NewS3Client loads the default AWS config for the region, pointing at a
// custom endpoint when one is set.
func NewS3Client(ctx context.Context, cfg S3Config) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	}), nil
}

// Publish uploads the record of a job in a final state and returns the
// locations written.
func (p *Publisher) Publish(ctx context.Context, rec models.JobRecord) ([]string, error) {
	if p == nil {
		return nil, nil
	}
	if rec.ID == "" {
		return nil, errors.New("job id is required")
	}
	body, err := json.MarshalIndent(recordDocument{ID: rec.ID, JobRecord: rec}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal record: %w", err)
	}
	var locations []string
	loc, err := p.uploader.Upload(ctx, sanitizeKey(rec.ID+"/result.json"), body, "application/json")
	if err != nil {
		return nil, fmt.Errorf("upload result: %w", err)
	}
	locations = append(locations, loc)

	if rec.Result == nil || len(rec.Result.Rabi) == 0 {
		return locations, nil
	}
	img, err := plot.Histogram(rec.Result.Rabi, p.plotOpts)
	if err != nil {
		return locations, fmt.Errorf("plot histogram: %w", err)
	}
	buf := &bytes.Buffer{}
	if err := plot.EncodePNG(buf, img); err != nil {
		return locations, fmt.Errorf("encode histogram: %w", err)
	}
	loc, err = p.uploader.Upload(ctx, sanitizeKey(rec.ID+"/histogram.png"), buf.Bytes(), "image/png")
	if err != nil {
		return locations, fmt.Errorf("upload histogram: %w", err)
	}
	return append(locations, loc), nil
}

// recordDocument adds the id, which the wire record leaves out.
type recordDocument struct {
	ID string `json:"id"`
	models.JobRecord
}

func sanitizeKey(key string) string {
	key = filepath.ToSlash(filepath.Clean(key))
	key = strings.TrimPrefix(key, "/")
	key = strings.TrimPrefix(key, "./")
	for strings.HasPrefix(key, "../") {
		key = strings.TrimPrefix(key, "../")
	}
	return key
}

// LocalUploader writes objects under a base directory.
type LocalUploader struct {
	baseDir string
}

// NewLocalUploader returns an uploader rooted at dir.
func NewLocalUploader(dir string) *LocalUploader {
	return &LocalUploader{baseDir: dir}
}

func (l *LocalUploader) Upload(_ context.Context, key string, body []byte, _ string) (string, error) {
	path := filepath.Join(l.baseDir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return path, nil
}

// S3Uploader puts objects into one bucket.
type S3Uploader struct {
	client *s3.Client
	bucket string
}

func (s *S3Uploader) Upload(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}
