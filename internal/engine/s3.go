package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/sirupsen/logrus"

	"batchdl/internal/domain"
)

// ObjectGetter is the subset of the S3 client used to fetch objects.
type ObjectGetter interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

type S3Config struct {
	Client         ObjectGetter
	SampleInterval time.Duration
	Logger         *logrus.Logger
}

// S3Engine fetches s3://bucket/key URLs.
type S3Engine struct {
	cfg S3Config
}

func NewS3Engine(cfg S3Config) *S3Engine {
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	return &S3Engine{cfg: cfg}
}

// ParseS3URL splits s3://bucket/key into its parts.
func ParseS3URL(raw string) (bucket, key string, err error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", fmt.Errorf("parse s3 url: %w", err)
	}
	if u.Scheme != "s3" {
		return "", "", fmt.Errorf("not an s3 url: %s", raw)
	}
	bucket = u.Host
	key = strings.TrimPrefix(u.Path, "/")
	if bucket == "" || key == "" {
		return "", "", fmt.Errorf("s3 url must be s3://bucket/key: %s", raw)
	}
	return bucket, key, nil
}

func (e *S3Engine) Download(ctx context.Context, item domain.DownloadItem, destPath string, onProgress ProgressFunc) (Result, error) {
	s := newSampler(item, e.cfg.SampleInterval, onProgress)
	if e.cfg.Client == nil {
		return s.result(1), errors.New("s3 client is not configured")
	}

	bucket, key, err := ParseS3URL(item.URL)
	if err != nil {
		return s.result(1), err
	}

	out, err := e.cfg.Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if ctx.Err() != nil {
			return s.result(1), fmt.Errorf("download cancelled: %w", ctx.Err())
		}
		return s.result(1), fmt.Errorf("get object %s: %w", item.URL, err)
	}
	defer out.Body.Close()
	if out.ContentLength != nil {
		s.setTotal(aws.ToInt64(out.ContentLength))
	}

	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return s.result(1), fmt.Errorf("create destination dir: %w", err)
	}
	partPath := destPath + ".part"
	f, err := os.Create(partPath)
	if err != nil {
		return s.result(1), fmt.Errorf("create part file: %w", err)
	}

	_, copyErr := io.Copy(f, io.TeeReader(out.Body, writerFunc(func(p []byte) (int, error) {
		s.add(int64(len(p)))
		return len(p), nil
	})))
	closeErr := f.Close()
	if copyErr != nil {
		if ctx.Err() != nil {
			return s.result(1), fmt.Errorf("download cancelled: %w", ctx.Err())
		}
		return s.result(1), fmt.Errorf("read object: %w", copyErr)
	}
	if closeErr != nil {
		return s.result(1), fmt.Errorf("close part file: %w", closeErr)
	}

	s.flush()
	if err := os.Rename(partPath, destPath); err != nil {
		return s.result(1), fmt.Errorf("finalize download: %w", err)
	}
	return s.result(1), nil
}

type writerFunc func(p []byte) (int, error)

func (f writerFunc) Write(p []byte) (int, error) { return f(p) }

var _ Engine = (*S3Engine)(nil)
