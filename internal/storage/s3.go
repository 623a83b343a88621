package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"mime"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"golang.org/x/sync/errgroup"
)

const (
	defaultUploadConcurrency = 4
	defaultPresignExpiry     = 15 * time.Minute
	progressEvery            = 200 * time.Millisecond
)

var errBucketRequired = errors.New("storage bucket is required")

// S3Service archives session directories to Amazon S3 (or compatible APIs).
type S3Service struct {
	client   *s3.Client
	uploader *manager.Uploader
	presign  *s3.PresignClient
}

func NewS3Service(client *s3.Client) *S3Service {
	return &S3Service{
		client:   client,
		uploader: manager.NewUploader(client),
		presign:  s3.NewPresignClient(client),
	}
}

type localFile struct {
	path string
	key  string
	size int64
}

// collectFiles lists the regular files under root keyed below prefix.
// Partial downloads are skipped.
func collectFiles(root, prefix string) ([]localFile, int64, error) {
	var (
		files []localFile
		total int64
	)
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() || !d.Type().IsRegular() || strings.HasSuffix(d.Name(), ".part") {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return fmt.Errorf("relative path for %s: %w", p, err)
		}
		files = append(files, localFile{path: p, key: path.Join(prefix, filepath.ToSlash(rel)), size: info.Size()})
		total += info.Size()
		return nil
	})
	return files, total, err
}

func (s *S3Service) UploadDirectory(ctx context.Context, localPath string, opts UploadOptions) (string, error) {
	if opts.Bucket == "" {
		return "", errBucketRequired
	}

	root := filepath.Clean(localPath)
	fi, err := os.Stat(root)
	if err != nil {
		return "", fmt.Errorf("stat local path: %w", err)
	}
	if !fi.IsDir() {
		return "", fmt.Errorf("local path must be a directory")
	}

	prefix := strings.Trim(opts.KeyPrefix, "/")
	if prefix == "" {
		prefix = filepath.Base(root)
	}
	files, total, err := collectFiles(root, prefix)
	if err != nil {
		return "", err
	}

	counter := newByteCounter(total, opts.ProgressCallback)
	counter.emit(true)

	limit := opts.Concurrency
	if limit <= 0 {
		limit = defaultUploadConcurrency
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for _, file := range files {
		g.Go(func() error {
			return s.uploadFile(gctx, opts.Bucket, file, counter)
		})
	}
	if err := g.Wait(); err != nil {
		return "", err
	}
	counter.emit(true)

	return fmt.Sprintf("s3://%s/%s", opts.Bucket, prefix), nil
}

func (s *S3Service) uploadFile(ctx context.Context, bucket string, file localFile, counter *byteCounter) error {
	f, err := os.Open(file.path)
	if err != nil {
		return fmt.Errorf("open file %s: %w", file.path, err)
	}
	defer f.Close()

	input := &s3.PutObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(file.key),
		Body:   io.TeeReader(f, counter),
		ACL:    types.ObjectCannedACLPrivate,
	}
	if ct := mime.TypeByExtension(filepath.Ext(file.path)); ct != "" {
		input.ContentType = aws.String(ct)
	}
	if _, err := s.uploader.Upload(ctx, input); err != nil {
		return fmt.Errorf("upload %s: %w", file.path, err)
	}
	return nil
}

func (s *S3Service) ListObjects(ctx context.Context, bucket, prefix string) ([]ObjectInfo, error) {
	if bucket == "" {
		return nil, errBucketRequired
	}

	input := &s3.ListObjectsV2Input{Bucket: aws.String(bucket)}
	if strings.TrimSpace(prefix) != "" {
		input.Prefix = aws.String(prefix)
	}

	var objects []ObjectInfo
	pages := s3.NewListObjectsV2Paginator(s.client, input)
	for pages.HasMorePages() {
		page, err := pages.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list objects: %w", err)
		}
		for _, obj := range page.Contents {
			objects = append(objects, ObjectInfo{
				Key:          aws.ToString(obj.Key),
				Size:         aws.ToInt64(obj.Size),
				LastModified: obj.LastModified,
			})
		}
	}
	return objects, nil
}

// DeletePrefix removes every object below prefix, one page at a time.
func (s *S3Service) DeletePrefix(ctx context.Context, bucket, prefix string) error {
	if bucket == "" {
		return errBucketRequired
	}
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return fmt.Errorf("prefix is required")
	}

	pages := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(bucket),
		Prefix: aws.String(prefix),
	})
	for pages.HasMorePages() {
		page, err := pages.NextPage(ctx)
		if err != nil {
			return fmt.Errorf("list objects for delete: %w", err)
		}
		if len(page.Contents) == 0 {
			continue
		}
		ids := make([]types.ObjectIdentifier, len(page.Contents))
		for i, obj := range page.Contents {
			ids[i] = types.ObjectIdentifier{Key: obj.Key}
		}
		if _, err := s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(bucket),
			Delete: &types.Delete{Objects: ids, Quiet: aws.Bool(true)},
		}); err != nil {
			return fmt.Errorf("delete objects: %w", err)
		}
	}
	return nil
}

func (s *S3Service) GetObjectURL(ctx context.Context, bucket, key string, expires time.Duration) (string, error) {
	if bucket == "" {
		return "", errBucketRequired
	}
	if expires <= 0 {
		expires = defaultPresignExpiry
	}
	req, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(expires))
	if err != nil {
		return "", fmt.Errorf("presign %s: %w", key, err)
	}
	return req.URL, nil
}

var _ Service = (*S3Service)(nil)

// byteCounter sums bytes written by concurrent uploads and reports them to
// cb at most every progressEvery.
type byteCounter struct {
	total int64
	cb    func(done, total int64)

	mu       sync.Mutex
	done     int64
	lastFire time.Time
}

func newByteCounter(total int64, cb func(done, total int64)) *byteCounter {
	return &byteCounter{total: total, cb: cb}
}

func (c *byteCounter) Write(b []byte) (int, error) {
	c.mu.Lock()
	c.done += int64(len(b))
	c.mu.Unlock()
	c.emit(false)
	return len(b), nil
}

func (c *byteCounter) emit(force bool) {
	if c.cb == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	if !force && now.Sub(c.lastFire) < progressEvery && c.done != c.total {
		return
	}
	c.lastFire = now
	c.cb(c.done, c.total)
}
