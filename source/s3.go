package source

import (
	"context"
	"fmt"
	"mime"
	"os"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"driftsync.dev/credstore"
	"driftsync.dev/entity"
	"driftsync.dev/token"
)

// S3Source streams file entities out of one S3 (or MinIO-compatible) bucket.
// Each object is materialized to a local temp file at yield time; ownership
// of the materialization passes to the pipeline, which removes it in the
// chunker.
type S3Source struct {
	bucket      string
	prefix      string
	region      string
	endpoint    string
	accessKeyID string
	secret      string

	cursorField string
	cursorSince time.Time
}

func newS3Source(creds *credstore.Credentials, cfg map[string]any, _ token.Provider) (Source, error) {
	bucket := stringOpt(cfg, "bucket", "")
	if bucket == "" {
		return nil, fmt.Errorf("s3: bucket is required")
	}
	return &S3Source{
		bucket:      bucket,
		prefix:      stringOpt(cfg, "prefix", ""),
		region:      stringOpt(cfg, "region", "us-east-1"),
		endpoint:    stringOpt(cfg, "endpoint", ""),
		accessKeyID: stringOpt(cfg, "access_key_id", ""),
		secret:      creds.AccessToken,
	}, nil
}

func (s *S3Source) Name() string { return "s3" }

func (s *S3Source) client(ctx context.Context) (*s3.Client, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(s.region),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(s.accessKeyID, s.secret, ""),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("s3: load config: %w", err)
	}
	return s3.NewFromConfig(cfg, func(o *s3.Options) {
		if s.endpoint != "" {
			o.BaseEndpoint = aws.String(s.endpoint)
			o.UsePathStyle = true // required for MinIO
		}
	}), nil
}

func (s *S3Source) Validate(ctx context.Context) error {
	client, err := s.client(ctx)
	if err != nil {
		return err
	}
	_, err = client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)})
	if err != nil {
		return fmt.Errorf("s3: bucket %s not reachable: %w", s.bucket, err)
	}
	return nil
}

func (s *S3Source) DefaultCursorField() string { return "last_modified" }

func (s *S3Source) ValidateCursorField(field string) error {
	if field != "last_modified" {
		return fmt.Errorf("s3: unsupported cursor field %q", field)
	}
	return nil
}

func (s *S3Source) SetCursor(field string, value any) {
	s.cursorField = field
	if ts, ok := value.(time.Time); ok {
		s.cursorSince = ts
	}
}

func (s *S3Source) EffectiveCursorField() string {
	if s.cursorField != "" {
		return s.cursorField
	}
	return s.DefaultCursorField()
}

func (s *S3Source) GenerateEntities(ctx context.Context) (<-chan Result, error) {
	client, err := s.client(ctx)
	if err != nil {
		return nil, err
	}
	out := make(chan Result)
	go func() {
		defer close(out)
		if err := s.stream(ctx, client, out); err != nil && ctx.Err() == nil {
			emit(ctx, out, Result{Err: err})
		}
	}()
	return out, nil
}

func (s *S3Source) stream(ctx context.Context, client *s3.Client, out chan<- Result) error {
	downloader := manager.NewDownloader(client)
	paginator := s3.NewListObjectsV2Paginator(client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.prefix),
	})

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return fmt.Errorf("s3: list objects in %s: %w", s.bucket, err)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if strings.HasSuffix(key, "/") {
				continue // directory placeholder
			}
			modified := aws.ToTime(obj.LastModified)
			if !s.cursorSince.IsZero() && modified.Before(s.cursorSince) {
				continue
			}

			e, err := s.materialize(ctx, downloader, key, aws.ToInt64(obj.Size), modified)
			if err != nil {
				// One bad object must not poison the stream: mark for skip
				// and let the processor account for it.
				e = &entity.Entity{
					ID:     "s3-" + key,
					Type:   "file",
					System: entity.SystemMetadata{ShouldSkip: true},
					Fields: map[string]any{"error": err.Error()},
				}
			}
			if !emit(ctx, out, Result{Entity: e}) {
				return nil
			}
		}
	}
	return nil
}

// materialize downloads one object into a temp file and wraps it as a file
// entity, computing the byte checksum for change detection.
func (s *S3Source) materialize(ctx context.Context, downloader *manager.Downloader, key string, size int64, modified time.Time) (*entity.Entity, error) {
	f, err := os.CreateTemp("", "driftsync-s3-*")
	if err != nil {
		return nil, fmt.Errorf("s3: temp file: %w", err)
	}
	if _, err := downloader.Download(ctx, f, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}); err != nil {
		f.Close()
		os.Remove(f.Name())
		return nil, fmt.Errorf("s3: download %s: %w", key, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return nil, err
	}

	checksum, err := entity.ChecksumFile(f.Name())
	if err != nil {
		os.Remove(f.Name())
		return nil, err
	}

	mimeType := mime.TypeByExtension(path.Ext(key))
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	if idx := strings.Index(mimeType, ";"); idx > 0 {
		mimeType = mimeType[:idx]
	}

	return &entity.Entity{
		ID:   "s3-" + key,
		Type: "file",
		File: &entity.FileInfo{
			Name:        path.Base(key),
			DownloadURL: fmt.Sprintf("s3://%s/%s", s.bucket, key),
			MimeType:    mimeType,
			LocalPath:   f.Name(),
			Size:        size,
			ModifiedAt:  modified,
			Checksum:    checksum,
		},
	}, nil
}

func init() {
	Register("s3", newS3Source)
}
