// Package s3storage keeps sources as JSON objects at <prefix><name>.json in
// an S3 (or S3-compatible) bucket.
package s3storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/nameshigawa/bboxviewer/internal/config"
	"github.com/nameshigawa/bboxviewer/internal/source"
	"github.com/nameshigawa/bboxviewer/pkg/core"
)

const objectSuffix = ".json"

// API is the subset of *s3.Client the backend uses.
type API interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// Backend implements storage.Backend with S3.
type Backend struct {
	api API
	cfg config.S3Config
}

// New builds a client from the default AWS configuration chain, with
// optional region, profile and path-style overrides from cfg.
func New(ctx context.Context, cfg config.S3Config) (*Backend, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.Profile != "" {
		loadOpts = append(loadOpts, awsconfig.WithSharedConfigProfile(cfg.Profile))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.UsePathStyle
	})
	return NewWithAPI(client, cfg), nil
}

// NewWithAPI wraps an existing client.
func NewWithAPI(api API, cfg config.S3Config) *Backend {
	return &Backend{api: api, cfg: cfg}
}

// Init checks that a bucket is configured.
func (b *Backend) Init() error {
	if b.cfg.Bucket == "" {
		return fmt.Errorf("storage.s3.bucket is not set")
	}
	return nil
}

// Close cleans up resources
func (b *Backend) Close() error {
	return nil
}

func (b *Backend) key(name string) string {
	return b.cfg.Prefix + name + objectSuffix
}

// Location returns the s3:// URL of name.
func (b *Backend) Location(name string) string {
	return fmt.Sprintf("s3://%s/%s", b.cfg.Bucket, b.key(name))
}

func (b *Backend) Get(ctx context.Context, name string) (*core.Sequence, error) {
	out, err := b.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.cfg.Bucket),
		Key:    aws.String(b.key(name)),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%w: %s", source.ErrNotFound, name)
		}
		return nil, fmt.Errorf("s3 get %s: %w", name, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("s3 read %s: %w", name, err)
	}
	return source.Decode(data)
}

func (b *Backend) Put(ctx context.Context, name string, seq *core.Sequence) error {
	if err := source.ValidateName(name); err != nil {
		return err
	}
	data, err := source.Encode(seq)
	if err != nil {
		return err
	}
	_, err = b.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(b.cfg.Bucket),
		Key:         aws.String(b.key(name)),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("s3 put %s: %w", name, err)
	}
	return nil
}

// Delete removes name. S3 deletes are idempotent, so existence is checked
// first to report ErrNotFound.
func (b *Backend) Delete(ctx context.Context, name string) error {
	_, err := b.api.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.cfg.Bucket),
		Key:    aws.String(b.key(name)),
	})
	if err != nil {
		if isNotFound(err) {
			return fmt.Errorf("%w: %s", source.ErrNotFound, name)
		}
		return fmt.Errorf("s3 head %s: %w", name, err)
	}

	_, err = b.api.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.cfg.Bucket),
		Key:    aws.String(b.key(name)),
	})
	if err != nil {
		return fmt.Errorf("s3 delete %s: %w", name, err)
	}
	return nil
}

func (b *Backend) List(ctx context.Context) ([]string, error) {
	names := []string{}
	p := s3.NewListObjectsV2Paginator(b.api, &s3.ListObjectsV2Input{
		Bucket: aws.String(b.cfg.Bucket),
		Prefix: aws.String(b.cfg.Prefix),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("s3 list: %w", err)
		}
		for _, obj := range page.Contents {
			rest := strings.TrimPrefix(aws.ToString(obj.Key), b.cfg.Prefix)
			name, ok := strings.CutSuffix(rest, objectSuffix)
			if !ok || name == "" || strings.Contains(name, "/") {
				continue
			}
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

func isNotFound(err error) bool {
	var noKey *types.NoSuchKey
	var notFound *types.NotFound
	return errors.As(err, &noKey) || errors.As(err, &notFound)
}
