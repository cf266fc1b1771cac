package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/me/jobcoord/pkg/model"
)

// S3 is a storage rooted at a prefix of an S3 bucket. Credentials and region
// come from the default AWS chain. AWS_ENDPOINT_URL_S3 points it at an
// S3-compatible store.
type S3 struct {
	client   *s3.Client
	uploader *manager.Uploader
	bucket   string
	prefix   string
}

// NewS3 opens bucket/prefix with the default AWS configuration.
func NewS3(ctx context.Context, bucket, prefix string) (*S3, error) {
	if bucket == "" {
		return nil, fmt.Errorf("s3 storage: empty bucket")
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("s3 storage: load aws config: %w", err)
	}
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.UsePathStyle = true
	})
	return NewS3WithClient(client, bucket, prefix), nil
}

// NewS3WithClient wraps an existing client.
func NewS3WithClient(client *s3.Client, bucket, prefix string) *S3 {
	return &S3{
		client:   client,
		uploader: manager.NewUploader(client),
		bucket:   bucket,
		prefix:   strings.Trim(prefix, "/"),
	}
}

func (s *S3) URL() string {
	if s.prefix == "" {
		return "s3://" + s.bucket
	}
	return "s3://" + s.bucket + "/" + s.prefix
}

func (s *S3) objectKey(key string) (string, error) {
	key, err := cleanKey(key)
	if err != nil {
		return "", err
	}
	return Join(s.prefix, key), nil
}

func (s *S3) Put(ctx context.Context, key string, r io.Reader) (model.LocalFile, error) {
	k, err := s.objectKey(key)
	if err != nil {
		return model.LocalFile{}, err
	}
	if _, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(k),
		Body:   r,
	}); err != nil {
		return model.LocalFile{}, fmt.Errorf("upload %s: %w", key, err)
	}
	return s.Stat(ctx, key)
}

func (s *S3) Stat(ctx context.Context, key string) (model.LocalFile, error) {
	k, err := s.objectKey(key)
	if err != nil {
		return model.LocalFile{}, err
	}
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(k),
	})
	if err != nil {
		var nf *types.NotFound
		if errors.As(err, &nf) {
			return model.LocalFile{}, fmt.Errorf("%s: %w", key, ErrNotFound)
		}
		return model.LocalFile{}, fmt.Errorf("head %s: %w", key, err)
	}
	lf := model.LocalFile{
		Location: "s3://" + s.bucket + "/" + k,
		Size:     aws.ToInt64(out.ContentLength),
	}
	if out.LastModified != nil {
		lf.Timestamp = out.LastModified.UnixMilli()
	}
	return lf, nil
}

func (s *S3) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	k, err := s.objectKey(key)
	if err != nil {
		return nil, err
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(k),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, fmt.Errorf("%s: %w", key, ErrNotFound)
		}
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	return out.Body, nil
}

func (s *S3) RemoveAll(ctx context.Context, prefix string) error {
	p, err := s.objectKey(prefix)
	if err != nil {
		return err
	}
	if p == s.prefix {
		return fmt.Errorf("refusing to remove storage root")
	}
	p = strings.TrimSuffix(p, "/") + "/"

	pager := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(p),
	})
	for pager.HasMorePages() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return fmt.Errorf("list %s: %w", prefix, err)
		}
		if len(page.Contents) == 0 {
			continue
		}
		ids := make([]types.ObjectIdentifier, 0, len(page.Contents))
		for _, obj := range page.Contents {
			ids = append(ids, types.ObjectIdentifier{Key: obj.Key})
		}
		if _, err := s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(s.bucket),
			Delete: &types.Delete{Objects: ids, Quiet: aws.Bool(true)},
		}); err != nil {
			return fmt.Errorf("delete under %s: %w", prefix, err)
		}
	}
	return nil
}

func (s *S3) Key(location string) (string, error) {
	root := s.URL() + "/"
	if !strings.HasPrefix(location, root) || len(location) == len(root) {
		return "", fmt.Errorf("location %s is outside storage %s", location, s.URL())
	}
	return strings.TrimPrefix(location, root), nil
}
