package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/oriys/cleanroom/internal/config"
)

// S3Store backs containers with S3 buckets. A custom endpoint supports
// S3-compatible object stores in the lab network.
type S3Store struct {
	client *s3.Client
}

func NewS3Store(ctx context.Context, cfg config.BlobConfig) (*S3Store, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = &cfg.Endpoint
			o.UsePathStyle = true
		}
	})
	return &S3Store{client: client}, nil
}

func (s *S3Store) List(ctx context.Context, container string) ([]string, error) {
	var paths []string
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: &container,
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", container, err)
		}
		for _, obj := range page.Contents {
			if obj.Key != nil {
				paths = append(paths, *obj.Key)
			}
		}
	}
	return paths, nil
}

func (s *S3Store) Download(ctx context.Context, container, path string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: &container,
		Key:    &path,
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, fmt.Errorf("%s/%s: %w", container, path, ErrNotFound)
		}
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) && apiErr.ErrorCode() == "NotFound" {
			return nil, fmt.Errorf("%s/%s: %w", container, path, ErrNotFound)
		}
		return nil, fmt.Errorf("download %s/%s: %w", container, path, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s/%s: %w", container, path, err)
	}
	return data, nil
}

func (s *S3Store) Upload(ctx context.Context, container, path string, data []byte) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: &container,
		Key:    &path,
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return fmt.Errorf("upload %s/%s: %w", container, path, err)
	}
	return nil
}
