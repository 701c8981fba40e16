package reference

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/go-resty/resty/v2"
)

// FileSource reads the document from the local filesystem.
type FileSource struct {
	Path string
}

func (s FileSource) Fetch(_ context.Context) ([]byte, error) {
	b, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", s.Path, err)
	}
	return b, nil
}

// HTTPSource GETs the document from a URL.
type HTTPSource struct {
	client *resty.Client
	url    string
}

func NewHTTPSource(url string, timeout time.Duration) *HTTPSource {
	client := resty.New().
		SetTimeout(timeout).
		SetHeader("Accept", "application/json")
	return &HTTPSource{client: client, url: url}
}

func (s *HTTPSource) Fetch(ctx context.Context) ([]byte, error) {
	resp, err := s.client.R().SetContext(ctx).Get(s.url)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", s.url, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("GET %s: status %d", s.url, resp.StatusCode())
	}
	return resp.Body(), nil
}

// ObjectGetter is the subset of the S3 client used by S3Source.
type ObjectGetter interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Source reads the document from an S3 object.
type S3Source struct {
	client ObjectGetter
	bucket string
	key    string
}

func NewS3Source(client ObjectGetter, bucket, key string) *S3Source {
	return &S3Source{client: client, bucket: bucket, key: key}
}

// NewS3SourceFromEnv builds an S3 client from the default AWS credential
// chain.
func NewS3SourceFromEnv(ctx context.Context, bucket, key string) (*S3Source, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewS3Source(s3.NewFromConfig(cfg), bucket, key), nil
}

func (s *S3Source) Fetch(ctx context.Context) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key),
	})
	if err != nil {
		return nil, fmt.Errorf("get s3://%s/%s: %w", s.bucket, s.key, err)
	}
	defer out.Body.Close()

	b, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("read s3://%s/%s: %w", s.bucket, s.key, err)
	}
	return b, nil
}
