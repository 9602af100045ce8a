package s3blob

import (
	"bytes"
	"context"
	"io"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/pkg/errors"
)

type Config struct {
	Endpoint  string
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string

	// MinIO и прочие self-hosted хранилища требуют path-style адресацию.
	ForcePathStyle bool
}

// Store — файлы документов в S3-совместимом хранилище.
type Store struct {
	c      *s3.S3
	bucket string
}

func New(cfg Config) (*Store, error) {
	awsCfg := &aws.Config{
		Region:           aws.String(cfg.Region),
		S3ForcePathStyle: aws.Bool(cfg.ForcePathStyle),
	}
	if cfg.Endpoint != "" {
		awsCfg.Endpoint = aws.String(cfg.Endpoint)
	}
	if cfg.AccessKey != "" {
		awsCfg.Credentials = credentials.NewStaticCredentials(cfg.AccessKey, cfg.SecretKey, "")
	}

	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, errors.Wrap(err, "s3 session")
	}
	return &Store{c: s3.New(sess), bucket: cfg.Bucket}, nil
}

func (s *Store) Put(ctx context.Context, key string, body []byte, contentType string) error {
	_, err := s.c.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(body),
		ContentLength: aws.Int64(int64(len(body))),
		ContentType:   aws.String(contentType),
	})
	return errors.Wrap(err, "s3 put object")
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, string, error) {
	out, err := s.c.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, "", errors.Wrap(err, "s3 get object")
	}
	defer out.Body.Close()

	b, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, "", errors.Wrap(err, "s3 read object")
	}
	contentType := ""
	if out.ContentType != nil {
		contentType = *out.ContentType
	}
	return b, contentType, nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	_, err := s.c.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	return errors.Wrap(err, "s3 delete object")
}
