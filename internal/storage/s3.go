package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"dossier/pkg/platform/sentinel"
)

// S3Options configures NewS3. Endpoint is set for S3-compatible stores and
// switches the client to path-style addressing.
type S3Options struct {
	Region   string
	Bucket   string
	Prefix   string
	Endpoint string
	// ServerSideEncryption requests SSE-S3 on top of the application-level
	// ciphertext. S3-compatible stores without a KMS reject it.
	ServerSideEncryption bool
}

// S3Storage stores objects in an S3 bucket.
type S3Storage struct {
	client *s3.Client
	bucket string
	prefix string
	sse    bool
}

func NewS3(ctx context.Context, opts S3Options) (*S3Storage, error) {
	if opts.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}
	loadOpts := []func(*awsconfig.LoadOptions) error{}
	if opts.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(opts.Region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
		}
	})
	st := NewS3WithClient(client, opts.Bucket, opts.Prefix)
	st.sse = opts.ServerSideEncryption
	return st, nil
}

func NewS3WithClient(client *s3.Client, bucket, prefix string) *S3Storage {
	return &S3Storage{client: client, bucket: bucket, prefix: strings.Trim(strings.TrimSpace(prefix), "/")}
}

func (s *S3Storage) Put(ctx context.Context, key string, data []byte, meta Meta) (PutResult, error) {
	objectKey, err := s.objectKey(key)
	if err != nil {
		return PutResult{}, err
	}
	contentType := meta.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	input := &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(objectKey),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String(contentType),
		Metadata:      objectMetadata(meta),
	}
	if s.sse {
		input.ServerSideEncryption = s3types.ServerSideEncryptionAes256
	}
	out, err := s.client.PutObject(ctx, input)
	if err != nil {
		return PutResult{}, fmt.Errorf("s3 put object bucket=%s key=%s: %w", s.bucket, objectKey, err)
	}
	tag := strings.Trim(aws.ToString(out.ETag), `"`)
	if tag == "" {
		tag = etag(data)
	}
	return PutResult{ETag: tag, Size: int64(len(data))}, nil
}

func (s *S3Storage) Get(ctx context.Context, key string) ([]byte, error) {
	objectKey, err := s.objectKey(key)
	if err != nil {
		return nil, err
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objectKey),
	})
	if err != nil {
		var noSuchKey *s3types.NoSuchKey
		if errors.As(err, &noSuchKey) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("s3 get object bucket=%s key=%s: %w", s.bucket, objectKey, err)
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("s3 read object bucket=%s key=%s: %w", s.bucket, objectKey, err)
	}
	return data, nil
}

func (s *S3Storage) Delete(ctx context.Context, key string) error {
	objectKey, err := s.objectKey(key)
	if err != nil {
		return err
	}
	_, err = s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objectKey),
	})
	if err != nil {
		return fmt.Errorf("s3 delete object bucket=%s key=%s: %w", s.bucket, objectKey, err)
	}
	return nil
}

func (s *S3Storage) objectKey(key string) (string, error) {
	clean, err := cleanKey(key)
	if err != nil {
		return "", err
	}
	if s.prefix == "" {
		return clean, nil
	}
	return s.prefix + "/" + clean, nil
}

func objectMetadata(meta Meta) map[string]string {
	md := map[string]string{}
	if meta.OwnerID != "" {
		md["owner-id"] = meta.OwnerID
	}
	if meta.DocumentID != "" {
		md["document-id"] = meta.DocumentID
	}
	if meta.KeyID != "" {
		md["key-id"] = meta.KeyID
	}
	return md
}
