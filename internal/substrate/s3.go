package substrate

import (
	"bytes"
	"context"
	"errors"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"github.com/cuemby/strata/internal/errs"
)

// S3 is a cloud-object-store Substrate. PutIfAbsent uses S3's native
// conditional-put (If-None-Match: *) instead of a read-then-write race.
// Credentials come from the SDK's own provider chain (env, shared config,
// instance role) — strata never handles cloud credentials itself.
type S3 struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3 builds an S3 substrate for the given bucket, with all keys rooted
// under prefix.
func NewS3(ctx context.Context, bucket, prefix string) (*S3, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, errs.New(errs.SubstrateTerminal, "substrate.NewS3", err)
	}
	return &S3{
		client: s3.NewFromConfig(cfg),
		bucket: bucket,
		prefix: prefix,
	}, nil
}

func (s *S3) key(key string) string {
	if s.prefix == "" {
		return key
	}
	return s.prefix + "/" + key
}

func (s *S3) Put(ctx context.Context, key string, data []byte) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(key)),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return classifyS3Err("substrate.Put", key, err)
	}
	return nil
}

func (s *S3) PutIfAbsent(ctx context.Context, key string, data []byte) (PutResult, error) {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.key(key)),
		Body:        bytes.NewReader(data),
		IfNoneMatch: aws.String("*"),
	})
	if err == nil {
		return Created, nil
	}
	var apiErr smithyhttp.ResponseError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode() == 412 {
		return AlreadyExists, nil
	}
	var precond *types.PreconditionFailed
	if errors.As(err, &precond) {
		return AlreadyExists, nil
	}
	return 0, classifyS3Err("substrate.PutIfAbsent", key, err)
}

func (s *S3) Get(ctx context.Context, key string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(key)),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, errs.New(errs.NotFound, "substrate.Get", err).WithFileID(key)
		}
		return nil, classifyS3Err("substrate.Get", key, err)
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}

func (s *S3) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.key(prefix)),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, classifyS3Err("substrate.List", prefix, err)
		}
		for _, obj := range page.Contents {
			k := aws.ToString(obj.Key)
			if s.prefix != "" {
				k = k[len(s.prefix)+1:]
			}
			keys = append(keys, k)
		}
	}
	return keys, nil
}

func (s *S3) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(key)),
	})
	if err != nil {
		return classifyS3Err("substrate.Delete", key, err)
	}
	return nil
}

func classifyS3Err(op, key string, err error) error {
	var apiErr smithyhttp.ResponseError
	if errors.As(err, &apiErr) {
		code := apiErr.HTTPStatusCode()
		if code == 403 || code == 400 {
			return errs.New(errs.SubstrateTerminal, op, err).WithFileID(key)
		}
	}
	return errs.New(errs.SubstrateRetryable, op, err).WithFileID(key)
}
