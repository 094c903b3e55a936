package cache

import (
	"context"
	"errors"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/keithlinneman/mdembed/internal/xerrors"
)

// expiresMetaKey holds the entry deadline as unix seconds. S3 lifecycle rules
// only work in whole days, so expiry is enforced on read.
const expiresMetaKey = "expires-at"

// s3API is the subset of the S3 client the store uses.
type s3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// S3Store shares fragments between replicas through an S3 bucket.
type S3Store struct {
	client s3API
	bucket string
	prefix string
	now    func() time.Time
}

type S3Options struct {
	Client *s3.Client
	Bucket string
	Prefix string
}

func NewS3Store(opts S3Options) (*S3Store, error) {
	if opts.Client == nil {
		return nil, xerrors.New("s3 cache: client is required")
	}
	if opts.Bucket == "" {
		return nil, xerrors.New("s3 cache: bucket is required")
	}
	return newS3Store(opts.Client, opts.Bucket, opts.Prefix), nil
}

func newS3Store(client s3API, bucket, prefix string) *S3Store {
	return &S3Store{
		client: client,
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
		now:    time.Now,
	}
}

// objectKey is never cleaned, a ".." in key must not climb out of prefix.
func (s *S3Store) objectKey(key string) string {
	if s.prefix == "" {
		return key + ".html"
	}
	return s.prefix + "/" + key + ".html"
}

func (s *S3Store) Get(ctx context.Context, key string) (string, bool, error) {
	objKey := s.objectKey(key)
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objKey),
	})
	if err != nil {
		var nsk *s3types.NoSuchKey
		if errors.As(err, &nsk) {
			return "", false, nil
		}
		return "", false, xerrors.Wrapf(err, "get S3 object s3://%s/%s", s.bucket, objKey)
	}
	defer out.Body.Close()

	exp, err := strconv.ParseInt(out.Metadata[expiresMetaKey], 10, 64)
	if err != nil || s.now().Unix() >= exp {
		return "", false, nil
	}

	b, err := io.ReadAll(out.Body)
	if err != nil {
		return "", false, xerrors.Wrapf(err, "read S3 object s3://%s/%s", s.bucket, objKey)
	}
	return string(b), true, nil
}

func (s *S3Store) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := checkTTL(ttl); err != nil {
		return err
	}
	objKey := s.objectKey(key)
	// round up so sub-second ttls do not expire immediately
	exp := s.now().Add(ttl + time.Second - 1).Unix()

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:       aws.String(s.bucket),
		Key:          aws.String(objKey),
		Body:         strings.NewReader(value),
		ContentType:  aws.String("text/html; charset=utf-8"),
		CacheControl: aws.String("no-store"),
		Metadata:     map[string]string{expiresMetaKey: strconv.FormatInt(exp, 10)},
	})
	if err != nil {
		return xerrors.Wrapf(err, "put S3 object s3://%s/%s", s.bucket, objKey)
	}
	return nil
}

func (s *S3Store) Delete(ctx context.Context, key string) error {
	objKey := s.objectKey(key)
	// S3 answers 204 for missing keys too
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objKey),
	})
	if err != nil {
		return xerrors.Wrapf(err, "delete S3 object s3://%s/%s", s.bucket, objKey)
	}
	return nil
}
