package minio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/kirillkom/hiesync/internal/core/domain"
	"github.com/kirillkom/hiesync/internal/core/ports"
	"github.com/kirillkom/hiesync/internal/infrastructure/resilience"
)

// partSize bounds memory used by streaming uploads of unknown length.
const partSize = 16 << 20

type Options struct {
	Endpoint  string
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Executor  *resilience.Executor
}

type Store struct {
	client   *minio.Client
	bucket   string
	executor *resilience.Executor
}

var _ ports.ContentStore = (*Store)(nil)

func New(ctx context.Context, options Options) (*Store, error) {
	if strings.TrimSpace(options.Bucket) == "" {
		return nil, domain.WrapError(domain.ErrInvalidInput, "init minio store", errors.New("bucket is required"))
	}
	cli, err := minio.New(options.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(options.AccessKey, options.SecretKey, ""),
		Secure: options.UseSSL,
		Region: options.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	exists, err := cli.BucketExists(ctx, options.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", options.Bucket, err)
	}
	if !exists {
		if err := cli.MakeBucket(ctx, options.Bucket, minio.MakeBucketOptions{Region: options.Region}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", options.Bucket, err)
		}
	}

	return &Store{client: cli, bucket: options.Bucket, executor: options.Executor}, nil
}

func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	var found bool
	call := func(callCtx context.Context) error {
		_, err := s.client.StatObject(callCtx, s.bucket, key, minio.StatObjectOptions{})
		if err == nil {
			found = true
			return nil
		}
		if isNotFound(err) {
			found = false
			return nil
		}
		return err
	}

	var err error
	if s.executor != nil {
		err = s.executor.Execute(ctx, "minio.stat", call, classifyMinioError)
	} else {
		err = call(ctx)
	}
	if err != nil {
		return false, wrapTemporaryIfNeeded("minio stat", fmt.Errorf("stat %s: %w", key, err))
	}
	return found, nil
}

// Put streams data into the bucket without knowing its length. It is not
// retried: the reader can only be consumed once.
func (s *Store) Put(ctx context.Context, key, contentType string, data io.Reader) (domain.StoredArtifact, error) {
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	info, err := s.client.PutObject(ctx, s.bucket, key, data, -1, minio.PutObjectOptions{
		ContentType: contentType,
		PartSize:    partSize,
	})
	if err != nil {
		return domain.StoredArtifact{}, wrapTemporaryIfNeeded("minio put", fmt.Errorf("put %s: %w", key, err))
	}
	return domain.StoredArtifact{Key: info.Key, Location: s.Location(info.Key)}, nil
}

func (s *Store) Location(key string) string {
	endpoint := s.client.EndpointURL()
	u := url.URL{
		Scheme: endpoint.Scheme,
		Host:   endpoint.Host,
		Path:   "/" + s.bucket + "/" + key,
	}
	return u.String()
}

func isNotFound(err error) bool {
	resp := minio.ToErrorResponse(err)
	return resp.StatusCode == http.StatusNotFound || resp.Code == "NoSuchKey"
}
