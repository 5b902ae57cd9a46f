package contentstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/tendermint/tendermint/libs/log"

	"github.com/Kledenilson/blockchain-copyright-registration-platform/types"
)

const presignExpiry = 15 * time.Minute

// Store : content-addressed object store for uploaded originals. Objects are
// keyed by the sha256 of their content, so the content reference doubles as an
// integrity check against the anchored fingerprint.
type Store struct {
	client *minio.Client
	bucket string
	logger log.Logger
}

func NewStore(config types.AnchorConfig, logger log.Logger) (*Store, error) {
	client, err := minio.New(config.MinioEndpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(config.MinioAccessKey, config.MinioSecretKey, ""),
		Secure: config.MinioUseSSL,
	})
	if err != nil {
		return nil, err
	}
	store := &Store{client: client, bucket: config.MinioBucket, logger: logger}
	if err := store.ensureBucket(context.Background()); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *Store) ensureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	return s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{})
}

// Put : store content and return its reference (the sha256 of the bytes)
func (s *Store) Put(ctx context.Context, data []byte, contentType string) (string, error) {
	sum := sha256.Sum256(data)
	ref := hex.EncodeToString(sum[:])
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	_, err := s.client.PutObject(ctx, s.bucket, ref, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return "", err
	}
	s.logger.Info(fmt.Sprintf("stored %d bytes under content ref %s", len(data), ref))
	return ref, nil
}

// URL : time-limited download link for a content reference
func (s *Store) URL(ctx context.Context, contentRef string) (string, error) {
	presigned, err := s.client.PresignedGetObject(ctx, s.bucket, contentRef, presignExpiry, url.Values{})
	if err != nil {
		return "", err
	}
	return presigned.String(), nil
}
