// Package s3blob implements contentstore.Store on an S3 bucket, for
// deployments where actors run on ephemeral hosts and a local filesystem
// store would not survive the host. The object layout mirrors the
// filesystem backend: content/<store-id>/hash/<hex> for blobs and
// content/<store-id>/labels/<label> for label pointers.
package s3blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/theater-run/theater/contentstore"
)

// Client is the subset of the S3 API this store uses, satisfied by
// *s3.Client.
type Client interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Store implements contentstore.Store on one S3 bucket.
type Store struct {
	client Client
	bucket string
}

// New constructs an S3-backed content store over bucket.
func New(client Client, bucket string) (*Store, error) {
	if client == nil {
		return nil, fmt.Errorf("s3blob: client is required")
	}
	if bucket == "" {
		return nil, fmt.Errorf("s3blob: bucket is required")
	}
	return &Store{client: client, bucket: bucket}, nil
}

func hashKey(storeID, hexHash string) string {
	return fmt.Sprintf("content/%s/hash/%s", storeID, hexHash)
}

func labelKey(storeID, label string) string {
	return fmt.Sprintf("content/%s/labels/%s", storeID, label)
}

// Put writes content keyed by its content hash. Content-addressed keys make
// the write idempotent; re-putting identical bytes lands on the same key.
func (s *Store) Put(ctx context.Context, storeID string, content []byte) (contentstore.ContentRef, error) {
	ref := contentstore.RefFromContent(storeID, content)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(hashKey(storeID, ref.Hash)),
		Body:   bytes.NewReader(content),
	})
	if err != nil {
		return contentstore.ContentRef{}, fmt.Errorf("s3blob: put %s: %w", ref.Hash, err)
	}
	return ref, nil
}

// Get reads a blob back by content reference.
func (s *Store) Get(ctx context.Context, ref contentstore.ContentRef) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(hashKey(ref.StoreID, ref.Hash)),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, contentstore.ErrNotFound
		}
		return nil, fmt.Errorf("s3blob: get %s: %w", ref.Hash, err)
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("s3blob: read %s: %w", ref.Hash, err)
	}
	return data, nil
}

// PutLabel writes the label pointer object, overwriting any prior value.
func (s *Store) PutLabel(ctx context.Context, storeID, label string, ref contentstore.ContentRef) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(labelKey(storeID, label)),
		Body:   bytes.NewReader([]byte(ref.Hash)),
	})
	if err != nil {
		return fmt.Errorf("s3blob: put label %s: %w", label, err)
	}
	return nil
}

// ResolveLabel reads the label pointer object back.
func (s *Store) ResolveLabel(ctx context.Context, storeID, label string) (contentstore.ContentRef, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(labelKey(storeID, label)),
	})
	if err != nil {
		if isNotFound(err) {
			return contentstore.ContentRef{}, contentstore.ErrNotFound
		}
		return contentstore.ContentRef{}, fmt.Errorf("s3blob: resolve label %s: %w", label, err)
	}
	defer out.Body.Close()
	hash, err := io.ReadAll(out.Body)
	if err != nil {
		return contentstore.ContentRef{}, fmt.Errorf("s3blob: read label %s: %w", label, err)
	}
	return contentstore.ContentRef{StoreID: storeID, Hash: string(hash)}, nil
}

func isNotFound(err error) bool {
	var noKey *types.NoSuchKey
	return errors.As(err, &noKey)
}

var _ contentstore.Store = (*Store)(nil)
