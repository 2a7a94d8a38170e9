// Package storage resolves signed, time-limited download URLs for product
// packages stored on Amazon S3.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"license-server/internal/model"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Options are the S3 credentials and presigning settings.
type Options struct {
	Region        string
	Key           string
	Secret        string
	DefaultBucket string
	URLExpiration time.Duration
}

// S3Locator produces pre-signed GET URLs for package archives.
type S3Locator struct {
	presigner *s3.PresignClient
	opts      Options
}

// NewS3Locator builds a locator from static credentials.
func NewS3Locator(ctx context.Context, opts Options) (*S3Locator, error) {
	if opts.Key == "" || opts.Secret == "" {
		return nil, errors.New("s3 credentials are not configured")
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(opts.Region),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.Key, opts.Secret, ""),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("configure s3 client: %w", err)
	}

	return &S3Locator{
		presigner: s3.NewPresignClient(s3.NewFromConfig(cfg)),
		opts:      opts,
	}, nil
}

// SignedURL resolves the download URL for a product's package. The product's
// own bucket/filename win over the configured defaults; an unset filename
// falls back to "<slug>.zip".
func (l *S3Locator) SignedURL(ctx context.Context, product *model.Product) (string, error) {
	bucket := product.Bucket
	if bucket == "" {
		bucket = l.opts.DefaultBucket
	}
	if bucket == "" {
		return "", errors.New("no storage bucket configured for product " + product.Slug)
	}

	key := product.Filename
	if key == "" {
		key = product.Slug + ".zip"
	}

	req, err := l.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(l.opts.URLExpiration))
	if err != nil {
		return "", fmt.Errorf("presign package url: %w", err)
	}

	return req.URL, nil
}
