// Package remotefile issues presigned download links for backup objects.
// Restore jobs carry these links in their payload so the agent can fetch
// database and file archives straight from object storage.
package remotefile

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Options configure the link service.
type Options struct {
	Bucket string
	Region string
	// Endpoint points at an S3-compatible store when non-empty.
	Endpoint string
	// Expiry bounds link validity. Restore jobs retry for hours, so links
	// must outlive the delivery retry schedule.
	Expiry time.Duration
}

// Links presigns GET URLs for objects in the backup bucket.
type Links struct {
	presign *s3.PresignClient
	bucket  string
	expiry  time.Duration
}

// New builds the link service against the configured bucket.
func New(ctx context.Context, opts Options) (*Links, error) {
	if opts.Bucket == "" {
		return nil, fmt.Errorf("backup bucket not configured")
	}
	expiry := opts.Expiry
	if expiry <= 0 {
		expiry = 6 * time.Hour
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(opts.Region),
	}
	if opts.Endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, _ ...interface{}) (aws.Endpoint, error) {
			if service == s3.ServiceID {
				return aws.Endpoint{
					URL:           opts.Endpoint,
					SigningRegion: opts.Region,
					Source:        aws.EndpointSourceCustom,
				}, nil
			}
			return aws.Endpoint{}, &aws.EndpointNotFoundError{}
		})
		loadOpts = append(loadOpts, awsconfig.WithEndpointResolverWithOptions(resolver))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg)
	return &Links{
		presign: s3.NewPresignClient(client),
		bucket:  opts.Bucket,
		expiry:  expiry,
	}, nil
}

// PresignDownload returns a time-limited GET URL for key.
func (l *Links) PresignDownload(ctx context.Context, key string) (string, error) {
	req, err := l.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(l.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(l.expiry))
	if err != nil {
		return "", fmt.Errorf("presign %s: %w", key, err)
	}
	return req.URL, nil
}
