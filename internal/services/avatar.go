package services

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog/log"
)

// AvatarService resolves stored avatar objects into short-lived presigned
// GET URLs for the aggregated friends view
type AvatarService struct {
	presign *s3.PresignClient
	bucket  string
}

// NewAvatarService creates an avatar service backed by S3
func NewAvatarService(ctx context.Context, region, bucket, accessKey, secretKey, endpoint string) (*AvatarService, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(region),
	}
	if accessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(accessKey, secretKey, ""),
		))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	})

	return &AvatarService{
		presign: s3.NewPresignClient(client),
		bucket:  bucket,
	}, nil
}

// URL returns a presigned URL for an avatar key, or "" when the service is
// not configured, the key is empty, or presigning fails. Aggregation never
// fails on an avatar.
func (s *AvatarService) URL(ctx context.Context, key string) string {
	if s == nil || key == "" {
		return ""
	}

	request, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(15*time.Minute))
	if err != nil {
		log.Error().Err(err).Str("avatar_key", key).Msg("Failed to presign avatar URL")
		return ""
	}
	return request.URL
}
