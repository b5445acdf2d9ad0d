package storage

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Config describes how to reach an S3-compatible endpoint.
// Zero fields are filled from the standard AWS environment variables.
type S3Config struct {
	Region          string
	Endpoint        string // optional, e.g. http://localhost:9000 for MinIO
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
}

func (c S3Config) withEnv() S3Config {
	if c.Region == "" {
		c.Region = os.Getenv("AWS_REGION")
	}
	if c.Region == "" {
		c.Region = "us-east-1"
	}
	if c.Endpoint == "" {
		c.Endpoint = os.Getenv("AWS_ENDPOINT_URL_S3")
	}
	if c.AccessKeyID == "" {
		c.AccessKeyID = os.Getenv("AWS_ACCESS_KEY_ID")
	}
	if c.SecretAccessKey == "" {
		c.SecretAccessKey = os.Getenv("AWS_SECRET_ACCESS_KEY")
	}
	if c.SessionToken == "" {
		c.SessionToken = os.Getenv("AWS_SESSION_TOKEN")
	}
	return c
}

// NewS3Client builds an [s3.Client] from cfg using static credentials.
func NewS3Client(cfg S3Config) (*s3.Client, error) {
	cfg = cfg.withEnv()
	if cfg.AccessKeyID == "" || cfg.SecretAccessKey == "" {
		return nil, errors.New("storage: s3 credentials not set (AWS_ACCESS_KEY_ID / AWS_SECRET_ACCESS_KEY)")
	}
	creds := aws.Credentials{
		AccessKeyID:     cfg.AccessKeyID,
		SecretAccessKey: cfg.SecretAccessKey,
		SessionToken:    cfg.SessionToken,
		Source:          "spkemb",
	}
	opts := s3.Options{
		Region: cfg.Region,
		Credentials: aws.CredentialsProviderFunc(func(context.Context) (aws.Credentials, error) {
			return creds, nil
		}),
	}
	if cfg.Endpoint != "" {
		opts.BaseEndpoint = aws.String(cfg.Endpoint)
		opts.UsePathStyle = true
	}
	return s3.New(opts), nil
}

// Open returns a FileStore for location. "s3://bucket/prefix" selects
// S3; anything else is treated as a local directory.
func Open(location string, cfg S3Config) (FileStore, error) {
	if !strings.HasPrefix(location, "s3://") {
		return NewLocal(location)
	}
	u, err := url.Parse(location)
	if err != nil {
		return nil, fmt.Errorf("storage: parse %q: %w", location, err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("storage: %q has no bucket", location)
	}
	client, err := NewS3Client(cfg)
	if err != nil {
		return nil, err
	}
	return NewS3(client, u.Host, strings.Trim(u.Path, "/")), nil
}
