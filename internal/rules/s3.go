package rules

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/sirupsen/logrus"

	"whitelistd/internal/config"
	"whitelistd/internal/utils"
)

// objectGetter is the part of *s3.Client the fetcher needs.
type objectGetter interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Fetcher reads the whitelist from an S3 object.
type S3Fetcher struct {
	client  objectGetter
	bucket  string
	key     string
	timeout time.Duration
}

// NewS3Fetcher creates a fetcher for an s3://bucket/key source.
func NewS3Fetcher(cfg *config.SourceConfig) (*S3Fetcher, error) {
	bucket, key, err := parseS3URL(cfg.URL)
	if err != nil {
		return nil, err
	}

	ctx := context.Background()

	creds, err := config.GetAWSCredentials(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to get AWS credentials: %v", err)
	}

	var awsCfg aws.Config
	switch creds.Source {
	case config.CredentialSourceEnvironment, config.CredentialSourceConfig:
		awsCfg, err = awsconfig.LoadDefaultConfig(ctx,
			awsconfig.WithRegion(cfg.Region),
			awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
				creds.AccessKeyID,
				creds.SecretAccessKey,
				"",
			)),
		)
	default:
		// Default credential chain (instance role, shared config, ...)
		awsCfg, err = awsconfig.LoadDefaultConfig(ctx,
			awsconfig.WithRegion(cfg.Region),
		)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %v", err)
	}

	logrus.Infof("Using AWS credentials from: %s", creds.Source)

	return newS3Fetcher(s3.NewFromConfig(awsCfg), bucket, key, cfg.Timeout), nil
}

func newS3Fetcher(client objectGetter, bucket, key string, timeout time.Duration) *S3Fetcher {
	return &S3Fetcher{client: client, bucket: bucket, key: key, timeout: timeout}
}

func parseS3URL(raw string) (bucket, key string, err error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", fmt.Errorf("invalid S3 URL: %w", err)
	}
	bucket = u.Host
	key = strings.TrimPrefix(u.Path, "/")
	if bucket == "" || key == "" {
		return "", "", fmt.Errorf("S3 URL must be s3://bucket/key, got %q", raw)
	}
	return bucket, key, nil
}

func (f *S3Fetcher) source() string {
	return "s3://" + f.bucket + "/" + f.key
}

func (f *S3Fetcher) Fetch(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	resp, err := f.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(f.bucket),
		Key:    aws.String(f.key),
	})
	if err != nil {
		return "", &FetchError{Source: f.source(), Reason: ReasonTransport, Err: err}
	}
	defer resp.Body.Close()

	data, err := utils.ReadAllLimited(resp.Body, utils.MaxWhitelistSize)
	if err != nil {
		var sizeErr *utils.SizeError
		if errors.As(err, &sizeErr) {
			return "", &FetchError{Source: f.source(), Reason: ReasonSize, Err: err}
		}
		return "", &FetchError{Source: f.source(), Reason: ReasonTransport, Err: err}
	}

	doc, err := checkBody(f.source(), data)
	if err != nil {
		return "", err
	}

	logrus.WithFields(logrus.Fields{
		"bucket": f.bucket,
		"key":    f.key,
		"bytes":  len(data),
	}).Debug("Fetched whitelist from S3")

	return doc, nil
}
