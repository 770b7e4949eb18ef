package s3

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// Client is a thin wrapper around the AWS SDK v2 S3 client. It works with AWS
// itself and with S3-compatible stores such as MinIO or SeaweedFS.
type Client struct {
	api     *s3.Client
	presign *s3.PresignClient
}

// Config selects the S3 endpoint and credentials. Zero values fall back to
// the AWS SDK defaults (shared config, environment, instance role).
type Config struct {
	Endpoint       string
	Region         string
	AccessKey      string
	SecretKey      string
	DisableTLS     bool
	ForcePathStyle bool
}

// ConfigFromEnv reads S3_ENDPOINT, S3_REGION, S3_ACCESS_KEY, S3_SECRET_KEY,
// S3_DISABLE_TLS and S3_FORCE_PATH_STYLE. Path-style addressing defaults to
// on when a custom endpoint is set.
func ConfigFromEnv() Config {
	cfg := Config{
		Endpoint:  strings.TrimSpace(os.Getenv("S3_ENDPOINT")),
		Region:    os.Getenv("S3_REGION"),
		AccessKey: os.Getenv("S3_ACCESS_KEY"),
		SecretKey: os.Getenv("S3_SECRET_KEY"),
	}
	cfg.DisableTLS, _ = strconv.ParseBool(os.Getenv("S3_DISABLE_TLS"))
	cfg.ForcePathStyle = cfg.Endpoint != ""
	if v := strings.TrimSpace(os.Getenv("S3_FORCE_PATH_STYLE")); v != "" {
		if parsed, err := strconv.ParseBool(v); err == nil {
			cfg.ForcePathStyle = parsed
		}
	}
	return cfg
}

// NewClientFromEnv initialises a Client from ConfigFromEnv.
func NewClientFromEnv(ctx context.Context) (*Client, error) {
	return NewClient(ctx, ConfigFromEnv())
}

// NewClient initialises a Client for cfg.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	if (cfg.AccessKey == "") != (cfg.SecretKey == "") {
		return nil, errors.New("S3 access key and secret key must be set together")
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(region),
		// A buildable client lets LoadDefaultConfig apply AWS_CA_BUNDLE.
		awsconfig.WithHTTPClient(awshttp.NewBuildableClient().WithTimeout(5 * time.Minute)),
	}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	endpoint := cfg.Endpoint
	if endpoint != "" && !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		scheme := "https"
		if cfg.DisableTLS {
			scheme = "http"
		}
		endpoint = fmt.Sprintf("%s://%s", scheme, endpoint)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.ForcePathStyle
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})

	return &Client{
		api:     client,
		presign: s3.NewPresignClient(client),
	}, nil
}

// PutObject uploads data to the given bucket/key with checksum metadata.
func (c *Client) PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64, sha256 string) error {
	if c == nil {
		return errors.New("nil client")
	}
	checksum, err := encodeSHA256(sha256)
	if err != nil {
		return err
	}

	_, err = c.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:            &bucket,
		Key:               &key,
		Body:              r,
		ContentLength:     &size,
		ContentType:       aws.String("application/zip"),
		ChecksumAlgorithm: s3types.ChecksumAlgorithmSha256,
		ChecksumSHA256:    &checksum,
		Metadata: map[string]string{
			"sha256": sha256,
		},
	})
	return err
}

// PresignGet generates a presigned GET URL for the provided key and TTL.
func (c *Client) PresignGet(ctx context.Context, bucket, key string, ttl time.Duration) (string, error) {
	if c == nil {
		return "", errors.New("nil client")
	}

	req, err := c.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: &bucket,
		Key:    &key,
	}, func(opts *s3.PresignOptions) {
		opts.Expires = ttl
	})
	if err != nil {
		return "", err
	}

	return req.URL, nil
}

// ParseURL splits an s3://bucket/prefix location. The prefix may be empty
// and is returned without surrounding slashes.
func ParseURL(raw string) (string, string, error) {
	if !strings.HasPrefix(raw, "s3://") {
		return "", "", fmt.Errorf("unsupported url %q: want s3://bucket/prefix", raw)
	}
	trimmed := strings.TrimPrefix(raw, "s3://")
	bucket, prefix, _ := strings.Cut(trimmed, "/")
	if bucket == "" {
		return "", "", fmt.Errorf("invalid s3 url %q", raw)
	}
	return bucket, strings.Trim(prefix, "/"), nil
}

// JoinKey joins a prefix and an object name into a key.
func JoinKey(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + "/" + name
}

func encodeSHA256(hexDigest string) (string, error) {
	if hexDigest == "" {
		return "", errors.New("sha256 digest required")
	}
	raw, err := hex.DecodeString(hexDigest)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}
