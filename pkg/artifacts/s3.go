package artifacts

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

// S3Config configures the presigning resolver. Endpoint and path style cover
// MinIO in local development.
type S3Config struct {
	Region       string
	Bucket       string
	Endpoint     string
	AccessKey    string
	SecretKey    string
	UsePathStyle bool

	// PresignExpiry is how long generated URLs stay valid.
	PresignExpiry time.Duration
	// CacheSize bounds the presigned URL cache.
	CacheSize int
}

const (
	defaultPresignExpiry = 15 * time.Minute
	defaultCacheSize     = 512
)

type presignAPI interface {
	PresignGetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4PresignedRequest, error)
}

// v4PresignedRequest mirrors the fields of the SDK's presigned request that
// the resolver consumes.
type v4PresignedRequest struct {
	URL string
}

type sdkPresigner struct {
	inner *s3.PresignClient
}

func (p *sdkPresigner) PresignGetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4PresignedRequest, error) {
	req, err := p.inner.PresignGetObject(ctx, params, optFns...)
	if err != nil {
		return nil, err
	}
	return &v4PresignedRequest{URL: req.URL}, nil
}

// S3Resolver resolves artifact keys to presigned GET URLs. URLs are cached
// for a fraction of their validity so repeated accepts of plugins sharing an
// artifact do not re-sign.
type S3Resolver struct {
	presigner presignAPI
	bucket    string
	expiry    time.Duration
	cache     *expirable.LRU[string, string]
}

// NewS3Resolver loads AWS configuration and builds the presigning resolver.
func NewS3Resolver(ctx context.Context, cfg S3Config) (*S3Resolver, error) {
	var (
		awsCfg aws.Config
		err    error
	)
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		awsCfg, err = awsconfig.LoadDefaultConfig(ctx,
			awsconfig.WithRegion(cfg.Region),
			awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
				cfg.AccessKey, cfg.SecretKey, "",
			)),
		)
	} else {
		awsCfg, err = awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	}
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		if cfg.UsePathStyle {
			o.UsePathStyle = true
		}
	})

	return newS3Resolver(&sdkPresigner{inner: s3.NewPresignClient(client)}, cfg), nil
}

func newS3Resolver(presigner presignAPI, cfg S3Config) *S3Resolver {
	expiry := cfg.PresignExpiry
	if expiry <= 0 {
		expiry = defaultPresignExpiry
	}
	size := cfg.CacheSize
	if size <= 0 {
		size = defaultCacheSize
	}

	// Cache entries live for half the URL validity so nothing served from
	// the cache expires mid-download.
	return &S3Resolver{
		presigner: presigner,
		bucket:    cfg.Bucket,
		expiry:    expiry,
		cache:     expirable.NewLRU[string, string](size, nil, expiry/2),
	}
}

// ResolveURL returns a presigned GET URL for the artifact key.
func (r *S3Resolver) ResolveURL(ctx context.Context, key string) (string, error) {
	if key == "" {
		return "", fmt.Errorf("empty artifact key")
	}

	if url, ok := r.cache.Get(key); ok {
		return url, nil
	}

	req, err := r.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(r.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(r.expiry))
	if err != nil {
		return "", fmt.Errorf("presigning artifact %s: %w", key, err)
	}

	r.cache.Add(key, req.URL)
	return req.URL, nil
}
