package export

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/sirupsen/logrus"

	"github.com/presetd/presetd/internal/preset"
)

// ArchiverConfig describes the S3-compatible target for preset archives
type ArchiverConfig struct {
	Endpoint  string
	Region    string
	Bucket    string
	Prefix    string
	AccessKey string
	SecretKey string
}

// Archiver uploads exported preset documents to an S3-compatible bucket so
// an installation keeps an off-site copy of every preset it exports.
type Archiver struct {
	client *s3.Client
	bucket string
	prefix string
	logger *logrus.Logger
}

// NewArchiver creates an archiver against the configured endpoint
func NewArchiver(cfg ArchiverConfig, logger *logrus.Logger) (*Archiver, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("archive bucket is required")
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}

	awsCfg := aws.Config{
		Region:      cfg.Region,
		Credentials: credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
	}
	if cfg.Endpoint != "" {
		awsCfg.EndpointResolverWithOptions = aws.EndpointResolverWithOptionsFunc(
			func(service, region string, options ...interface{}) (aws.Endpoint, error) {
				return aws.Endpoint{
					URL:               cfg.Endpoint,
					HostnameImmutable: true,
					SigningRegion:     cfg.Region,
				}, nil
			})
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = true // path-style for non-AWS endpoints
	})

	return &Archiver{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
		logger: logger,
	}, nil
}

// Archive serializes the preset and uploads it. Returns the object key.
func (a *Archiver) Archive(ctx context.Context, p *preset.Preset) (string, error) {
	data, err := Marshal(p)
	if err != nil {
		return "", err
	}

	key := fmt.Sprintf("%s-%s.xml", sanitizeName(p.Name), p.ID)
	if a.prefix != "" {
		key = a.prefix + "/" + key
	}

	input := &s3.PutObjectInput{
		Bucket:        aws.String(a.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String("application/xml"),
	}
	if _, err := a.client.PutObject(ctx, input); err != nil {
		return "", fmt.Errorf("failed to archive preset: %w", err)
	}

	a.logger.WithFields(logrus.Fields{
		"preset_id": p.ID,
		"bucket":    a.bucket,
		"key":       key,
		"size":      len(data),
	}).Info("Preset archived")

	return key, nil
}

// ArchiveEntry is one stored preset document
type ArchiveEntry struct {
	Key          string `json:"key"`
	Size         int64  `json:"size"`
	LastModified int64  `json:"last_modified"`
}

// List returns every archived preset document under the configured prefix
func (a *Archiver) List(ctx context.Context) ([]ArchiveEntry, error) {
	input := &s3.ListObjectsV2Input{Bucket: aws.String(a.bucket)}
	if a.prefix != "" {
		input.Prefix = aws.String(a.prefix + "/")
	}

	entries := []ArchiveEntry{}
	paginator := s3.NewListObjectsV2Paginator(a.client, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list archive: %w", err)
		}
		for _, obj := range page.Contents {
			entry := ArchiveEntry{Key: aws.ToString(obj.Key)}
			if obj.Size != nil {
				entry.Size = *obj.Size
			}
			if obj.LastModified != nil {
				entry.LastModified = obj.LastModified.Unix()
			}
			entries = append(entries, entry)
		}
	}
	return entries, nil
}

// Fetch downloads one archived preset document by key
func (a *Archiver) Fetch(ctx context.Context, key string) ([]byte, error) {
	out, err := a.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch archived preset: %w", err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read archived preset: %w", err)
	}
	return data, nil
}

// TestConnection verifies the bucket is reachable with the configured
// credentials.
func (a *Archiver) TestConnection(ctx context.Context) error {
	input := &s3.HeadBucketInput{Bucket: aws.String(a.bucket)}
	if _, err := a.client.HeadBucket(ctx, input); err != nil {
		return fmt.Errorf("failed to reach archive bucket: %w", err)
	}
	return nil
}

// sanitizeName makes a preset name safe for use inside an object key
func sanitizeName(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ', r == '-', r == '_':
			b.WriteByte('-')
		}
	}
	if b.Len() == 0 {
		return "preset"
	}
	return b.String()
}
