package artifact

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/kingrea/forge/internal/canonical"
)

// Object metadata keys. S3 lower-cases user metadata keys.
const (
	s3MetaContract    = "forge-contract"
	s3MetaKind        = "forge-kind"
	s3MetaFingerprint = "forge-fingerprint"
	s3MetaChecksum    = "forge-checksum"
	s3MetaRun         = "forge-run"
	s3MetaWrittenAt   = "forge-written-at"
)

type s3API interface {
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Config holds configuration for S3Store.
type S3Config struct {
	Bucket   string
	Region   string
	Endpoint string // optional, for MinIO or LocalStack
	Prefix   string
}

// S3Store writes each target as one object. A single PutObject carries both
// content and provenance, so a target is never half written.
type S3Store struct {
	client s3API
	bucket string
	prefix string
	now    func() time.Time
}

// NewS3Store loads the default AWS configuration and builds a client.
func NewS3Store(ctx context.Context, cfg S3Config) (*S3Store, error) {
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, fmt.Errorf("artifact: s3 bucket is required")
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("artifact: load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return newS3Store(client, cfg.Bucket, cfg.Prefix), nil
}

func newS3Store(client s3API, bucket, prefix string) *S3Store {
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &S3Store{client: client, bucket: bucket, prefix: prefix, now: time.Now}
}

func (s *S3Store) key(id string) (string, error) {
	cleaned, err := CleanID(id)
	if err != nil {
		return "", err
	}
	return s.prefix + cleaned, nil
}

func (s *S3Store) Check(ctx context.Context, id string) (CheckResult, error) {
	key, err := s.key(id)
	if err != nil {
		return CheckResult{ID: id, State: StateError, Err: err}, err
	}
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return CheckResult{ID: id, State: StateMissing}, nil
		}
		err = fmt.Errorf("artifact: s3 head %s: %w", key, err)
		return CheckResult{ID: id, State: StateError, Err: err}, err
	}
	meta, ok := metadataFromS3(id, out.Metadata)
	if !ok {
		return CheckResult{ID: id, State: StateInvalid, Err: fmt.Errorf("artifact: %s has no provenance metadata", id)}, nil
	}
	return CheckResult{ID: id, State: StateReady, Metadata: &meta}, nil
}

func (s *S3Store) Read(ctx context.Context, id string) ([]byte, error) {
	key, err := s.key(id)
	if err != nil {
		return nil, err
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("artifact: s3 get %s: %w", key, err)
	}
	defer func() { _ = out.Body.Close() }()
	return io.ReadAll(out.Body)
}

func (s *S3Store) Write(ctx context.Context, id string, content []byte, meta Metadata) error {
	key, err := s.key(id)
	if err != nil {
		return err
	}
	prepared := meta.WithDefaults(id, s.now())
	if err := prepared.ValidateFor(id); err != nil {
		return err
	}
	prepared.Checksum = canonical.HashBytes(content)
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(content),
		ContentType: aws.String(contentType(prepared.Kind)),
		Metadata: map[string]string{
			s3MetaContract:    prepared.ContractID,
			s3MetaKind:        prepared.Kind,
			s3MetaFingerprint: prepared.Fingerprint,
			s3MetaChecksum:    prepared.Checksum,
			s3MetaRun:         prepared.RunID,
			s3MetaWrittenAt:   prepared.WrittenAt.Format(time.RFC3339Nano),
		},
	})
	if err != nil {
		return fmt.Errorf("artifact: s3 put %s: %w", key, err)
	}
	return nil
}

func metadataFromS3(id string, values map[string]string) (Metadata, bool) {
	lookup := func(key string) string {
		for k, v := range values {
			if strings.EqualFold(k, key) {
				return v
			}
		}
		return ""
	}
	fingerprint := lookup(s3MetaFingerprint)
	if fingerprint == "" {
		return Metadata{}, false
	}
	written, _ := time.Parse(time.RFC3339Nano, lookup(s3MetaWrittenAt))
	return Metadata{
		TargetID:    id,
		ContractID:  lookup(s3MetaContract),
		Kind:        lookup(s3MetaKind),
		Fingerprint: fingerprint,
		Checksum:    lookup(s3MetaChecksum),
		RunID:       lookup(s3MetaRun),
		WrittenAt:   written,
	}, true
}

func isNotFound(err error) bool {
	var notFound *types.NotFound
	var noSuchKey *types.NoSuchKey
	return errors.As(err, &notFound) || errors.As(err, &noSuchKey)
}

func contentType(kind string) string {
	switch kind {
	case "json":
		return "application/json"
	case "yaml":
		return "application/yaml"
	case "document", "manifest":
		return "text/markdown"
	default:
		return "application/octet-stream"
	}
}
