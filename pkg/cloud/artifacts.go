package cloud

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"gopkg.in/yaml.v3"

	"github.com/openfleet/openfleet/pkg/engine"
	"github.com/openfleet/openfleet/pkg/manifest"
	"github.com/openfleet/openfleet/pkg/telemetry"
)

// ArtifactConfig configures the S3-compatible artifact bucket.
type ArtifactConfig struct {
	// Endpoint is the object store endpoint, host:port.
	Endpoint string

	// AccessKey and SecretKey authenticate against the object store.
	AccessKey string
	SecretKey string

	// Bucket is the bucket run artifacts are written to. Created on first
	// use when missing.
	Bucket string

	// UseSSL enables TLS on the endpoint connection.
	UseSSL bool
}

// ArtifactStore archives run reports and expanded manifests to an
// S3-compatible bucket. Run reports land under runs/<runID>.json and
// manifests under manifests/<runID>.yaml.
type ArtifactStore struct {
	client *minio.Client
	bucket string
	logger *telemetry.Logger
}

// NewArtifactStore connects to the object store and ensures the bucket
// exists.
func NewArtifactStore(ctx context.Context, cfg ArtifactConfig, logger *telemetry.Logger) (*ArtifactStore, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to artifact store: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check artifact bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("failed to create artifact bucket %s: %w", cfg.Bucket, err)
		}
	}

	return &ArtifactStore{
		client: client,
		bucket: cfg.Bucket,
		logger: logger.NewComponentLogger("artifact-store"),
	}, nil
}

// UploadRunReport archives the result of a completed run as JSON.
func (s *ArtifactStore) UploadRunReport(ctx context.Context, result *engine.RunResult) error {
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode run report: %w", err)
	}

	key := runReportKey(result.RunID)
	if err := s.put(ctx, key, data, "application/json"); err != nil {
		return err
	}
	s.logger.WithRunID(result.RunID).WithField("object", key).Debug("uploaded run report")
	return nil
}

// UploadManifest archives the manifest a run was driven by as YAML.
func (s *ArtifactStore) UploadManifest(ctx context.Context, runID string, m *manifest.Manifest) error {
	data, err := yaml.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to encode manifest: %w", err)
	}

	key := manifestKey(runID)
	if err := s.put(ctx, key, data, "application/yaml"); err != nil {
		return err
	}
	s.logger.WithRunID(runID).WithField("object", key).Debug("uploaded manifest")
	return nil
}

func (s *ArtifactStore) put(ctx context.Context, key string, data []byte, contentType string) error {
	_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return fmt.Errorf("failed to upload %s: %w", key, err)
	}
	return nil
}

func runReportKey(runID string) string { return "runs/" + runID + ".json" }

func manifestKey(runID string) string { return "manifests/" + runID + ".yaml" }
