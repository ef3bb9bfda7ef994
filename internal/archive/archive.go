// Package archive mirrors the artifacts of completed jobs to S3 or an
// S3-compatible store. Uploads run in the background; failures are logged and
// counted and never change job state.
package archive

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"sync"
	"time"

	"automation/internal/config"
	"automation/internal/resolver"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// ErrClosed is returned by Archive after Close.
var ErrClosed = errors.New("archiver closed")

// Config configures an S3Archiver.
type Config struct {
	Bucket          string
	Prefix          string
	Region          string // SDK default chain when empty
	Endpoint        string // S3-compatible stores
	PathStyle       bool
	AccessKeyID     string // default credential chain when empty
	SecretAccessKey string
	QueueSize       int           // pending jobs (default: 100)
	UploadTimeout   time.Duration // per object (default: 2m)
}

// LoadConfigFromEnv reads connection settings from environment variables.
// Bucket and prefix come from the service configuration.
func LoadConfigFromEnv(bucket, prefix string) Config {
	return Config{
		Bucket:          bucket,
		Prefix:          prefix,
		Region:          config.GetEnv("ARCHIVE_REGION", ""),
		Endpoint:        config.GetEnv("ARCHIVE_ENDPOINT", ""),
		PathStyle:       config.GetBoolEnv("ARCHIVE_PATH_STYLE", false),
		AccessKeyID:     config.GetEnv("ARCHIVE_ACCESS_KEY_ID", ""),
		SecretAccessKey: config.GetSecretFile(config.GetEnv("ARCHIVE_SECRET_ACCESS_KEY_FILE", "")),
		QueueSize:       config.GetIntEnv("ARCHIVE_QUEUE_SIZE", 100),
		UploadTimeout:   config.GetDurationEnv("ARCHIVE_UPLOAD_TIMEOUT", 2*time.Minute),
	}
}

// ObjectPutter is the subset of the S3 client used for uploads.
type ObjectPutter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// MetricsRecorder is an optional interface for recording archive outcomes.
type MetricsRecorder interface {
	RecordArchive(ctx context.Context, success bool)
}

// Key returns the object key of one artifact: <prefix>/<userId>/<jobId>/<name>.
func Key(prefix, userID, jobID, name string) string {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return path.Join(userID, jobID, name)
	}
	return path.Join(prefix, userID, jobID, name)
}

type task struct {
	userID    string
	jobID     string
	jobDir    string
	artifacts []resolver.Artifact
}

// S3Archiver uploads artifacts from a single background worker.
type S3Archiver struct {
	client  ObjectPutter
	bucket  string
	prefix  string
	timeout time.Duration
	metrics MetricsRecorder
	logger  *slog.Logger

	mu     sync.RWMutex
	closed bool
	queue  chan task
	done   chan struct{}
}

// NewS3Archiver builds an S3 client from cfg and starts the upload worker.
func NewS3Archiver(ctx context.Context, cfg Config, metrics MetricsRecorder) (*S3Archiver, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("archive bucket is required")
	}

	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	if awsCfg.Region == "" {
		awsCfg.Region = "us-east-1"
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.PathStyle
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return New(client, cfg, metrics), nil
}

// New starts an archiver on an existing client.
func New(client ObjectPutter, cfg Config, metrics MetricsRecorder) *S3Archiver {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 100
	}
	if cfg.UploadTimeout <= 0 {
		cfg.UploadTimeout = 2 * time.Minute
	}
	a := &S3Archiver{
		client:  client,
		bucket:  cfg.Bucket,
		prefix:  cfg.Prefix,
		timeout: cfg.UploadTimeout,
		metrics: metrics,
		logger:  slog.With("component", "archive", "bucket", cfg.Bucket),
		queue:   make(chan task, cfg.QueueSize),
		done:    make(chan struct{}),
	}
	go a.run()
	return a
}

// Archive queues a job's artifacts for upload. Placeholder artifacts are
// skipped. It never blocks; a full queue drops the job with a warning.
func (a *S3Archiver) Archive(userID, jobID, jobDir string, artifacts []resolver.Artifact) error {
	var keep []resolver.Artifact
	for _, art := range artifacts {
		if !art.Placeholder {
			keep = append(keep, art)
		}
	}
	if len(keep) == 0 {
		return nil
	}

	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return ErrClosed
	}
	select {
	case a.queue <- task{userID: userID, jobID: jobID, jobDir: jobDir, artifacts: keep}:
		return nil
	default:
		a.logger.Warn("Archive queue full, skipping job", "jobId", jobID, "artifacts", len(keep))
		a.record(false)
		return fmt.Errorf("archive queue full")
	}
}

func (a *S3Archiver) run() {
	defer close(a.done)
	for t := range a.queue {
		for _, art := range t.artifacts {
			err := a.upload(t, art)
			a.record(err == nil)
			if err != nil {
				a.logger.Error("Artifact upload failed",
					"jobId", t.jobID,
					"artifact", art.Name,
					"error", err)
			}
		}
		a.logger.Debug("Job archived", "jobId", t.jobID, "artifacts", len(t.artifacts))
	}
}

func (a *S3Archiver) upload(t task, art resolver.Artifact) error {
	f, err := resolver.Open(t.jobDir, art)
	if err != nil {
		return err
	}
	defer f.Close()

	ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
	defer cancel()

	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(a.bucket),
		Key:           aws.String(Key(a.prefix, t.userID, t.jobID, art.Name)),
		Body:          f,
		ContentLength: aws.Int64(art.Size),
	})
	return err
}

func (a *S3Archiver) record(success bool) {
	if a.metrics != nil {
		a.metrics.RecordArchive(context.Background(), success)
	}
}

// Close stops accepting jobs and waits for queued uploads to finish.
func (a *S3Archiver) Close(ctx context.Context) error {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.queue)
	}
	a.mu.Unlock()

	select {
	case <-a.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
