package service

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	aws "github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/devrev/pairdb/internal/metrics"
	"github.com/devrev/pairdb/internal/util"
	"github.com/devrev/pairdb/internal/util/workerpool"
	"go.uber.org/zap"
)

// ReplicationMode controls how snapshot files reach replica targets
type ReplicationMode int

const (
	// ReplicationSync ships to each target in turn before the snapshot tick returns
	ReplicationSync ReplicationMode = iota
	// ReplicationAsyncBestEffort hands shipping to a worker pool and returns immediately
	ReplicationAsyncBestEffort
)

// ParseReplicationMode maps a config string to a ReplicationMode
func ParseReplicationMode(s string) (ReplicationMode, error) {
	switch s {
	case "", "sync":
		return ReplicationSync, nil
	case "async", "async_best_effort":
		return ReplicationAsyncBestEffort, nil
	default:
		return ReplicationSync, fmt.Errorf("unknown replication mode %q", s)
	}
}

// ReplicaTarget receives copies of the journal and snapshot files.
// Targets are written to and never read by the owning runtime.
type ReplicaTarget interface {
	Name() string
	Ship(ctx context.Context, files []string) error
}

// DirReplica mirrors files into another root directory
type DirReplica struct {
	root string
}

// NewDirReplica creates a directory replica target
func NewDirReplica(root string) *DirReplica {
	return &DirReplica{root: root}
}

func (d *DirReplica) Name() string { return "dir:" + d.root }

// Ship copies each file into the replica root under its base name
func (d *DirReplica) Ship(_ context.Context, files []string) error {
	for _, f := range files {
		if err := util.CopyFile(f, filepath.Join(d.root, filepath.Base(f))); err != nil {
			return err
		}
	}
	return nil
}

// S3ReplicaConfig holds construction parameters for an S3 replica
type S3ReplicaConfig struct {
	Bucket          string
	Prefix          string
	Region          string
	Endpoint        string // optional; e.g. MinIO
	AccessKeyID     string // optional; falls back to the default credentials chain
	SecretAccessKey string
	UsePathStyle    bool
}

// S3Replica uploads files as objects under prefix
type S3Replica struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3Replica builds an S3 client from cfg
func NewS3Replica(ctx context.Context, cfg S3ReplicaConfig) (*S3Replica, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket required")
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if cfg.AccessKeyID != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.UsePathStyle
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return NewS3ReplicaWithClient(client, cfg.Bucket, cfg.Prefix), nil
}

// NewS3ReplicaWithClient wraps an existing client
func NewS3ReplicaWithClient(client *s3.Client, bucket, prefix string) *S3Replica {
	return &S3Replica{client: client, bucket: bucket, prefix: strings.Trim(prefix, "/")}
}

func (r *S3Replica) Name() string { return "s3://" + r.bucket + "/" + r.prefix }

// ObjectKey returns the object key a local file is shipped to
func (r *S3Replica) ObjectKey(file string) string {
	if r.prefix == "" {
		return filepath.Base(file)
	}
	return path.Join(r.prefix, filepath.Base(file))
}

// Ship uploads each existing file with PutObject
func (r *S3Replica) Ship(ctx context.Context, files []string) error {
	for _, f := range files {
		data, err := os.ReadFile(f)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return fmt.Errorf("failed to read %s: %w", f, err)
		}
		key := r.ObjectKey(f)
		_, err = r.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(r.bucket),
			Key:         aws.String(key),
			Body:        bytes.NewReader(data),
			ContentType: aws.String(contentTypeFor(f)),
		})
		if err != nil {
			return fmt.Errorf("failed to put %s: %w", key, err)
		}
	}
	return nil
}

func contentTypeFor(file string) string {
	if strings.HasSuffix(file, ".json") {
		return "application/json"
	}
	return "application/x-ndjson"
}

// ReplicationService ships snapshot files to replica targets.
// Failures are logged and counted and never fail the local operation.
type ReplicationService struct {
	mode    ReplicationMode
	targets []ReplicaTarget
	pool    *workerpool.WorkerPool
	logger  *zap.Logger
	metrics *metrics.Metrics
	timeout time.Duration

	mu       sync.Mutex
	failures uint64
	shipped  uint64
}

// NewReplicationService creates a replication service. Async mode starts a worker pool.
func NewReplicationService(mode ReplicationMode, targets []ReplicaTarget, logger *zap.Logger, m *metrics.Metrics) *ReplicationService {
	rs := &ReplicationService{
		mode:    mode,
		targets: targets,
		logger:  logger,
		metrics: m,
		timeout: 30 * time.Second,
	}
	if mode == ReplicationAsyncBestEffort && len(targets) > 0 {
		rs.pool = workerpool.NewWorkerPool(&workerpool.Config{
			Name:       "replica-shipping",
			MaxWorkers: len(targets),
			QueueSize:  len(targets) * 4,
			Logger:     logger,
		})
	}
	return rs
}

// Ship sends files to every target according to the mode
func (s *ReplicationService) Ship(ctx context.Context, files []string) {
	if len(s.targets) == 0 {
		return
	}
	if s.mode == ReplicationSync {
		for _, t := range s.targets {
			s.shipOne(ctx, t, files)
		}
		return
	}

	for _, t := range s.targets {
		target := t
		// Copy the files now: a later snapshot may replace them before the task runs.
		staged, err := stageFiles(files)
		if err != nil {
			s.recordFailure(target, err)
			continue
		}
		err = s.pool.Submit(workerpool.Task{
			ID: "ship:" + target.Name(),
			Fn: func(taskCtx context.Context) error {
				defer removeStaged(staged)
				s.shipOne(taskCtx, target, staged.files)
				return nil
			},
		})
		if err != nil {
			removeStaged(staged)
			s.recordFailure(target, err)
		}
	}
}

func (s *ReplicationService) shipOne(ctx context.Context, t ReplicaTarget, files []string) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	err := workerpool.Recover(func() error { return t.Ship(ctx, files) })
	if err != nil {
		s.recordFailure(t, err)
		return
	}
	s.mu.Lock()
	s.shipped++
	s.mu.Unlock()
	s.metrics.ReplicationShipmentsTotal.Inc()
	s.logger.Debug("Shipped files to replica", zap.String("target", t.Name()), zap.Int("files", len(files)))
}

func (s *ReplicationService) recordFailure(t ReplicaTarget, err error) {
	s.mu.Lock()
	s.failures++
	s.mu.Unlock()
	s.metrics.ReplicationFailures.Inc()
	s.logger.Warn("Replica shipping failed", zap.String("target", t.Name()), zap.Error(err))
}

// Wait blocks until queued async shipments finish
func (s *ReplicationService) Wait() {
	if s.pool != nil {
		s.pool.Wait()
	}
}

// Stats returns (successful shipments, failures)
func (s *ReplicationService) Stats() (uint64, uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shipped, s.failures
}

// Close drains and stops the async pool
func (s *ReplicationService) Close() {
	if s.pool != nil {
		_ = s.pool.Stop(s.timeout)
	}
}

type stagedFiles struct {
	dir   string
	files []string
}

// stageFiles copies files into a temp dir keeping base names
func stageFiles(files []string) (stagedFiles, error) {
	dir, err := os.MkdirTemp("", "pairdb-ship-*")
	if err != nil {
		return stagedFiles{}, err
	}
	out := stagedFiles{dir: dir}
	for _, f := range files {
		dst := filepath.Join(dir, filepath.Base(f))
		if err := util.CopyFile(f, dst); err != nil {
			os.RemoveAll(dir)
			return stagedFiles{}, err
		}
		out.files = append(out.files, dst)
	}
	return out, nil
}

func removeStaged(s stagedFiles) {
	if s.dir != "" {
		os.RemoveAll(s.dir)
	}
}
