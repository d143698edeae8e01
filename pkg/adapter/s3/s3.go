// Package s3 provides a cloud-backed adapter over S3-compatible object
// storage. Directories are key prefixes, optionally materialized by an
// empty "dir/" marker object. Watching polls the bucket.
package s3

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/sony/gobreaker/v2"

	"github.com/fruitsalade/vfs/internal/logging"
	"github.com/fruitsalade/vfs/pkg/adapter"
	"github.com/fruitsalade/vfs/pkg/fserrors"
	"github.com/fruitsalade/vfs/pkg/models"
	"github.com/fruitsalade/vfs/pkg/retry"
)

const (
	defaultPollInterval = 30 * time.Second
	defaultMaxFailures  = 5
	defaultOpenTimeout  = 30 * time.Second
)

// Client is the subset of the S3 API the adapter uses. *s3.Client
// satisfies it.
type Client interface {
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	CreateBucket(ctx context.Context, params *s3.CreateBucketInput, optFns ...func(*s3.Options)) (*s3.CreateBucketOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	CopyObject(ctx context.Context, params *s3.CopyObjectInput, optFns ...func(*s3.Options)) (*s3.CopyObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// Config is the JSON-serializable S3 adapter configuration.
type Config struct {
	Endpoint     string           `json:"endpoint"`
	Bucket       string           `json:"bucket"`
	Prefix       string           `json:"prefix"`
	AccessKey    string           `json:"access_key"`
	SecretKey    string           `json:"secret_key"`
	Region       string           `json:"region"`
	UseSSL       bool             `json:"use_ssl"`
	CreateBucket bool             `json:"create_bucket"`
	PollInterval adapter.Duration `json:"poll_interval"`
	// MaxFailures consecutive transport failures open the circuit.
	MaxFailures uint32 `json:"max_failures"`
}

// Adapter implements adapter.Adapter on an S3 bucket.
type Adapter struct {
	client  Client
	bucket  string
	prefix  string
	breaker *gobreaker.CircuitBreaker[any]
	events  *adapter.Emitter
	poller  *adapter.Poller
	cancel  context.CancelFunc
}

// New creates an S3 adapter with a client built from cfg.
func New(ctx context.Context, cfg Config) (*Adapter, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket is required")
	}

	opts := []func(*config.LoadOptions) error{}
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.AccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	endpoint := endpointURL(cfg.Endpoint, cfg.UseSSL)
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	})

	a := NewWithClient(cfg, client)

	if cfg.CreateBucket {
		if err := a.ensureBucket(ctx); err != nil {
			logging.Error("bucket check failed", logging.String("bucket", cfg.Bucket), logging.Err(err))
		}
	}
	return a, nil
}

// NewFromJSON creates an Adapter from raw JSON config.
func NewFromJSON(ctx context.Context, raw json.RawMessage) (*Adapter, error) {
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse s3 config: %w", err)
	}
	return New(ctx, cfg)
}

// NewWithClient creates an adapter on an existing client.
func NewWithClient(cfg Config, client Client) *Adapter {
	interval := cfg.PollInterval.Std()
	if interval <= 0 {
		interval = defaultPollInterval
	}
	maxFailures := cfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = defaultMaxFailures
	}

	prefix := strings.Trim(cfg.Prefix, "/")
	if prefix != "" {
		prefix += "/"
	}

	ctx, cancel := context.WithCancel(context.Background())
	a := &Adapter{
		client: client,
		bucket: cfg.Bucket,
		prefix: prefix,
		events: adapter.NewEmitter(),
		cancel: cancel,
	}
	a.breaker = gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        "s3:" + cfg.Bucket,
		MaxRequests: 1, // allow 1 trial request in half-open state
		Timeout:     defaultOpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn("circuit breaker state change",
				logging.String("breaker", name),
				logging.String("from", from.String()),
				logging.String("to", to.String()))
		},
		// Structural answers (missing key, access denied) are the service
		// working as intended.
		IsSuccessful: func(err error) bool {
			return err == nil || classify(err) != fserrors.KindIO
		},
	})
	a.poller = adapter.NewPoller(interval, a.scan, a.events.Emit)
	a.poller.Start(ctx)
	return a
}

func endpointURL(endpoint string, useSSL bool) string {
	if endpoint == "" || strings.Contains(endpoint, "://") {
		return endpoint
	}
	if useSSL {
		return "https://" + endpoint
	}
	return "http://" + endpoint
}

func (a *Adapter) ensureBucket(ctx context.Context) error {
	_, err := a.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(a.bucket),
	})
	if err != nil {
		_, createErr := a.client.CreateBucket(ctx, &s3.CreateBucketInput{
			Bucket: aws.String(a.bucket),
		})
		if createErr != nil {
			return fmt.Errorf("bucket %s does not exist and cannot create: %w", a.bucket, createErr)
		}
		logging.Info("created S3 bucket", logging.String("bucket", a.bucket))
	}
	return nil
}

// Type returns "s3".
func (a *Adapter) Type() string { return "s3" }

// key maps a volume path to an object key. The root maps to "".
func (a *Adapter) key(path string) string {
	return a.prefix + strings.Trim(path, "/")
}

// dirPrefix maps a directory path to the prefix of its children.
func (a *Adapter) dirPrefix(path string) string {
	k := a.key(path)
	if k == "" || strings.HasSuffix(k, "/") {
		return k
	}
	return k + "/"
}

// pathOf maps an object key back to a volume path.
func (a *Adapter) pathOf(key string) string {
	return "/" + strings.Trim(strings.TrimPrefix(key, a.prefix), "/")
}

// call runs fn through the circuit breaker.
func call[T any](a *Adapter, fn func() (T, error)) (T, error) {
	var zero T
	v, err := a.breaker.Execute(func() (any, error) {
		return fn()
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return zero, fmt.Errorf("bucket %s circuit open: %w", a.bucket, err)
		}
		return zero, err
	}
	return v.(T), nil
}

// classify maps an S3 error to a taxonomy kind.
func classify(err error) fserrors.Kind {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchKey", "NoSuchBucket":
			return fserrors.KindNotFound
		case "AccessDenied", "Forbidden", "AllAccessDisabled", "InvalidAccessKeyId", "SignatureDoesNotMatch":
			return fserrors.KindPermissionDenied
		case "EntityTooLarge", "QuotaExceeded":
			return fserrors.KindQuotaExceeded
		case "PreconditionFailed":
			return fserrors.KindContentsModified
		}
	}
	return fserrors.KindIO
}

func wrap(op, path string, err error) error {
	if err == nil {
		return nil
	}
	var fsErr *fserrors.Error
	if errors.As(err, &fsErr) {
		return err
	}
	return fserrors.New(op, path, classify(err), err)
}

func fileStats(size int64, modTime time.Time, etag string) *models.Stats {
	return models.NewStats(models.StatsOptions{
		IsFile:  true,
		ModTime: modTime,
		Size:    size,
		Hash:    strings.Trim(etag, `"`),
	})
}

func (a *Adapter) dirStats(key string, modTime time.Time) *models.Stats {
	return models.NewStats(models.StatsOptions{
		ModTime: modTime,
		Hash:    "dir:" + a.bucket + "/" + key,
	})
}

// Events returns the change channel.
func (a *Adapter) Events() <-chan models.RawEvent {
	return a.events.Events()
}

// WatchPath starts polling the tree under path.
func (a *Adapter) WatchPath(path string) error {
	if err := a.poller.Add(context.Background(), path); err != nil {
		return wrap("watch", path, err)
	}
	return nil
}

// UnwatchPath stops polling path.
func (a *Adapter) UnwatchPath(path string) error {
	a.poller.Remove(path)
	return nil
}

// Close stops polling and closes the event channel.
func (a *Adapter) Close() error {
	a.cancel()
	a.poller.Stop()
	a.events.Close()
	return nil
}

// scan lists every object under root for the poller. Listing is
// idempotent, so transient failures are retried before the watch is
// reported broken.
func (a *Adapter) scan(ctx context.Context, root string) (adapter.Snapshot, error) {
	cfg := retry.DefaultConfig()
	cfg.ShouldRetry = func(err error) bool { return classify(err) == fserrors.KindIO }

	return retry.DoWithResult(ctx, cfg, func() (adapter.Snapshot, error) {
		snap := make(adapter.Snapshot)
		if stats, err := a.Stat(ctx, root); err == nil {
			snap[a.pathOf(a.key(root))] = stats
			if stats.IsFile() {
				return snap, nil
			}
		} else if !fserrors.IsNotFound(err) {
			return nil, err
		}

		err := a.listAll(ctx, a.dirPrefix(root), func(key string, stats *models.Stats) {
			snap[a.pathOf(key)] = stats
		})
		if err != nil {
			return nil, err
		}
		return snap, nil
	})
}
