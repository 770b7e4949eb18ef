package bundler

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"addinbundle/pkg/s3"
)

// ObjectStore is the subset of the S3 client used for publishing.
type ObjectStore interface {
	PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64, sha256 string) error
	PresignGet(ctx context.Context, bucket, key string, ttl time.Duration) (string, error)
}

// EventPublisher sends build events to a message bus.
type EventPublisher interface {
	Publish(ctx context.Context, subj, msgID string, v any) error
}

// BuiltEvent announces a published bundle.
type BuiltEvent struct {
	RunID      string      `json:"run_id"`
	Name       string      `json:"name"`
	Bundle     string      `json:"bundle"`
	Release    bool        `json:"release"`
	BuiltAt    time.Time   `json:"built_at"`
	Size       int64       `json:"size"`
	SHA256     string      `json:"sha256"`
	Object     string      `json:"object,omitempty"`
	URL        string      `json:"url,omitempty"`
	Components []Component `json:"components"`
}

// PublishResult describes where a bundle was delivered.
type PublishResult struct {
	Object    string
	Signature string
	URL       string
	Event     *BuiltEvent
}

// Publish uploads a finished bundle (and its signature) to S3 and announces
// it on the bus. At least one of Store or Events must be configured.
func Publish(ctx context.Context, cfg PublishConfig) (*PublishResult, error) {
	if cfg.Result == nil {
		return nil, fmt.Errorf("%w: build result is required", ErrInvalidConfig)
	}
	if cfg.Store == nil && cfg.Events == nil {
		return nil, fmt.Errorf("%w: no publish target configured", ErrInvalidConfig)
	}
	if cfg.Stdout == nil {
		cfg.Stdout = os.Stdout
	}
	if cfg.PresignTTL <= 0 {
		cfg.PresignTTL = 24 * time.Hour
	}
	if cfg.Subject == "" {
		cfg.Subject = "addin.bundle.built"
	}
	res := cfg.Result
	out := &PublishResult{}

	if cfg.Store != nil {
		bucket, prefix, err := s3.ParseURL(cfg.Location)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
		}
		key := s3.JoinKey(prefix, filepath.Base(res.Output))
		if err := upload(ctx, cfg.Store, bucket, key, res.Output); err != nil {
			return nil, err
		}
		out.Object = "s3://" + bucket + "/" + key
		step(cfg.Stdout, "Uploaded %s", out.Object)

		if res.SignaturePath != "" {
			sigKey := key + SignatureSuffix
			if err := upload(ctx, cfg.Store, bucket, sigKey, res.SignaturePath); err != nil {
				return nil, err
			}
			out.Signature = "s3://" + bucket + "/" + sigKey
		}

		url, err := cfg.Store.PresignGet(ctx, bucket, key, cfg.PresignTTL)
		if err != nil {
			return nil, fmt.Errorf("presign %s: %w", out.Object, err)
		}
		out.URL = url
		fmt.Fprintf(cfg.Stdout, "%s\n", url)
	}

	if cfg.Events != nil {
		ev := &BuiltEvent{
			RunID:      res.RunID,
			Name:       res.Name,
			Bundle:     filepath.Base(res.Output),
			Release:    res.Release,
			BuiltAt:    res.Timestamp,
			Size:       res.Size,
			SHA256:     res.SHA256,
			Object:     out.Object,
			URL:        out.URL,
			Components: res.Components,
		}
		if err := cfg.Events.Publish(ctx, cfg.Subject, res.RunID, ev); err != nil {
			return nil, fmt.Errorf("publish event: %w", err)
		}
		out.Event = ev
		if cfg.Logger != nil {
			cfg.Logger.Printf("INFO run %s: event published on %s", res.RunID, cfg.Subject)
		}
	}
	return out, nil
}

func upload(ctx context.Context, store ObjectStore, bucket, key, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("%w: read %s: %w", ErrFileSystem, path, err)
	}
	if err := store.PutObject(ctx, bucket, key, bytes.NewReader(data), int64(len(data)), sha256Hex(data)); err != nil {
		return fmt.Errorf("upload %s: %w", key, err)
	}
	return nil
}
