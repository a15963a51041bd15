// Package kvutil provides helpers for NATS JetStream key-value buckets.
package kvutil

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/arloliu/shardring/internal/backoff"
	"github.com/arloliu/shardring/types"
)

// EnsureKVBucketWithRetry creates or opens a KV bucket.
//
// Several routers may race to create the same bucket at startup; an existing
// bucket is opened instead, and transient failures are retried with jittered
// backoff starting at 10ms.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//   - js: JetStream context
//   - config: KV bucket configuration
//   - maxRetries: Maximum number of attempts (3 if <= 0)
//
// Returns:
//   - jetstream.KeyValue: The KV bucket
//   - error: The last error once all attempts failed
//
// Example:
//
//	kv, err := kvutil.EnsureKVBucketWithRetry(ctx, js, jetstream.KeyValueConfig{
//	    Bucket:  "shardring-topology",
//	    History: 5,
//	}, 3)
func EnsureKVBucketWithRetry(
	ctx context.Context,
	js jetstream.JetStream,
	config jetstream.KeyValueConfig,
	maxRetries int,
) (jetstream.KeyValue, error) {
	if maxRetries <= 0 {
		maxRetries = 3
	}

	var (
		lastErr error
		delay   time.Duration
	)
	for attempt := range maxRetries {
		kv, err := js.CreateKeyValue(ctx, config)
		if err == nil {
			return kv, nil
		}

		if errors.Is(err, jetstream.ErrBucketExists) {
			kv, err = js.KeyValue(ctx, config.Bucket)
			if err == nil {
				return kv, nil
			}
			lastErr = fmt.Errorf("bucket exists but failed to open: %w", err)
		} else {
			lastErr = err
		}

		if ctx.Err() != nil {
			return nil, fmt.Errorf("context cancelled during KV bucket creation: %w", ctx.Err())
		}

		if attempt < maxRetries-1 {
			delay = backoff.Jitter(delay, 10*time.Millisecond, 2, time.Second, nil)
			if err := backoff.Sleep(ctx, delay); err != nil {
				return nil, err
			}
		}
	}

	return nil, fmt.Errorf("failed to create/open KV bucket %s after %d attempts: %w",
		config.Bucket, maxRetries, lastErr)
}

// BucketName joins prefix and id into a valid bucket name.
//
// Bucket names allow only letters, digits, '-' and '_'; every other byte of id
// is replaced with '_'.
func BucketName(prefix, id string) string {
	var b strings.Builder
	b.Grow(len(prefix) + 1 + len(id))
	b.WriteString(prefix)
	b.WriteByte('-')
	for i := range len(id) {
		c := id[i]
		if c == '-' || c == '_' || ('a' <= c && c <= 'z') || ('A' <= c && c <= 'Z') || ('0' <= c && c <= '9') {
			b.WriteByte(c)
		} else {
			b.WriteByte('_')
		}
	}

	return b.String()
}

// ErrEmptyKey is returned by EncodeKey for the empty string, which KV cannot store.
var ErrEmptyKey = errors.New("empty key")

// EncodeKey maps an arbitrary key to a KV-safe key using unpadded base64url.
func EncodeKey(key string) (string, error) {
	if key == "" {
		return "", ErrEmptyKey
	}

	return base64.RawURLEncoding.EncodeToString([]byte(key)), nil
}

// DecodeKey reverses EncodeKey.
func DecodeKey(encoded string) (string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("invalid encoded key %q: %w", encoded, err)
	}

	return string(raw), nil
}

// IsNoKeysFound reports whether err is the "bucket is empty" condition of ListKeys/Keys.
func IsNoKeysFound(err error) bool {
	if err == nil {
		return false
	}

	return errors.Is(err, jetstream.ErrNoKeysFound) || types.IsNoKeysFoundError(err)
}
