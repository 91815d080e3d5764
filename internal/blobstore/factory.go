package blobstore

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
)

type Factory func(dsn string) (Store, error)

var factoryRegistry = struct {
	mu        sync.RWMutex
	factories map[string]Factory
}{
	factories: map[string]Factory{},
}

func RegisterFactory(scheme string, factory Factory) {
	scheme = strings.ToLower(strings.TrimSpace(scheme))
	if scheme == "" || factory == nil {
		return
	}
	factoryRegistry.mu.Lock()
	defer factoryRegistry.mu.Unlock()
	factoryRegistry.factories[scheme] = factory
}

func lookupFactory(scheme string) (Factory, bool) {
	factoryRegistry.mu.RLock()
	defer factoryRegistry.mu.RUnlock()
	factory, ok := factoryRegistry.factories[scheme]
	return factory, ok
}

// BuildFromDSN picks a backend by scheme:
//
//	memory://
//	file:///var/lib/inkrelay/blobs
//	s3://bucket/prefix?endpoint=minio:9000&region=us-east-1&secure=false
//	gs://bucket/prefix
func BuildFromDSN(ctx context.Context, dsn string) (Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme))
	if factory, ok := lookupFactory(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "", "file":
		root := strings.TrimSpace(parsed.Path)
		if scheme == "" {
			root = dsn
		}
		if root == "" {
			root = strings.TrimSpace(parsed.Host)
		}
		return NewFileStore(root)
	case "memory", "mem", "inmem":
		return NewMemoryStore(), nil
	case "s3", "minio":
		q := parsed.Query()
		secure := true
		if raw := q.Get("secure"); raw != "" {
			if secure, err = strconv.ParseBool(raw); err != nil {
				return nil, fmt.Errorf("invalid secure flag %q: %w", raw, err)
			}
		}
		cfg := S3Config{
			Bucket:   parsed.Host,
			Prefix:   strings.Trim(parsed.Path, "/"),
			Endpoint: q.Get("endpoint"),
			Region:   q.Get("region"),
			Secure:   secure,
		}
		if parsed.User != nil {
			cfg.AccessKey = parsed.User.Username()
			cfg.SecretKey, _ = parsed.User.Password()
		}
		return NewS3Store(cfg)
	case "gs", "gcs":
		q := parsed.Query()
		return NewGCSStore(ctx, GCSConfig{
			Bucket:          parsed.Host,
			Prefix:          strings.Trim(parsed.Path, "/"),
			Endpoint:        q.Get("endpoint"),
			CredentialsFile: q.Get("credentials"),
		})
	case "azblob", "azure":
		return nil, fmt.Errorf("%w: blob backend %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported blob backend scheme: %s", scheme)
	}
}
