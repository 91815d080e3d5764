package blobstore

import (
	"context"
	"io"
	"path"
	"strings"

	"cloud.google.com/go/storage"
	"github.com/pkg/errors"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

const gcsMetaProjectName = "project-name"

type GCSConfig struct {
	Bucket          string
	Prefix          string
	Endpoint        string
	CredentialsFile string
}

type GCSStore struct {
	client *storage.Client
	bucket string
	prefix string
}

func NewGCSStore(ctx context.Context, cfg GCSConfig) (*GCSStore, error) {
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, errors.New("gcs bucket is required")
	}
	opts := []option.ClientOption{}
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint), option.WithoutAuthentication())
	} else if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "create gcs client")
	}
	return &GCSStore{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
	}, nil
}

func (s *GCSStore) objectName(key Key) string {
	return path.Join(s.prefix, key.RoomID, key.PageID, string(key.Kind))
}

func (s *GCSStore) Put(ctx context.Context, key Key, data []byte, meta Metadata) error {
	if err := key.Validate(); err != nil {
		return err
	}
	w := s.client.Bucket(s.bucket).Object(s.objectName(key)).NewWriter(ctx)
	w.ContentType = meta.ContentType
	if w.ContentType == "" {
		w.ContentType = DefaultContentType(key.Kind)
	}
	if meta.ProjectName != "" {
		w.Metadata = map[string]string{gcsMetaProjectName: meta.ProjectName}
	}
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return wrapErr("put", key, errors.Wrapf(err, "write object '%s'", s.objectName(key)))
	}
	if err := w.Close(); err != nil {
		return wrapErr("put", key, errors.Wrapf(err, "close object '%s'", s.objectName(key)))
	}
	return nil
}

func (s *GCSStore) Get(ctx context.Context, key Key) (Object, error) {
	if err := key.Validate(); err != nil {
		return Object{}, err
	}
	obj := s.client.Bucket(s.bucket).Object(s.objectName(key))
	attrs, err := obj.Attrs(ctx)
	if err != nil {
		return Object{}, s.mapErr("get", key, err)
	}
	r, err := obj.NewReader(ctx)
	if err != nil {
		return Object{}, s.mapErr("get", key, err)
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return Object{}, s.mapErr("get", key, err)
	}
	return Object{Data: data, Metadata: metadataFromGCS(attrs)}, nil
}

func (s *GCSStore) Delete(ctx context.Context, key Key) error {
	if err := key.Validate(); err != nil {
		return err
	}
	err := s.client.Bucket(s.bucket).Object(s.objectName(key)).Delete(ctx)
	if err == nil || errors.Is(err, storage.ErrObjectNotExist) {
		return nil
	}
	return s.mapErr("delete", key, err)
}

func (s *GCSStore) List(ctx context.Context, roomID string) ([]ObjectInfo, error) {
	if !validSegment(roomID) {
		return nil, ErrInvalidKey
	}
	it := s.client.Bucket(s.bucket).Objects(ctx, &storage.Query{Prefix: path.Join(s.prefix, roomID) + "/"})
	out := make([]ObjectInfo, 0)
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, &Error{Op: "list", Key: roomID, Err: errors.Wrap(err, "list objects")}
		}
		rel := attrs.Name
		if s.prefix != "" {
			rel = strings.TrimPrefix(rel, s.prefix+"/")
		}
		key, keyErr := ParseKey(rel)
		if keyErr != nil {
			continue
		}
		out = append(out, ObjectInfo{Key: key, Size: attrs.Size, Metadata: metadataFromGCS(attrs)})
	}
	sortInfos(out)
	return out, nil
}

func (s *GCSStore) Close() error {
	return s.client.Close()
}

func (s *GCSStore) mapErr(op string, key Key, err error) error {
	if errors.Is(err, storage.ErrObjectNotExist) {
		return ErrNotFound
	}
	return wrapErr(op, key, errors.Wrapf(err, "%s object '%s'", op, s.objectName(key)))
}

func metadataFromGCS(attrs *storage.ObjectAttrs) Metadata {
	if attrs == nil {
		return Metadata{}
	}
	return Metadata{
		ProjectName: attrs.Metadata[gcsMetaProjectName],
		ContentType: attrs.ContentType,
		UpdatedAt:   attrs.Updated,
	}
}
