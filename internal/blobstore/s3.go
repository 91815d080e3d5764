package blobstore

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/pkg/errors"
)

const (
	s3MetaProjectName = "Project-Name"
	defaultS3Endpoint = "s3.amazonaws.com"
)

type S3Config struct {
	Bucket    string
	Endpoint  string
	Region    string
	Prefix    string
	Secure    bool
	AccessKey string
	SecretKey string
}

// S3Store talks to any S3-compatible endpoint. Credentials come from the
// config when set, otherwise from the AWS environment variables.
type S3Store struct {
	client *minio.Client
	bucket string
	prefix string
}

func NewS3Store(cfg S3Config) (*S3Store, error) {
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, errors.New("s3 bucket is required")
	}
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		endpoint = defaultS3Endpoint
	}
	creds := credentials.NewEnvAWS()
	if cfg.AccessKey != "" {
		creds = credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, "")
	}
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  creds,
		Region: cfg.Region,
		Secure: cfg.Secure,
	})
	if err != nil {
		return nil, errors.Wrap(err, "create s3 client")
	}
	return &S3Store{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
	}, nil
}

func (s *S3Store) objectName(key Key) string {
	return path.Join(s.prefix, key.RoomID, key.PageID, string(key.Kind))
}

func (s *S3Store) Put(ctx context.Context, key Key, data []byte, meta Metadata) error {
	if err := key.Validate(); err != nil {
		return err
	}
	contentType := meta.ContentType
	if contentType == "" {
		contentType = DefaultContentType(key.Kind)
	}
	opts := minio.PutObjectOptions{ContentType: contentType}
	if meta.ProjectName != "" {
		opts.UserMetadata = map[string]string{s3MetaProjectName: meta.ProjectName}
	}
	reader := bytes.NewReader(data)
	if _, err := s.client.PutObject(ctx, s.bucket, s.objectName(key), reader, reader.Size(), opts); err != nil {
		return wrapErr("put", key, errors.Wrapf(err, "put object '%s'", s.objectName(key)))
	}
	return nil
}

func (s *S3Store) Get(ctx context.Context, key Key) (Object, error) {
	if err := key.Validate(); err != nil {
		return Object{}, err
	}
	obj, err := s.client.GetObject(ctx, s.bucket, s.objectName(key), minio.GetObjectOptions{})
	if err != nil {
		return Object{}, s.mapErr("get", key, err)
	}
	defer obj.Close()
	data, err := io.ReadAll(obj)
	if err != nil {
		return Object{}, s.mapErr("get", key, err)
	}
	info, err := obj.Stat()
	if err != nil {
		return Object{}, s.mapErr("get", key, err)
	}
	return Object{Data: data, Metadata: metadataFromS3(info)}, nil
}

func (s *S3Store) Delete(ctx context.Context, key Key) error {
	if err := key.Validate(); err != nil {
		return err
	}
	err := s.client.RemoveObject(ctx, s.bucket, s.objectName(key), minio.RemoveObjectOptions{})
	if err == nil {
		return nil
	}
	mapped := s.mapErr("delete", key, err)
	if errors.Is(mapped, ErrNotFound) {
		return nil
	}
	return mapped
}

func (s *S3Store) List(ctx context.Context, roomID string) ([]ObjectInfo, error) {
	if !validSegment(roomID) {
		return nil, ErrInvalidKey
	}
	prefix := path.Join(s.prefix, roomID) + "/"
	out := make([]ObjectInfo, 0)
	for info := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix:       prefix,
		Recursive:    true,
		WithMetadata: true,
	}) {
		if info.Err != nil {
			return nil, &Error{Op: "list", Key: roomID, Err: errors.Wrap(info.Err, "list objects")}
		}
		rel := info.Key
		if s.prefix != "" {
			rel = strings.TrimPrefix(rel, s.prefix+"/")
		}
		key, err := ParseKey(rel)
		if err != nil {
			continue
		}
		out = append(out, ObjectInfo{Key: key, Size: info.Size, Metadata: metadataFromS3(info)})
	}
	sortInfos(out)
	return out, nil
}

func (s *S3Store) mapErr(op string, key Key, err error) error {
	resp := minio.ToErrorResponse(err)
	if resp.StatusCode == http.StatusNotFound || resp.Code == "NoSuchKey" {
		return ErrNotFound
	}
	return wrapErr(op, key, errors.Wrapf(err, "%s object '%s'", op, s.objectName(key)))
}

func metadataFromS3(info minio.ObjectInfo) Metadata {
	meta := Metadata{ContentType: info.ContentType, UpdatedAt: info.LastModified}
	for k, v := range info.UserMetadata {
		name := strings.TrimPrefix(strings.ToLower(k), "x-amz-meta-")
		if name == strings.ToLower(s3MetaProjectName) {
			meta.ProjectName = v
		}
	}
	return meta
}
