// Package storage mirrors installer images and OpenCore bundles from an S3
// bucket into the local work dir. The flash pipeline only ever receives
// the resulting local path.
package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/dustin/go-humanize"

	"github.com/ruuf/ruuf/pkg/errors"
)

// API is the subset of the S3 client the mirror uses.
type API interface {
	s3.ListObjectsV2APIClient
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

// Options configure NewClient.
type Options struct {
	Bucket string
	Region string
	Prefix string

	// Endpoint points at an S3-compatible mirror instead of AWS.
	Endpoint string

	// Anonymous skips the default credential chain, for public buckets.
	Anonymous bool
}

// Client provides S3 storage operations
type Client struct {
	api    API
	bucket string
	prefix string
}

// NewClient creates an S3 client for the mirror bucket.
func NewClient(ctx context.Context, opts Options) (*Client, error) {
	slog.Info("s3_client_init", "bucket", opts.Bucket, "region", opts.Region, "anonymous", opts.Anonymous)
	if opts.Bucket == "" {
		return nil, errors.Newf(errors.KindInvalidImage, "s3 client", "no bucket configured")
	}

	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(opts.Region)}
	if opts.Anonymous {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(aws.AnonymousCredentials{}))
	}
	cfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		slog.Error("aws_config_load_failed", "error", err)
		return nil, errors.Wrap(err, "failed to load AWS config")
	}

	api := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
		}
	})

	slog.Info("s3_client_created", "bucket", opts.Bucket)
	return NewClientWithAPI(api, opts.Bucket, opts.Prefix), nil
}

// NewClientWithAPI wraps an existing S3 API.
func NewClientWithAPI(api API, bucket, prefix string) *Client {
	return &Client{api: api, bucket: bucket, prefix: prefix}
}

func (c *Client) key(k string) string {
	if c.prefix == "" || strings.HasPrefix(k, c.prefix) {
		return k
	}
	return path.Join(c.prefix, k)
}

// FetchResult describes a local copy of an object.
type FetchResult struct {
	Key       string
	LocalPath string
	SHA256    string
	Size      int64
	Cached    bool
}

const sidecarExt = ".sha256"

// Fetch downloads key into dir, computing SHA-256 on the way. A previous
// download is reused when its sidecar digest still matches the file and the
// object size is unchanged.
func (c *Client) Fetch(ctx context.Context, key, dir string) (*FetchResult, error) {
	key = c.key(key)
	localPath := filepath.Join(dir, path.Base(key))

	head, err := c.api.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(c.bucket), Key: aws.String(key)})
	if err != nil {
		if isNotFound(err) {
			return nil, errors.Newf(errors.KindInvalidImage, "fetch "+key, "no such object in %s", c.bucket)
		}
		slog.Error("s3_head_object_failed", "s3_key", key, "error", err)
		return nil, errors.Wrap(err, "failed to check object")
	}
	size := aws.ToInt64(head.ContentLength)

	if res, ok := cached(localPath, size); ok {
		slog.Info("s3_download_cached", "s3_key", key, "local_path", localPath, "sha256", res.SHA256[:16]+"...")
		res.Key = key
		return res, nil
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		slog.Error("download_dir_creation_failed", "path", dir, "error", err)
		return nil, errors.Wrap(err, "failed to create download dir")
	}

	slog.Info("s3_download_start", "bucket", c.bucket, "s3_key", key, "size", humanize.IBytes(uint64(size)))
	result, err := c.api.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(c.bucket), Key: aws.String(key)})
	if err != nil {
		slog.Error("s3_get_object_failed", "s3_key", key, "error", err)
		return nil, errors.Wrap(err, "failed to get object from S3")
	}
	defer result.Body.Close()

	tmp := localPath + ".partial"
	f, err := os.Create(tmp)
	if err != nil {
		slog.Error("local_file_creation_failed", "path", tmp, "error", err)
		return nil, errors.Wrap(err, "failed to create local file")
	}

	hash := sha256.New()
	n, err := io.Copy(io.MultiWriter(f, hash), result.Body)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp)
		slog.Error("s3_download_failed", "s3_key", key, "error", err)
		return nil, errors.Wrap(err, "failed to download file")
	}
	if size > 0 && n != size {
		os.Remove(tmp)
		return nil, errors.Newf(errors.KindInvalidImage, "fetch "+key, "downloaded %d bytes, object has %d", n, size)
	}

	checksum := hex.EncodeToString(hash.Sum(nil))
	if err := os.Rename(tmp, localPath); err != nil {
		os.Remove(tmp)
		return nil, errors.Wrap(err, "failed to move download into place")
	}
	if err := os.WriteFile(localPath+sidecarExt, []byte(checksum+"\n"), 0644); err != nil {
		slog.Warn("sidecar_write_failed", "path", localPath+sidecarExt, "error", err)
	}

	slog.Info("s3_download_complete",
		"s3_key", key,
		"size", humanize.IBytes(uint64(n)),
		"local_path", localPath,
		"sha256", checksum[:16]+"...",
	)
	return &FetchResult{Key: key, LocalPath: localPath, SHA256: checksum, Size: n}, nil
}

func cached(localPath string, size int64) (*FetchResult, bool) {
	fi, err := os.Stat(localPath)
	if err != nil || (size > 0 && fi.Size() != size) {
		return nil, false
	}
	want, err := os.ReadFile(localPath + sidecarExt)
	if err != nil {
		return nil, false
	}

	f, err := os.Open(localPath)
	if err != nil {
		return nil, false
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return nil, false
	}
	got := hex.EncodeToString(h.Sum(nil))
	if got != strings.TrimSpace(string(want)) {
		slog.Warn("cached_download_stale", "path", localPath)
		return nil, false
	}
	return &FetchResult{LocalPath: localPath, SHA256: got, Size: fi.Size(), Cached: true}, true
}

// List lists all object keys below prefix.
func (c *Client) List(ctx context.Context, prefix string) ([]string, error) {
	prefix = c.key(prefix)
	slog.Info("s3_list_start", "bucket", c.bucket, "prefix", prefix)

	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(c.bucket),
		Prefix: aws.String(prefix),
	}

	var keys []string
	paginator := s3.NewListObjectsV2Paginator(c.api, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			slog.Error("s3_list_failed", "prefix", prefix, "error", err)
			return nil, errors.Wrap(err, "failed to list objects")
		}
		for _, obj := range page.Contents {
			if obj.Key != nil {
				keys = append(keys, *obj.Key)
			}
		}
	}

	slog.Info("s3_list_complete", "prefix", prefix, "object_count", len(keys))
	return keys, nil
}

// Exists checks if an object exists in S3
func (c *Client) Exists(ctx context.Context, key string) (bool, error) {
	key = c.key(key)
	_, err := c.api.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			slog.Info("s3_object_not_found", "s3_key", key)
			return false, nil
		}
		slog.Error("s3_head_object_failed", "s3_key", key, "error", err)
		return false, errors.Wrap(err, "failed to check object existence")
	}

	slog.Info("s3_object_exists", "s3_key", key)
	return true, nil
}

func isNotFound(err error) bool {
	var nf *types.NotFound
	var nk *types.NoSuchKey
	return errors.As(err, &nf) || errors.As(err, &nk)
}

// Resolve maps a distro selector to an object key through the configured
// table. A selector containing a slash is taken as a key.
func Resolve(distros map[string]string, selector string) (string, error) {
	if k, ok := distros[strings.ToLower(selector)]; ok {
		return k, nil
	}
	if strings.Contains(selector, "/") {
		return selector, nil
	}
	return "", errors.Newf(errors.KindInvalidImage, "resolve "+selector, "unknown distro selector")
}
