package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/fruitsalade/vfs/internal/logging"
	"github.com/fruitsalade/vfs/pkg/adapter"
	"github.com/fruitsalade/vfs/pkg/fserrors"
	"github.com/fruitsalade/vfs/pkg/models"
)

// Stat heads the object, falling back to a prefix listing for directories.
func (a *Adapter) Stat(ctx context.Context, path string) (*models.Stats, error) {
	if strings.Trim(path, "/") == "" {
		return a.dirStats(strings.TrimSuffix(a.prefix, "/"), time.Time{}), nil
	}
	k := a.key(path)

	out, err := call(a, func() (*s3.HeadObjectOutput, error) {
		return a.client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(a.bucket),
			Key:    aws.String(k),
		})
	})
	if err == nil {
		return fileStats(aws.ToInt64(out.ContentLength), aws.ToTime(out.LastModified), aws.ToString(out.ETag)), nil
	}
	if classify(err) != fserrors.KindNotFound {
		return nil, wrap("stat", path, err)
	}

	stats, err := a.statDir(ctx, path)
	if err != nil {
		return nil, err
	}
	return stats, nil
}

// statDir reports a directory when any key lives under its prefix.
func (a *Adapter) statDir(ctx context.Context, path string) (*models.Stats, error) {
	prefix := a.dirPrefix(path)
	out, err := call(a, func() (*s3.ListObjectsV2Output, error) {
		return a.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:  aws.String(a.bucket),
			Prefix:  aws.String(prefix),
			MaxKeys: aws.Int32(1),
		})
	})
	if err != nil {
		return nil, wrap("stat", path, err)
	}
	if len(out.Contents) == 0 && len(out.CommonPrefixes) == 0 {
		return nil, fserrors.New("stat", path, fserrors.KindNotFound, nil)
	}

	var modTime time.Time
	if len(out.Contents) > 0 && aws.ToString(out.Contents[0].Key) == prefix {
		modTime = aws.ToTime(out.Contents[0].LastModified)
	}
	return a.dirStats(strings.TrimSuffix(prefix, "/"), modTime), nil
}

// ReadFile downloads a whole object.
func (a *Adapter) ReadFile(ctx context.Context, path string, opts adapter.ReadOptions) ([]byte, *models.Stats, error) {
	k := a.key(path)
	out, err := call(a, func() (*s3.GetObjectOutput, error) {
		return a.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(a.bucket),
			Key:    aws.String(k),
		})
	})
	if err != nil {
		if classify(err) == fserrors.KindNotFound {
			if stats, dirErr := a.statDir(ctx, path); dirErr == nil && stats.IsDirectory() {
				return nil, nil, fserrors.New("read", path, fserrors.KindNotReadable, errors.New("is a directory"))
			}
		}
		return nil, nil, wrap("read", path, err)
	}
	defer out.Body.Close()

	size := aws.ToInt64(out.ContentLength)
	if opts.MaxSize > 0 && size > opts.MaxSize {
		return nil, nil, fserrors.New("read", path, fserrors.KindNotReadable,
			fmt.Errorf("file size %d exceeds limit %d", size, opts.MaxSize))
	}

	var body io.Reader = out.Body
	if opts.MaxSize > 0 {
		body = io.LimitReader(out.Body, opts.MaxSize+1)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, nil, fserrors.New("read", path, fserrors.KindIO, err)
	}
	if opts.MaxSize > 0 && int64(len(data)) > opts.MaxSize {
		return nil, nil, fserrors.New("read", path, fserrors.KindNotReadable,
			fmt.Errorf("file exceeds limit %d", opts.MaxSize))
	}

	logging.Debug("S3 get object", logging.String("key", k), logging.Int("size", len(data)))
	return data, fileStats(int64(len(data)), aws.ToTime(out.LastModified), aws.ToString(out.ETag)), nil
}

// WriteFile uploads an object. A single PutObject is atomic.
func (a *Adapter) WriteFile(ctx context.Context, path string, data []byte, opts adapter.WriteOptions) (*models.Stats, error) {
	k := a.key(path)
	in := &s3.PutObjectInput{
		Bucket:        aws.String(a.bucket),
		Key:           aws.String(k),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	}
	if opts.ExpectedHash != "" {
		head, err := call(a, func() (*s3.HeadObjectOutput, error) {
			return a.client.HeadObject(ctx, &s3.HeadObjectInput{
				Bucket: aws.String(a.bucket),
				Key:    aws.String(k),
			})
		})
		switch {
		case err == nil:
			current := fileStats(aws.ToInt64(head.ContentLength), aws.ToTime(head.LastModified), aws.ToString(head.ETag))
			if err := adapter.CheckHash(path, current, opts); err != nil {
				return nil, err
			}
			// Guards the gap between the head and the put.
			in.IfMatch = head.ETag
		case classify(err) != fserrors.KindNotFound:
			return nil, wrap("write", path, err)
		}
	}

	out, err := call(a, func() (*s3.PutObjectOutput, error) {
		return a.client.PutObject(ctx, in)
	})
	if err != nil {
		return nil, wrap("write", path, err)
	}

	logging.Debug("S3 put object", logging.String("key", k), logging.Int("size", len(data)))
	stats := fileStats(int64(len(data)), time.Now(), aws.ToString(out.ETag))
	a.poller.Observe(path, stats)
	a.events.Emit(models.RawEvent{Kind: models.EventModified, Path: path, Stats: stats})
	return stats, nil
}

// Readdir lists one level under a directory prefix.
func (a *Adapter) Readdir(ctx context.Context, path string) ([]adapter.DirEntry, error) {
	prefix := a.dirPrefix(path)
	var entries []adapter.DirEntry
	var token *string

	for {
		out, err := call(a, func() (*s3.ListObjectsV2Output, error) {
			return a.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
				Bucket:            aws.String(a.bucket),
				Prefix:            aws.String(prefix),
				Delimiter:         aws.String("/"),
				ContinuationToken: token,
			})
		})
		if err != nil {
			return nil, wrap("readdir", path, err)
		}

		for _, cp := range out.CommonPrefixes {
			name := strings.TrimSuffix(strings.TrimPrefix(aws.ToString(cp.Prefix), prefix), "/")
			if name == "" {
				continue
			}
			entries = append(entries, adapter.DirEntry{
				Name:  name,
				Stats: a.dirStats(strings.TrimSuffix(aws.ToString(cp.Prefix), "/"), time.Time{}),
			})
		}
		for _, obj := range out.Contents {
			key := aws.ToString(obj.Key)
			name := strings.TrimPrefix(key, prefix)
			if name == "" {
				continue // the directory's own marker
			}
			entries = append(entries, adapter.DirEntry{
				Name:  name,
				Stats: fileStats(aws.ToInt64(obj.Size), aws.ToTime(obj.LastModified), aws.ToString(obj.ETag)),
			})
		}

		if !aws.ToBool(out.IsTruncated) {
			break
		}
		token = out.NextContinuationToken
	}

	if len(entries) == 0 && prefix != a.prefix {
		stats, err := a.Stat(ctx, path)
		if err != nil {
			return nil, wrap("readdir", path, err)
		}
		if stats.IsFile() {
			return nil, fserrors.New("readdir", path, fserrors.KindNotFound, errors.New("not a directory"))
		}
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}

// Mkdir writes an empty "dir/" marker object.
func (a *Adapter) Mkdir(ctx context.Context, path string) (*models.Stats, error) {
	if _, err := a.Stat(ctx, path); err == nil {
		return nil, fserrors.New("mkdir", path, fserrors.KindPathExists, nil)
	} else if !fserrors.IsNotFound(err) {
		return nil, err
	}

	marker := a.dirPrefix(path)
	_, err := call(a, func() (*s3.PutObjectOutput, error) {
		return a.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:        aws.String(a.bucket),
			Key:           aws.String(marker),
			Body:          bytes.NewReader(nil),
			ContentLength: aws.Int64(0),
		})
	})
	if err != nil {
		return nil, wrap("mkdir", path, err)
	}

	stats := a.dirStats(strings.TrimSuffix(marker, "/"), time.Now())
	a.poller.Observe(path, stats)
	a.events.Emit(models.RawEvent{Kind: models.EventCreated, Path: path, Stats: stats})
	return stats, nil
}

// Rename copies then deletes. A directory moves key by key, so a failure
// part way leaves both trees partially populated.
func (a *Adapter) Rename(ctx context.Context, oldPath, newPath string) (*models.Stats, error) {
	src, err := a.Stat(ctx, oldPath)
	if err != nil {
		return nil, wrap("rename", oldPath, err)
	}
	if _, err := a.Stat(ctx, newPath); err == nil {
		return nil, fserrors.New("rename", newPath, fserrors.KindPathExists, nil)
	} else if !fserrors.IsNotFound(err) {
		return nil, err
	}

	var keys []string
	if src.IsFile() {
		keys = []string{a.key(oldPath)}
	} else {
		err := a.listAll(ctx, a.dirPrefix(oldPath), func(key string, _ *models.Stats) {
			keys = append(keys, key)
		})
		if err != nil {
			return nil, wrap("rename", oldPath, err)
		}
	}

	oldKey, newKey := a.key(oldPath), a.key(newPath)
	for _, k := range keys {
		dst := newKey + strings.TrimPrefix(k, oldKey)
		if err := a.copyObject(ctx, k, dst); err != nil {
			return nil, wrap("rename", oldPath, err)
		}
	}
	for _, k := range keys {
		if err := a.deleteObject(ctx, k); err != nil {
			return nil, wrap("rename", oldPath, err)
		}
	}

	stats, err := a.Stat(ctx, newPath)
	if err != nil {
		return nil, wrap("rename", newPath, err)
	}
	a.poller.Observe(oldPath, nil)
	a.poller.Observe(newPath, stats)
	a.events.Emit(models.RawEvent{Kind: models.EventRenamed, Path: oldPath, NewPath: newPath, Stats: stats})
	return stats, nil
}

// Unlink deletes an object or every object under a directory prefix.
func (a *Adapter) Unlink(ctx context.Context, path string) error {
	stats, err := a.Stat(ctx, path)
	if err != nil {
		return wrap("unlink", path, err)
	}
	if stats.IsDirectory() && a.dirPrefix(path) == a.prefix {
		return fserrors.New("unlink", path, fserrors.KindPermissionDenied, errors.New("cannot remove the volume root"))
	}

	keys := []string{a.key(path)}
	if stats.IsDirectory() {
		keys = nil
		err := a.listAll(ctx, a.dirPrefix(path), func(key string, _ *models.Stats) {
			keys = append(keys, key)
		})
		if err != nil {
			return wrap("unlink", path, err)
		}
	}

	for _, k := range keys {
		if err := a.deleteObject(ctx, k); err != nil {
			return wrap("unlink", path, err)
		}
	}

	a.poller.Observe(path, nil)
	a.events.Emit(models.RawEvent{Kind: models.EventRemoved, Path: path})
	return nil
}

func (a *Adapter) copyObject(ctx context.Context, srcKey, dstKey string) error {
	_, err := call(a, func() (*s3.CopyObjectOutput, error) {
		return a.client.CopyObject(ctx, &s3.CopyObjectInput{
			Bucket:     aws.String(a.bucket),
			Key:        aws.String(dstKey),
			CopySource: aws.String(copySource(a.bucket, srcKey)),
		})
	})
	if err != nil {
		return fmt.Errorf("copy %s -> %s: %w", srcKey, dstKey, err)
	}
	logging.Debug("S3 copy object", logging.String("src", srcKey), logging.String("dst", dstKey))
	return nil
}

func (a *Adapter) deleteObject(ctx context.Context, key string) error {
	_, err := call(a, func() (*s3.DeleteObjectOutput, error) {
		return a.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(a.bucket),
			Key:    aws.String(key),
		})
	})
	if err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	logging.Debug("S3 delete object", logging.String("key", key))
	return nil
}

// listAll visits every object under prefix, without a delimiter.
func (a *Adapter) listAll(ctx context.Context, prefix string, fn func(key string, stats *models.Stats)) error {
	var token *string
	for {
		out, err := call(a, func() (*s3.ListObjectsV2Output, error) {
			return a.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
				Bucket:            aws.String(a.bucket),
				Prefix:            aws.String(prefix),
				ContinuationToken: token,
			})
		})
		if err != nil {
			return err
		}
		for _, obj := range out.Contents {
			key := aws.ToString(obj.Key)
			if strings.HasSuffix(key, "/") {
				fn(key, a.dirStats(strings.TrimSuffix(key, "/"), aws.ToTime(obj.LastModified)))
				continue
			}
			fn(key, fileStats(aws.ToInt64(obj.Size), aws.ToTime(obj.LastModified), aws.ToString(obj.ETag)))
		}
		if !aws.ToBool(out.IsTruncated) {
			return nil
		}
		token = out.NextContinuationToken
	}
}

func copySource(bucket, key string) string {
	parts := strings.Split(key, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return bucket + "/" + strings.Join(parts, "/")
}
