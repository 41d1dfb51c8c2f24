package objstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3 stores objects in an S3-compatible bucket. Version history relies on
// bucket versioning being enabled.
type S3 struct {
	client *s3.Client
	bucket string
	prefix string
}

// S3Options configures the S3 backend.
type S3Options struct {
	Bucket   string
	Prefix   string // key prefix inside the bucket, e.g. "recall/"
	Region   string
	Endpoint string // custom endpoint for MinIO and friends; empty for AWS
}

// NewS3 opens an S3-backed store using the default AWS credential chain.
func NewS3(ctx context.Context, opts S3Options) (*S3, error) {
	if opts.Bucket == "" {
		return nil, fmt.Errorf("objstore: s3 bucket is required")
	}
	var loadOpts []func(*awsconfig.LoadOptions) error
	if opts.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(opts.Region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("objstore: load aws config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
		}
	})

	prefix := strings.Trim(opts.Prefix, "/")
	if prefix != "" {
		prefix += "/"
	}
	return &S3{client: client, bucket: opts.Bucket, prefix: prefix}, nil
}

func (s *S3) key(path string) string { return s.prefix + path }

func isNoSuchKey(err error) bool {
	var nsk *s3types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var nf *s3types.NotFound
	return errors.As(err, &nf)
}

func (s *S3) Read(ctx context.Context, path string) (*Object, error) {
	p, err := CleanPath(path)
	if err != nil {
		return nil, err
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(p)),
	})
	if err != nil {
		if isNoSuchKey(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("objstore: s3 get %s: %w", p, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("objstore: s3 read body %s: %w", p, err)
	}
	obj := &Object{Path: p, Content: string(data)}
	if out.LastModified != nil {
		obj.UpdatedAt = out.LastModified.UTC()
	}
	return obj, nil
}

func (s *S3) Write(ctx context.Context, path, content string) (string, error) {
	p, err := CleanPath(path)
	if err != nil {
		return "", err
	}
	out, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.key(p)),
		Body:        bytes.NewReader([]byte(content)),
		ContentType: aws.String("text/plain; charset=utf-8"),
	})
	if err != nil {
		return "", fmt.Errorf("objstore: s3 put %s: %w", p, err)
	}
	versionID := aws.ToString(out.VersionId)
	if versionID == "" {
		// Unversioned buckets still need a stable id for the write result.
		versionID = fmt.Sprintf("%d", time.Now().UTC().UnixNano())
	}
	return versionID, nil
}

func (s *S3) List(ctx context.Context, prefix string, recursive bool) ([]Entry, error) {
	prefix = strings.TrimPrefix(strings.TrimSpace(prefix), "/")
	keyPrefix := s.prefix + prefix
	if prefix != "" && !strings.HasSuffix(keyPrefix, "/") {
		keyPrefix += "/"
	}

	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(keyPrefix),
	}
	if !recursive {
		input.Delimiter = aws.String("/")
	}

	var entries []Entry
	paginator := s3.NewListObjectsV2Paginator(s.client, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("objstore: s3 list %s: %w", prefix, err)
		}
		for _, cp := range page.CommonPrefixes {
			rel := strings.TrimPrefix(aws.ToString(cp.Prefix), s.prefix)
			entries = append(entries, Entry{Path: rel, IsDir: true})
		}
		for _, obj := range page.Contents {
			rel := strings.TrimPrefix(aws.ToString(obj.Key), s.prefix)
			e := Entry{Path: rel, Size: aws.ToInt64(obj.Size)}
			if obj.LastModified != nil {
				e.UpdatedAt = obj.LastModified.UTC()
			}
			entries = append(entries, e)
		}
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	return entries, nil
}

func (s *S3) Delete(ctx context.Context, path string) error {
	p, err := CleanPath(path)
	if err != nil {
		return err
	}
	_, err = s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(p)),
	})
	if err != nil {
		return fmt.Errorf("objstore: s3 delete %s: %w", p, err)
	}
	return nil
}

func (s *S3) Versions(ctx context.Context, path string, limit int) ([]Version, error) {
	p, err := CleanPath(path)
	if err != nil {
		return nil, err
	}
	key := s.key(p)
	out, err := s.client.ListObjectVersions(ctx, &s3.ListObjectVersionsInput{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("objstore: s3 versions %s: %w", p, err)
	}

	versions := make([]Version, 0, len(out.Versions))
	for _, v := range out.Versions {
		if aws.ToString(v.Key) != key {
			continue
		}
		ver := Version{ID: aws.ToString(v.VersionId), Size: aws.ToInt64(v.Size)}
		if v.LastModified != nil {
			ver.UpdatedAt = v.LastModified.UTC()
		}
		versions = append(versions, ver)
	}
	sort.Slice(versions, func(i, j int) bool { return versions[i].UpdatedAt.After(versions[j].UpdatedAt) })
	if limit > 0 && len(versions) > limit {
		versions = versions[:limit]
	}
	return versions, nil
}

func (s *S3) ReadVersion(ctx context.Context, path, versionID string) (*Object, error) {
	p, err := CleanPath(path)
	if err != nil {
		return nil, err
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket:    aws.String(s.bucket),
		Key:       aws.String(s.key(p)),
		VersionId: aws.String(versionID),
	})
	if err != nil {
		if isNoSuchKey(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("objstore: s3 get version %s of %s: %w", versionID, p, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("objstore: s3 read version body %s: %w", p, err)
	}
	obj := &Object{Path: p, Content: string(data)}
	if out.LastModified != nil {
		obj.UpdatedAt = out.LastModified.UTC()
	}
	return obj, nil
}
