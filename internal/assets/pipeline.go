// Package assets promotes inline binary data found in entity payloads (data
// URIs and ephemeral blob: handles) to durable object storage, replacing the
// field with the durable URL.
package assets

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/tinylingo/tinysync/internal/entity"
	"github.com/tinylingo/tinysync/internal/identity"
)

// digestLen is the number of hex characters of the content digest embedded
// in storage paths.
const digestLen = 12

var (
	// ErrUploadFailed wraps any failure to store an asset. The record being
	// promoted is left untouched.
	ErrUploadFailed = errors.New("assets: upload failed")

	// ErrUnresolvedHandle is returned for blob: handles when no resolver is
	// configured or the resolver no longer knows the handle.
	ErrUnresolvedHandle = errors.New("assets: ephemeral handle cannot be resolved")
)

// BlobStore is the durable object storage surface.
type BlobStore interface {
	Upload(ctx context.Context, bucket, path string, data []byte, contentType string) (string, error)
	Exists(ctx context.Context, bucket, path string) (bool, error)
	PublicURL(bucket, path string) string
}

// HandleResolver turns an ephemeral blob: handle into bytes. Handles only
// live as long as the process that minted them.
type HandleResolver interface {
	Resolve(ctx context.Context, handle string) (data []byte, contentType string, err error)
}

// Pipeline promotes asset fields of one record at a time.
type Pipeline struct {
	blobs    BlobStore
	resolver HandleResolver
	logger   *slog.Logger
	buckets  map[entity.Type]string
}

// NewPipeline creates a pipeline. resolver may be nil.
func NewPipeline(blobs BlobStore, resolver HandleResolver, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}

	return &Pipeline{blobs: blobs, resolver: resolver, logger: logger}
}

// SetBuckets overrides the destination bucket per entity type. Types
// without an entry keep their descriptor's bucket. Call before the first
// Promote.
func (p *Pipeline) SetBuckets(buckets map[entity.Type]string) {
	p.buckets = buckets
}

func (p *Pipeline) bucketFor(desc entity.Descriptor) string {
	if b := p.buckets[desc.Type]; b != "" {
		return b
	}

	return desc.Bucket
}

// Kind classifies an asset field value.
type Kind int

const (
	KindNone    Kind = iota // empty or not a string
	KindDurable             // http(s) URL
	KindDataURI             // data: URI
	KindHandle              // blob: handle
	KindOther               // anything else; left alone
)

// Classify reports what kind of asset reference v is.
func Classify(v any) Kind {
	s, ok := v.(string)
	if !ok || s == "" {
		return KindNone
	}

	lower := strings.ToLower(s)

	switch {
	case strings.HasPrefix(lower, "https://"), strings.HasPrefix(lower, "http://"):
		return KindDurable
	case strings.HasPrefix(lower, "data:"):
		return KindDataURI
	case strings.HasPrefix(lower, "blob:"):
		return KindHandle
	default:
		return KindOther
	}
}

// NeedsPromotion reports whether any asset field of rec holds an inline form.
func NeedsPromotion(desc entity.Descriptor, rec entity.Record) bool {
	for _, f := range desc.Assets {
		switch Classify(rec.Payload[f.Field]) {
		case KindDataURI, KindHandle:
			return true
		}
	}

	return false
}

// Promote uploads every inline asset of rec and returns a copy with the
// fields replaced by durable URLs. It is all-or-nothing: on any failure the
// original record is returned with an error wrapping ErrUploadFailed.
// Records without inline assets are returned unchanged without any network
// call. changed reports whether any field was rewritten.
func (p *Pipeline) Promote(
	ctx context.Context, id identity.Identity, desc entity.Descriptor, rec entity.Record,
) (out entity.Record, changed bool, err error) {
	if !NeedsPromotion(desc, rec) {
		return rec, false, nil
	}

	replaced := make(map[string]string, len(desc.Assets))

	for _, f := range desc.Assets {
		v := rec.Payload[f.Field]

		data, contentType, err := p.load(ctx, v)
		if err != nil {
			return rec, false, fmt.Errorf("%w: %s %s field %s: %w", ErrUploadFailed, desc.Type, rec.Key, f.Field, err)
		}

		if data == nil {
			continue
		}

		path := StoragePath(id, rec.Key, f.Role, contentType, data)

		url, err := p.store(ctx, p.bucketFor(desc), path, data, contentType)
		if err != nil {
			return rec, false, fmt.Errorf("%w: %s %s field %s: %w", ErrUploadFailed, desc.Type, rec.Key, f.Field, err)
		}

		replaced[f.Field] = url
	}

	out = rec.Clone()
	for field, url := range replaced {
		out.Payload[field] = url
	}

	p.logger.Debug("promoted assets",
		slog.String("type", desc.Type.String()),
		slog.String("key", rec.Key),
		slog.Int("fields", len(replaced)),
	)

	return out, len(replaced) > 0, nil
}

// load returns the bytes behind an inline reference, or nil for values that
// are not inline.
func (p *Pipeline) load(ctx context.Context, v any) ([]byte, string, error) {
	switch Classify(v) {
	case KindDataURI:
		return DecodeDataURI(v.(string))
	case KindHandle:
		if p.resolver == nil {
			return nil, "", ErrUnresolvedHandle
		}

		data, ct, err := p.resolver.Resolve(ctx, v.(string))
		if err != nil {
			return nil, "", fmt.Errorf("%w: %w", ErrUnresolvedHandle, err)
		}

		if ct == "" {
			ct = "application/octet-stream"
		}

		return data, ct, nil
	default:
		return nil, "", nil
	}
}

// store uploads unless an object already sits at path. Paths embed a content
// digest, so an existing object always holds these exact bytes.
func (p *Pipeline) store(ctx context.Context, bucket, path string, data []byte, contentType string) (string, error) {
	exists, err := p.blobs.Exists(ctx, bucket, path)
	if err != nil {
		return "", err
	}

	if exists {
		p.logger.Debug("asset already stored", slog.String("bucket", bucket), slog.String("path", path))
		return p.blobs.PublicURL(bucket, path), nil
	}

	return p.blobs.Upload(ctx, bucket, path, data, contentType)
}

// StoragePath derives the deterministic object path of an asset:
// <identityId>/<key>_<role>-<digest>.<ext>.
func StoragePath(id identity.Identity, key, role, contentType string, data []byte) string {
	sum := sha256.Sum256(data)
	digest := hex.EncodeToString(sum[:])[:digestLen]

	return fmt.Sprintf("%s/%s_%s-%s.%s", sanitize(id.ID), sanitize(key), role, digest, extension(contentType))
}

func sanitize(s string) string {
	return strings.NewReplacer("/", "_", "\\", "_", "..", "_").Replace(s)
}

var extensions = map[string]string{
	"image/png":     "png",
	"image/jpeg":    "jpg",
	"image/jpg":     "jpg",
	"image/webp":    "webp",
	"image/gif":     "gif",
	"image/svg+xml": "svg",
	"image/avif":    "avif",
}

func extension(contentType string) string {
	if ext, ok := extensions[strings.ToLower(contentType)]; ok {
		return ext
	}

	return "bin"
}
