package leaseprovider

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	minio "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// S3LockConfig controls connectivity to the S3-compatible bucket that
// backs lease arbitration.
type S3LockConfig struct {
	Endpoint       string
	Region         string
	Bucket         string
	Prefix         string
	Insecure       bool
	ForcePathStyle bool
	CustomCreds    *credentials.Credentials
}

// S3Lock implements Provider against an S3-compatible store that has no
// native lease primitive. Ownership is emulated with conditional PUT: an
// object holding the current holder's identity and expiry is written
// with an ETag precondition, so exactly one concurrent writer can ever
// win a given acquire or renew.
type S3Lock struct {
	client *minio.Client
	bucket string
	prefix string
}

// NewS3Lock constructs an S3Lock provider.
func NewS3Lock(cfg S3LockConfig) (*S3Lock, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("leaseprovider: s3: bucket is required")
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		if cfg.Region != "" {
			endpoint = fmt.Sprintf("s3.%s.amazonaws.com", cfg.Region)
		} else {
			endpoint = "s3.amazonaws.com"
		}
	}
	creds := cfg.CustomCreds
	if creds == nil {
		creds = credentials.NewChainCredentials([]credentials.Provider{
			&credentials.EnvAWS{},
			&credentials.EnvMinio{},
			&credentials.FileAWSCredentials{},
			&credentials.IAM{},
		})
	}
	options := &minio.Options{Creds: creds, Secure: !cfg.Insecure, Region: cfg.Region}
	if cfg.ForcePathStyle {
		options.BucketLookup = minio.BucketLookupPath
	}
	client, err := minio.New(endpoint, options)
	if err != nil {
		return nil, fmt.Errorf("leaseprovider: s3: create client: %w", err)
	}
	return &S3Lock{client: client, bucket: cfg.Bucket, prefix: strings.Trim(cfg.Prefix, "/")}, nil
}

func (p *S3Lock) objectKey(name string) string {
	if p.prefix == "" {
		return name
	}
	return p.prefix + "/" + strings.TrimPrefix(name, "/")
}

type lockPayload struct {
	leaseID   string
	expiresAt time.Time
}

func encodeLockPayload(v lockPayload) []byte {
	return []byte(fmt.Sprintf("%s\n%s\n", v.leaseID, v.expiresAt.UTC().Format(time.RFC3339Nano)))
}

func decodeLockPayload(data []byte) (lockPayload, error) {
	lines := strings.SplitN(string(data), "\n", 2)
	if len(lines) < 2 {
		return lockPayload{}, fmt.Errorf("leaseprovider: s3: malformed lock object")
	}
	expiresAt, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(lines[1]))
	if err != nil {
		return lockPayload{}, fmt.Errorf("leaseprovider: s3: parse lock expiry: %w", err)
	}
	return lockPayload{leaseID: lines[0], expiresAt: expiresAt}, nil
}

// Acquire implements Provider. It attempts an IfNoneMatch-conditional PUT
// first (no object exists yet); if that loses, it checks whether the
// existing lock has expired and, if so, races an IfMatch-conditional PUT
// against the stale object's ETag to take over.
func (p *S3Lock) Acquire(ctx context.Context, def Definition) (string, error) {
	key := p.objectKey(def.Name)
	payload := encodeLockPayload(lockPayload{leaseID: def.LeaseID, expiresAt: time.Now().Add(def.Period)})

	opts := minio.PutObjectOptions{ContentType: "application/octet-stream"}
	opts.SetMatchETagExcept("*")
	if _, err := p.client.PutObject(ctx, p.bucket, key, bytes.NewReader(payload), int64(len(payload)), opts); err == nil {
		return def.LeaseID, nil
	} else if !isS3PreconditionFailed(err) {
		return "", classifyS3Error(err)
	}

	info, err := p.client.StatObject(ctx, p.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return "", classifyS3Error(err)
	}
	obj, err := p.client.GetObject(ctx, p.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return "", classifyS3Error(err)
	}
	defer obj.Close()
	raw, err := decodeLockPayloadFromReader(obj)
	if err != nil {
		return "", NewError(KindOther, err)
	}
	if time.Now().Before(raw.expiresAt) {
		return "", NewError(KindConflict, fmt.Errorf("lease held by %q until %s", raw.leaseID, raw.expiresAt.Format(time.RFC3339)))
	}

	takeoverOpts := minio.PutObjectOptions{ContentType: "application/octet-stream"}
	takeoverOpts.SetMatchETag(stripS3ETag(info.ETag))
	if _, err := p.client.PutObject(ctx, p.bucket, key, bytes.NewReader(payload), int64(len(payload)), takeoverOpts); err != nil {
		if isS3PreconditionFailed(err) {
			return "", NewError(KindConflict, fmt.Errorf("lost race taking over expired lease: %w", err))
		}
		return "", classifyS3Error(err)
	}
	return def.LeaseID, nil
}

// Renew implements Provider: it overwrites the lock object conditional on
// the renewing instance still owning it.
func (p *S3Lock) Renew(ctx context.Context, def Definition) error {
	key := p.objectKey(def.Name)
	info, err := p.client.StatObject(ctx, p.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return classifyS3Error(err)
	}
	obj, err := p.client.GetObject(ctx, p.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return classifyS3Error(err)
	}
	current, err := decodeLockPayloadFromReader(obj)
	obj.Close()
	if err != nil {
		return NewError(KindOther, err)
	}
	if current.leaseID != def.LeaseID {
		return NewError(KindConflict, fmt.Errorf("lease now held by %q", current.leaseID))
	}

	payload := encodeLockPayload(lockPayload{leaseID: def.LeaseID, expiresAt: time.Now().Add(def.Period)})
	opts := minio.PutObjectOptions{ContentType: "application/octet-stream"}
	opts.SetMatchETag(stripS3ETag(info.ETag))
	if _, err := p.client.PutObject(ctx, p.bucket, key, bytes.NewReader(payload), int64(len(payload)), opts); err != nil {
		if isS3PreconditionFailed(err) {
			return NewError(KindConflict, fmt.Errorf("lost race renewing lease: %w", err))
		}
		return classifyS3Error(err)
	}
	return nil
}

// Release implements Provider. A missing object or an object already
// owned by someone else is not an error: the goal state (we hold
// nothing) is already achieved.
func (p *S3Lock) Release(ctx context.Context, def Definition) error {
	key := p.objectKey(def.Name)
	obj, err := p.client.GetObject(ctx, p.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		if isS3NotFound(err) {
			return nil
		}
		return classifyS3Error(err)
	}
	current, decodeErr := decodeLockPayloadFromReader(obj)
	obj.Close()
	if decodeErr != nil || current.leaseID != def.LeaseID {
		return nil
	}
	if err := p.client.RemoveObject(ctx, p.bucket, key, minio.RemoveObjectOptions{}); err != nil && !isS3NotFound(err) {
		return classifyS3Error(err)
	}
	return nil
}

func decodeLockPayloadFromReader(r *minio.Object) (lockPayload, error) {
	buf := new(bytes.Buffer)
	if _, err := buf.ReadFrom(r); err != nil {
		return lockPayload{}, err
	}
	return decodeLockPayload(buf.Bytes())
}

func stripS3ETag(etag string) string {
	return strings.Trim(etag, "\"")
}

func classifyS3Error(err error) error {
	if err == nil {
		return nil
	}
	if isS3PreconditionFailed(err) {
		return NewError(KindConflict, err)
	}
	if isS3NotFound(err) {
		return NewError(KindNotFound, err)
	}
	resp := minio.ToErrorResponse(err)
	switch resp.StatusCode {
	case http.StatusServiceUnavailable, http.StatusInternalServerError, http.StatusRequestTimeout, http.StatusTooManyRequests:
		return NewError(KindTransient, err)
	}
	return NewError(KindOther, err)
}

func isS3NotFound(err error) bool {
	errResp := minio.ErrorResponse{}
	if errors.As(err, &errResp) {
		return errResp.StatusCode == http.StatusNotFound
	}
	return false
}

func isS3PreconditionFailed(err error) bool {
	errResp := minio.ErrorResponse{}
	if errors.As(err, &errResp) {
		if errResp.StatusCode == http.StatusPreconditionFailed {
			return true
		}
		if errResp.StatusCode == http.StatusConflict {
			switch errResp.Code {
			case "ConditionalRequestConflict", "OperationAborted":
				return true
			}
		}
	}
	return false
}
