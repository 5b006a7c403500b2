package s3

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsmiddleware "github.com/aws/aws-sdk-go-v2/aws/middleware"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go/middleware"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/hashicorp-forge/hermes-bridge/pkg/executor"
	"github.com/hashicorp-forge/hermes-bridge/pkg/retry"
)

// objectFields are the fields of a cached object entry. A head request
// returns all of them.
var objectFields = []string{
	"cacheControl", "contentType", "etag", "key", "lastModified",
	"metadata", "size", "storageClass", "versionId",
}

// listedFields are the fields a list result carries for each object.
var listedFields = []string{"etag", "key", "lastModified", "size", "storageClass"}

type objectParams struct {
	Key    string   `json:"key"`
	Fields []string `json:"fields"`
}

func (p objectParams) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.Key, validation.Required),
	)
}

type getParams struct {
	Key       string `json:"key"`
	Range     string `json:"range"`
	VersionID string `json:"versionId"`
}

func (p getParams) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.Key, validation.Required),
	)
}

type putParams struct {
	Key           string            `json:"key"`
	Content       string            `json:"content"`
	ContentBase64 string            `json:"contentBase64"`
	ContentType   string            `json:"contentType"`
	CacheControl  string            `json:"cacheControl"`
	Metadata      map[string]string `json:"metadata"`
}

func (p putParams) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.Key, validation.Required),
		validation.Field(&p.ContentBase64, validation.When(p.Content != "",
			validation.Empty.Error("cannot be combined with content"))),
	)
}

type listParams struct {
	Prefix            string   `json:"prefix"`
	Delimiter         string   `json:"delimiter"`
	ContinuationToken string   `json:"continuationToken"`
	StartAfter        string   `json:"startAfter"`
	MaxKeys           int32    `json:"maxKeys"`
	Fields            []string `json:"fields"`
}

func (p listParams) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.MaxKeys, validation.Min(int32(0)), validation.Max(int32(1000))),
	)
}

// objectKey maps a caller key to the stored key under the configured prefix.
func (b *Backend) objectKey(key string) string {
	key = strings.TrimPrefix(key, "/")
	if b.cfg.Prefix == "" {
		return key
	}
	return path.Join(b.cfg.Prefix, key)
}

// callerKey is the inverse of objectKey.
func (b *Backend) callerKey(stored string) string {
	if b.cfg.Prefix == "" {
		return stored
	}
	return strings.TrimPrefix(stored, strings.TrimSuffix(b.cfg.Prefix, "/")+"/")
}

func (b *Backend) objectsHead(ctx context.Context, req *executor.Request) (*retry.Result, error) {
	var p objectParams
	if err := req.Decode(&p); err != nil {
		return nil, err
	}
	client, err := b.s3Client()
	if err != nil {
		return nil, err
	}

	key := req.Key(KindObject, p.Key)
	if req.BoolOption("refresh") {
		if err := req.Cache().Invalidate(ctx, key); err != nil {
			return nil, err
		}
	}

	data, err := req.Cache().Get(ctx, key, p.Fields, func(ctx context.Context, _ []string) (map[string]any, error) {
		out, err := req.Call(ctx, "s3.HeadObject", func(ctx context.Context, a retry.Attempt) (*retry.Result, error) {
			head, err := client.HeadObject(ctx, &s3.HeadObjectInput{
				Bucket: aws.String(b.cfg.Bucket),
				Key:    aws.String(b.objectKey(p.Key)),
			})
			if err != nil {
				return nil, err
			}
			return result(head.ResultMetadata, headMap(p.Key, head)), nil
		}, nil)
		if err != nil {
			return nil, err
		}
		return out.Result.Data.(map[string]any), nil
	})
	if err != nil {
		return nil, err
	}
	return &retry.Result{Status: http.StatusOK, Data: data}, nil
}

func (b *Backend) objectsGet(ctx context.Context, req *executor.Request) (*retry.Result, error) {
	var p getParams
	if err := req.Decode(&p); err != nil {
		return nil, err
	}
	client, err := b.s3Client()
	if err != nil {
		return nil, err
	}

	out, err := req.Call(ctx, "s3.GetObject", func(ctx context.Context, a retry.Attempt) (*retry.Result, error) {
		in := &s3.GetObjectInput{
			Bucket: aws.String(b.cfg.Bucket),
			Key:    aws.String(b.objectKey(p.Key)),
		}
		if p.Range != "" {
			in.Range = aws.String(p.Range)
		}
		if p.VersionID != "" {
			in.VersionId = aws.String(p.VersionID)
		}
		obj, err := client.GetObject(ctx, in)
		if err != nil {
			return nil, err
		}
		defer obj.Body.Close()

		body, err := io.ReadAll(io.LimitReader(obj.Body, b.cfg.MaxObjectBytes+1))
		if err != nil {
			return nil, err
		}
		if int64(len(body)) > b.cfg.MaxObjectBytes {
			return nil, &executor.StatusError{
				Status: http.StatusRequestEntityTooLarge,
				Err:    fmt.Errorf("object %s is larger than %d bytes", p.Key, b.cfg.MaxObjectBytes),
			}
		}

		res := result(obj.ResultMetadata, getMap(p.Key, obj))
		res.Body = body
		return res, nil
	}, nil)
	if err != nil {
		return nil, err
	}

	// A full read carries the complete metadata of the current version.
	if p.Range == "" && p.VersionID == "" {
		if err := req.Cache().Put(ctx, req.Key(KindObject, p.Key), objectFields, out.Result.Data.(map[string]any)); err != nil {
			return nil, err
		}
	}
	return out.Result, nil
}

func (b *Backend) objectsPut(ctx context.Context, req *executor.Request) (*retry.Result, error) {
	var p putParams
	if err := req.Decode(&p); err != nil {
		return nil, err
	}
	client, err := b.s3Client()
	if err != nil {
		return nil, err
	}

	content := []byte(p.Content)
	if p.ContentBase64 != "" {
		content, err = base64.StdEncoding.DecodeString(p.ContentBase64)
		if err != nil {
			return nil, fmt.Errorf("%w: contentBase64: %v", executor.ErrInvalidParams, err)
		}
	}
	contentType := p.ContentType
	if contentType == "" {
		contentType = b.cfg.DefaultContentType
	}

	out, err := req.Call(ctx, "s3.PutObject", func(ctx context.Context, a retry.Attempt) (*retry.Result, error) {
		in := &s3.PutObjectInput{
			Bucket:        aws.String(b.cfg.Bucket),
			Key:           aws.String(b.objectKey(p.Key)),
			Body:          bytes.NewReader(content),
			ContentLength: aws.Int64(int64(len(content))),
			ContentType:   aws.String(contentType),
			Metadata:      p.Metadata,
		}
		if p.CacheControl != "" {
			in.CacheControl = aws.String(p.CacheControl)
		}
		put, err := client.PutObject(ctx, in)
		if err != nil {
			return nil, err
		}
		return result(put.ResultMetadata, map[string]any{
			"key":       p.Key,
			"etag":      strings.Trim(aws.ToString(put.ETag), `"`),
			"versionId": aws.ToString(put.VersionId),
		}), nil
	}, nil)
	if err != nil {
		return nil, err
	}

	written := out.Result.Data.(map[string]any)
	patch := map[string]any{
		"key":          p.Key,
		"etag":         written["etag"],
		"versionId":    written["versionId"],
		"size":         int64(len(content)),
		"contentType":  contentType,
		"cacheControl": p.CacheControl,
		"metadata":     metadataMap(p.Metadata),
	}
	key := req.Key(KindObject, p.Key)
	if err := req.Cache().Patch(ctx, key, patch); err != nil {
		return nil, err
	}
	// The store assigns these on write.
	if err := req.Cache().Invalidate(ctx, key, "lastModified", "storageClass"); err != nil {
		return nil, err
	}
	return out.Result, nil
}

func (b *Backend) objectsDelete(ctx context.Context, req *executor.Request) (*retry.Result, error) {
	var p objectParams
	if err := req.Decode(&p); err != nil {
		return nil, err
	}
	client, err := b.s3Client()
	if err != nil {
		return nil, err
	}

	_, err = req.Call(ctx, "s3.DeleteObject", func(ctx context.Context, a retry.Attempt) (*retry.Result, error) {
		del, err := client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(b.cfg.Bucket),
			Key:    aws.String(b.objectKey(p.Key)),
		})
		if err != nil {
			return nil, err
		}
		res := result(del.ResultMetadata, nil)
		res.Status = http.StatusNoContent
		return res, nil
	}, nil)
	if err != nil {
		return nil, err
	}

	if err := req.Cache().Invalidate(ctx, req.Key(KindObject, p.Key)); err != nil {
		return nil, err
	}
	return &retry.Result{Status: http.StatusNoContent}, nil
}

func (b *Backend) objectsList(ctx context.Context, req *executor.Request) (*retry.Result, error) {
	var p listParams
	if err := req.Decode(&p); err != nil {
		return nil, err
	}
	client, err := b.s3Client()
	if err != nil {
		return nil, err
	}

	maxKeys := p.MaxKeys
	if maxKeys == 0 {
		maxKeys = b.cfg.ListPageSize
	}

	out, err := req.Call(ctx, "s3.ListObjectsV2", func(ctx context.Context, a retry.Attempt) (*retry.Result, error) {
		in := &s3.ListObjectsV2Input{
			Bucket:  aws.String(b.cfg.Bucket),
			MaxKeys: aws.Int32(maxKeys),
		}
		if prefix := b.objectKey(p.Prefix); prefix != "" {
			if strings.HasSuffix(p.Prefix, "/") && !strings.HasSuffix(prefix, "/") {
				prefix += "/"
			}
			in.Prefix = aws.String(prefix)
		}
		if p.Delimiter != "" {
			in.Delimiter = aws.String(p.Delimiter)
		}
		if p.ContinuationToken != "" {
			in.ContinuationToken = aws.String(p.ContinuationToken)
		}
		if p.StartAfter != "" {
			in.StartAfter = aws.String(b.objectKey(p.StartAfter))
		}
		list, err := client.ListObjectsV2(ctx, in)
		if err != nil {
			return nil, err
		}
		return result(list.ResultMetadata, list), nil
	}, nil)
	if err != nil {
		return nil, err
	}

	list := out.Result.Data.(*s3.ListObjectsV2Output)
	objects := make([]map[string]any, 0, len(list.Contents))
	for _, obj := range list.Contents {
		key := b.callerKey(aws.ToString(obj.Key))
		m := map[string]any{
			"key":          key,
			"size":         aws.ToInt64(obj.Size),
			"etag":         strings.Trim(aws.ToString(obj.ETag), `"`),
			"storageClass": string(obj.StorageClass),
			"lastModified": timestamp(obj.LastModified),
		}
		if err := req.Cache().Put(ctx, req.Key(KindObject, key), listedFields, m); err != nil {
			return nil, err
		}
		objects = append(objects, project(m, p.Fields))
	}

	prefixes := make([]string, 0, len(list.CommonPrefixes))
	for _, cp := range list.CommonPrefixes {
		prefixes = append(prefixes, b.callerKey(aws.ToString(cp.Prefix)))
	}

	res := *out.Result
	res.Data = map[string]any{
		"objects":               objects,
		"commonPrefixes":        prefixes,
		"isTruncated":           aws.ToBool(list.IsTruncated),
		"nextContinuationToken": aws.ToString(list.NextContinuationToken),
	}
	return &res, nil
}

func headMap(key string, out *s3.HeadObjectOutput) map[string]any {
	return map[string]any{
		"key":          key,
		"size":         aws.ToInt64(out.ContentLength),
		"etag":         strings.Trim(aws.ToString(out.ETag), `"`),
		"contentType":  aws.ToString(out.ContentType),
		"cacheControl": aws.ToString(out.CacheControl),
		"versionId":    aws.ToString(out.VersionId),
		"storageClass": string(out.StorageClass),
		"lastModified": timestamp(out.LastModified),
		"metadata":     metadataMap(out.Metadata),
	}
}

func getMap(key string, out *s3.GetObjectOutput) map[string]any {
	return map[string]any{
		"key":          key,
		"size":         aws.ToInt64(out.ContentLength),
		"etag":         strings.Trim(aws.ToString(out.ETag), `"`),
		"contentType":  aws.ToString(out.ContentType),
		"cacheControl": aws.ToString(out.CacheControl),
		"versionId":    aws.ToString(out.VersionId),
		"storageClass": string(out.StorageClass),
		"lastModified": timestamp(out.LastModified),
		"metadata":     metadataMap(out.Metadata),
	}
}

func metadataMap(md map[string]string) map[string]any {
	out := make(map[string]any, len(md))
	for k, v := range md {
		out[strings.ToLower(k)] = v
	}
	return out
}

func timestamp(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}

func project(m map[string]any, fields []string) map[string]any {
	if len(fields) == 0 {
		return m
	}
	out := make(map[string]any, len(fields))
	for _, f := range fields {
		if v, ok := m[f]; ok {
			out[f] = v
		}
	}
	return out
}

// result builds an attempt result from the raw HTTP response recorded in
// the operation metadata.
func result(md middleware.Metadata, data any) *retry.Result {
	res := &retry.Result{Status: http.StatusOK, Data: data}
	if raw, ok := awsmiddleware.GetRawResponse(md).(*smithyhttp.Response); ok && raw != nil && raw.Response != nil {
		res.Status = raw.StatusCode
		res.Header = raw.Header
	}
	res.StatusText = http.StatusText(res.Status)
	return res
}
