package google

import (
	"context"
	"fmt"
	"net/http"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"google.golang.org/api/docs/v1"

	"github.com/hashicorp-forge/hermes-bridge/pkg/executor"
	"github.com/hashicorp-forge/hermes-bridge/pkg/retry"
)

type documentGetParams struct {
	DocumentID string `json:"documentId"`
}

func (p documentGetParams) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.DocumentID, validation.Required),
	)
}

type documentBatchUpdateParams struct {
	DocumentID   string           `json:"documentId"`
	Requests     []map[string]any `json:"requests"`
	WriteControl map[string]any   `json:"writeControl"`
}

func (p documentBatchUpdateParams) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.DocumentID, validation.Required),
		validation.Field(&p.Requests, validation.Required),
	)
}

func (b *Backend) documentsGet(ctx context.Context, req *executor.Request) (*retry.Result, error) {
	var p documentGetParams
	if err := req.Decode(&p); err != nil {
		return nil, err
	}
	_, svc, err := b.clients()
	if err != nil {
		return nil, err
	}

	key := req.Key(KindDocument, p.DocumentID)
	if req.BoolOption("refresh") {
		if err := req.Cache().Invalidate(ctx, key); err != nil {
			return nil, err
		}
	}

	// Documents are cached whole; the body has no useful field granularity.
	data, err := req.Cache().Get(ctx, key, nil, func(ctx context.Context, _ []string) (map[string]any, error) {
		out, err := req.Call(ctx, "docs.documents.get", func(ctx context.Context, a retry.Attempt) (*retry.Result, error) {
			doc, err := svc.Documents.Get(p.DocumentID).Context(ctx).Do()
			if err != nil {
				return nil, err
			}
			m, err := toMap(doc)
			if err != nil {
				return nil, err
			}
			return result(doc.ServerResponse, m), nil
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

func (b *Backend) documentsBatchUpdate(ctx context.Context, req *executor.Request) (*retry.Result, error) {
	var p documentBatchUpdateParams
	if err := req.Decode(&p); err != nil {
		return nil, err
	}
	_, svc, err := b.clients()
	if err != nil {
		return nil, err
	}

	body := &docs.BatchUpdateDocumentRequest{}
	if err := fromMap(p.Requests, &body.Requests); err != nil {
		return nil, fmt.Errorf("%w: requests: %v", executor.ErrInvalidParams, err)
	}
	if p.WriteControl != nil {
		body.WriteControl = &docs.WriteControl{}
		if err := fromMap(p.WriteControl, body.WriteControl); err != nil {
			return nil, fmt.Errorf("%w: writeControl: %v", executor.ErrInvalidParams, err)
		}
	}

	out, err := req.Call(ctx, "docs.documents.batchUpdate", func(ctx context.Context, a retry.Attempt) (*retry.Result, error) {
		resp, err := svc.Documents.BatchUpdate(p.DocumentID, body).Context(ctx).Do()
		if err != nil {
			return nil, err
		}
		m, err := toMap(resp)
		if err != nil {
			return nil, err
		}
		return result(resp.ServerResponse, m), nil
	}, nil)
	if err != nil {
		return nil, err
	}

	if err := req.Cache().Invalidate(ctx, req.Key(KindDocument, p.DocumentID)); err != nil {
		return nil, err
	}
	// The Drive file behind the document changed too.
	if err := req.Cache().Invalidate(ctx, req.Key(KindFile, p.DocumentID), "modifiedTime", "version", "size"); err != nil {
		return nil, err
	}
	return out.Result, nil
}
