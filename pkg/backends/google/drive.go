package google

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/iancoleman/strcase"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"

	"github.com/hashicorp-forge/hermes-bridge/pkg/executor"
	"github.com/hashicorp-forge/hermes-bridge/pkg/retry"
)

type fileGetParams struct {
	FileID string   `json:"fileId"`
	Fields []string `json:"fields"`
}

func (p fileGetParams) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.FileID, validation.Required),
	)
}

type fileListParams struct {
	Q         string   `json:"q"`
	PageSize  int64    `json:"pageSize"`
	PageToken string   `json:"pageToken"`
	OrderBy   string   `json:"orderBy"`
	Fields    []string `json:"fields"`
}

func (p fileListParams) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.PageSize, validation.Min(int64(0)), validation.Max(int64(1000))),
	)
}

type fileChildrenParams struct {
	FolderID string   `json:"folderId"`
	Fields   []string `json:"fields"`
}

func (p fileChildrenParams) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.FolderID, validation.Required),
	)
}

type fileCreateParams struct {
	Name        string            `json:"name"`
	MimeType    string            `json:"mimeType"`
	Parents     []string          `json:"parents"`
	Description string            `json:"description"`
	Properties  map[string]string `json:"properties"`
	Content     string            `json:"content"`
	Fields      []string          `json:"fields"`
}

func (p fileCreateParams) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.Name, validation.Required),
	)
}

type fileUpdateParams struct {
	FileID        string         `json:"fileId"`
	Metadata      map[string]any `json:"metadata"`
	AddParents    string         `json:"addParents"`
	RemoveParents string         `json:"removeParents"`
	Fields        []string       `json:"fields"`
}

func (p fileUpdateParams) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.FileID, validation.Required),
		validation.Field(&p.Metadata, validation.When(p.AddParents == "" && p.RemoveParents == "", validation.Required)),
	)
}

type fileDeleteParams struct {
	FileID string `json:"fileId"`
}

func (p fileDeleteParams) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.FileID, validation.Required),
	)
}

func (b *Backend) filesGet(ctx context.Context, req *executor.Request) (*retry.Result, error) {
	var p fileGetParams
	if err := req.Decode(&p); err != nil {
		return nil, err
	}
	svc, _, err := b.clients()
	if err != nil {
		return nil, err
	}

	key := req.Key(KindFile, p.FileID)
	if req.BoolOption("refresh") {
		if err := req.Cache().Invalidate(ctx, key); err != nil {
			return nil, err
		}
	}

	data, err := req.Cache().Get(ctx, key, normalizeFields(p.Fields), func(ctx context.Context, fields []string) (map[string]any, error) {
		return b.fetchFile(ctx, req, svc, p.FileID, fields)
	})
	if err != nil {
		return nil, err
	}
	return &retry.Result{Status: http.StatusOK, Data: data}, nil
}

// fetchFile reads fields of one file. Drive v2 field names are retried once
// under their v3 names and reported back under the names asked for.
func (b *Backend) fetchFile(ctx context.Context, req *executor.Request, svc *drive.Service, id string, fields []string) (map[string]any, error) {
	out, err := req.Call(ctx, "drive.files.get", func(ctx context.Context, a retry.Attempt) (*retry.Result, error) {
		sel := fields
		var aliases map[string][]string
		if a.Recovering {
			sel, aliases = substituteLegacy(fields)
			req.Logger.Debug("retrying with v3 field names", "file_id", id, "fields", sel)
		}

		f, err := svc.Files.Get(id).
			Fields(selector(sel)).
			SupportsAllDrives(true).
			Context(ctx).
			Do()
		if err != nil {
			return nil, err
		}
		m, err := toMap(f)
		if err != nil {
			return nil, err
		}
		for v3, names := range aliases {
			if v, ok := m[v3]; ok {
				for _, name := range names {
					m[name] = v
				}
			}
		}
		return result(f.ServerResponse, m), nil
	}, legacyClassifier(fields))
	if err != nil {
		return nil, err
	}
	return out.Result.Data.(map[string]any), nil
}

// writeStampFields change on every successful write.
var writeStampFields = []string{
	"headRevisionId", "lastModifyingUser", "modifiedByMeTime", "modifiedTime", "version",
}

func withID(fields []string) []string {
	if fields == nil {
		return nil
	}
	for _, f := range fields {
		if f == "id" {
			return fields
		}
	}
	return append([]string{"id"}, fields...)
}

func (b *Backend) filesList(ctx context.Context, req *executor.Request) (*retry.Result, error) {
	var p fileListParams
	if err := req.Decode(&p); err != nil {
		return nil, err
	}
	svc, _, err := b.clients()
	if err != nil {
		return nil, err
	}

	fields := normalizeFields(p.Fields)
	size := p.PageSize
	if size == 0 {
		size = b.cfg.PageSize
	}

	out, err := req.Call(ctx, "drive.files.list", func(ctx context.Context, a retry.Attempt) (*retry.Result, error) {
		call := svc.Files.List().
			Q(p.Q).
			PageSize(size).
			SupportsAllDrives(true).
			IncludeItemsFromAllDrives(true).
			Fields("nextPageToken", "files("+selector(withID(fields))+")").
			Context(ctx)
		if p.PageToken != "" {
			call = call.PageToken(p.PageToken)
		}
		if p.OrderBy != "" {
			call = call.OrderBy(p.OrderBy)
		}
		list, err := call.Do()
		if err != nil {
			return nil, err
		}
		return result(list.ServerResponse, list), nil
	}, nil)
	if err != nil {
		return nil, err
	}

	list := out.Result.Data.(*drive.FileList)
	files := make([]map[string]any, 0, len(list.Files))
	for _, f := range list.Files {
		m, err := toMap(f)
		if err != nil {
			return nil, err
		}
		if err := req.Cache().Put(ctx, req.Key(KindFile, f.Id), withID(fields), m); err != nil {
			return nil, err
		}
		files = append(files, m)
	}

	res := *out.Result
	res.Data = map[string]any{
		"files":         files,
		"nextPageToken": list.NextPageToken,
	}
	return &res, nil
}

// listChildIDs pages through the ids of the non-trashed children of folder.
func (b *Backend) listChildIDs(ctx context.Context, req *executor.Request, svc *drive.Service, folder string) ([]string, error) {
	q := fmt.Sprintf("'%s' in parents and trashed = false", strings.ReplaceAll(folder, "'", `\'`))

	var ids []string
	token := ""
	for {
		out, err := req.Call(ctx, "drive.files.list", func(ctx context.Context, a retry.Attempt) (*retry.Result, error) {
			call := svc.Files.List().
				Q(q).
				PageSize(b.cfg.PageSize).
				SupportsAllDrives(true).
				IncludeItemsFromAllDrives(true).
				Fields("nextPageToken", "files(id)").
				Context(ctx)
			if token != "" {
				call = call.PageToken(token)
			}
			list, err := call.Do()
			if err != nil {
				return nil, err
			}
			return result(list.ServerResponse, list), nil
		}, nil)
		if err != nil {
			return nil, err
		}

		list := out.Result.Data.(*drive.FileList)
		for _, f := range list.Files {
			ids = append(ids, f.Id)
		}
		if list.NextPageToken == "" {
			return ids, nil
		}
		token = list.NextPageToken
	}
}

func (b *Backend) filesChildren(ctx context.Context, req *executor.Request) (*retry.Result, error) {
	var p fileChildrenParams
	if err := req.Decode(&p); err != nil {
		return nil, err
	}
	svc, _, err := b.clients()
	if err != nil {
		return nil, err
	}

	ids, err := b.listChildIDs(ctx, req, svc, p.FolderID)
	if err != nil {
		return nil, err
	}

	fields := normalizeFields(p.Fields)
	files := make([]map[string]any, len(ids))
	err = req.FanOut(ctx, len(ids), func(ctx context.Context, i int) error {
		id := ids[i]
		m, err := req.Cache().Get(ctx, req.Key(KindFile, id), fields, func(ctx context.Context, missing []string) (map[string]any, error) {
			return b.fetchFile(ctx, req, svc, id, missing)
		})
		if err != nil {
			return err
		}
		m["id"] = id
		files[i] = m
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &retry.Result{Status: http.StatusOK, Data: map[string]any{"files": files}}, nil
}

func (b *Backend) filesCreate(ctx context.Context, req *executor.Request) (*retry.Result, error) {
	var p fileCreateParams
	if err := req.Decode(&p); err != nil {
		return nil, err
	}
	svc, _, err := b.clients()
	if err != nil {
		return nil, err
	}

	fields := normalizeFields(p.Fields)
	out, err := req.Call(ctx, "drive.files.create", func(ctx context.Context, a retry.Attempt) (*retry.Result, error) {
		call := svc.Files.Create(&drive.File{
			Name:        p.Name,
			MimeType:    p.MimeType,
			Parents:     p.Parents,
			Description: p.Description,
			Properties:  p.Properties,
		}).
			Fields(selector(withID(fields))).
			SupportsAllDrives(true).
			Context(ctx)
		if p.Content != "" {
			call = call.Media(strings.NewReader(p.Content))
		}
		f, err := call.Do()
		if err != nil {
			return nil, err
		}
		m, err := toMap(f)
		if err != nil {
			return nil, err
		}
		return result(f.ServerResponse, m), nil
	}, nil)
	if err != nil {
		return nil, err
	}

	m := out.Result.Data.(map[string]any)
	if id, ok := m["id"].(string); ok && id != "" {
		if err := req.Cache().Put(ctx, req.Key(KindFile, id), withID(fields), m); err != nil {
			return nil, err
		}
	}
	return out.Result, nil
}

func (b *Backend) filesUpdate(ctx context.Context, req *executor.Request) (*retry.Result, error) {
	var p fileUpdateParams
	if err := req.Decode(&p); err != nil {
		return nil, err
	}
	svc, _, err := b.clients()
	if err != nil {
		return nil, err
	}

	written := map[string]any{}
	force := []string{}
	for k, v := range p.Metadata {
		name := strcase.ToLowerCamel(k)
		written[name] = v
		force = append(force, strcase.ToCamel(name))
	}

	var file drive.File
	if err := fromMap(written, &file); err != nil {
		return nil, &executor.StatusError{Status: http.StatusBadRequest, Err: fmt.Errorf("%w: metadata: %v", executor.ErrInvalidParams, err)}
	}
	file.ForceSendFields = force

	sel := normalizeFields(p.Fields)
	if sel != nil {
		for name := range written {
			sel = append(sel, name)
		}
		sel = withID(sel)
	}

	out, err := req.Call(ctx, "drive.files.update", func(ctx context.Context, a retry.Attempt) (*retry.Result, error) {
		call := svc.Files.Update(p.FileID, &file).
			Fields(selector(sel)).
			SupportsAllDrives(true).
			Context(ctx)
		if p.AddParents != "" {
			call = call.AddParents(p.AddParents)
		}
		if p.RemoveParents != "" {
			call = call.RemoveParents(p.RemoveParents)
		}
		f, err := call.Do()
		if err != nil {
			return nil, err
		}
		m, err := toMap(f)
		if err != nil {
			return nil, err
		}
		return result(f.ServerResponse, m), nil
	}, nil)
	if err != nil {
		return nil, err
	}

	m := out.Result.Data.(map[string]any)
	patch := make(map[string]any, len(written))
	for name, v := range written {
		if fresh, ok := m[name]; ok {
			v = fresh
		}
		patch[name] = v
	}

	// The response is a fresh read of everything it selected, server-assigned
	// fields included. Fields the server changes on every write but the
	// response left out are dropped instead of served stale.
	key := req.Key(KindFile, p.FileID)
	if err := req.Cache().Put(ctx, key, sel, m); err != nil {
		return nil, err
	}
	if err := req.Cache().Patch(ctx, key, patch); err != nil {
		return nil, err
	}
	var stale []string
	for _, f := range writeStampFields {
		if _, ok := m[f]; !ok {
			stale = append(stale, f)
		}
	}
	if len(stale) > 0 {
		if err := req.Cache().Invalidate(ctx, key, stale...); err != nil {
			return nil, err
		}
	}
	if p.AddParents != "" || p.RemoveParents != "" {
		if err := req.Cache().Invalidate(ctx, key, "parents"); err != nil {
			return nil, err
		}
	}
	return out.Result, nil
}

func (b *Backend) filesDelete(ctx context.Context, req *executor.Request) (*retry.Result, error) {
	var p fileDeleteParams
	if err := req.Decode(&p); err != nil {
		return nil, err
	}
	svc, _, err := b.clients()
	if err != nil {
		return nil, err
	}

	_, err = req.Call(ctx, "drive.files.delete", func(ctx context.Context, a retry.Attempt) (*retry.Result, error) {
		err := svc.Files.Delete(p.FileID).SupportsAllDrives(true).Context(ctx).Do()
		if err != nil {
			// A retried delete whose first attempt went through.
			var gerr *googleapi.Error
			if errors.As(err, &gerr) && gerr.Code == http.StatusNotFound && a.Number > 1 {
				return &retry.Result{Status: http.StatusNoContent}, nil
			}
			return nil, err
		}
		return &retry.Result{Status: http.StatusNoContent}, nil
	}, nil)
	if err != nil {
		return nil, err
	}

	for _, kind := range []string{KindFile, KindDocument} {
		if err := req.Cache().Invalidate(ctx, req.Key(kind, p.FileID)); err != nil {
			return nil, err
		}
	}
	return &retry.Result{Status: http.StatusNoContent}, nil
}
