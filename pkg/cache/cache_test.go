package cache

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hashicorp-forge/hermes-bridge/pkg/database"
)

type fetchRecorder struct {
	calls    [][]string
	resource map[string]any
	err      error
}

func (f *fetchRecorder) fetch(ctx context.Context, fields []string) (map[string]any, error) {
	f.calls = append(f.calls, fields)
	if f.err != nil {
		return nil, f.err
	}
	if fields == nil {
		out := map[string]any{}
		for k, v := range f.resource {
			out[k] = v
		}
		return out, nil
	}
	out := map[string]any{}
	for _, name := range fields {
		if v, ok := f.resource[fieldName(name)]; ok {
			out[fieldName(name)] = v
		}
	}
	return out, nil
}

func stores(t *testing.T) map[string]func() Store {
	return map[string]func() Store{
		"memory": func() Store { return NewMemoryStore() },
		"sqlite": func() Store {
			db, err := database.Connect(database.Config{}, nil)
			require.NoError(t, err)
			t.Cleanup(func() { _ = database.Close(db) })
			return NewGormStore(db)
		},
	}
}

func file() *fetchRecorder {
	return &fetchRecorder{resource: map[string]any{
		"id":       "f1",
		"name":     "Report",
		"size":     "42",
		"mimeType": "text/plain",
	}}
}

var fileKey = Key{Platform: "google", Kind: "file", ID: "f1"}

func TestCache_KnownFieldsAreHits(t *testing.T) {
	for name, newStore := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			c := New(newStore(), hclog.NewNullLogger())
			f := file()

			got, err := c.Get(ctx, fileKey, []string{"name", "size"}, f.fetch)
			require.NoError(t, err)
			assert.Equal(t, "Report", got["name"])

			got, err = c.Get(ctx, fileKey, []string{"name"}, f.fetch)
			require.NoError(t, err)
			assert.Equal(t, map[string]any{"name": "Report"}, got)

			assert.Len(t, f.calls, 1)
			stats, err := c.Stats(ctx)
			require.NoError(t, err)
			assert.Equal(t, int64(1), stats.Hits)
			assert.Equal(t, int64(1), stats.Misses)
			assert.Equal(t, 1, stats.Entries)
		})
	}
}

func TestCache_FetchesOnlyMissingFields(t *testing.T) {
	for name, newStore := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			c := New(newStore(), nil)
			f := file()

			_, err := c.Get(ctx, fileKey, []string{"name"}, f.fetch)
			require.NoError(t, err)

			got, err := c.Get(ctx, fileKey, []string{"name", "size"}, f.fetch)
			require.NoError(t, err)
			assert.Equal(t, map[string]any{"name": "Report", "size": "42"}, got)

			require.Len(t, f.calls, 2)
			assert.Equal(t, []string{"name"}, f.calls[0])
			assert.Equal(t, []string{"size"}, f.calls[1])
		})
	}
}

func TestCache_FullFetchSatisfiesEverything(t *testing.T) {
	ctx := context.Background()
	c := New(nil, nil)
	f := file()

	got, err := c.Get(ctx, fileKey, nil, f.fetch)
	require.NoError(t, err)
	assert.Len(t, got, 4)

	got, err = c.Get(ctx, fileKey, []string{"mimeType", "description"}, f.fetch)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"mimeType": "text/plain"}, got)

	_, err = c.Get(ctx, fileKey, []string{"*"}, f.fetch)
	require.NoError(t, err)
	assert.Len(t, f.calls, 1)
}

func TestCache_KnownAbsentFieldIsNotRefetched(t *testing.T) {
	ctx := context.Background()
	c := New(nil, nil)
	f := file()

	got, err := c.Get(ctx, fileKey, []string{"description"}, f.fetch)
	require.NoError(t, err)
	assert.Empty(t, got)

	_, err = c.Get(ctx, fileKey, []string{"description"}, f.fetch)
	require.NoError(t, err)
	assert.Len(t, f.calls, 1)
}

func TestCache_PatchKeepsOtherFields(t *testing.T) {
	for name, newStore := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			c := New(newStore(), nil)
			f := file()

			_, err := c.Get(ctx, fileKey, []string{"name", "size"}, f.fetch)
			require.NoError(t, err)

			require.NoError(t, c.Patch(ctx, fileKey, map[string]any{"name": "Renamed"}))

			got, err := c.Get(ctx, fileKey, []string{"name", "size"}, f.fetch)
			require.NoError(t, err)
			assert.Equal(t, "Renamed", got["name"])
			assert.Equal(t, "42", got["size"])
			assert.Len(t, f.calls, 1)

			e, ok, err := c.Peek(ctx, fileKey)
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, int64(2), e.Version)
		})
	}
}

func TestCache_InvalidateFields(t *testing.T) {
	ctx := context.Background()
	c := New(nil, nil)
	f := file()

	_, err := c.Get(ctx, fileKey, nil, f.fetch)
	require.NoError(t, err)

	require.NoError(t, c.Invalidate(ctx, fileKey, "size"))

	_, err = c.Get(ctx, fileKey, []string{"name"}, f.fetch)
	require.NoError(t, err)
	assert.Len(t, f.calls, 1, "name is still known")

	_, err = c.Get(ctx, fileKey, []string{"name", "size"}, f.fetch)
	require.NoError(t, err)
	require.Len(t, f.calls, 2)
	assert.Equal(t, []string{"size"}, f.calls[1])
}

func TestCache_InvalidateEntryAndKind(t *testing.T) {
	for name, newStore := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			c := New(newStore(), nil)
			f := file()

			other := Key{Platform: "google", Kind: "file", ID: "f2"}
			doc := Key{Platform: "google", Kind: "document", ID: "f1"}
			for _, k := range []Key{fileKey, other, doc} {
				_, err := c.Get(ctx, k, []string{"name"}, f.fetch)
				require.NoError(t, err)
			}

			require.NoError(t, c.Invalidate(ctx, fileKey))
			_, ok, err := c.Peek(ctx, fileKey)
			require.NoError(t, err)
			assert.False(t, ok)

			n, err := c.InvalidateKind(ctx, "google", "file")
			require.NoError(t, err)
			assert.Equal(t, 1, n)

			_, ok, err = c.Peek(ctx, doc)
			require.NoError(t, err)
			assert.True(t, ok, "other kinds survive")
		})
	}
}

func TestCache_PlatformsNeverCollide(t *testing.T) {
	ctx := context.Background()
	c := New(nil, nil)

	google := &fetchRecorder{resource: map[string]any{"name": "drive file"}}
	s3 := &fetchRecorder{resource: map[string]any{"name": "s3 object"}}

	g, err := c.Get(ctx, Key{Platform: "google", Kind: "file", ID: "x"}, []string{"name"}, google.fetch)
	require.NoError(t, err)
	s, err := c.Get(ctx, Key{Platform: "s3", Kind: "file", ID: "x"}, []string{"name"}, s3.fetch)
	require.NoError(t, err)

	assert.Equal(t, "drive file", g["name"])
	assert.Equal(t, "s3 object", s["name"])
	assert.Len(t, s3.calls, 1)

	stats, err := c.Stats(ctx)
	require.NoError(t, err)
	assert.Contains(t, stats.Partitions, "google/file")
	assert.Contains(t, stats.Partitions, "s3/file")
}

func TestCache_FetchErrorLeavesEntryUntouched(t *testing.T) {
	ctx := context.Background()
	c := New(nil, nil)
	f := &fetchRecorder{err: errors.New("boom")}

	_, err := c.Get(ctx, fileKey, []string{"name"}, f.fetch)
	require.Error(t, err)

	_, ok, err := c.Peek(ctx, fileKey)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCache_PutWarmsEntries(t *testing.T) {
	ctx := context.Background()
	c := New(nil, nil)
	f := file()

	require.NoError(t, c.Put(ctx, fileKey, []string{"id", "name"}, map[string]any{"id": "f1", "name": "Report"}))

	got, err := c.Get(ctx, fileKey, []string{"name"}, f.fetch)
	require.NoError(t, err)
	assert.Equal(t, "Report", got["name"])
	assert.Empty(t, f.calls)
}

func TestCache_IdentitiesNeverShareEntries(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "cache.db")

	open := func(identity string) (*Cache, func()) {
		db, err := database.Connect(database.Config{Path: path}, nil)
		require.NoError(t, err)
		c := NewScoped(NewGormStore(db), func(context.Context) (string, error) {
			return identity, nil
		}, nil)
		return c, func() { _ = database.Close(db) }
	}

	alice, closeAlice := open("impersonation:alice@example.com")
	a := &fetchRecorder{resource: map[string]any{"name": "alice-private.doc"}}
	got, err := alice.Get(ctx, fileKey, []string{"name"}, a.fetch)
	require.NoError(t, err)
	assert.Equal(t, "alice-private.doc", got["name"])
	closeAlice()

	bob, closeBob := open("impersonation:bob@example.com")
	defer closeBob()
	b := &fetchRecorder{resource: map[string]any{"name": "bob.doc"}}
	got, err = bob.Get(ctx, fileKey, []string{"name"}, b.fetch)
	require.NoError(t, err)
	assert.Equal(t, "bob.doc", got["name"])
	assert.Len(t, b.calls, 1)

	// The first principal's entry survives next to the second one.
	again, closeAgain := open("impersonation:alice@example.com")
	defer closeAgain()
	got, err = again.Get(ctx, fileKey, []string{"name"}, a.fetch)
	require.NoError(t, err)
	assert.Equal(t, "alice-private.doc", got["name"])
	assert.Len(t, a.calls, 1)

	n, err := again.InvalidateKind(ctx, "google", "file")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestCache_IdentityErrorFailsLookup(t *testing.T) {
	c := NewScoped(nil, func(context.Context) (string, error) {
		return "", errors.New("no credentials")
	}, nil)
	f := file()

	_, err := c.Get(context.Background(), fileKey, []string{"name"}, f.fetch)
	require.ErrorContains(t, err, "no credentials")
	assert.Empty(t, f.calls)
}

// owners projects sub-field selectors of the owners field the way the Drive
// API does.
type owners struct {
	calls [][]string
}

func (o *owners) fetch(ctx context.Context, fields []string) (map[string]any, error) {
	o.calls = append(o.calls, fields)
	full := map[string]any{"emailAddress": "a@example.com", "displayName": "Ada"}
	want := map[string]any{}
	for _, f := range fields {
		switch {
		case f == "owners":
			return map[string]any{"owners": []any{full}}, nil
		case strings.HasPrefix(f, "owners("):
			sub := strings.TrimSuffix(strings.TrimPrefix(f, "owners("), ")")
			want[sub] = full[sub]
		}
	}
	return map[string]any{"owners": []any{want}}, nil
}

func TestCache_SubFieldSelectorsAreTrackedExactly(t *testing.T) {
	for name, newStore := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			c := New(newStore(), nil)
			o := &owners{}

			_, err := c.Get(ctx, fileKey, []string{"owners(emailAddress)"}, o.fetch)
			require.NoError(t, err)

			got, err := c.Get(ctx, fileKey, []string{"owners(emailAddress)"}, o.fetch)
			require.NoError(t, err)
			assert.Len(t, o.calls, 1)
			assert.Equal(t, []any{map[string]any{"emailAddress": "a@example.com"}}, got["owners"])

			got, err = c.Get(ctx, fileKey, []string{"owners(displayName)"}, o.fetch)
			require.NoError(t, err)
			require.Len(t, o.calls, 2)
			assert.Equal(t, []string{"owners(displayName)"}, o.calls[1])
			assert.Equal(t, []any{map[string]any{"displayName": "Ada"}}, got["owners"])

			// The earlier selector was replaced, so asking for both refetches both.
			_, err = c.Get(ctx, fileKey, []string{"owners(displayName)", "owners(emailAddress)"}, o.fetch)
			require.NoError(t, err)
			require.Len(t, o.calls, 3)
			assert.Equal(t, []string{"owners(displayName)", "owners(emailAddress)"}, o.calls[2])

			// A bare fetch covers every selector.
			_, err = c.Get(ctx, fileKey, []string{"owners"}, o.fetch)
			require.NoError(t, err)
			_, err = c.Get(ctx, fileKey, []string{"owners(displayName)"}, o.fetch)
			require.NoError(t, err)
			assert.Len(t, o.calls, 4)
		})
	}
}

func TestNormalizeFields(t *testing.T) {
	assert.Nil(t, NormalizeFields(nil))
	assert.Nil(t, NormalizeFields([]string{"name", "*"}))
	assert.Equal(t, []string{"name", "size"}, NormalizeFields([]string{" size", "name", "size", ""}))
}
