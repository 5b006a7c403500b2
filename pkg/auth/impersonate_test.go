package auth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"

	"github.com/hashicorp-forge/hermes-bridge/pkg/retry"
)

type fakeGoogle struct {
	srv        *httptest.Server
	signs      atomic.Int32
	exchanges  atomic.Int32
	signStatus int
	exchStatus int
	lastClaims map[string]any
	subject    string
}

func newFakeGoogle(t *testing.T) *fakeGoogle {
	f := &fakeGoogle{signStatus: http.StatusOK, exchStatus: http.StatusOK}
	mux := http.NewServeMux()

	mux.HandleFunc("/v1/", func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, ":signJwt") {
			http.NotFound(w, r)
			return
		}
		f.signs.Add(1)
		if f.signStatus != http.StatusOK {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(f.signStatus)
			_, _ = w.Write([]byte(`{"error":{"code":` + itoa(f.signStatus) + `,"message":"signing refused"}}`))
			return
		}

		var req struct {
			Payload string `json:"payload"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.NoError(t, json.Unmarshal([]byte(req.Payload), &f.lastClaims))

		payload := req.Payload
		if f.subject != "" {
			f.lastClaims["sub"] = f.subject
			b, _ := json.Marshal(f.lastClaims)
			payload = string(b)
		}
		enc := base64.RawURLEncoding
		signed := enc.EncodeToString([]byte(`{"alg":"RS256","typ":"JWT"}`)) + "." +
			enc.EncodeToString([]byte(payload)) + "." +
			enc.EncodeToString([]byte("signature"))

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"keyId": "k1", "signedJwt": signed})
	})

	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		f.exchanges.Add(1)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, jwtBearerGrantType, r.PostForm.Get("grant_type"))
		assert.Len(t, strings.Split(r.PostForm.Get("assertion"), "."), 3)

		w.Header().Set("Content-Type", "application/json")
		if f.exchStatus != http.StatusOK {
			w.WriteHeader(f.exchStatus)
			_, _ = w.Write([]byte(`{"error":"invalid_grant","error_description":"Not a valid email or user ID."}`))
			return
		}
		_, _ = w.Write([]byte(`{"access_token":"ya29.effective","token_type":"Bearer","expires_in":3600,"scope":"https://www.googleapis.com/auth/drive"}`))
	})

	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func itoa(i int) string {
	b, _ := json.Marshal(i)
	return string(b)
}

func (f *fakeGoogle) provider(now time.Time) *GoogleImpersonation {
	return &GoogleImpersonation{
		ServiceAccount: "bridge@proj.iam.gserviceaccount.com",
		Subject:        "user@example.com",
		Scopes:         []string{"drive"},
		ProjectID:      "proj",
		TokenURI:       f.srv.URL + "/token",
		SignerOptions: []option.ClientOption{
			option.WithEndpoint(f.srv.URL + "/"),
			option.WithHTTPClient(f.srv.Client()),
		},
		HTTPClient: f.srv.Client(),
		Now:        func() time.Time { return now },
	}
}

func TestGoogleImpersonation_SignAndExchange(t *testing.T) {
	f := newFakeGoogle(t)
	now := time.Now()
	p := f.provider(now)

	d, err := p.Discover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "bridge@proj.iam.gserviceaccount.com", d.SourceIdentity)
	assert.Equal(t, "user@example.com", d.EffectiveIdentity)
	assert.Equal(t, int32(0), f.signs.Load(), "discovery must not sign")

	grant, err := p.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ya29.effective", grant.Effective.Value)
	assert.WithinDuration(t, now.Add(time.Hour), grant.Effective.Expiry, time.Second)
	assert.Equal(t, []string{"https://www.googleapis.com/auth/drive"}, grant.Effective.Scopes)

	assert.Equal(t, "bridge@proj.iam.gserviceaccount.com", f.lastClaims["iss"])
	assert.Equal(t, "user@example.com", f.lastClaims["sub"])
	assert.Equal(t, f.srv.URL+"/token", f.lastClaims["aud"])
	assert.Equal(t, "https://www.googleapis.com/auth/drive", f.lastClaims["scope"])
}

func TestGoogleImpersonation_ManagerCachesToken(t *testing.T) {
	f := newFakeGoogle(t)
	m := NewManager("google", f.provider(time.Now()), Config{}, nil)

	for i := 0; i < 3; i++ {
		tok, err := m.AccessToken(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "ya29.effective", tok)
	}
	assert.Equal(t, int32(1), f.signs.Load())
	assert.Equal(t, int32(1), f.exchanges.Load())

	eff, err := m.EffectiveIdentity(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "user@example.com", eff)
}

func TestGoogleImpersonation_ExchangeRejectedIsFatal(t *testing.T) {
	f := newFakeGoogle(t)
	f.exchStatus = http.StatusBadRequest

	_, err := f.provider(time.Now()).Fetch(context.Background())
	require.Error(t, err)

	var cerr *ConfigError
	require.ErrorAs(t, err, &cerr)
	assert.Contains(t, err.Error(), "invalid_grant")
	assert.Equal(t, retry.ClassNonRetryable, retry.Classify(nil, err))
}

func TestGoogleImpersonation_SignFailures(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		wantFatal bool
		wantClass retry.Class
	}{
		{name: "permission denied", status: http.StatusForbidden, wantFatal: true, wantClass: retry.ClassNonRetryable},
		{name: "unavailable", status: http.StatusServiceUnavailable, wantFatal: false, wantClass: retry.ClassTransientServer},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFakeGoogle(t)
			f.signStatus = tt.status

			_, err := f.provider(time.Now()).Fetch(context.Background())
			require.Error(t, err)

			var cerr *ConfigError
			assert.Equal(t, tt.wantFatal, errors.As(err, &cerr))
			assert.Equal(t, tt.wantClass, retry.Classify(nil, err))
			assert.Equal(t, int32(0), f.exchanges.Load())
		})
	}
}

func TestGoogleImpersonation_WrongSubjectRejected(t *testing.T) {
	f := newFakeGoogle(t)
	f.subject = "someone-else@example.com"

	_, err := f.provider(time.Now()).Fetch(context.Background())
	var cerr *ConfigError
	require.ErrorAs(t, err, &cerr)
	assert.Contains(t, err.Error(), "someone-else@example.com")
}

func TestGoogleImpersonation_DiscoverRequiresIdentities(t *testing.T) {
	_, err := (&GoogleImpersonation{Subject: "user@example.com"}).Discover(context.Background())
	var cerr *ConfigError
	require.ErrorAs(t, err, &cerr)
}
