package restadapter

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davidnicolassimons-design/onstaq-automation/internal/apperror"
)

func TestLogin_StoresTokenFromResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/auth/login", r.URL.Path)
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "a@b.com", body["email"])

		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"token": "tok123",
			"user":  map[string]any{"id": "u1", "email": "a@b.com"},
		})
	}))
	defer srv.Close()

	a := New(srv.URL, "a@b.com", "secret")
	me, err := a.Login(t.Context())
	require.NoError(t, err)
	assert.Equal(t, "u1", me.ID)
	assert.Equal(t, "tok123", a.currentToken())
}

func TestGetMe_SendsBearerToken(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{"id": "u1", "email": "a@b.com"})
	}))
	defer srv.Close()

	a := New(srv.URL, "a@b.com", "secret")
	a.SetToken("tok123")

	_, err := a.GetMe(t.Context())
	require.NoError(t, err)
	assert.Equal(t, "Bearer tok123", gotAuth)
}

func TestDo_RetriesLoginOnceOn401(t *testing.T) {
	loginCalls := 0
	meCalls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/auth/login":
			loginCalls++
			w.WriteHeader(http.StatusOK)
			_ = json.NewEncoder(w).Encode(map[string]any{"token": "fresh-token", "user": map[string]any{"id": "u1"}})
		case "/api/auth/me":
			meCalls++
			if r.Header.Get("Authorization") == "Bearer fresh-token" {
				w.WriteHeader(http.StatusOK)
				_ = json.NewEncoder(w).Encode(map[string]any{"id": "u1", "email": "a@b.com"})
				return
			}
			w.WriteHeader(http.StatusUnauthorized)
		}
	}))
	defer srv.Close()

	a := New(srv.URL, "a@b.com", "secret")
	a.SetToken("stale-token")

	me, err := a.GetMe(t.Context())
	require.NoError(t, err)
	assert.Equal(t, "u1", me.ID)
	assert.Equal(t, 1, loginCalls)
	assert.Equal(t, 2, meCalls)
}

func TestGetItem_DecodesResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/items/item_1", r.URL.Path)
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{"id": "item_1", "key": "ITEM-1"})
	}))
	defer srv.Close()

	a := New(srv.URL, "a@b.com", "secret")
	item, err := a.GetItem(t.Context(), "item_1")
	require.NoError(t, err)
	assert.Equal(t, "item_1", item.ID)
	assert.Equal(t, "ITEM-1", item.Key)
}

func TestFindItemByKey_NotFoundReturnsNotFoundCategory(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{"items": []any{}, "totalCount": 0})
	}))
	defer srv.Close()

	a := New(srv.URL, "a@b.com", "secret")
	_, err := a.FindItemByKey(t.Context(), "cat_1", "MISSING-1")
	require.Error(t, err)
	cat, ok := apperror.CategoryOf(err)
	require.True(t, ok)
	assert.Equal(t, apperror.NotFound, cat)
}

func TestClassify_ServerErrorIsUpstreamTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	a := New(srv.URL, "a@b.com", "secret")
	_, err := a.GetItem(t.Context(), "item_1")
	require.Error(t, err)
	cat, ok := apperror.CategoryOf(err)
	require.True(t, ok)
	assert.Equal(t, apperror.UpstreamTransient, cat)
}

func TestClassify_BadRequestIsValidation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte("bad input"))
	}))
	defer srv.Close()

	a := New(srv.URL, "a@b.com", "secret")
	_, err := a.GetItem(t.Context(), "item_1")
	require.Error(t, err)
	cat, ok := apperror.CategoryOf(err)
	require.True(t, ok)
	assert.Equal(t, apperror.Validation, cat)
}

func TestCreateReference_DefaultsKindToLINK(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{"id": "ref_1", "fromItemId": "a", "toItemId": "b", "referenceKind": gotBody["referenceKind"]})
	}))
	defer srv.Close()

	a := New(srv.URL, "a@b.com", "secret")
	ref, err := a.CreateReference(t.Context(), "a", "b", "", "")
	require.NoError(t, err)
	assert.Equal(t, "LINK", gotBody["referenceKind"])
	assert.Equal(t, "LINK", ref.ReferenceKind)
}

func TestFindCatalogByName_CaseInsensitiveMatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{"catalogs": []map[string]any{
			{"id": "cat_1", "name": "Incidents", "workspaceId": "ws_1"},
		}})
	}))
	defer srv.Close()

	a := New(srv.URL, "a@b.com", "secret")
	cat, err := a.FindCatalogByName(t.Context(), "ws_1", "incidents")
	require.NoError(t, err)
	assert.Equal(t, "cat_1", cat.ID)
}

func TestListOptions_QueryEncodesSetFields(t *testing.T) {
	opts := ListOptions{SortBy: "createdAt", SortOrder: "desc", Page: 2, Limit: 20, Search: "x"}
	q := opts.query()
	assert.Equal(t, "createdAt", q.Get("sortBy"))
	assert.Equal(t, "desc", q.Get("sortOrder"))
	assert.Equal(t, "2", q.Get("page"))
	assert.Equal(t, "20", q.Get("limit"))
	assert.Equal(t, "x", q.Get("search"))
}
