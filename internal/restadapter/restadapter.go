// Package restadapter is the typed HTTP client for the upstream
// item-management service: workspaces, catalogs, attributes, items,
// references, comments, history, and ad-hoc query execution. Every call
// carries a 30s timeout, the way cklxx-elephant.ai's internal/infra/httpclient
// configures its outbound client.
package restadapter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/davidnicolassimons-design/onstaq-automation/internal/apperror"
	"github.com/davidnicolassimons-design/onstaq-automation/internal/model"
)

const defaultTimeout = 30 * time.Second

// Adapter is the HTTP client bound to one upstream deployment.
type Adapter struct {
	baseURL string
	email   string
	password string
	http    *http.Client

	mu    sync.RWMutex
	token string
}

// New builds an Adapter targeting baseURL, with credentials used by Login
// and by the automatic re-login-on-401 behavior.
func New(baseURL, email, password string) *Adapter {
	return &Adapter{
		baseURL:  strings.TrimRight(baseURL, "/"),
		email:    email,
		password: password,
		http:     &http.Client{Timeout: defaultTimeout},
	}
}

// SetToken injects a bearer token directly, bypassing Login.
func (a *Adapter) SetToken(token string) {
	a.mu.Lock()
	a.token = token
	a.mu.Unlock()
}

func (a *Adapter) currentToken() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.token
}

// Me is the authenticated-caller identity returned by Login/GetMe.
type Me struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

// Login exchanges email/password for a bearer token and stores it.
func (a *Adapter) Login(ctx context.Context) (*Me, error) {
	var out struct {
		Token string `json:"token"`
		User  Me     `json:"user"`
	}
	if err := a.do(ctx, http.MethodPost, "/api/auth/login", map[string]any{
		"email":    a.email,
		"password": a.password,
	}, &out, false); err != nil {
		return nil, err
	}
	a.SetToken(out.Token)
	return &out.User, nil
}

// GetMe validates the currently held bearer token by round-tripping it.
func (a *Adapter) GetMe(ctx context.Context) (*Me, error) {
	var out Me
	if err := a.do(ctx, http.MethodGet, "/api/auth/me", nil, &out, true); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListOptions configures a paginated/filtered list call.
type ListOptions struct {
	SortBy    string
	SortOrder string // "asc" | "desc"
	Page      int
	Limit     int
	Search    string
	Filters   map[string]string
}

func (o ListOptions) query() url.Values {
	q := url.Values{}
	if o.SortBy != "" {
		q.Set("sortBy", o.SortBy)
	}
	if o.SortOrder != "" {
		q.Set("sortOrder", o.SortOrder)
	}
	if o.Page > 0 {
		q.Set("page", strconv.Itoa(o.Page))
	}
	if o.Limit > 0 {
		q.Set("limit", strconv.Itoa(o.Limit))
	}
	if o.Search != "" {
		q.Set("search", o.Search)
	}
	for k, v := range o.Filters {
		q.Set(k, v)
	}
	return q
}

// ItemPage is a list-items response.
type ItemPage struct {
	Items      []model.Item `json:"items"`
	TotalCount int          `json:"totalCount"`
}

// ListItems lists items in catalogID honoring opts; the poller uses this
// with SortBy createdAt|updatedAt, SortOrder desc, Limit 20.
func (a *Adapter) ListItems(ctx context.Context, catalogID string, opts ListOptions) (*ItemPage, error) {
	path := fmt.Sprintf("/api/catalogs/%s/items?%s", url.PathEscape(catalogID), opts.query().Encode())
	var out ItemPage
	if err := a.do(ctx, http.MethodGet, path, nil, &out, true); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetItem fetches a single item by id.
func (a *Adapter) GetItem(ctx context.Context, itemID string) (*model.Item, error) {
	var out model.Item
	if err := a.do(ctx, http.MethodGet, "/api/items/"+url.PathEscape(itemID), nil, &out, true); err != nil {
		return nil, err
	}
	return &out, nil
}

// FindItemByKey resolves an item by its human-readable key via a filtered
// list call.
func (a *Adapter) FindItemByKey(ctx context.Context, catalogID, key string) (*model.Item, error) {
	page, err := a.ListItems(ctx, catalogID, ListOptions{Filters: map[string]string{"key": key}, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(page.Items) == 0 {
		return nil, apperror.NewNotFound(fmt.Sprintf("item with key %q not found", key))
	}
	return &page.Items[0], nil
}

// FindItemInWorkspaceByKey resolves an item by key across an entire
// workspace (used by the template resolver's `lookup(key)` special form,
// which is not scoped to a single catalog).
func (a *Adapter) FindItemInWorkspaceByKey(ctx context.Context, workspaceID, key string) (*model.Item, error) {
	var out struct {
		Items []model.Item `json:"items"`
	}
	path := fmt.Sprintf("/api/workspaces/%s/items?key=%s", url.PathEscape(workspaceID), url.QueryEscape(key))
	if err := a.do(ctx, http.MethodGet, path, nil, &out, true); err != nil {
		return nil, err
	}
	if len(out.Items) == 0 {
		return nil, apperror.NewNotFound(fmt.Sprintf("no item with key %q in workspace %s", key, workspaceID))
	}
	return &out.Items[0], nil
}

// CreateItem creates an item in catalogID with the given attribute values.
func (a *Adapter) CreateItem(ctx context.Context, catalogID string, attributes map[string]any) (*model.Item, error) {
	var out model.Item
	body := map[string]any{"catalogId": catalogID, "attributeValues": attributes}
	if err := a.do(ctx, http.MethodPost, "/api/items", body, &out, true); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateItem patches an item's attribute values.
func (a *Adapter) UpdateItem(ctx context.Context, itemID string, attributes map[string]any) (*model.Item, error) {
	var out model.Item
	body := map[string]any{"attributeValues": attributes}
	if err := a.do(ctx, http.MethodPut, "/api/items/"+url.PathEscape(itemID), body, &out, true); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteItem deletes an item by id.
func (a *Adapter) DeleteItem(ctx context.Context, itemID string) error {
	return a.do(ctx, http.MethodDelete, "/api/items/"+url.PathEscape(itemID), nil, nil, true)
}

// ImportResult tallies a bulk item.import call.
type ImportResult struct {
	Created int `json:"created"`
	Updated int `json:"updated"`
	Failed  int `json:"failed"`
}

// ImportItems bulk creates/updates rows in catalogID, matching existing
// items by keyColumn when set.
func (a *Adapter) ImportItems(ctx context.Context, catalogID string, rows []map[string]any, keyColumn string) (*ImportResult, error) {
	var out ImportResult
	body := map[string]any{"catalogId": catalogID, "rows": rows, "keyColumn": keyColumn}
	if err := a.do(ctx, http.MethodPost, "/api/items/import", body, &out, true); err != nil {
		return nil, err
	}
	return &out, nil
}

// ReferenceDirection selects outbound or inbound traversal.
type ReferenceDirection string

const (
	DirectionOutbound ReferenceDirection = "outbound"
	DirectionInbound  ReferenceDirection = "inbound"
)

// Reference is a typed link between two items.
type Reference struct {
	ID            string    `json:"id"`
	FromItemID    string    `json:"fromItemId"`
	ToItemID      string    `json:"toItemId"`
	ReferenceKind string    `json:"referenceKind"`
	Label         string    `json:"label,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}

// ListReferences lists references touching itemID in direction, optionally
// filtered by kind ("" = any).
func (a *Adapter) ListReferences(ctx context.Context, itemID string, direction ReferenceDirection, kind string) ([]Reference, error) {
	q := url.Values{"direction": {string(direction)}}
	if kind != "" {
		q.Set("referenceKind", kind)
	}
	var out struct {
		References []Reference `json:"references"`
	}
	path := fmt.Sprintf("/api/items/%s/references?%s", url.PathEscape(itemID), q.Encode())
	if err := a.do(ctx, http.MethodGet, path, nil, &out, true); err != nil {
		return nil, err
	}
	return out.References, nil
}

// CreateReference links fromItemID -> toItemID; kind defaults to "LINK".
func (a *Adapter) CreateReference(ctx context.Context, fromItemID, toItemID, kind, label string) (*Reference, error) {
	if kind == "" {
		kind = "LINK"
	}
	var out Reference
	body := map[string]any{"toItemId": toItemID, "referenceKind": kind, "label": label}
	path := fmt.Sprintf("/api/items/%s/references", url.PathEscape(fromItemID))
	if err := a.do(ctx, http.MethodPost, path, body, &out, true); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteReference removes a reference by id.
func (a *Adapter) DeleteReference(ctx context.Context, itemID, referenceID string) error {
	path := fmt.Sprintf("/api/items/%s/references/%s", url.PathEscape(itemID), url.PathEscape(referenceID))
	return a.do(ctx, http.MethodDelete, path, nil, nil, true)
}

// HistoryEntry is one recorded change to an item.
type HistoryEntry struct {
	ID        string         `json:"id"`
	ItemID    string         `json:"itemId"`
	Action    string         `json:"action"` // UPDATED, REFERENCE_ADDED, REFERENCE_REMOVED, ...
	Changes   map[string]Change `json:"changes,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
	CreatedBy string         `json:"createdBy,omitempty"`
}

// Change is a single field's before/after pair within a HistoryEntry.
type Change struct {
	From any `json:"from"`
	To   any `json:"to"`
}

// ListHistory lists history entries for itemID since (exclusive), oldest
// first omitted — callers sort as needed.
func (a *Adapter) ListHistory(ctx context.Context, itemID string, since time.Time) ([]HistoryEntry, error) {
	q := url.Values{}
	if !since.IsZero() {
		q.Set("since", since.Format(time.RFC3339Nano))
	}
	var out struct {
		Entries []HistoryEntry `json:"entries"`
	}
	path := fmt.Sprintf("/api/items/%s/history?%s", url.PathEscape(itemID), q.Encode())
	if err := a.do(ctx, http.MethodGet, path, nil, &out, true); err != nil {
		return nil, err
	}
	return out.Entries, nil
}

// ListHistorySince lists history entries across an entire catalog since a
// bookmark, used by attribute.changed/status.changed/reference pollers.
func (a *Adapter) ListHistorySince(ctx context.Context, catalogID string, since time.Time, action string) ([]HistoryEntry, error) {
	q := url.Values{}
	if !since.IsZero() {
		q.Set("since", since.Format(time.RFC3339Nano))
	}
	if action != "" {
		q.Set("action", action)
	}
	var out struct {
		Entries []HistoryEntry `json:"entries"`
	}
	path := fmt.Sprintf("/api/catalogs/%s/history?%s", url.PathEscape(catalogID), q.Encode())
	if err := a.do(ctx, http.MethodGet, path, nil, &out, true); err != nil {
		return nil, err
	}
	return out.Entries, nil
}

// Comment is a note attached to an item.
type Comment struct {
	ID        string    `json:"id"`
	ItemID    string    `json:"itemId"`
	Body      string    `json:"body"`
	CreatedBy string    `json:"createdBy,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// ListCommentsSince lists comments on itemID authored after since.
func (a *Adapter) ListCommentsSince(ctx context.Context, itemID string, since time.Time) ([]Comment, error) {
	q := url.Values{}
	if !since.IsZero() {
		q.Set("since", since.Format(time.RFC3339Nano))
	}
	var out struct {
		Comments []Comment `json:"comments"`
	}
	path := fmt.Sprintf("/api/items/%s/comments?%s", url.PathEscape(itemID), q.Encode())
	if err := a.do(ctx, http.MethodGet, path, nil, &out, true); err != nil {
		return nil, err
	}
	return out.Comments, nil
}

// AddComment posts a new comment on itemID.
func (a *Adapter) AddComment(ctx context.Context, itemID, body string) (*Comment, error) {
	var out Comment
	path := fmt.Sprintf("/api/items/%s/comments", url.PathEscape(itemID))
	if err := a.do(ctx, http.MethodPost, path, map[string]any{"body": body}, &out, true); err != nil {
		return nil, err
	}
	return &out, nil
}

// Catalog is a workspace's item-type schema.
type Catalog struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	WorkspaceID string `json:"workspaceId"`
}

// ListCatalogs lists every catalog in a workspace.
func (a *Adapter) ListCatalogs(ctx context.Context, workspaceID string) ([]Catalog, error) {
	var out struct {
		Catalogs []Catalog `json:"catalogs"`
	}
	path := fmt.Sprintf("/api/workspaces/%s/catalogs", url.PathEscape(workspaceID))
	if err := a.do(ctx, http.MethodGet, path, nil, &out, true); err != nil {
		return nil, err
	}
	return out.Catalogs, nil
}

// FindCatalogByName resolves a catalog by case-insensitive name match
// within workspaceID.
func (a *Adapter) FindCatalogByName(ctx context.Context, workspaceID, name string) (*Catalog, error) {
	catalogs, err := a.ListCatalogs(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	for _, c := range catalogs {
		if strings.EqualFold(c.Name, name) {
			return &c, nil
		}
	}
	return nil, apperror.NewNotFound(fmt.Sprintf("catalog %q not found in workspace %s", name, workspaceID))
}

// CreateCatalog creates a new catalog in workspaceID.
func (a *Adapter) CreateCatalog(ctx context.Context, workspaceID, name string, options map[string]any) (*Catalog, error) {
	var out Catalog
	body := map[string]any{"workspaceId": workspaceID, "name": name, "options": options}
	if err := a.do(ctx, http.MethodPost, "/api/catalogs", body, &out, true); err != nil {
		return nil, err
	}
	return &out, nil
}

// Attribute describes one field of a catalog's schema.
type Attribute struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Type string `json:"type"`
}

// FindStatusAttribute locates the STATUS-typed attribute of catalogID, if
// any.
func (a *Adapter) FindStatusAttribute(ctx context.Context, catalogID string) (*Attribute, error) {
	attrs, err := a.ListAttributes(ctx, catalogID)
	if err != nil {
		return nil, err
	}
	for _, at := range attrs {
		if strings.EqualFold(at.Type, "STATUS") {
			return &at, nil
		}
	}
	return nil, nil
}

// ListAttributes lists the attribute schema of catalogID.
func (a *Adapter) ListAttributes(ctx context.Context, catalogID string) ([]Attribute, error) {
	var out struct {
		Attributes []Attribute `json:"attributes"`
	}
	path := fmt.Sprintf("/api/catalogs/%s/attributes", url.PathEscape(catalogID))
	if err := a.do(ctx, http.MethodGet, path, nil, &out, true); err != nil {
		return nil, err
	}
	return out.Attributes, nil
}

// CreateAttribute adds a new attribute to catalogID's schema.
func (a *Adapter) CreateAttribute(ctx context.Context, catalogID, name, attrType string, options map[string]any) (*Attribute, error) {
	var out Attribute
	body := map[string]any{"name": name, "type": attrType, "options": options}
	path := fmt.Sprintf("/api/catalogs/%s/attributes", url.PathEscape(catalogID))
	if err := a.do(ctx, http.MethodPost, path, body, &out, true); err != nil {
		return nil, err
	}
	return &out, nil
}

// AddWorkspaceMember adds userID to workspaceID with the given role.
func (a *Adapter) AddWorkspaceMember(ctx context.Context, workspaceID, userID, role string) (string, error) {
	var out struct {
		MemberID string `json:"memberId"`
	}
	body := map[string]any{"userId": userID, "role": role}
	path := fmt.Sprintf("/api/workspaces/%s/members", url.PathEscape(workspaceID))
	if err := a.do(ctx, http.MethodPost, path, body, &out, true); err != nil {
		return "", err
	}
	return out.MemberID, nil
}

// ExecuteQuery runs an OQL query against workspaceID.
func (a *Adapter) ExecuteQuery(ctx context.Context, workspaceID, query string) (*model.QueryResult, error) {
	var out model.QueryResult
	body := map[string]any{"workspaceId": workspaceID, "query": query}
	if err := a.do(ctx, http.MethodPost, "/api/query", body, &out, true); err != nil {
		return nil, err
	}
	return &out, nil
}

// do performs one HTTP round-trip, JSON-encoding body (if non-nil) and
// JSON-decoding the response into out (if non-nil). When auth is true and
// the response is 401, it re-attempts a single login and retries once,
// per the "Upstream auth" error-taxonomy entry.
func (a *Adapter) do(ctx context.Context, method, path string, body any, out any, auth bool) error {
	status, respBody, err := a.roundTrip(ctx, method, path, body, auth)
	if err != nil {
		return err
	}
	if status == http.StatusUnauthorized && auth {
		if _, loginErr := a.Login(ctx); loginErr != nil {
			return apperror.NewUpstreamAuth("re-login after 401 failed", loginErr)
		}
		status, respBody, err = a.roundTrip(ctx, method, path, body, auth)
		if err != nil {
			return err
		}
	}
	return a.classify(status, respBody, out)
}

func (a *Adapter) roundTrip(ctx context.Context, method, path string, body any, auth bool) (int, []byte, error) {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return 0, nil, fmt.Errorf("encoding request body: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, reader)
	if err != nil {
		return 0, nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if auth {
		if tok := a.currentToken(); tok != "" {
			req.Header.Set("Authorization", "Bearer "+tok)
		}
	}

	resp, err := a.http.Do(req)
	if err != nil {
		return 0, nil, apperror.NewUpstreamTransient("request to upstream failed", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, apperror.NewUpstreamTransient("reading upstream response", err)
	}
	return resp.StatusCode, respBody, nil
}

func (a *Adapter) classify(status int, body []byte, out any) error {
	switch {
	case status >= 200 && status < 300:
		if out == nil || len(body) == 0 {
			return nil
		}
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("decoding upstream response: %w", err)
		}
		return nil
	case status == http.StatusUnauthorized:
		return apperror.NewUpstreamAuth("upstream returned 401", nil)
	case status == http.StatusNotFound:
		return apperror.NewNotFound("upstream returned 404")
	case status >= 500:
		return apperror.NewUpstreamTransient(fmt.Sprintf("upstream returned %d", status), nil)
	default:
		return apperror.NewValidation(fmt.Sprintf("upstream returned %d: %s", status, string(body)))
	}
}
