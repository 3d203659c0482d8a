package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"renki.org/internal/auth"
	"renki.org/internal/ticket"
)

type apiClient struct {
	baseURL string
	client  *http.Client
	t       *testing.T

	users  *auth.Service
	store  *auth.MemStore
	keys   *auth.KeyService
	ledger ticket.Service
}

func newTestAPI(t *testing.T) *apiClient {
	t.Helper()

	store := auth.NewMemStore()
	users, err := auth.NewService(store)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	keys, err := auth.NewKeyService(auth.NewMemKeyStore(), store, "test-secret")
	if err != nil {
		t.Fatalf("NewKeyService: %v", err)
	}
	tokens, err := auth.NewTokenService("test-secret", time.Hour)
	if err != nil {
		t.Fatalf("NewTokenService: %v", err)
	}
	ledger := ticket.NewInMemory()

	api := New(ReadyProbe{}, "test",
		WithKeyService(keys),
		WithTokenService(tokens),
		WithTicketService(ledger),
	)

	srv := httptest.NewServer(RequestID(api.Handler()))
	t.Cleanup(srv.Close)

	return &apiClient{
		baseURL: srv.URL,
		client:  srv.Client(),
		t:       t,
		users:   users,
		store:   store,
		keys:    keys,
		ledger:  ledger,
	}
}

// seedUser creates an account with the given permissions and returns its
// user id.
func (c *apiClient) seedUser(name, password string, perms ...string) string {
	c.t.Helper()
	ctx := context.Background()
	user, err := c.users.CreateUser(ctx, name, password, false)
	if err != nil {
		c.t.Fatalf("CreateUser: %v", err)
	}
	for _, p := range perms {
		if err := c.store.GrantUserPermission(ctx, user.ID, p); err != nil {
			c.t.Fatalf("GrantUserPermission: %v", err)
		}
	}
	return user.ID
}

func (c *apiClient) post(path string, body any, headers map[string]string) *http.Response {
	c.t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			c.t.Fatalf("marshal body: %v", err)
		}
	}
	req, err := http.NewRequest(http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("do request: %v", err)
	}
	return resp
}

func (c *apiClient) get(path string, params url.Values, headers map[string]string) *http.Response {
	c.t.Helper()
	u, err := url.Parse(c.baseURL + path)
	if err != nil {
		c.t.Fatalf("parse url: %v", err)
	}
	if params != nil {
		u.RawQuery = params.Encode()
	}
	req, err := http.NewRequest(http.MethodGet, u.String(), nil)
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("get request: %v", err)
	}
	return resp
}

func (c *apiClient) login(name, password string) loginResponse {
	c.t.Helper()
	resp := c.post("/v1/auth/login", map[string]any{
		"name":     name,
		"password": password,
	}, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		c.t.Fatalf("unexpected login status: %d", resp.StatusCode)
	}
	var payload loginResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		c.t.Fatalf("decode login response: %v", err)
	}
	if payload.Key == "" {
		c.t.Fatalf("login did not return a key")
	}
	return payload
}

func decode[T any](t *testing.T, r *http.Response) T {
	t.Helper()
	defer r.Body.Close()
	var v T
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func TestTicketInspectionFlow(t *testing.T) {
	api := newTestAPI(t)
	api.seedUser("operator", "hunter2hunter2", permTicketsRead, permTicketsWrite)

	login := api.login("operator", "hunter2hunter2")
	keyHeader := map[string]string{"X-API-Key": login.Key}

	ctx := context.Background()
	sg, err := api.ledger.CreateServiceGroup(ctx, "mail", "mail")
	if err != nil {
		t.Fatalf("CreateServiceGroup: %v", err)
	}
	srv, err := api.ledger.AddServer(ctx, sg.ID, "mail1.example.net")
	if err != nil {
		t.Fatalf("AddServer: %v", err)
	}
	_, tickets, err := api.ledger.RecordChange(ctx, sg.ID, nil, map[string]any{"mailbox": "joe"})
	if err != nil {
		t.Fatalf("RecordChange: %v", err)
	}

	resp := api.get("/v1/tickets/pending", url.Values{"server_id": []string{srv.ID}}, keyHeader)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status: %d", resp.StatusCode)
	}
	pending := decode[pendingTicketsResponse](t, resp)
	if len(pending.Items) != 1 || pending.Items[0].ID != tickets[0].ID {
		t.Fatalf("unexpected pending set: %+v", pending.Items)
	}

	resp = api.post("/v1/tickets/"+tickets[0].ID+"/done", nil, keyHeader)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status: %d", resp.StatusCode)
	}
	done := decode[ticket.Ticket](t, resp)
	if !done.Done() {
		t.Fatalf("ticket not marked done: %+v", done)
	}

	resp = api.get("/v1/tickets/pending", url.Values{"server_id": []string{srv.ID}}, keyHeader)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status: %d", resp.StatusCode)
	}
	pending = decode[pendingTicketsResponse](t, resp)
	if len(pending.Items) != 0 {
		t.Fatalf("acknowledged ticket still pending: %+v", pending.Items)
	}
}

func TestBearerTokenAuthentication(t *testing.T) {
	api := newTestAPI(t)
	api.seedUser("viewer", "hunter2hunter2", permTicketsRead)

	login := api.login("viewer", "hunter2hunter2")
	if login.Token == "" {
		t.Fatal("login did not return a session token")
	}
	tokenHeader := map[string]string{"Authorization": "Bearer " + login.Token}

	resp := api.get("/v1/tickets/pending", url.Values{"server_id": []string{"srv-1"}}, tokenHeader)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected token auth to pass, got %d", resp.StatusCode)
	}
}

func TestPermissionEnforced(t *testing.T) {
	api := newTestAPI(t)
	api.seedUser("viewer", "hunter2hunter2", permTicketsRead)

	login := api.login("viewer", "hunter2hunter2")
	keyHeader := map[string]string{"X-API-Key": login.Key}

	resp := api.post("/v1/tickets/tk-1/done", nil, keyHeader)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 without write permission, got %d", resp.StatusCode)
	}
}

func TestAPIEnforcesAuth(t *testing.T) {
	api := newTestAPI(t)

	resp := api.get("/v1/tickets/pending", url.Values{"server_id": []string{"srv-1"}}, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
	var errBody map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&errBody); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if errBody["error"] == "" {
		t.Fatalf("expected error message")
	}
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	api := newTestAPI(t)
	api.seedUser("operator", "hunter2hunter2")

	resp := api.post("/v1/auth/login", map[string]any{
		"name":     "operator",
		"password": "wrong",
	}, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
}

func TestLogoutRevokesKey(t *testing.T) {
	api := newTestAPI(t)
	api.seedUser("operator", "hunter2hunter2", permTicketsRead)

	login := api.login("operator", "hunter2hunter2")
	keyHeader := map[string]string{"X-API-Key": login.Key}

	resp := api.post("/v1/auth/logout", nil, keyHeader)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected logout status: %d", resp.StatusCode)
	}

	resp = api.get("/v1/tickets/pending", url.Values{"server_id": []string{"srv-1"}}, keyHeader)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("revoked key must be rejected, got %d", resp.StatusCode)
	}
}

func TestHealthEndpointsArePublic(t *testing.T) {
	api := newTestAPI(t)

	for _, path := range []string{"/healthz", "/readyz", "/v1/info"} {
		resp := api.get(path, nil, nil)
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", path, resp.StatusCode)
		}
	}
}
