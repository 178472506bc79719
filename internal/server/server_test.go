package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"

	"quorum/internal/config"
	"quorum/internal/db"
	"quorum/internal/engine"
	"quorum/internal/migrate"
)

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, config.Default())
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/api/v1",
		Auth: AuthConfig{
			JWTSecret:              "test-secret",
			AllowLegacyActorHeader: true,
		},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func asActor(actor string) map[string]string {
	return map[string]string{"X-Actor-Id": actor}
}

func createCommunity(t *testing.T, srv *testServer, actor, name string) CommunityResponse {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/api/v1/communities", map[string]any{
		"name": name,
	}, asActor(actor))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create community status %d: %s", res.StatusCode, string(data))
	}
	var c CommunityResponse
	if err := json.Unmarshal(data, &c); err != nil {
		t.Fatalf("unmarshal community: %v", err)
	}
	return c
}

func createResource(t *testing.T, srv *testServer, actor, name, communityID string) EntityResponse {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/api/v1/resources", map[string]any{
		"name":       name,
		"owner_kind": "community",
		"owner_id":   communityID,
	}, asActor(actor))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create resource status %d: %s", res.StatusCode, string(data))
	}
	var ent EntityResponse
	if err := json.Unmarshal(data, &ent); err != nil {
		t.Fatalf("unmarshal entity: %v", err)
	}
	return ent
}

func takeAction(t *testing.T, srv *testServer, actor, targetID, changeType string, params map[string]any) ActionResponse {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/api/v1/actions", map[string]any{
		"target_id":   targetID,
		"change_type": changeType,
		"params":      params,
	}, asActor(actor))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("take action status %d: %s", res.StatusCode, string(data))
	}
	var a ActionResponse
	if err := json.Unmarshal(data, &a); err != nil {
		t.Fatalf("unmarshal action: %v", err)
	}
	return a
}

func TestActionPipelineOverAPI(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	community := createCommunity(t, srv, "alice", "makers")
	resource := createResource(t, srv, "alice", "charter", community.ID)

	// An outsider with no permission is rejected, not errored.
	rejected := takeAction(t, srv, "bob", resource.ID, "resource.edit", map[string]any{"content": "bob was here"})
	if rejected.Status != "rejected" {
		t.Fatalf("expected rejected, got %s (%v)", rejected.Status, rejected.Resolution.Log)
	}

	// The community governor is approved at the governing tier.
	done := takeAction(t, srv, "alice", resource.ID, "resource.edit", map[string]any{"content": "v2"})
	if done.Status != "implemented" {
		t.Fatalf("expected implemented, got %s (%v)", done.Status, done.Resolution.Log)
	}

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/api/v1/entities/"+resource.ID, nil, asActor("alice"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get entity status %d: %s", res.StatusCode, string(data))
	}
	var fetched EntityResponse
	if err := json.Unmarshal(data, &fetched); err != nil {
		t.Fatalf("unmarshal entity: %v", err)
	}
	if fetched.Content != "v2" {
		t.Fatalf("expected content v2, got %q", fetched.Content)
	}
}

func TestConditionLifecycleOverAPI(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	community := createCommunity(t, srv, "alice", "makers")
	resource := createResource(t, srv, "alice", "charter", community.ID)

	added := takeAction(t, srv, "alice", community.ID, "community.add_member", map[string]any{"actor": "bob"})
	if added.Status != "implemented" {
		t.Fatalf("add member: expected implemented, got %s", added.Status)
	}

	granted := takeAction(t, srv, "alice", resource.ID, "permission.add", map[string]any{
		"change_type": "resource.edit",
		"actors":      []string{"bob"},
		"condition": map[string]any{
			"type":       "approval",
			"responders": map[string]any{"actors": []string{"alice"}},
		},
	})
	if granted.Status != "implemented" {
		t.Fatalf("add permission: expected implemented, got %s (%v)", granted.Status, granted.Resolution.Log)
	}

	waiting := takeAction(t, srv, "bob", resource.ID, "resource.edit", map[string]any{"content": "draft"})
	if waiting.Status != "waiting" {
		t.Fatalf("expected waiting, got %s (%v)", waiting.Status, waiting.Resolution.Log)
	}

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/api/v1/actions/"+waiting.ID+"/conditions", nil, asActor("bob"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list conditions status %d: %s", res.StatusCode, string(data))
	}
	var conditions []ConditionInstanceResponse
	if err := json.Unmarshal(data, &conditions); err != nil {
		t.Fatalf("unmarshal conditions: %v", err)
	}
	if len(conditions) != 1 {
		t.Fatalf("expected 1 condition, got %d", len(conditions))
	}
	ci := conditions[0]
	if ci.Type != "approval" || ci.Status != "waiting" {
		t.Fatalf("unexpected condition %s/%s", ci.Type, ci.Status)
	}

	// bob is not a responder.
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/api/v1/conditions/"+ci.ID+"/responses", map[string]any{
		"response": "approve",
	}, asActor("bob"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for non-responder, got %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/api/v1/conditions/"+ci.ID+"/responses", map[string]any{
		"response": "approve",
	}, asActor("alice"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("approve status %d: %s", res.StatusCode, string(data))
	}
	var result ConditionResponseResult
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("unmarshal response result: %v", err)
	}
	if !result.Condition.Resolved {
		t.Fatalf("expected condition resolved")
	}
	if result.Action.Status != "implemented" {
		t.Fatalf("expected action implemented, got %s (%v)", result.Action.Status, result.Action.Resolution.Log)
	}

	// A second response hits the terminal-state guard.
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/api/v1/conditions/"+ci.ID+"/responses", map[string]any{
		"response": "reject",
	}, asActor("alice"))
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 after resolution, got %d: %s", res.StatusCode, string(data))
	}
}

func TestAuthModes(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, _ := doJSON(t, client, http.MethodGet, srv.URL+"/api/v1/communities", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without credentials, got %d", res.StatusCode)
	}

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/api/v1/auth/dev/login", map[string]any{
		"actor_id": "alice",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dev login status %d: %s", res.StatusCode, string(data))
	}
	var login DevLoginResponse
	if err := json.Unmarshal(data, &login); err != nil {
		t.Fatalf("unmarshal login: %v", err)
	}
	if login.Token == "" {
		t.Fatalf("expected a token")
	}

	bearer := map[string]string{"Authorization": "Bearer " + login.Token}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/api/v1/me", nil, bearer)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me status %d: %s", res.StatusCode, string(data))
	}
	var who WhoAmIResponse
	if err := json.Unmarshal(data, &who); err != nil {
		t.Fatalf("unmarshal whoami: %v", err)
	}
	if who.ActorID != "alice" || who.Source != "jwt" {
		t.Fatalf("unexpected principal %+v", who)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/api/v1/apikeys", map[string]any{
		"name": "ci",
	}, bearer)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create api key status %d: %s", res.StatusCode, string(data))
	}
	var created CreateAPIKeyResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal api key: %v", err)
	}
	if created.Key == "" {
		t.Fatalf("expected plaintext key on create")
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/api/v1/me", nil, map[string]string{"X-Api-Key": created.Key})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me via api key status %d: %s", res.StatusCode, string(data))
	}
	if err := json.Unmarshal(data, &who); err != nil {
		t.Fatalf("unmarshal whoami: %v", err)
	}
	if who.ActorID != "alice" || who.Source != "api_key" {
		t.Fatalf("unexpected principal %+v", who)
	}
}
