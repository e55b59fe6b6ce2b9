package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"

	"github.com/queso/the-ai-team-plugin-sub002/internal/config"
	"github.com/queso/the-ai-team-plugin-sub002/internal/db"
	"github.com/queso/the-ai-team-plugin-sub002/internal/engine"
	"github.com/queso/the-ai-team-plugin-sub002/internal/migrate"
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
	cfg := config.Default("ateam")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, cfg)
	if err := e.Repo.EnsureProject(context.Background(), cfg.Project.ID, "", "2026-01-01T00:00:00Z"); err != nil {
		t.Fatalf("ensure project: %v", err)
	}
	handler, err := New(Config{Engine: e, BasePath: "/v0", Auth: AuthConfig{AllowAgentHeader: true}})
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
	req.Header.Set("X-Agent-Id", "hannibal")
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

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var envelope struct {
		Error struct {
			Code    string         `json:"code"`
			Message string         `json:"message"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error envelope: %v (%s)", err, string(data))
	}
	return envelope.Error.Code
}

func TestItemPipelineOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	base := srv.URL + "/v0/projects/ateam"

	createRes, data := doJSON(t, client, http.MethodPost, base+"/items", map[string]any{
		"title": "Ship feature",
		"kind":  "feature",
	}, nil)
	if createRes.StatusCode != http.StatusCreated {
		t.Fatalf("create item status %d: %s", createRes.StatusCode, string(data))
	}
	var created ItemResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal item: %v", err)
	}
	if created.ID != "WI-001" || created.Stage != "briefings" {
		t.Fatalf("created = %+v", created)
	}

	moves := []struct {
		to    string
		agent string
	}{
		{"ready", ""},
		{"testing", "murdock"},
		{"implementing", "ba"},
		{"review", "face"},
		{"probing", "hannibal"},
		{"done", ""},
	}
	var last MoveResponse
	for _, mv := range moves {
		body := map[string]any{"to": mv.to}
		if mv.agent != "" {
			body["agent"] = mv.agent
		}
		res, data := doJSON(t, client, http.MethodPost, base+"/items/"+created.ID+"/move", body, nil)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("move to %s status %d: %s", mv.to, res.StatusCode, string(data))
		}
		if err := json.Unmarshal(data, &last); err != nil {
			t.Fatalf("unmarshal move: %v", err)
		}
		if last.Item.Stage != mv.to {
			t.Fatalf("stage = %s, want %s", last.Item.Stage, mv.to)
		}
	}
	if !last.FinalReviewReady {
		t.Fatalf("expected final_review_ready on last done move")
	}
}

func TestInvalidTransitionConflict(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	base := srv.URL + "/v0/projects/ateam"

	_, data := doJSON(t, client, http.MethodPost, base+"/items", map[string]any{"title": "skip"}, nil)
	var created ItemResponse
	_ = json.Unmarshal(data, &created)

	res, body := doJSON(t, client, http.MethodPost, base+"/items/"+created.ID+"/move", map[string]any{"to": "done"}, nil)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d: %s", res.StatusCode, string(body))
	}
	if code := errorCode(t, body); code != "INVALID_TRANSITION" {
		t.Fatalf("code = %s", code)
	}
}

func TestClaimConflictOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	base := srv.URL + "/v0/projects/ateam"

	_, data := doJSON(t, client, http.MethodPost, base+"/items", map[string]any{"title": "contested"}, nil)
	var created ItemResponse
	_ = json.Unmarshal(data, &created)
	_, _ = doJSON(t, client, http.MethodPost, base+"/items/"+created.ID+"/move", map[string]any{"to": "ready"}, nil)

	claim1, body1 := doJSON(t, client, http.MethodPost, base+"/items/"+created.ID+"/claim", map[string]any{}, map[string]string{"X-Agent-Id": "murdock"})
	if claim1.StatusCode != http.StatusOK {
		t.Fatalf("first claim: %d %s", claim1.StatusCode, string(body1))
	}
	claim2, body2 := doJSON(t, client, http.MethodPost, base+"/items/"+created.ID+"/claim", map[string]any{}, map[string]string{"X-Agent-Id": "ba"})
	if claim2.StatusCode != http.StatusConflict {
		t.Fatalf("expected conflict, got %d %s", claim2.StatusCode, string(body2))
	}
	if code := errorCode(t, body2); code != "ITEM_CLAIMED" {
		t.Fatalf("code = %s", code)
	}

	release, body3 := doJSON(t, client, http.MethodPost, base+"/items/"+created.ID+"/release", nil, nil)
	if release.StatusCode != http.StatusOK {
		t.Fatalf("release: %d %s", release.StatusCode, string(body3))
	}
	var released ReleaseResponse
	_ = json.Unmarshal(body3, &released)
	if released.Agent != "murdock" {
		t.Fatalf("released holder = %s", released.Agent)
	}
}

func TestWIPLimitOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	base := srv.URL + "/v0/projects/ateam"

	var ids []string
	for _, title := range []string{"a", "b", "c", "d"} {
		_, data := doJSON(t, client, http.MethodPost, base+"/items", map[string]any{"title": title}, nil)
		var created ItemResponse
		_ = json.Unmarshal(data, &created)
		ids = append(ids, created.ID)
		_, _ = doJSON(t, client, http.MethodPost, base+"/items/"+created.ID+"/move", map[string]any{"to": "ready"}, nil)
	}
	// default wip_limit is 3
	for _, id := range ids[:3] {
		res, data := doJSON(t, client, http.MethodPost, base+"/items/"+id+"/move", map[string]any{"to": "testing"}, nil)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("pull %s: %d %s", id, res.StatusCode, string(data))
		}
	}
	res, data := doJSON(t, client, http.MethodPost, base+"/items/"+ids[3]+"/move", map[string]any{"to": "testing"}, nil)
	if res.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("fourth pull status = %d: %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "WIP_LIMIT_EXCEEDED" {
		t.Fatalf("code = %s", code)
	}
}

func TestRejectEscalatesOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	base := srv.URL + "/v0/projects/ateam"

	_, data := doJSON(t, client, http.MethodPost, base+"/items", map[string]any{"title": "flaky"}, nil)
	var created ItemResponse
	_ = json.Unmarshal(data, &created)
	_, _ = doJSON(t, client, http.MethodPost, base+"/items/"+created.ID+"/move", map[string]any{"to": "ready"}, nil)
	_, _ = doJSON(t, client, http.MethodPost, base+"/items/"+created.ID+"/move", map[string]any{"to": "testing", "agent": "murdock"}, nil)

	res, body := doJSON(t, client, http.MethodPost, base+"/items/"+created.ID+"/reject", map[string]any{"reason": "no tests"}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("first reject: %d %s", res.StatusCode, string(body))
	}
	var rejected RejectResponse
	_ = json.Unmarshal(body, &rejected)
	if rejected.MovedTo != "ready" || rejected.Escalate {
		t.Fatalf("first reject = %+v", rejected)
	}

	_, _ = doJSON(t, client, http.MethodPost, base+"/items/"+created.ID+"/move", map[string]any{"to": "testing", "agent": "murdock"}, nil)
	res, body = doJSON(t, client, http.MethodPost, base+"/items/"+created.ID+"/reject", map[string]any{"reason": "still no tests"}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("second reject: %d %s", res.StatusCode, string(body))
	}
	_ = json.Unmarshal(body, &rejected)
	if rejected.MovedTo != "blocked" || !rejected.Escalate || rejected.RejectionCount != 2 {
		t.Fatalf("second reject = %+v", rejected)
	}
}

func TestMissionSingletonOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	base := srv.URL + "/v0/projects/ateam"

	res, data := doJSON(t, client, http.MethodPost, base+"/missions", map[string]any{"name": "alpha"}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("start mission: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, base+"/missions", map[string]any{"name": "beta"}, nil)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("second mission status = %d: %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "MISSION_ACTIVE" {
		t.Fatalf("code = %s", code)
	}

	res, data = doJSON(t, client, http.MethodPost, base+"/missions/archive", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("archive: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, base+"/missions", map[string]any{"name": "beta"}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("start after archive: %d %s", res.StatusCode, string(data))
	}
}

func TestUnauthenticatedRejected(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/v0/projects/ateam/items", nil)
	res, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d", res.StatusCode)
	}
	// health stays open
	res2, err := srv.Client().Get(srv.URL + "/v0/health")
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	defer res2.Body.Close()
	if res2.StatusCode != http.StatusOK {
		t.Fatalf("health status = %d", res2.StatusCode)
	}
}

func TestActivityPagination(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	base := srv.URL + "/v0/projects/ateam"

	for _, title := range []string{"a", "b", "c"} {
		_, _ = doJSON(t, client, http.MethodPost, base+"/items", map[string]any{"title": title}, nil)
	}
	res, data := doJSON(t, client, http.MethodGet, base+"/activity?limit=2", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("activity: %d %s", res.StatusCode, string(data))
	}
	var page ActivityListResponse
	if err := json.Unmarshal(data, &page); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(page.Items) != 2 || page.NextCursor == "" {
		t.Fatalf("page = %+v", page)
	}
	res, data = doJSON(t, client, http.MethodGet, base+"/activity?limit=2&cursor="+page.NextCursor, nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("second page: %d %s", res.StatusCode, string(data))
	}
	var second ActivityListResponse
	_ = json.Unmarshal(data, &second)
	if len(second.Items) != 1 || second.NextCursor != "" {
		t.Fatalf("second page = %+v", second)
	}
	if second.Items[0].ID <= page.Items[1].ID {
		t.Fatalf("cursor did not advance: %v then %v", page.Items, second.Items)
	}
}

func TestWavesEndpoint(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	base := srv.URL + "/v0/projects/ateam"

	_, data := doJSON(t, client, http.MethodPost, base+"/items", map[string]any{"title": "base"}, nil)
	var baseItem ItemResponse
	_ = json.Unmarshal(data, &baseItem)
	_, _ = doJSON(t, client, http.MethodPost, base+"/items", map[string]any{
		"title":      "top",
		"depends_on": []string{baseItem.ID},
	}, nil)

	res, data := doJSON(t, client, http.MethodGet, base+"/waves", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("waves: %d %s", res.StatusCode, string(data))
	}
	var resolved WavesResponse
	if err := json.Unmarshal(data, &resolved); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(resolved.Cycles) != 0 || len(resolved.Waves[0]) != 1 || len(resolved.Waves[1]) != 1 {
		t.Fatalf("resolved = %+v", resolved)
	}
	if len(resolved.Ready) != 1 || resolved.Ready[0] != baseItem.ID {
		t.Fatalf("ready = %v", resolved.Ready)
	}
}
