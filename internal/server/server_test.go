package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log"
	"net"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"mizan/internal/config"
	"mizan/internal/db"
	"mizan/internal/domain"
	"mizan/internal/engine"
	"mizan/internal/migrate"
	"mizan/internal/repo"
)

const testJWTSecret = "test-secret"

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T, cfg *config.Config) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if cfg == nil {
		cfg = config.Default("desk-1")
	}
	e, err := engine.New(conn, cfg)
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	ctx := context.Background()
	if err := e.InitDesk(ctx, "desk-1", "test desk", "tester"); err != nil {
		t.Fatalf("init desk: %v", err)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := e.Auth.GrantApprover(ctx, tx, "desk-1", "officer", "compliance-officer"); err != nil {
		t.Fatalf("grant approver: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
	srvCtx, stop := context.WithCancel(context.Background())
	handler, err := New(srvCtx, Config{
		Engine:   e,
		BasePath: "/v0",
		Auth: AuthConfig{
			JWTSecret:              testJWTSecret,
			DeskID:                 "desk-1",
			AllowLegacyActorHeader: true,
			Logger:                 log.New(io.Discard, "", 0),
		},
	})
	if err != nil {
		stop()
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		stop()
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		client: &http.Client{},
		close: func() {
			stop()
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func mintToken(t *testing.T, subject string) string {
	t.Helper()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func bearer(t *testing.T, subject string) map[string]string {
	t.Helper()
	return map[string]string{"Authorization": "Bearer " + mintToken(t, subject)}
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

type errorEnvelope struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

func decodeErrorEnvelope(t *testing.T, data []byte) errorEnvelope {
	t.Helper()
	var env errorEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal error envelope: %v (%s)", err, string(data))
	}
	return env
}

func submitBody(dealID string, regulators []string) map[string]any {
	return map[string]any{
		"desk_id": "desk-1",
		"deal": map[string]any{
			"deal_id":             dealID,
			"jurisdiction":        "QA",
			"regulators":          regulators,
			"product_type":        "mudarabah",
			"governance_maturity": "ssb_plus_audit",
			"external_audit":      true,
		},
	}
}

func ungated() *config.Config {
	cfg := config.Default("desk-1")
	cfg.Gates.Phases = nil
	return cfg
}

func TestHealthDoesNotRequireAuth(t *testing.T) {
	srv, cleanup := newTestServer(t, nil)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d: %s", res.StatusCode, string(data))
	}
	var body map[string]string
	if err := json.Unmarshal(data, &body); err != nil {
		t.Fatalf("unmarshal health: %v", err)
	}
	if body["status"] != "ok" {
		t.Fatalf("expected ok, got %q", body["status"])
	}
}

func TestUnauthenticatedRequestsRejected(t *testing.T) {
	srv, cleanup := newTestServer(t, nil)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/runs", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d: %s", res.StatusCode, string(data))
	}
	env := decodeErrorEnvelope(t, data)
	if env.Error.Code != "unauthorized" {
		t.Fatalf("expected unauthorized code, got %q", env.Error.Code)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/runs", nil, map[string]string{
		"Authorization": "Bearer not-a-jwt",
	})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for malformed token, got %d: %s", res.StatusCode, string(data))
	}
	env = decodeErrorEnvelope(t, data)
	if env.Error.Code != "invalid_credentials" {
		t.Fatalf("expected invalid_credentials code, got %q", env.Error.Code)
	}
}

func TestAPIKeyAuthentication(t *testing.T) {
	srv, cleanup := newTestServer(t, ungated())
	defer cleanup()
	client := srv.Client()

	rawKey := uuid.NewString()
	err := srv.Engine.Repo.InsertAPIKey(context.Background(), nil, domain.APIKey{
		ID:      uuid.NewString(),
		ActorID: "officer",
		DeskID:  "desk-1",
		Name:    "ci",
		KeyHash: repo.HashAPIKey(rawKey),
	})
	if err != nil {
		t.Fatalf("insert api key: %v", err)
	}

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/runs", submitBody("deal-key", []string{"QCB"}), map[string]string{
		"X-Api-Key": rawKey,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("submit with api key status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/runs", nil, map[string]string{
		"X-Api-Key": "wrong-key",
	})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for unknown key, got %d: %s", res.StatusCode, string(data))
	}

	if err := srv.Engine.InitDesk(context.Background(), "desk-2", "other desk", "tester"); err != nil {
		t.Fatalf("init second desk: %v", err)
	}
	foreignKey := uuid.NewString()
	err = srv.Engine.Repo.InsertAPIKey(context.Background(), nil, domain.APIKey{
		ID:      uuid.NewString(),
		ActorID: "officer",
		DeskID:  "desk-2",
		Name:    "foreign",
		KeyHash: repo.HashAPIKey(foreignKey),
	})
	if err != nil {
		t.Fatalf("insert foreign key: %v", err)
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/runs", nil, map[string]string{
		"X-Api-Key": foreignKey,
	})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for key scoped to another desk, got %d: %s", res.StatusCode, string(data))
	}
}

func TestSubmitRunAndApproveGates(t *testing.T) {
	srv, cleanup := newTestServer(t, nil)
	defer cleanup()
	client := srv.Client()
	officer := bearer(t, "officer")

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/runs", submitBody("deal-http", []string{"QCB", "QFCRA"}), officer)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("submit status %d: %s", res.StatusCode, string(data))
	}
	var submitted runResponse
	if err := json.Unmarshal(data, &submitted); err != nil {
		t.Fatalf("unmarshal run: %v", err)
	}
	runID := submitted.Run.ID
	if submitted.Run.Status != domain.RunPendingHITL {
		t.Fatalf("expected pending_hitl, got %s", submitted.Run.Status)
	}

	for _, phaseID := range []string{"obligation-extractor", "control-designer"} {
		res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/runs/"+runID+"/gates/"+phaseID, map[string]any{
			"approve":  true,
			"feedback": "reviewed",
		}, officer)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("approve %s status %d: %s", phaseID, res.StatusCode, string(data))
		}
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/runs/"+runID, nil, officer)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get run status %d: %s", res.StatusCode, string(data))
	}
	var final runResponse
	if err := json.Unmarshal(data, &final); err != nil {
		t.Fatalf("unmarshal run: %v", err)
	}
	if final.Run.Status != domain.RunCompleted {
		t.Fatalf("expected completed run, got %s", final.Run.Status)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/runs/"+runID+"/tasks", nil, officer)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list tasks status %d: %s", res.StatusCode, string(data))
	}
	var tasks taskListResponse
	if err := json.Unmarshal(data, &tasks); err != nil {
		t.Fatalf("unmarshal tasks: %v", err)
	}
	if len(tasks.Tasks) == 0 {
		t.Fatalf("expected published tasks")
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/runs/"+runID+"/lineage", nil, officer)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("run lineage status %d: %s", res.StatusCode, string(data))
	}
	var chains runLineageResponse
	if err := json.Unmarshal(data, &chains); err != nil {
		t.Fatalf("unmarshal chains: %v", err)
	}
	if len(chains.Chains) != len(tasks.Tasks) {
		t.Fatalf("expected %d chains, got %d", len(tasks.Tasks), len(chains.Chains))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/tasks/"+tasks.Tasks[0].ID+"/lineage", nil, officer)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("task lineage status %d: %s", res.StatusCode, string(data))
	}
	var chain lineageResponse
	if err := json.Unmarshal(data, &chain); err != nil {
		t.Fatalf("unmarshal chain: %v", err)
	}
	if chain.Chain.Task.ID != tasks.Tasks[0].ID {
		t.Fatalf("chain task mismatch: %s", chain.Chain.Task.ID)
	}
}

func TestGateRejectionValidationAndAuthorization(t *testing.T) {
	srv, cleanup := newTestServer(t, nil)
	defer cleanup()
	client := srv.Client()
	officer := bearer(t, "officer")

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/runs", submitBody("deal-gatecheck", []string{"QCB", "QFCRA"}), officer)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("submit status %d: %s", res.StatusCode, string(data))
	}
	var submitted runResponse
	if err := json.Unmarshal(data, &submitted); err != nil {
		t.Fatalf("unmarshal run: %v", err)
	}
	gateURL := srv.URL + "/v0/runs/" + submitted.Run.ID + "/gates/obligation-extractor"

	res, data = doJSON(t, client, http.MethodPost, gateURL, map[string]any{"approve": false}, officer)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing reason, got %d: %s", res.StatusCode, string(data))
	}
	env := decodeErrorEnvelope(t, data)
	if env.Error.Code != "validation_error" {
		t.Fatalf("expected validation_error code, got %q", env.Error.Code)
	}

	res, data = doJSON(t, client, http.MethodPost, gateURL, map[string]any{"approve": true}, map[string]string{
		"X-Actor-Id": "intruder",
	})
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for non-approver, got %d: %s", res.StatusCode, string(data))
	}
	env = decodeErrorEnvelope(t, data)
	if env.Error.Code != "forbidden" {
		t.Fatalf("expected forbidden code, got %q", env.Error.Code)
	}

	res, data = doJSON(t, client, http.MethodPost, gateURL, map[string]any{
		"approve": false,
		"reason":  "feed coverage is incomplete",
	}, officer)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("reject status %d: %s", res.StatusCode, string(data))
	}
	var rejected runResponse
	if err := json.Unmarshal(data, &rejected); err != nil {
		t.Fatalf("unmarshal run: %v", err)
	}
	if rejected.Run.Status != domain.RunFailed {
		t.Fatalf("expected failed run after rejection, got %s", rejected.Run.Status)
	}
}

func TestRunListingWithCursor(t *testing.T) {
	srv, cleanup := newTestServer(t, ungated())
	defer cleanup()
	client := srv.Client()
	officer := bearer(t, "officer")

	for _, dealID := range []string{"deal-a", "deal-b", "deal-c"} {
		res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/runs", submitBody(dealID, []string{"QCB"}), officer)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("submit %s status %d: %s", dealID, res.StatusCode, string(data))
		}
	}

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/runs?desk_id=desk-1&limit=2", nil, officer)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list status %d: %s", res.StatusCode, string(data))
	}
	var page runListResponse
	if err := json.Unmarshal(data, &page); err != nil {
		t.Fatalf("unmarshal page: %v", err)
	}
	if len(page.Runs) != 2 {
		t.Fatalf("expected 2 runs, got %d", len(page.Runs))
	}
	if page.NextCursor == "" {
		t.Fatalf("expected a next cursor")
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/runs?desk_id=desk-1&limit=2&cursor="+url.QueryEscape(page.NextCursor), nil, officer)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("second page status %d: %s", res.StatusCode, string(data))
	}
	var rest runListResponse
	if err := json.Unmarshal(data, &rest); err != nil {
		t.Fatalf("unmarshal second page: %v", err)
	}
	if len(rest.Runs) != 1 {
		t.Fatalf("expected 1 run on second page, got %d", len(rest.Runs))
	}
	if rest.NextCursor != "" {
		t.Fatalf("unexpected cursor on final page: %q", rest.NextCursor)
	}
	seen := map[string]bool{}
	for _, run := range append(page.Runs, rest.Runs...) {
		if seen[run.ID] {
			t.Fatalf("run %s appeared on both pages", run.ID)
		}
		seen[run.ID] = true
	}
}

func TestCatalogEndpoints(t *testing.T) {
	srv, cleanup := newTestServer(t, nil)
	defer cleanup()
	client := srv.Client()
	officer := bearer(t, "officer")

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/catalog", nil, officer)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("catalog status %d: %s", res.StatusCode, string(data))
	}
	var cat catalogResponse
	if err := json.Unmarshal(data, &cat); err != nil {
		t.Fatalf("unmarshal catalog: %v", err)
	}
	if cat.Version == "" || len(cat.Controls) == 0 {
		t.Fatalf("unexpected catalog response: version=%q controls=%d", cat.Version, len(cat.Controls))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/catalog/SG-01", nil, officer)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("catalog get status %d: %s", res.StatusCode, string(data))
	}
	var ctrl controlResponse
	if err := json.Unmarshal(data, &ctrl); err != nil {
		t.Fatalf("unmarshal control: %v", err)
	}
	if ctrl.Control.ID != "SG-01" {
		t.Fatalf("expected SG-01, got %s", ctrl.Control.ID)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/catalog/XX-99", nil, officer)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown control, got %d: %s", res.StatusCode, string(data))
	}
	env := decodeErrorEnvelope(t, data)
	if env.Error.Code != "not_found" {
		t.Fatalf("expected not_found code, got %q", env.Error.Code)
	}
}

func TestRunControlsEndpoint(t *testing.T) {
	srv, cleanup := newTestServer(t, ungated())
	defer cleanup()
	client := srv.Client()
	officer := bearer(t, "officer")

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/runs", submitBody("deal-controls", []string{"QCB"}), officer)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("submit status %d: %s", res.StatusCode, string(data))
	}
	var submitted runResponse
	if err := json.Unmarshal(data, &submitted); err != nil {
		t.Fatalf("unmarshal run: %v", err)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/runs/"+submitted.Run.ID+"/controls", nil, officer)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("controls status %d: %s", res.StatusCode, string(data))
	}
	var controls activatedControlsResponse
	if err := json.Unmarshal(data, &controls); err != nil {
		t.Fatalf("unmarshal controls: %v", err)
	}
	if controls.RunID != submitted.Run.ID {
		t.Fatalf("run id mismatch: %s", controls.RunID)
	}
	if controls.CatalogVersion != submitted.Run.CatalogVersion {
		t.Fatalf("catalog version mismatch: %s", controls.CatalogVersion)
	}
	active := 0
	for _, ctrl := range controls.Controls {
		if ctrl.Activated {
			active++
		}
	}
	if active == 0 {
		t.Fatalf("expected at least one activated control")
	}
}

func TestFeedImportEndpoint(t *testing.T) {
	srv, cleanup := newTestServer(t, nil)
	defer cleanup()
	client := srv.Client()
	officer := bearer(t, "officer")

	payload := `regulator: TESTREG
obligations:
  - id: TESTREG-FR-001
    title: Test reporting
    requirement_text: "Submit test returns within 15 days of quarter end."
    category: reporting
    priority: high
    similarity_key: reporting/test-returns
    source:
      regulator: TESTREG
      document: "Test Rulebook"
      section: "1.1"
    related_controls: [FR-01]
    evidence_required: [financial_statements]
`
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/feeds", map[string]any{
		"payload_yaml": payload,
	}, officer)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("import status %d: %s", res.StatusCode, string(data))
	}
	var imported feedImportResponse
	if err := json.Unmarshal(data, &imported); err != nil {
		t.Fatalf("unmarshal import: %v", err)
	}
	if imported.Regulator != "TESTREG" {
		t.Fatalf("expected TESTREG, got %s", imported.Regulator)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/feeds", map[string]any{
		"payload_yaml": "obligations: []\n",
	}, officer)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for feed without regulator, got %d: %s", res.StatusCode, string(data))
	}
	env := decodeErrorEnvelope(t, data)
	if env.Error.Code != "validation_error" {
		t.Fatalf("expected validation_error code, got %q", env.Error.Code)
	}
}

func TestEventsEndpoint(t *testing.T) {
	srv, cleanup := newTestServer(t, ungated())
	defer cleanup()
	client := srv.Client()
	officer := bearer(t, "officer")

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/runs", submitBody("deal-events", []string{"QCB"}), officer)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("submit status %d: %s", res.StatusCode, string(data))
	}
	var submitted runResponse
	if err := json.Unmarshal(data, &submitted); err != nil {
		t.Fatalf("unmarshal run: %v", err)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/events?limit=50&run_id="+submitted.Run.ID, nil, officer)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events status %d: %s", res.StatusCode, string(data))
	}
	var events eventListResponse
	if err := json.Unmarshal(data, &events); err != nil {
		t.Fatalf("unmarshal events: %v", err)
	}
	types := map[string]bool{}
	for _, evt := range events.Events {
		types[evt.Type] = true
	}
	for _, want := range []string{"run.submitted", "run.completed", "task.published"} {
		if !types[want] {
			t.Fatalf("expected event %s in %v", want, types)
		}
	}
}

func TestCancelRunOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t, nil)
	defer cleanup()
	client := srv.Client()
	officer := bearer(t, "officer")

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/runs", submitBody("deal-cancel", []string{"QCB"}), officer)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("submit status %d: %s", res.StatusCode, string(data))
	}
	var submitted runResponse
	if err := json.Unmarshal(data, &submitted); err != nil {
		t.Fatalf("unmarshal run: %v", err)
	}
	if submitted.Run.Status != domain.RunPendingHITL {
		t.Fatalf("expected pending_hitl before cancel, got %s", submitted.Run.Status)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/runs/"+submitted.Run.ID+"/cancel", nil, officer)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("cancel status %d: %s", res.StatusCode, string(data))
	}
	var cancelled runResponse
	if err := json.Unmarshal(data, &cancelled); err != nil {
		t.Fatalf("unmarshal run: %v", err)
	}
	if cancelled.Run.Status != domain.RunCancelled {
		t.Fatalf("expected cancelled run, got %s", cancelled.Run.Status)
	}
}

func TestWebhookDispatcherStopsOnContextCancel(t *testing.T) {
	d := &webhookDispatcher{cursors: make(map[int]int64)}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(2 * defaultWebhookInterval):
		t.Fatalf("dispatcher kept running after cancel")
	}
}
