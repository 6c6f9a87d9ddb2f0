package routes

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	goredis "github.com/redis/go-redis/v9"

	"github.com/angelmondragon/bodyscan-backend/api/controllers"
	"github.com/angelmondragon/bodyscan-backend/internal/analyze"
	"github.com/angelmondragon/bodyscan-backend/internal/ledger"
	"github.com/angelmondragon/bodyscan-backend/internal/purchases"
	pkgAuth "github.com/angelmondragon/bodyscan-backend/pkg/auth"
	"github.com/angelmondragon/bodyscan-backend/pkg/config"
	"github.com/angelmondragon/bodyscan-backend/pkg/db/models"
	"github.com/angelmondragon/bodyscan-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/bodyscan-backend/pkg/errors"
	"github.com/angelmondragon/bodyscan-backend/pkg/logger"
)

type stubPinger struct {
	err error
}

func (s stubPinger) Ping(context.Context) error {
	return s.err
}

type memoryStore struct {
	data   map[string]string
	counts map[string]int64
}

func newMemoryStore() *memoryStore {
	return &memoryStore{data: map[string]string{}, counts: map[string]int64{}}
}

func (m *memoryStore) Get(_ context.Context, key string) (string, error) {
	if v, ok := m.data[key]; ok {
		return v, nil
	}
	return "", goredis.Nil
}

func (m *memoryStore) SetNX(_ context.Context, key string, value any, _ time.Duration) (bool, error) {
	if _, ok := m.data[key]; ok {
		return false, nil
	}
	m.data[key] = fmt.Sprint(value)
	return true, nil
}

func (m *memoryStore) Set(_ context.Context, key string, value any, _ time.Duration) error {
	m.data[key] = fmt.Sprint(value)
	return nil
}

func (m *memoryStore) Del(_ context.Context, keys ...string) error {
	for _, key := range keys {
		delete(m.data, key)
	}
	return nil
}

func (m *memoryStore) IdempotencyKey(scope, id string) string {
	return "idempotency:" + scope + ":" + id
}

func (m *memoryStore) FixedWindowAllow(_ context.Context, scope string, limit int64, _ time.Duration) (bool, int64, error) {
	m.counts[scope]++
	return m.counts[scope] <= limit, m.counts[scope], nil
}

type stubAccounts struct {
	uses    int
	refunds []int
}

func (*stubAccounts) EnsureAccount(_ context.Context, accountID uuid.UUID, _ string) (*models.Account, error) {
	return &models.Account{ID: accountID}, nil
}

func (*stubAccounts) Summary(_ context.Context, _ uuid.UUID, _ int) (*ledger.Summary, error) {
	return &ledger.Summary{QuickBalance: 1, PremiumBalance: 2}, nil
}

func (s *stubAccounts) Use(_ context.Context, _ uuid.UUID, kind enums.TicketType, quantity int, refID string) (*ledger.ApplyResult, error) {
	s.uses++
	entry := &models.LedgerEntry{TicketType: kind, Reason: enums.LedgerReasonUse, Delta: -quantity, RefID: refID}
	return &ledger.ApplyResult{Entry: entry, Applied: true, QuickBalance: 1 - quantity}, nil
}

func (s *stubAccounts) Refund(_ context.Context, _ uuid.UUID, kind enums.TicketType, quantity int, refID string) (*ledger.ApplyResult, error) {
	s.refunds = append(s.refunds, quantity)
	entry := &models.LedgerEntry{TicketType: kind, Reason: enums.LedgerReasonRefund, Delta: quantity, RefID: refID}
	return &ledger.ApplyResult{Entry: entry, Applied: true, QuickBalance: 1 + quantity}, nil
}

type stubAnalyze struct {
	starts int
	shared []string
}

func (s *stubAnalyze) IssueUploadTargets(_ context.Context, _ uuid.UUID, input analyze.UploadInput) (*analyze.UploadTargets, error) {
	return &analyze.UploadTargets{JobID: "job-1", Mode: enums.AnalyzeMode(input.Mode), Status: enums.AnalyzeJobStatusQueued}, nil
}

func (s *stubAnalyze) Start(_ context.Context, _ uuid.UUID, jobID string, _ analyze.StartInput) (*analyze.StartResult, error) {
	s.starts++
	return &analyze.StartResult{JobID: jobID, Status: enums.AnalyzeJobStatusQueued}, nil
}

func (s *stubAnalyze) Get(_ context.Context, _ uuid.UUID, jobID string) (*analyze.JobView, error) {
	if jobID == "missing" {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "job not found")
	}
	return &analyze.JobView{JobID: jobID}, nil
}

func (s *stubAnalyze) List(context.Context, uuid.UUID, int) ([]analyze.JobListItem, error) {
	return []analyze.JobListItem{}, nil
}

func (s *stubAnalyze) IssueShareLink(_ context.Context, _ uuid.UUID, jobID string) (*analyze.ShareLink, error) {
	return &analyze.ShareLink{Token: "tok-" + jobID}, nil
}

func (s *stubAnalyze) GetShared(_ context.Context, token string) (*analyze.SharedJobView, error) {
	s.shared = append(s.shared, token)
	return &analyze.SharedJobView{JobID: "job-1"}, nil
}

func (s *stubAnalyze) Recommend(context.Context, uuid.UUID, string) (json.RawMessage, error) {
	return json.RawMessage(`{"size":"M"}`), nil
}

func (s *stubAnalyze) ScrubInputPhotos(context.Context, time.Time, time.Time, int) (int, error) {
	return 0, nil
}

func (s *stubAnalyze) DeleteCompletedBefore(context.Context, time.Time, int) (int64, error) {
	return 0, nil
}

type stubCreem struct {
	handled int
}

func (s *stubCreem) Verify(payload []byte, signature string) (*purchases.Event, error) {
	if signature != "good" {
		return nil, pkgerrors.New(pkgerrors.CodeUnauthorized, "invalid webhook signature")
	}
	return &purchases.Event{ID: "evt_1", Type: "checkout.completed"}, nil
}

func (s *stubCreem) Handle(context.Context, *purchases.Event) (purchases.Outcome, error) {
	s.handled++
	return purchases.OutcomeProcessed, nil
}

type stubGuard struct {
	seen map[string]bool
}

func (g *stubGuard) CheckAndMark(_ context.Context, eventID string) (bool, error) {
	if g.seen[eventID] {
		return true, nil
	}
	g.seen[eventID] = true
	return false, nil
}

func (g *stubGuard) Delete(_ context.Context, eventID string) error {
	delete(g.seen, eventID)
	return nil
}

type routerFixture struct {
	handler  http.Handler
	cfg      *config.Config
	accounts *stubAccounts
	analyze  *stubAnalyze
	creem    *stubCreem
}

func newRouterFixture(t *testing.T, readiness map[string]controllers.Pinger) *routerFixture {
	t.Helper()
	cfg := &config.Config{
		App: config.AppConfig{Env: "test", FrontendURL: "https://app.example.com"},
		JWT: config.JWTConfig{Secret: "secret", Issuer: "bodyscan", ExpirationMinutes: 60},
		Analyze: config.AnalyzeConfig{
			StartRateLimit:  1,
			StartRateWindow: time.Minute,
		},
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewCounter(prometheus.CounterOpts{Name: "router_test_total", Help: "test"}))

	fx := &routerFixture{cfg: cfg, accounts: &stubAccounts{}, analyze: &stubAnalyze{}, creem: &stubCreem{}}
	fx.handler = NewRouter(
		cfg,
		logger.New(logger.Options{ServiceName: "test", Output: &strings.Builder{}}),
		readiness,
		newMemoryStore(),
		reg,
		fx.accounts,
		fx.analyze,
		fx.creem,
		&stubGuard{seen: map[string]bool{}},
	)
	return fx
}

func (fx *routerFixture) token(t *testing.T) string {
	t.Helper()
	token, err := pkgAuth.MintAccessToken(fx.cfg.JWT, time.Now(), pkgAuth.AccessTokenPayload{AccountID: uuid.New()})
	if err != nil {
		t.Fatalf("mint token: %v", err)
	}
	return token
}

func (fx *routerFixture) do(method, path, token, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp := httptest.NewRecorder()
	fx.handler.ServeHTTP(resp, req)
	return resp
}

func TestHealthRoutes(t *testing.T) {
	fx := newRouterFixture(t, map[string]controllers.Pinger{"db": stubPinger{}})
	if resp := fx.do(http.MethodGet, "/health/live", "", "", nil); resp.Code != http.StatusOK {
		t.Fatalf("expected live 200 got %d", resp.Code)
	}
	if resp := fx.do(http.MethodGet, "/health/ready", "", "", nil); resp.Code != http.StatusOK {
		t.Fatalf("expected ready 200 got %d", resp.Code)
	}
}

func TestHealthReadyReportsDependencyFailure(t *testing.T) {
	fx := newRouterFixture(t, map[string]controllers.Pinger{
		"db":    stubPinger{},
		"redis": stubPinger{err: errors.New("connection refused")},
	})
	resp := fx.do(http.MethodGet, "/health/ready", "", "", nil)
	if resp.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 got %d", resp.Code)
	}
	if !strings.Contains(resp.Body.String(), `"redis":"down"`) {
		t.Fatalf("expected redis failure in details, got %s", resp.Body.String())
	}
}

func TestMetricsEndpoint(t *testing.T) {
	fx := newRouterFixture(t, nil)
	resp := fx.do(http.MethodGet, "/metrics", "", "", nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", resp.Code)
	}
	if !strings.Contains(resp.Body.String(), "router_test_total") {
		t.Fatalf("expected registered metric in output")
	}
}

func TestPrivateRoutesRequireAuth(t *testing.T) {
	fx := newRouterFixture(t, nil)
	for _, path := range []string{"/api/v1/tickets", "/api/v1/analyze/jobs", "/api/v1/analyze/jobs/job-1"} {
		if resp := fx.do(http.MethodGet, path, "", "", nil); resp.Code != http.StatusUnauthorized {
			t.Fatalf("%s: expected 401 got %d", path, resp.Code)
		}
	}
}

func TestTicketSummaryRoute(t *testing.T) {
	fx := newRouterFixture(t, nil)
	resp := fx.do(http.MethodGet, "/api/v1/tickets", fx.token(t), "", nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", resp.Code, resp.Body.String())
	}
	var body struct {
		Data ledger.Summary `json:"data"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Data.PremiumBalance != 2 {
		t.Fatalf("unexpected summary %+v", body.Data)
	}
}

func TestTicketSummaryRejectsBadLimit(t *testing.T) {
	fx := newRouterFixture(t, nil)
	if resp := fx.do(http.MethodGet, "/api/v1/tickets?limit=0", fx.token(t), "", nil); resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 got %d", resp.Code)
	}
}

func TestTicketUseRequiresIdempotencyKeyAndReplays(t *testing.T) {
	fx := newRouterFixture(t, nil)
	token := fx.token(t)
	body := `{"ticket_type":"quick","ref_id":"order-9"}`

	if resp := fx.do(http.MethodPost, "/api/v1/tickets/use", token, body, nil); resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without Idempotency-Key got %d", resp.Code)
	}

	headers := map[string]string{"Idempotency-Key": "use-1"}
	first := fx.do(http.MethodPost, "/api/v1/tickets/use", token, body, headers)
	if first.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", first.Code, first.Body.String())
	}
	var decoded struct {
		Data ledger.ApplyResult `json:"data"`
	}
	if err := json.Unmarshal(first.Body.Bytes(), &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Data.Entry == nil || decoded.Data.Entry.Delta != -1 || decoded.Data.Entry.TicketType != enums.TicketTypeQuick {
		t.Fatalf("expected default quantity of one quick ticket, got %+v", decoded.Data.Entry)
	}

	second := fx.do(http.MethodPost, "/api/v1/tickets/use", token, body, headers)
	if second.Code != http.StatusOK || second.Header().Get("Idempotent-Replayed") != "true" {
		t.Fatalf("expected replay, code=%d headers=%v", second.Code, second.Header())
	}
	if fx.accounts.uses != 1 {
		t.Fatalf("expected one ledger call, got %d", fx.accounts.uses)
	}
}

func TestTicketRefundRoute(t *testing.T) {
	fx := newRouterFixture(t, nil)
	token := fx.token(t)
	headers := map[string]string{"Idempotency-Key": "refund-1"}

	resp := fx.do(http.MethodPost, "/api/v1/tickets/refund", token, `{"ticket_type":"PREMIUM","ref_id":"order-9","quantity":2}`, headers)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", resp.Code, resp.Body.String())
	}
	if len(fx.accounts.refunds) != 1 || fx.accounts.refunds[0] != 2 {
		t.Fatalf("unexpected refunds %v", fx.accounts.refunds)
	}
}

func TestTicketTransactionRejectsBadBody(t *testing.T) {
	fx := newRouterFixture(t, nil)
	token := fx.token(t)
	cases := map[string]string{
		"unknown kind":  `{"ticket_type":"GOLD","ref_id":"a"}`,
		"missing ref":   `{"ticket_type":"QUICK"}`,
		"zero-or-less":  `{"ticket_type":"QUICK","ref_id":"a","quantity":-1}`,
		"unknown field": `{"ticket_type":"QUICK","ref_id":"a","delta":5}`,
	}
	i := 0
	for name, body := range cases {
		i++
		headers := map[string]string{"Idempotency-Key": fmt.Sprintf("bad-%d", i)}
		if resp := fx.do(http.MethodPost, "/api/v1/tickets/use", token, body, headers); resp.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400 got %d", name, resp.Code)
		}
	}
	if fx.accounts.uses != 0 {
		t.Fatalf("ledger must not run for invalid bodies, got %d calls", fx.accounts.uses)
	}
}

func TestAnalyzeJobNotFoundMapsTo404(t *testing.T) {
	fx := newRouterFixture(t, nil)
	if resp := fx.do(http.MethodGet, "/api/v1/analyze/jobs/missing", fx.token(t), "", nil); resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404 got %d", resp.Code)
	}
}

func TestUploadTargetsRequireIdempotencyKey(t *testing.T) {
	fx := newRouterFixture(t, nil)
	body := `{"mode":"QUICK_1VIEW","front_filename":"front.jpg"}`
	token := fx.token(t)

	if resp := fx.do(http.MethodPost, "/api/v1/analyze/upload-targets", token, body, nil); resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without key got %d", resp.Code)
	}
	resp := fx.do(http.MethodPost, "/api/v1/analyze/upload-targets", token, body, map[string]string{"Idempotency-Key": "k1"})
	if resp.Code != http.StatusCreated {
		t.Fatalf("expected 201 got %d: %s", resp.Code, resp.Body.String())
	}
}

func TestStartReplaysAndRateLimits(t *testing.T) {
	fx := newRouterFixture(t, nil)
	token := fx.token(t)
	body := `{"height_cm":180,"gender":"male"}`

	first := fx.do(http.MethodPost, "/api/v1/analyze/jobs/job-1/start", token, body, map[string]string{"Idempotency-Key": "start-1"})
	if first.Code != http.StatusAccepted {
		t.Fatalf("expected 202 got %d: %s", first.Code, first.Body.String())
	}
	replay := fx.do(http.MethodPost, "/api/v1/analyze/jobs/job-1/start", token, body, map[string]string{"Idempotency-Key": "start-1"})
	if replay.Code != http.StatusAccepted {
		t.Fatalf("expected replayed 202 got %d", replay.Code)
	}
	if fx.analyze.starts != 1 {
		t.Fatalf("expected a single start call, got %d", fx.analyze.starts)
	}

	limited := fx.do(http.MethodPost, "/api/v1/analyze/jobs/job-2/start", token, body, map[string]string{"Idempotency-Key": "start-2"})
	if limited.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 after limit, got %d", limited.Code)
	}
}

func TestSharedResultIsPublic(t *testing.T) {
	fx := newRouterFixture(t, nil)
	resp := fx.do(http.MethodGet, "/api/public/share/abc.def", "", "", nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", resp.Code)
	}
	if len(fx.analyze.shared) != 1 || fx.analyze.shared[0] != "abc.def" {
		t.Fatalf("unexpected shared calls %v", fx.analyze.shared)
	}
}

func TestCreemWebhookRoute(t *testing.T) {
	fx := newRouterFixture(t, nil)

	if resp := fx.do(http.MethodPost, "/api/v1/webhooks/creem", "", `{}`, map[string]string{"creem-signature": "bad"}); resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 got %d", resp.Code)
	}

	resp := fx.do(http.MethodPost, "/api/v1/webhooks/creem", "", `{}`, map[string]string{"creem-signature": "good"})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", resp.Code)
	}
	if !strings.Contains(resp.Body.String(), string(purchases.OutcomeProcessed)) {
		t.Fatalf("expected processed outcome, got %s", resp.Body.String())
	}

	again := fx.do(http.MethodPost, "/api/v1/webhooks/creem", "", `{}`, map[string]string{"creem-signature": "good"})
	if !strings.Contains(again.Body.String(), string(purchases.OutcomeDuplicate)) {
		t.Fatalf("expected duplicate outcome, got %s", again.Body.String())
	}
	if fx.creem.handled != 1 {
		t.Fatalf("expected one handled event, got %d", fx.creem.handled)
	}
}
