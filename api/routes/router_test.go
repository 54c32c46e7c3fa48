package routes

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/stefna/stefna-backend/internal/credits"
	"github.com/stefna/stefna-backend/internal/generations"
	"github.com/stefna/stefna-backend/internal/media"
	"github.com/stefna/stefna-backend/internal/notifications"
	pkgAuth "github.com/stefna/stefna-backend/pkg/auth"
	"github.com/stefna/stefna-backend/pkg/config"
	"github.com/stefna/stefna-backend/pkg/db/models"
	"github.com/stefna/stefna-backend/pkg/enums"
	"github.com/stefna/stefna-backend/pkg/logger"
)

type stubPinger struct {
	err error
}

func (p stubPinger) Ping(context.Context) error {
	return p.err
}

type stubGenerationsService struct {
	polled string
}

func (s *stubGenerationsService) Start(ctx context.Context, input generations.StartInput) (*generations.StartResult, error) {
	return &generations.StartResult{OK: true, JobID: "job-1"}, nil
}

func (s *stubGenerationsService) Poll(ctx context.Context, input generations.PollInput) (*generations.PollResult, error) {
	s.polled = input.JobID
	return &generations.PollResult{OK: true, Status: enums.GenerationStatusProcessing, JobID: input.JobID}, nil
}

func (s *stubGenerationsService) SweepStale(ctx context.Context, olderThan time.Time, limit int) (*generations.SweepResult, error) {
	return &generations.SweepResult{}, nil
}

type stubCreditsService struct {
	granted   bool
	finalized []credits.FinalizeInput
}

func (s *stubCreditsService) Reserve(ctx context.Context, input credits.ReserveInput) (*credits.ReserveResult, error) {
	return &credits.ReserveResult{}, nil
}

func (s *stubCreditsService) Finalize(ctx context.Context, input credits.FinalizeInput) (*credits.FinalizeResult, error) {
	s.finalized = append(s.finalized, input)
	return &credits.FinalizeResult{}, nil
}

func (s *stubCreditsService) DailyCapCheck(ctx context.Context, userID uuid.UUID, cost int) (bool, error) {
	return true, nil
}

func (s *stubCreditsService) DailyCapStatus(ctx context.Context, userID uuid.UUID, cost int) (*credits.DailyCapStatus, error) {
	return &credits.DailyCapStatus{Allowed: true}, nil
}

func (s *stubCreditsService) Balance(ctx context.Context, userID uuid.UUID) (*credits.BalanceResult, error) {
	return &credits.BalanceResult{Balance: 30}, nil
}

func (s *stubCreditsService) History(ctx context.Context, params credits.HistoryParams) (*credits.HistoryResult, error) {
	return &credits.HistoryResult{}, nil
}

func (s *stubCreditsService) Grant(ctx context.Context, input credits.GrantInput) (*credits.GrantResult, error) {
	s.granted = true
	return &credits.GrantResult{EntryID: uuid.New(), Balance: 130}, nil
}

func (s *stubCreditsService) ListStaleReservations(ctx context.Context, olderThan time.Time, limit int) ([]models.CreditLedgerEntry, error) {
	return nil, nil
}

type stubMediaService struct {
	deleted uuid.UUID
}

func (s *stubMediaService) Persist(ctx context.Context, input media.PersistInput) (*models.MediaAsset, error) {
	return nil, fmt.Errorf("not implemented")
}

func (s *stubMediaService) List(ctx context.Context, params media.ListParams) (*media.ListResult, error) {
	return &media.ListResult{}, nil
}

func (s *stubMediaService) Delete(ctx context.Context, userID, mediaID uuid.UUID) error {
	s.deleted = mediaID
	return nil
}

type stubNotificationsService struct{}

func (stubNotificationsService) NotifyTx(ctx context.Context, tx *gorm.DB, input notifications.NotifyInput) (*models.Notification, error) {
	return nil, nil
}

func (stubNotificationsService) List(ctx context.Context, params notifications.ListParams) (*notifications.ListResult, error) {
	return &notifications.ListResult{}, nil
}

func (stubNotificationsService) MarkRead(ctx context.Context, userID, notificationID uuid.UUID) error {
	return nil
}

func (stubNotificationsService) MarkAllRead(ctx context.Context, userID uuid.UUID) (int64, error) {
	return 0, nil
}

// denyingStore rejects every rate limited request and stores nothing.
type denyingStore struct{}

func (denyingStore) Get(context.Context, string) (string, error)           { return "", nil }
func (denyingStore) Set(context.Context, string, any, time.Duration) error { return nil }
func (denyingStore) SetNX(context.Context, string, any, time.Duration) (bool, error) {
	return true, nil
}
func (denyingStore) IdempotencyKey(scope, id string) string { return scope + ":" + id }
func (denyingStore) Del(context.Context, ...string) error   { return nil }
func (denyingStore) FixedWindowAllow(ctx context.Context, scope string, limit int64, window time.Duration) (bool, int64, error) {
	return false, limit + 1, nil
}
func (denyingStore) Ping(context.Context) error { return nil }

type testDeps struct {
	db            stubPinger
	store         redisStore
	generations   *stubGenerationsService
	credits       *stubCreditsService
	media         *stubMediaService
	notifications stubNotificationsService
}

func newTestDeps() *testDeps {
	return &testDeps{
		generations: &stubGenerationsService{},
		credits:     &stubCreditsService{},
		media:       &stubMediaService{},
	}
}

func testConfig() *config.Config {
	return &config.Config{
		App:  config.AppConfig{Env: "test", Port: "0"},
		Auth: config.AuthConfig{JWTSecret: "secret", JWTIssuer: "issuer", AdminRole: pkgAuth.RoleServiceRole},
		RateLimit: config.RateLimitConfig{
			GenerationWindow: time.Minute,
			GenerationLimit:  5,
		},
	}
}

func newTestRouter(cfg *config.Config, deps *testDeps) http.Handler {
	logg := logger.New(logger.Options{ServiceName: "test-routing", Level: logger.ParseLevel("debug"), Output: io.Discard})
	return NewRouter(
		cfg,
		logg,
		deps.db,
		deps.store,
		deps.generations,
		deps.credits,
		deps.media,
		deps.notifications,
	)
}

func buildToken(t *testing.T, cfg *config.Config, role string) string {
	t.Helper()
	token, err := pkgAuth.MintAccessToken(cfg.Auth, time.Now(), pkgAuth.AccessTokenPayload{
		UserID: uuid.New(),
		Role:   role,
		TTL:    time.Hour,
	})
	if err != nil {
		t.Fatalf("mint token: %v", err)
	}
	return token
}

func TestHealthLive(t *testing.T) {
	router := newTestRouter(testConfig(), newTestDeps())
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/health/live", nil))
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", resp.Code)
	}
	if resp.Header().Get("X-Stefna-Env") != "test" {
		t.Fatalf("expected env header")
	}
}

func TestHealthReadyReportsDatabaseFailure(t *testing.T) {
	deps := newTestDeps()
	deps.db = stubPinger{err: fmt.Errorf("connection refused")}
	router := newTestRouter(testConfig(), deps)

	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	if resp.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 got %d", resp.Code)
	}
}

func TestPrivateGroupRejectsMissingJWT(t *testing.T) {
	router := newTestRouter(testConfig(), newTestDeps())
	req := httptest.NewRequest(http.MethodGet, "/api/ping", nil)
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token got %d", resp.Code)
	}
}

func TestPrivateGroupSucceedsWithJWT(t *testing.T) {
	cfg := testConfig()
	router := newTestRouter(cfg, newTestDeps())
	req := httptest.NewRequest(http.MethodGet, "/api/ping", nil)
	req.Header.Set("Authorization", "Bearer "+buildToken(t, cfg, pkgAuth.RoleAuthenticated))
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200 for private ping got %d", resp.Code)
	}
}

func TestAdminGrantRequiresAdminRole(t *testing.T) {
	cfg := testConfig()
	deps := newTestDeps()
	router := newTestRouter(cfg, deps)
	body := `{"user_id":"` + uuid.NewString() + `","request_id":"grant-1","amount":50}`

	user := httptest.NewRequest(http.MethodPost, "/api/admin/v1/credits/grant", strings.NewReader(body))
	user.Header.Set("Authorization", "Bearer "+buildToken(t, cfg, pkgAuth.RoleAuthenticated))
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, user)
	if resp.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for non-admin got %d", resp.Code)
	}
	if deps.credits.granted {
		t.Fatalf("grant must not run for non-admin")
	}

	admin := httptest.NewRequest(http.MethodPost, "/api/admin/v1/credits/grant", strings.NewReader(body))
	admin.Header.Set("Authorization", "Bearer "+buildToken(t, cfg, pkgAuth.RoleServiceRole))
	resp = httptest.NewRecorder()
	router.ServeHTTP(resp, admin)
	if resp.Code != http.StatusCreated {
		t.Fatalf("expected 201 for admin got %d: %s", resp.Code, resp.Body.String())
	}
}

func TestLedgerSettlementIsAdminOnly(t *testing.T) {
	cfg := testConfig()
	deps := newTestDeps()
	router := newTestRouter(cfg, deps)
	target := uuid.New()
	body := `{"user_id":"` + target.String() + `","request_id":"req-live","disposition":"refund"}`

	cases := []struct {
		name string
		path string
		role string
		want int
	}{
		{"user route removed", "/api/v1/credits/finalize", pkgAuth.RoleAuthenticated, http.StatusNotFound},
		{"user reserve removed", "/api/v1/credits/reserve", pkgAuth.RoleAuthenticated, http.StatusNotFound},
		{"admin route forbidden", "/api/admin/v1/credits/finalize", pkgAuth.RoleAuthenticated, http.StatusForbidden},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, tc.path, strings.NewReader(body))
			req.Header.Set("Authorization", "Bearer "+buildToken(t, cfg, tc.role))
			resp := httptest.NewRecorder()
			router.ServeHTTP(resp, req)
			if resp.Code != tc.want {
				t.Fatalf("expected %d got %d", tc.want, resp.Code)
			}
		})
	}
	if len(deps.credits.finalized) != 0 {
		t.Fatalf("finalize must not run for a regular user, got %d calls", len(deps.credits.finalized))
	}

	req := httptest.NewRequest(http.MethodPost, "/api/admin/v1/credits/finalize", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+buildToken(t, cfg, pkgAuth.RoleServiceRole))
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200 for admin got %d: %s", resp.Code, resp.Body.String())
	}
	if len(deps.credits.finalized) != 1 || deps.credits.finalized[0].UserID != target {
		t.Fatalf("expected finalize for %s, got %+v", target, deps.credits.finalized)
	}
}

func TestPollGenerationRoute(t *testing.T) {
	cfg := testConfig()
	deps := newTestDeps()
	router := newTestRouter(cfg, deps)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/generations/poll?id=job-77", nil)
	req.Header.Set("Authorization", "Bearer "+buildToken(t, cfg, pkgAuth.RoleAuthenticated))
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", resp.Code)
	}
	if deps.generations.polled != "job-77" {
		t.Fatalf("expected poll for job-77 got %q", deps.generations.polled)
	}

	var body map[string]any
	if err := json.Unmarshal(resp.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["ok"] != true || body["status"] != string(enums.GenerationStatusProcessing) {
		t.Fatalf("unexpected flat body %v", body)
	}
}

func TestStartGenerationRateLimited(t *testing.T) {
	cfg := testConfig()
	deps := newTestDeps()
	deps.store = denyingStore{}
	router := newTestRouter(cfg, deps)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/generations", strings.NewReader(`{"image_url":"https://x.test/a.png"}`))
	req.Header.Set("Authorization", "Bearer "+buildToken(t, cfg, pkgAuth.RoleAuthenticated))
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	if resp.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 got %d", resp.Code)
	}
}

func TestDeleteMediaRoute(t *testing.T) {
	cfg := testConfig()
	deps := newTestDeps()
	router := newTestRouter(cfg, deps)
	id := uuid.New()

	req := httptest.NewRequest(http.MethodDelete, "/api/v1/media/"+id.String(), nil)
	req.Header.Set("Authorization", "Bearer "+buildToken(t, cfg, pkgAuth.RoleAuthenticated))
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", resp.Code, resp.Body.String())
	}
	if deps.media.deleted != id {
		t.Fatalf("expected delete of %s got %s", id, deps.media.deleted)
	}
}
