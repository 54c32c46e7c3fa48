package generations

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/stefna/stefna-backend/internal/credits"
	"github.com/stefna/stefna-backend/internal/media"
	"github.com/stefna/stefna-backend/internal/notifications"
	"github.com/stefna/stefna-backend/pkg/aiml"
	"github.com/stefna/stefna-backend/pkg/config"
	"github.com/stefna/stefna-backend/pkg/db"
	"github.com/stefna/stefna-backend/pkg/db/dbtest"
	"github.com/stefna/stefna-backend/pkg/db/models"
	"github.com/stefna/stefna-backend/pkg/enums"
	pkgerrors "github.com/stefna/stefna-backend/pkg/errors"
	"github.com/stefna/stefna-backend/pkg/logger"
	"github.com/stefna/stefna-backend/pkg/outbox"
	"github.com/stefna/stefna-backend/pkg/redis"
)

type fakeVendor struct {
	mu          sync.Mutex
	starts      []aiml.StartRequest
	startErr    error
	statusBody  string
	statusErr   error
	statusCalls int
}

func (f *fakeVendor) Start(ctx context.Context, req aiml.StartRequest) (*aiml.StartResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts = append(f.starts, req)
	if f.startErr != nil {
		return nil, f.startErr
	}
	return &aiml.StartResult{JobID: fmt.Sprintf("gen-%d", len(f.starts)), StatusCode: 201}, nil
}

func (f *fakeVendor) Status(ctx context.Context, model, jobID string) (*aiml.StatusResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statusCalls++
	if f.statusErr != nil {
		return nil, f.statusErr
	}
	return &aiml.StatusResult{Snapshot: aiml.Normalize([]byte(f.statusBody)), StatusCode: 200}, nil
}

func (f *fakeVendor) setStatus(body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statusBody = body
}

func (f *fakeVendor) statusCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.statusCalls
}

type fakePersister struct {
	mu    sync.Mutex
	calls []media.PersistInput
	err   error
}

func (f *fakePersister) Persist(ctx context.Context, input media.PersistInput) (*models.MediaAsset, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, input)
	if f.err != nil {
		return nil, f.err
	}
	return &models.MediaAsset{
		ID:       uuid.New(),
		UserID:   input.UserID,
		JobID:    input.JobID,
		FinalURL: "https://res.cloudinary.com/demo/video/upload/v1/stefna/" + input.JobID + ".mp4",
	}, nil
}

func (f *fakePersister) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeCache struct {
	mu      sync.Mutex
	entries map[string][]byte
}

func (f *fakeCache) CachePollResult(ctx context.Context, jobID string, payload []byte, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries[jobID] = payload
	return nil
}

func (f *fakeCache) GetPollResult(ctx context.Context, jobID string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	payload, ok := f.entries[jobID]
	if !ok {
		return nil, redis.ErrCacheMiss
	}
	return payload, nil
}

type testEnv struct {
	svc       Service
	conn      *gorm.DB
	ledger    credits.Service
	vendor    *fakeVendor
	persister *fakePersister
	cache     *fakeCache
	now       time.Time
}

func newTestEnv(t *testing.T, startingBalance int) *testEnv {
	t.Helper()
	conn := dbtest.Open(t)
	env := &testEnv{
		conn:      conn,
		vendor:    &fakeVendor{statusBody: `{"status":"queued"}`},
		persister: &fakePersister{},
		cache:     &fakeCache{entries: map[string][]byte{}},
		now:       time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time { return env.now }
	logg := logger.New(logger.Options{ServiceName: "generations-test", Output: io.Discard})

	notify, err := notifications.NewService(notifications.NewRepository(conn))
	require.NoError(t, err)
	events := outbox.NewService(outbox.NewRepository(conn), nil)
	creditsCfg := config.CreditsConfig{StartingBalance: startingBalance, CostStandard: 1, CostPro: 2}

	ledger, err := credits.NewService(credits.ServiceParams{
		DB:            db.FromConn(conn),
		Repository:    credits.NewRepository(conn),
		Notifications: notify,
		Outbox:        events,
		Config:        creditsCfg,
		Logger:        logg,
		Now:           clock,
	})
	require.NoError(t, err)
	env.ledger = ledger

	svc, err := NewService(ServiceParams{
		DB:            db.FromConn(conn),
		Repository:    NewRepository(conn),
		Credits:       ledger,
		Vendor:        env.vendor,
		Persister:     env.persister,
		Cache:         env.cache,
		Notifications: notify,
		Outbox:        events,
		VendorConfig: config.VendorConfig{
			Name:          "aiml",
			ModelStandard: "kling-video/v1.6/standard/image-to-video",
			ModelPro:      "kling-video/v1.6/pro/image-to-video",
			ImageOnly:     true,
		},
		CreditsConfig: creditsCfg,
		CDNConfig:     config.CloudinaryConfig{FrameSecond: 2, FrameWidth: 1024},
		PollCacheTTL:  time.Hour,
		Logger:        logg,
		Now:           clock,
	})
	require.NoError(t, err)
	env.svc = svc
	return env
}

func (e *testEnv) balance(t *testing.T, userID uuid.UUID) int {
	t.Helper()
	res, err := e.ledger.Balance(context.Background(), userID)
	require.NoError(t, err)
	return res.Balance
}

func (e *testEnv) entryStatus(t *testing.T, userID uuid.UUID, requestID string) enums.CreditEntryStatus {
	t.Helper()
	var entry models.CreditLedgerEntry
	require.NoError(t, e.conn.Where("user_id = ? AND request_id = ?", userID, requestID).First(&entry).Error)
	return entry.Status
}

func (e *testEnv) start(t *testing.T, userID uuid.UUID, requestID string) *StartResult {
	t.Helper()
	res, err := e.svc.Start(context.Background(), StartInput{
		UserID:    userID,
		RequestID: requestID,
		ImageURL:  "https://res.cloudinary.com/demo/image/upload/v1/portrait.jpg",
		Prompt:    "slow zoom",
	})
	require.NoError(t, err)
	return res
}

func intValue(v int) *int { return &v }

func TestStartReservesAndRecordsJob(t *testing.T) {
	env := newTestEnv(t, 10)
	userID := uuid.New()

	res, err := env.svc.Start(context.Background(), StartInput{
		UserID:    userID,
		RequestID: "req-1",
		ImageURL:  "https://res.cloudinary.com/demo/image/upload/v1/portrait.jpg",
		Prompt:    "  slow zoom ",
		FPS:       intValue(60),
		Tier:      "PRO",
	})
	require.NoError(t, err)

	assert.True(t, res.OK)
	assert.Equal(t, "gen-1", res.JobID)
	assert.Equal(t, "kling-video/v1.6/pro/image-to-video", res.Model)
	assert.Equal(t, "aiml", res.Vendor)
	assert.Equal(t, StartDebug{
		Tier:         enums.GenerationTierPro,
		FPS:          MaxFPS,
		Duration:     DefaultDuration,
		SourceKind:   "image",
		SubmittedURL: "https://res.cloudinary.com/demo/image/upload/v1/portrait.jpg",
		RequestID:    "req-1",
		Cost:         2,
	}, res.Debug)

	require.Len(t, env.vendor.starts, 1)
	assert.Equal(t, "slow zoom", env.vendor.starts[0].Prompt)
	assert.Equal(t, MaxFPS, env.vendor.starts[0].FPS)

	assert.Equal(t, 8, env.balance(t, userID))
	assert.Equal(t, enums.CreditEntryStatusReserved, env.entryStatus(t, userID, "req-1"))

	var job models.GenerationJob
	require.NoError(t, env.conn.Where("job_id = ?", "gen-1").First(&job).Error)
	assert.Equal(t, enums.GenerationStatusProcessing, job.Status)
	assert.Equal(t, "req-1", job.RequestID)
	assert.Equal(t, 2, job.Cost)
}

func TestStartClampsTiming(t *testing.T) {
	env := newTestEnv(t, 10)
	cases := []struct {
		fps, duration         *int
		wantFPS, wantDuration int
	}{
		{nil, nil, DefaultFPS, DefaultDuration},
		{intValue(1), intValue(1), MinFPS, MinDuration},
		{intValue(100), intValue(60), MaxFPS, MaxDuration},
		{intValue(12), intValue(7), 12, 7},
	}
	for i, tc := range cases {
		res, err := env.svc.Start(context.Background(), StartInput{
			UserID:   uuid.New(),
			URL:      "https://cdn.example.com/a.png",
			FPS:      tc.fps,
			Duration: tc.duration,
		})
		require.NoError(t, err, "case %d", i)
		assert.Equal(t, tc.wantFPS, res.Debug.FPS, "case %d", i)
		assert.Equal(t, tc.wantDuration, res.Debug.Duration, "case %d", i)
		assert.NotEmpty(t, res.Debug.RequestID)
	}
}

func TestStartRewritesVideoSourceToFrame(t *testing.T) {
	env := newTestEnv(t, 10)

	res, err := env.svc.Start(context.Background(), StartInput{
		UserID:    uuid.New(),
		VideoURL:  "https://res.cloudinary.com/demo/video/upload/v1/clips/beach.mov?_a=xyz",
		ImageURL:  "https://res.cloudinary.com/demo/image/upload/v1/ignored.jpg",
		RequestID: "req-video",
	})
	require.NoError(t, err)

	want := "https://res.cloudinary.com/demo/video/upload/so_2,w_1024,f_jpg,q_auto/v1/clips/beach.jpg?_a=xyz"
	assert.Equal(t, "video", res.Debug.SourceKind)
	assert.Equal(t, want, res.Debug.SubmittedURL)
	require.Len(t, env.vendor.starts, 1)
	assert.Equal(t, want, env.vendor.starts[0].ImageURL)
}

func TestStartVendorRejectedRefundsAndKeepsDetails(t *testing.T) {
	env := newTestEnv(t, 10)
	userID := uuid.New()
	body := json.RawMessage(`{"error":"image too small","code":"invalid_input"}`)
	env.vendor.startErr = pkgerrors.New(pkgerrors.CodeVendorRejected, "generation request rejected").
		WithDetails(map[string]any{"status": 422, "body": body})

	_, err := env.svc.Start(context.Background(), StartInput{
		UserID:    userID,
		RequestID: "req-reject",
		ImageURL:  "https://cdn.example.com/a.jpg",
	})
	typed := pkgerrors.As(err)
	require.NotNil(t, typed)
	assert.Equal(t, pkgerrors.CodeVendorRejected, typed.Code())
	details, ok := typed.Details().(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 422, details["status"])
	assert.Equal(t, body, details["body"])

	assert.Equal(t, 10, env.balance(t, userID))
	assert.Equal(t, enums.CreditEntryStatusRefunded, env.entryStatus(t, userID, "req-reject"))

	var count int64
	require.NoError(t, env.conn.Model(&models.GenerationJob{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestStartReplaysExistingRequest(t *testing.T) {
	env := newTestEnv(t, 10)
	userID := uuid.New()

	first := env.start(t, userID, "req-replay")
	second := env.start(t, userID, "req-replay")

	assert.Equal(t, first.JobID, second.JobID)
	assert.Len(t, env.vendor.starts, 1)
	assert.Equal(t, 9, env.balance(t, userID))
}

func TestStartSettledRequestIDIsRejected(t *testing.T) {
	env := newTestEnv(t, 10)
	userID := uuid.New()
	env.vendor.startErr = pkgerrors.New(pkgerrors.CodeVendorUnavailable, "execute generation request")
	_, err := env.svc.Start(context.Background(), StartInput{UserID: userID, RequestID: "req-x", ImageURL: "https://cdn.example.com/a.jpg"})
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeVendorUnavailable))

	env.vendor.startErr = nil
	_, err = env.svc.Start(context.Background(), StartInput{UserID: userID, RequestID: "req-x", ImageURL: "https://cdn.example.com/a.jpg"})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeIdempotency))
	assert.Len(t, env.vendor.starts, 1)
}

func TestStartWhileReservationInFlightSkipsVendor(t *testing.T) {
	env := newTestEnv(t, 10)
	userID := uuid.New()
	_, err := env.ledger.Reserve(context.Background(), credits.ReserveInput{
		UserID: userID, RequestID: "req-busy", Action: "video_generation:standard", Amount: 1,
	})
	require.NoError(t, err)

	_, err = env.svc.Start(context.Background(), StartInput{UserID: userID, RequestID: "req-busy", ImageURL: "https://cdn.example.com/a.jpg"})
	require.Error(t, err)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeIdempotency))
	assert.Empty(t, env.vendor.starts)
	assert.Equal(t, 9, env.balance(t, userID))
	assert.Equal(t, enums.CreditEntryStatusReserved, env.entryStatus(t, userID, "req-busy"))
}

func TestStartReusingRequestIDForOtherTierIsRejected(t *testing.T) {
	env := newTestEnv(t, 10)
	userID := uuid.New()
	_, err := env.ledger.Reserve(context.Background(), credits.ReserveInput{
		UserID: userID, RequestID: "req-cheap", Action: "video_generation:standard", Amount: 1,
	})
	require.NoError(t, err)

	_, err = env.svc.Start(context.Background(), StartInput{
		UserID: userID, RequestID: "req-cheap", ImageURL: "https://cdn.example.com/a.jpg", Tier: "pro",
	})
	require.Error(t, err)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeIdempotency))
	assert.Empty(t, env.vendor.starts)
	assert.Equal(t, 9, env.balance(t, userID))
}

func TestStartValidation(t *testing.T) {
	env := newTestEnv(t, 10)
	cases := []StartInput{
		{UserID: uuid.New()},
		{UserID: uuid.New(), URL: "ftp://cdn.example.com/a.jpg"},
		{UserID: uuid.New(), URL: "/relative/a.jpg"},
		{UserID: uuid.New(), URL: "https://cdn.example.com/a.jpg", Tier: "ultra"},
		{URL: "https://cdn.example.com/a.jpg"},
		{UserID: uuid.New(), VideoURL: "https://cdn.example.com/clip.mp4"},
	}
	for i, input := range cases {
		_, err := env.svc.Start(context.Background(), input)
		assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation), "case %d: %v", i, err)
	}
	assert.Empty(t, env.vendor.starts)
}

func TestStartInsufficientCreditsSkipsVendor(t *testing.T) {
	env := newTestEnv(t, 1)
	_, err := env.svc.Start(context.Background(), StartInput{
		UserID:   uuid.New(),
		ImageURL: "https://cdn.example.com/a.jpg",
		Tier:     "pro",
	})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeInsufficientCredits))
	assert.Empty(t, env.vendor.starts)
}

func TestPollProcessingReportsProgress(t *testing.T) {
	env := newTestEnv(t, 10)
	userID := uuid.New()
	started := env.start(t, userID, "req-1")
	env.vendor.setStatus(`{"status":"generating","progress":42}`)

	res, err := env.svc.Poll(context.Background(), PollInput{UserID: userID, JobID: started.JobID})
	require.NoError(t, err)
	assert.Equal(t, enums.GenerationStatusProcessing, res.Status)
	require.NotNil(t, res.Progress)
	assert.Equal(t, 42, *res.Progress)
	assert.Nil(t, res.Data)
	assert.Zero(t, env.persister.count())
}

func TestPollCompletedPersistsExactlyOnce(t *testing.T) {
	env := newTestEnv(t, 10)
	userID := uuid.New()
	started := env.start(t, userID, "req-1")
	env.vendor.setStatus(`{"status":"completed","video_url":"https://vendor.example.com/out.mp4"}`)

	first, err := env.svc.Poll(context.Background(), PollInput{UserID: userID, JobID: started.JobID, Prompt: "override"})
	require.NoError(t, err)
	assert.Equal(t, enums.GenerationStatusCompleted, first.Status)
	require.NotNil(t, first.Data)
	assert.Equal(t, "https://vendor.example.com/out.mp4", first.Data.ResultURL)
	require.NotNil(t, first.Data.AssetID)
	assert.NotEmpty(t, first.Data.MediaURL)
	assert.Empty(t, first.Warning)

	second, err := env.svc.Poll(context.Background(), PollInput{UserID: userID, JobID: started.JobID})
	require.NoError(t, err)
	assert.Equal(t, *first.Data.AssetID, *second.Data.AssetID)

	assert.Equal(t, 1, env.persister.count())
	assert.Equal(t, "override", env.persister.calls[0].Prompt)
	assert.Equal(t, 1, env.vendor.statusCount())
	assert.Equal(t, enums.CreditEntryStatusCommitted, env.entryStatus(t, userID, "req-1"))
	assert.Equal(t, 9, env.balance(t, userID))

	var job models.GenerationJob
	require.NoError(t, env.conn.Where("job_id = ?", started.JobID).First(&job).Error)
	assert.Equal(t, enums.GenerationStatusCompleted, job.Status)
	require.NotNil(t, job.AssetID)
	assert.Equal(t, *first.Data.AssetID, *job.AssetID)
}

func TestPollTerminalRowSkipsVendorWithoutCache(t *testing.T) {
	env := newTestEnv(t, 10)
	userID := uuid.New()
	started := env.start(t, userID, "req-1")
	env.vendor.setStatus(`{"status":"completed","video_url":"https://vendor.example.com/out.mp4"}`)

	_, err := env.svc.Poll(context.Background(), PollInput{UserID: userID, JobID: started.JobID})
	require.NoError(t, err)
	env.cache.entries = map[string][]byte{}

	res, err := env.svc.Poll(context.Background(), PollInput{UserID: userID, JobID: started.JobID})
	require.NoError(t, err)
	assert.Equal(t, enums.GenerationStatusCompleted, res.Status)
	assert.Equal(t, 1, env.vendor.statusCount())
	assert.Equal(t, 1, env.persister.count())
}

func TestPollConcurrentCompletionPersistsOnce(t *testing.T) {
	env := newTestEnv(t, 10)
	userID := uuid.New()
	started := env.start(t, userID, "req-1")
	env.vendor.setStatus(`{"state":"SUCCEEDED","data":{"video_url":"https://vendor.example.com/out.mp4"}}`)

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := env.svc.Poll(context.Background(), PollInput{UserID: userID, JobID: started.JobID})
			if err != nil {
				errs <- err
				return
			}
			if res.Status != enums.GenerationStatusCompleted {
				errs <- fmt.Errorf("unexpected status %s", res.Status)
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("poll: %v", err)
	}

	assert.Equal(t, 1, env.persister.count())
	assert.Equal(t, 9, env.balance(t, userID))
}

func TestPollFailedRefundsAndNeverPersists(t *testing.T) {
	env := newTestEnv(t, 10)
	userID := uuid.New()
	started := env.start(t, userID, "req-1")
	env.vendor.setStatus(`{"status":"failed","error":"bad input"}`)

	res, err := env.svc.Poll(context.Background(), PollInput{UserID: userID, JobID: started.JobID})
	require.NoError(t, err)
	assert.Equal(t, enums.GenerationStatusFailed, res.Status)
	assert.Equal(t, "bad input", res.Error)

	again, err := env.svc.Poll(context.Background(), PollInput{UserID: userID, JobID: started.JobID})
	require.NoError(t, err)
	assert.Equal(t, enums.GenerationStatusFailed, again.Status)

	assert.Zero(t, env.persister.count())
	assert.Equal(t, 10, env.balance(t, userID))
	assert.Equal(t, enums.CreditEntryStatusRefunded, env.entryStatus(t, userID, "req-1"))

	var notes []models.Notification
	require.NoError(t, env.conn.Where("user_id = ? AND type = ?", userID, enums.NotificationTypeGenerationFailed).Find(&notes).Error)
	assert.Len(t, notes, 1)

	var count int64
	require.NoError(t, env.conn.Model(&models.OutboxEvent{}).Where("event_type = ?", enums.EventGenerationFailed).Count(&count).Error)
	assert.EqualValues(t, 1, count)
}

func TestPollPersistFailureWarnsThenRecovers(t *testing.T) {
	env := newTestEnv(t, 10)
	userID := uuid.New()
	started := env.start(t, userID, "req-1")
	env.vendor.setStatus(`{"status":"completed","video_url":"https://vendor.example.com/out.mp4"}`)
	env.persister.err = pkgerrors.Wrap(pkgerrors.CodePersistenceFailed, errors.New("cdn down"), "upload to cdn")

	res, err := env.svc.Poll(context.Background(), PollInput{UserID: userID, JobID: started.JobID})
	require.NoError(t, err)
	assert.Equal(t, enums.GenerationStatusCompleted, res.Status)
	assert.Equal(t, "storage failed: upload to cdn: cdn down", res.Warning)
	assert.Nil(t, res.Data.AssetID)

	var job models.GenerationJob
	require.NoError(t, env.conn.Where("job_id = ?", started.JobID).First(&job).Error)
	require.NotNil(t, job.PersistError)
	assert.Equal(t, "upload to cdn: cdn down", *job.PersistError)

	skip := false
	noPersist, err := env.svc.Poll(context.Background(), PollInput{UserID: userID, JobID: started.JobID, Persist: &skip})
	require.NoError(t, err)
	assert.Equal(t, res.Warning, noPersist.Warning)

	env.persister.err = nil
	recovered, err := env.svc.Poll(context.Background(), PollInput{UserID: userID, JobID: started.JobID})
	require.NoError(t, err)
	assert.Empty(t, recovered.Warning)
	require.NotNil(t, recovered.Data.AssetID)
	assert.Equal(t, 2, env.persister.count())
	assert.Equal(t, 1, env.vendor.statusCount())
	assert.Equal(t, enums.CreditEntryStatusCommitted, env.entryStatus(t, userID, "req-1"))
}

func TestPollPersistDisabled(t *testing.T) {
	env := newTestEnv(t, 10)
	userID := uuid.New()
	started := env.start(t, userID, "req-1")
	env.vendor.setStatus(`{"status":"done","url":"https://vendor.example.com/out.mp4"}`)

	skip := false
	res, err := env.svc.Poll(context.Background(), PollInput{UserID: userID, JobID: started.JobID, Persist: &skip})
	require.NoError(t, err)
	assert.Equal(t, enums.GenerationStatusCompleted, res.Status)
	assert.Nil(t, res.Data.AssetID)
	assert.Zero(t, env.persister.count())
}

func TestPollOwnershipAndValidation(t *testing.T) {
	env := newTestEnv(t, 10)
	owner := uuid.New()
	started := env.start(t, owner, "req-1")
	env.vendor.setStatus(`{"status":"completed","video_url":"https://vendor.example.com/out.mp4"}`)
	_, err := env.svc.Poll(context.Background(), PollInput{UserID: owner, JobID: started.JobID})
	require.NoError(t, err)
	require.NotEmpty(t, env.cache.entries)

	_, err = env.svc.Poll(context.Background(), PollInput{UserID: uuid.New(), JobID: started.JobID})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeNotFound))

	_, err = env.svc.Poll(context.Background(), PollInput{UserID: owner, JobID: "missing"})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeNotFound))

	_, err = env.svc.Poll(context.Background(), PollInput{UserID: owner, JobID: "  "})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))
}

func TestPollVendorErrorIsSurfaced(t *testing.T) {
	env := newTestEnv(t, 10)
	userID := uuid.New()
	started := env.start(t, userID, "req-1")
	env.vendor.statusErr = pkgerrors.New(pkgerrors.CodeVendorUnavailable, "status request failed")

	_, err := env.svc.Poll(context.Background(), PollInput{UserID: userID, JobID: started.JobID})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeVendorUnavailable))
	assert.Equal(t, enums.CreditEntryStatusReserved, env.entryStatus(t, userID, "req-1"))
}

func TestSweepStaleSettlesAbandonedWork(t *testing.T) {
	env := newTestEnv(t, 10)
	ctx := context.Background()
	userID := uuid.New()

	stuck := env.start(t, userID, "req-stuck")

	_, err := env.ledger.Reserve(ctx, credits.ReserveInput{UserID: userID, RequestID: "req-orphan", Action: "video_generation:standard", Amount: 1})
	require.NoError(t, err)

	done := env.start(t, userID, "req-done")
	require.NoError(t, env.conn.Model(&models.GenerationJob{}).Where("job_id = ?", done.JobID).
		Update("status", enums.GenerationStatusCompleted).Error)

	env.now = env.now.Add(30 * time.Minute)
	fresh := env.start(t, userID, "req-fresh")
	assert.Equal(t, 6, env.balance(t, userID))

	result, err := env.svc.SweepStale(ctx, env.now.Add(-10*time.Minute), 50)
	require.NoError(t, err)
	assert.Equal(t, 1, result.TimedOut)
	assert.Equal(t, 1, result.Refunded)
	assert.Equal(t, 1, result.Committed)

	assert.Equal(t, enums.CreditEntryStatusRefunded, env.entryStatus(t, userID, "req-stuck"))
	assert.Equal(t, enums.CreditEntryStatusRefunded, env.entryStatus(t, userID, "req-orphan"))
	assert.Equal(t, enums.CreditEntryStatusCommitted, env.entryStatus(t, userID, "req-done"))
	assert.Equal(t, enums.CreditEntryStatusReserved, env.entryStatus(t, userID, "req-fresh"))
	assert.Equal(t, 8, env.balance(t, userID))

	var job models.GenerationJob
	require.NoError(t, env.conn.Where("job_id = ?", stuck.JobID).First(&job).Error)
	assert.Equal(t, enums.GenerationStatusFailed, job.Status)
	require.NotNil(t, job.ErrorMessage)
	assert.Equal(t, "timed out", *job.ErrorMessage)

	require.NoError(t, env.conn.Where("job_id = ?", fresh.JobID).First(&job).Error)
	assert.Equal(t, enums.GenerationStatusProcessing, job.Status)

	again, err := env.svc.SweepStale(ctx, env.now.Add(-10*time.Minute), 50)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{}, *again)
}
