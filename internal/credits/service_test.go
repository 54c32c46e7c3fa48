package credits

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/stefna/stefna-backend/internal/notifications"
	"github.com/stefna/stefna-backend/pkg/config"
	"github.com/stefna/stefna-backend/pkg/db"
	"github.com/stefna/stefna-backend/pkg/db/dbtest"
	"github.com/stefna/stefna-backend/pkg/db/models"
	"github.com/stefna/stefna-backend/pkg/enums"
	pkgerrors "github.com/stefna/stefna-backend/pkg/errors"
	"github.com/stefna/stefna-backend/pkg/logger"
	"github.com/stefna/stefna-backend/pkg/outbox"
	"github.com/stefna/stefna-backend/pkg/outbox/payloads"
)

type testEnv struct {
	svc  Service
	conn *gorm.DB
	now  time.Time
}

func newTestEnv(t *testing.T, cfg config.CreditsConfig) *testEnv {
	t.Helper()
	conn := dbtest.Open(t)
	notify, err := notifications.NewService(notifications.NewRepository(conn))
	require.NoError(t, err)

	env := &testEnv{conn: conn, now: time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)}
	svc, err := NewService(ServiceParams{
		DB:            db.FromConn(conn),
		Repository:    NewRepository(conn),
		Notifications: notify,
		Outbox:        outbox.NewService(outbox.NewRepository(conn), nil),
		Config:        cfg,
		Logger:        logger.New(logger.Options{ServiceName: "credits-test", Output: io.Discard}),
		Now:           func() time.Time { return env.now },
	})
	require.NoError(t, err)
	env.svc = svc
	return env
}

func defaultCreditsConfig() config.CreditsConfig {
	return config.CreditsConfig{StartingBalance: 10, CostStandard: 1, CostPro: 2}
}

func (e *testEnv) reserve(t *testing.T, userID uuid.UUID, requestID string, amount int) *ReserveResult {
	t.Helper()
	res, err := e.svc.Reserve(context.Background(), ReserveInput{
		UserID:    userID,
		RequestID: requestID,
		Action:    "video_generation:standard",
		Amount:    amount,
	})
	require.NoError(t, err)
	return res
}

func (e *testEnv) finalize(t *testing.T, userID uuid.UUID, requestID string, disposition enums.CreditDisposition) *FinalizeResult {
	t.Helper()
	res, err := e.svc.Finalize(context.Background(), FinalizeInput{
		UserID:      userID,
		RequestID:   requestID,
		Disposition: disposition,
	})
	require.NoError(t, err)
	return res
}

func (e *testEnv) balance(t *testing.T, userID uuid.UUID) int {
	t.Helper()
	var account models.UserCredits
	require.NoError(t, e.conn.Where("user_id = ?", userID).First(&account).Error)
	return account.Balance
}

func (e *testEnv) ledgerSum(t *testing.T, userID uuid.UUID) int {
	t.Helper()
	var sum int
	require.NoError(t, e.conn.Model(&models.CreditLedgerEntry{}).
		Select("COALESCE(SUM(amount), 0)").
		Where("user_id = ? AND status <> ?", userID, enums.CreditEntryStatusRefunded).
		Scan(&sum).Error)
	return sum
}

func TestReserveProvisionsAccountAndDebits(t *testing.T) {
	env := newTestEnv(t, defaultCreditsConfig())
	userID := uuid.New()

	res := env.reserve(t, userID, "req-1", 3)
	assert.Equal(t, 7, res.Balance)
	assert.Equal(t, enums.CreditEntryStatusReserved, res.Status)
	assert.False(t, res.Idempotent)
	assert.NotEqual(t, uuid.Nil, res.EntryID)

	assert.Equal(t, 7, env.balance(t, userID))
	assert.Equal(t, 7, env.ledgerSum(t, userID))
}

func TestBalanceMatchesInitialMinusCommitted(t *testing.T) {
	env := newTestEnv(t, defaultCreditsConfig())
	userID := uuid.New()

	steps := []struct {
		requestID   string
		amount      int
		disposition enums.CreditDisposition
	}{
		{"req-a", 2, enums.CreditDispositionCommit},
		{"req-b", 3, enums.CreditDispositionRefund},
		{"req-c", 1, enums.CreditDispositionCommit},
		{"req-d", 4, enums.CreditDispositionRefund},
		{"req-e", 2, enums.CreditDispositionCommit},
	}
	committed := 0
	for _, step := range steps {
		env.reserve(t, userID, step.requestID, step.amount)
		env.finalize(t, userID, step.requestID, step.disposition)
		if step.disposition == enums.CreditDispositionCommit {
			committed += step.amount
		}
	}

	assert.Equal(t, 10-committed, env.balance(t, userID))
	assert.Equal(t, env.balance(t, userID), env.ledgerSum(t, userID))
}

func TestReserveSameRequestIsIdempotent(t *testing.T) {
	env := newTestEnv(t, defaultCreditsConfig())
	userID := uuid.New()

	first := env.reserve(t, userID, "req-1", 2)
	second := env.reserve(t, userID, "req-1", 2)

	assert.True(t, second.Idempotent)
	assert.Equal(t, first.EntryID, second.EntryID)
	assert.Equal(t, 8, second.Balance)
	assert.Equal(t, 8, env.balance(t, userID))

	var reserved int64
	require.NoError(t, env.conn.Model(&models.CreditLedgerEntry{}).
		Where("user_id = ? AND status = ?", userID, enums.CreditEntryStatusReserved).
		Count(&reserved).Error)
	assert.Equal(t, int64(1), reserved)
}

func TestReserveReplayWithDifferentMovementIsRejected(t *testing.T) {
	env := newTestEnv(t, defaultCreditsConfig())
	userID := uuid.New()
	env.reserve(t, userID, "req-1", 1)

	cases := []struct {
		name   string
		action string
		amount int
	}{
		{"larger amount", "video_generation:standard", 2},
		{"other action", "video_generation:pro", 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := env.svc.Reserve(context.Background(), ReserveInput{
				UserID: userID, RequestID: "req-1", Action: tc.action, Amount: tc.amount,
			})
			require.Error(t, err)
			assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeIdempotency))
		})
	}
	assert.Equal(t, 9, env.balance(t, userID))
}

func TestReserveCannotReuseGrantRequestID(t *testing.T) {
	env := newTestEnv(t, defaultCreditsConfig())
	userID := uuid.New()
	env.reserve(t, userID, "req-1", 1)

	_, err := env.svc.Reserve(context.Background(), ReserveInput{
		UserID: userID, RequestID: initialGrantRequestID, Action: "video_generation:standard", Amount: 1,
	})
	require.Error(t, err)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeIdempotency))
	assert.Equal(t, 9, env.balance(t, userID))
	assert.Equal(t, 9, env.ledgerSum(t, userID))
}

func TestGrantReplayWithDifferentAmountIsRejected(t *testing.T) {
	env := newTestEnv(t, defaultCreditsConfig())
	userID := uuid.New()

	_, err := env.svc.Grant(context.Background(), GrantInput{UserID: userID, RequestID: "grant-1", Action: "referral", Amount: 5})
	require.NoError(t, err)
	_, err = env.svc.Grant(context.Background(), GrantInput{UserID: userID, RequestID: "grant-1", Action: "referral", Amount: 50})
	require.Error(t, err)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeIdempotency))
	assert.Equal(t, 15, env.balance(t, userID))
}

func TestFinalizeTwiceLeavesBalanceUnchanged(t *testing.T) {
	for _, disposition := range []enums.CreditDisposition{enums.CreditDispositionCommit, enums.CreditDispositionRefund} {
		t.Run(disposition.String(), func(t *testing.T) {
			env := newTestEnv(t, defaultCreditsConfig())
			userID := uuid.New()
			env.reserve(t, userID, "req-1", 4)

			first := env.finalize(t, userID, "req-1", disposition)
			require.True(t, first.Applied)
			after := env.balance(t, userID)

			second := env.finalize(t, userID, "req-1", disposition)
			assert.False(t, second.Applied)
			assert.Equal(t, disposition.TargetStatus(), second.Status)
			assert.Equal(t, after, env.balance(t, userID))
		})
	}
}

func TestFinalizeRefundRestoresBalanceAndNotifies(t *testing.T) {
	env := newTestEnv(t, defaultCreditsConfig())
	userID := uuid.New()
	env.reserve(t, userID, "req-1", 4)

	res := env.finalize(t, userID, "req-1", enums.CreditDispositionRefund)
	assert.True(t, res.Applied)
	assert.Equal(t, enums.CreditEntryStatusRefunded, res.Status)
	assert.Equal(t, 10, res.Balance)
	assert.Equal(t, 10, env.balance(t, userID))

	var notes []models.Notification
	require.NoError(t, env.conn.Where("user_id = ?", userID).Find(&notes).Error)
	require.Len(t, notes, 1)
	assert.Equal(t, enums.NotificationTypeCreditsRefunded, notes[0].Type)

	var events []models.OutboxEvent
	require.NoError(t, env.conn.Find(&events).Error)
	require.Len(t, events, 1)
	assert.Equal(t, enums.EventCreditsRefunded, events[0].EventType)

	var envelope outbox.PayloadEnvelope
	require.NoError(t, json.Unmarshal(events[0].Payload, &envelope))
	var payload payloads.CreditsRefundedEvent
	require.NoError(t, json.Unmarshal(envelope.Data, &payload))
	assert.Equal(t, 4, payload.Amount)
	assert.Equal(t, "req-1", payload.RequestID)
}

func TestFinalizeCommitDoesNotNotify(t *testing.T) {
	env := newTestEnv(t, defaultCreditsConfig())
	userID := uuid.New()
	env.reserve(t, userID, "req-1", 1)
	env.finalize(t, userID, "req-1", enums.CreditDispositionCommit)

	var count int64
	require.NoError(t, env.conn.Model(&models.Notification{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestFinalizeUnknownReservationIsNoop(t *testing.T) {
	env := newTestEnv(t, defaultCreditsConfig())
	userID := uuid.New()

	res := env.finalize(t, userID, "never-reserved", enums.CreditDispositionRefund)
	assert.False(t, res.Applied)

	var count int64
	require.NoError(t, env.conn.Model(&models.UserCredits{}).Count(&count).Error)
	assert.Zero(t, count, "finalize must not provision accounts")

	env.reserve(t, userID, "req-1", 1)
	res = env.finalize(t, userID, "other", enums.CreditDispositionCommit)
	assert.False(t, res.Applied)
	assert.Equal(t, 9, res.Balance)
}

func TestReserveInsufficientCreditsLeavesBalance(t *testing.T) {
	env := newTestEnv(t, defaultCreditsConfig())
	userID := uuid.New()
	env.reserve(t, userID, "req-1", 8)

	_, err := env.svc.Reserve(context.Background(), ReserveInput{
		UserID:    userID,
		RequestID: "req-2",
		Action:    "video_generation:pro",
		Amount:    3,
	})
	require.Error(t, err)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeInsufficientCredits))
	typed := pkgerrors.As(err)
	require.NotNil(t, typed)
	assert.Equal(t, map[string]any{"balance": 2, "required": 3}, typed.Details())

	assert.Equal(t, 2, env.balance(t, userID))
	missing, err := NewRepository(env.conn).FindEntry(context.Background(), userID, "req-2")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestReserveEnforcesDailyCap(t *testing.T) {
	cfg := defaultCreditsConfig()
	cfg.StartingBalance = 50
	cfg.DailyCap = 5
	env := newTestEnv(t, cfg)
	userID := uuid.New()

	env.reserve(t, userID, "req-1", 3)
	env.finalize(t, userID, "req-1", enums.CreditDispositionCommit)
	env.reserve(t, userID, "req-2", 2)

	_, err := env.svc.Reserve(context.Background(), ReserveInput{
		UserID: userID, RequestID: "req-3", Action: "video_generation:standard", Amount: 1,
	})
	require.Error(t, err)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeDailyCapExceeded))
	assert.Equal(t, 45, env.balance(t, userID))

	allowed, err := env.svc.DailyCapCheck(context.Background(), userID, 1)
	require.NoError(t, err)
	assert.False(t, allowed)

	// refunded spend no longer counts against the cap
	env.finalize(t, userID, "req-2", enums.CreditDispositionRefund)
	status, err := env.svc.DailyCapStatus(context.Background(), userID, 2)
	require.NoError(t, err)
	assert.True(t, status.Allowed)
	assert.Equal(t, 3, status.Spent24h)

	// the window rolls after 24h
	env.now = env.now.Add(25 * time.Hour)
	status, err = env.svc.DailyCapStatus(context.Background(), userID, 5)
	require.NoError(t, err)
	assert.True(t, status.Allowed)
	assert.Zero(t, status.Spent24h)
}

func TestDailyCapDisabledAlwaysAllows(t *testing.T) {
	env := newTestEnv(t, defaultCreditsConfig())
	allowed, err := env.svc.DailyCapCheck(context.Background(), uuid.New(), 1000)
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestReserveValidation(t *testing.T) {
	env := newTestEnv(t, defaultCreditsConfig())
	long := fmt.Sprintf("%0129d", 0)
	cases := []ReserveInput{
		{UserID: uuid.Nil, RequestID: "r", Action: "a", Amount: 1},
		{UserID: uuid.New(), RequestID: "  ", Action: "a", Amount: 1},
		{UserID: uuid.New(), RequestID: long, Action: "a", Amount: 1},
		{UserID: uuid.New(), RequestID: "r", Action: "", Amount: 1},
		{UserID: uuid.New(), RequestID: "r", Action: "a", Amount: 0},
	}
	for _, input := range cases {
		_, err := env.svc.Reserve(context.Background(), input)
		require.Error(t, err)
		assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation), "input %+v", input)
	}

	_, err := env.svc.Finalize(context.Background(), FinalizeInput{UserID: uuid.New(), RequestID: "r", Disposition: "keep"})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))
}

func TestGrantIsIdempotent(t *testing.T) {
	env := newTestEnv(t, defaultCreditsConfig())
	userID := uuid.New()

	first, err := env.svc.Grant(context.Background(), GrantInput{UserID: userID, RequestID: "grant-1", Action: "referral", Amount: 5})
	require.NoError(t, err)
	assert.Equal(t, 15, first.Balance)

	second, err := env.svc.Grant(context.Background(), GrantInput{UserID: userID, RequestID: "grant-1", Action: "referral", Amount: 5})
	require.NoError(t, err)
	assert.True(t, second.Idempotent)
	assert.Equal(t, first.EntryID, second.EntryID)
	assert.Equal(t, 15, env.balance(t, userID))
	assert.Equal(t, 15, env.ledgerSum(t, userID))

	var notes []models.Notification
	require.NoError(t, env.conn.Where("user_id = ?", userID).Find(&notes).Error)
	require.Len(t, notes, 1)
	assert.Equal(t, enums.NotificationTypeCreditsGranted, notes[0].Type)
}

func TestBalanceAndHistory(t *testing.T) {
	env := newTestEnv(t, defaultCreditsConfig())
	userID := uuid.New()

	bal, err := env.svc.Balance(context.Background(), userID)
	require.NoError(t, err)
	assert.Equal(t, 10, bal.Balance)

	for i := 0; i < 3; i++ {
		env.now = env.now.Add(time.Minute)
		env.reserve(t, userID, fmt.Sprintf("req-%d", i), 1)
	}

	page, err := env.svc.History(context.Background(), HistoryParams{UserID: userID, Limit: 2})
	require.NoError(t, err)
	require.Len(t, page.Entries, 2)
	assert.Equal(t, "req-2", page.Entries[0].RequestID)
	assert.Equal(t, "req-1", page.Entries[1].RequestID)
	require.NotEmpty(t, page.Cursor)

	next, err := env.svc.History(context.Background(), HistoryParams{UserID: userID, Limit: 2, Cursor: page.Cursor})
	require.NoError(t, err)
	require.Len(t, next.Entries, 2)
	assert.Equal(t, "req-0", next.Entries[0].RequestID)
	assert.Equal(t, initialGrantRequestID, next.Entries[1].RequestID)
	assert.Empty(t, next.Cursor)

	_, err = env.svc.History(context.Background(), HistoryParams{UserID: userID, Cursor: "%%%"})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))
}

func TestListStaleReservations(t *testing.T) {
	env := newTestEnv(t, defaultCreditsConfig())
	userID := uuid.New()

	env.reserve(t, userID, "old", 1)
	env.reserve(t, userID, "old-committed", 1)
	env.finalize(t, userID, "old-committed", enums.CreditDispositionCommit)
	env.now = env.now.Add(3 * time.Hour)
	env.reserve(t, userID, "fresh", 1)

	stale, err := env.svc.ListStaleReservations(context.Background(), env.now.Add(-2*time.Hour), 0)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "old", stale[0].RequestID)
}
