package credits

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/stefna/stefna-backend/internal/notifications"
	"github.com/stefna/stefna-backend/pkg/config"
	"github.com/stefna/stefna-backend/pkg/db/models"
	"github.com/stefna/stefna-backend/pkg/enums"
	pkgerrors "github.com/stefna/stefna-backend/pkg/errors"
	"github.com/stefna/stefna-backend/pkg/logger"
	"github.com/stefna/stefna-backend/pkg/outbox"
	"github.com/stefna/stefna-backend/pkg/outbox/payloads"
	"github.com/stefna/stefna-backend/pkg/pagination"
)

const (
	maxRequestIDLength = 128
	dailyWindow        = 24 * time.Hour
)

// Service is the credit ledger: every balance change goes through it.
type Service interface {
	Reserve(ctx context.Context, input ReserveInput) (*ReserveResult, error)
	Finalize(ctx context.Context, input FinalizeInput) (*FinalizeResult, error)
	DailyCapCheck(ctx context.Context, userID uuid.UUID, cost int) (bool, error)
	DailyCapStatus(ctx context.Context, userID uuid.UUID, cost int) (*DailyCapStatus, error)
	Balance(ctx context.Context, userID uuid.UUID) (*BalanceResult, error)
	History(ctx context.Context, params HistoryParams) (*HistoryResult, error)
	Grant(ctx context.Context, input GrantInput) (*GrantResult, error)
	ListStaleReservations(ctx context.Context, olderThan time.Time, limit int) ([]models.CreditLedgerEntry, error)
}

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type notifier interface {
	NotifyTx(ctx context.Context, tx *gorm.DB, input notifications.NotifyInput) (*models.Notification, error)
}

type eventEmitter interface {
	Emit(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) error
}

// ServiceParams wires the ledger dependencies.
type ServiceParams struct {
	DB            txRunner
	Repository    Repository
	Notifications notifier
	Outbox        eventEmitter
	Config        config.CreditsConfig
	Logger        *logger.Logger
	Now           func() time.Time
}

type service struct {
	db     txRunner
	repo   Repository
	notify notifier
	outbox eventEmitter
	cfg    config.CreditsConfig
	logg   *logger.Logger
	now    func() time.Time
}

// ReserveInput debits amount from the user's balance pending finalization.
type ReserveInput struct {
	UserID    uuid.UUID
	RequestID string
	Action    string
	Amount    int
}

type ReserveResult struct {
	EntryID    uuid.UUID               `json:"entry_id"`
	Balance    int                     `json:"balance"`
	Status     enums.CreditEntryStatus `json:"status"`
	Idempotent bool                    `json:"idempotent"`
}

type FinalizeInput struct {
	UserID      uuid.UUID
	RequestID   string
	Disposition enums.CreditDisposition
}

// FinalizeResult reports Applied=false when there was no open reservation to resolve.
type FinalizeResult struct {
	Applied bool                    `json:"applied"`
	Status  enums.CreditEntryStatus `json:"status,omitempty"`
	Balance int                     `json:"balance"`
}

type DailyCapStatus struct {
	Allowed  bool `json:"allowed"`
	Cap      int  `json:"cap"`
	Spent24h int  `json:"spent_24h"`
}

type BalanceResult struct {
	Balance  int `json:"balance"`
	DailyCap int `json:"daily_cap"`
	Spent24h int `json:"spent_24h"`
}

type HistoryParams struct {
	UserID uuid.UUID
	Limit  int
	Cursor string
}

type HistoryResult struct {
	Entries []models.CreditLedgerEntry `json:"entries"`
	Cursor  string                     `json:"cursor"`
}

type GrantInput struct {
	UserID    uuid.UUID
	RequestID string
	Action    string
	Amount    int
}

type GrantResult struct {
	EntryID    uuid.UUID `json:"entry_id"`
	Balance    int       `json:"balance"`
	Idempotent bool      `json:"idempotent"`
}

// NewService builds the credit ledger service.
func NewService(params ServiceParams) (Service, error) {
	if params.DB == nil {
		return nil, fmt.Errorf("db runner required")
	}
	if params.Repository == nil {
		return nil, fmt.Errorf("credits repository required")
	}
	if params.Notifications == nil {
		return nil, fmt.Errorf("notifications service required")
	}
	if params.Outbox == nil {
		return nil, fmt.Errorf("outbox service required")
	}
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	now := params.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &service{
		db:     params.DB,
		repo:   params.Repository,
		notify: params.Notifications,
		outbox: params.Outbox,
		cfg:    params.Config,
		logg:   params.Logger,
		now:    now,
	}, nil
}

func (s *service) Reserve(ctx context.Context, input ReserveInput) (*ReserveResult, error) {
	requestID, err := validateMovement(input.UserID, input.RequestID, input.Action, input.Amount)
	if err != nil {
		return nil, err
	}

	var result ReserveResult
	err = s.db.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		now := s.now()

		account, err := repo.EnsureAccount(ctx, input.UserID, s.cfg.StartingBalance, now)
		if err != nil {
			return err
		}

		existing, err := repo.FindEntry(ctx, input.UserID, requestID)
		if err != nil {
			return err
		}
		if existing != nil {
			if err := matchesReplay(existing, input.Action, -input.Amount); err != nil {
				return err
			}
			result = ReserveResult{
				EntryID:    existing.ID,
				Balance:    account.Balance,
				Status:     existing.Status,
				Idempotent: true,
			}
			return nil
		}

		if account.Balance-input.Amount < 0 {
			return pkgerrors.New(pkgerrors.CodeInsufficientCredits, "insufficient credits").WithDetails(map[string]any{
				"balance":  account.Balance,
				"required": input.Amount,
			})
		}

		if s.cfg.DailyCap > 0 {
			spent, err := repo.SpentSince(ctx, input.UserID, now.Add(-dailyWindow))
			if err != nil {
				return err
			}
			if spent+input.Amount > s.cfg.DailyCap {
				return pkgerrors.New(pkgerrors.CodeDailyCapExceeded, "daily credit cap exceeded").WithDetails(map[string]any{
					"cap":       s.cfg.DailyCap,
					"spent_24h": spent,
					"requested": input.Amount,
				})
			}
		}

		entry := &models.CreditLedgerEntry{
			UserID:    input.UserID,
			RequestID: requestID,
			Action:    strings.TrimSpace(input.Action),
			Amount:    -input.Amount,
			Status:    enums.CreditEntryStatusReserved,
			CreatedAt: now,
		}
		if err := repo.CreateEntry(ctx, entry); err != nil {
			return err
		}
		if err := repo.AdjustBalance(ctx, input.UserID, -input.Amount, now); err != nil {
			return err
		}

		result = ReserveResult{
			EntryID: entry.ID,
			Balance: account.Balance - input.Amount,
			Status:  entry.Status,
		}
		return nil
	})
	if err != nil {
		return nil, asDependency(err, "reserve credits")
	}

	logCtx := s.logg.WithFields(ctx, map[string]any{
		"user_id":    input.UserID.String(),
		"request_id": requestID,
		"amount":     input.Amount,
		"idempotent": result.Idempotent,
	})
	s.logg.Info(logCtx, "credits.reserved")
	return &result, nil
}

func (s *service) Finalize(ctx context.Context, input FinalizeInput) (*FinalizeResult, error) {
	if input.UserID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "user id required")
	}
	requestID := strings.TrimSpace(input.RequestID)
	if requestID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "request id required")
	}
	if !input.Disposition.IsValid() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "disposition must be commit or refund")
	}

	var result FinalizeResult
	err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		now := s.now()

		account, err := repo.LockAccount(ctx, input.UserID)
		if err != nil {
			return err
		}
		if account == nil {
			return nil
		}
		result.Balance = account.Balance

		entry, err := repo.FindEntry(ctx, input.UserID, requestID)
		if err != nil {
			return err
		}
		if entry == nil {
			return nil
		}
		result.Status = entry.Status
		if entry.Status != enums.CreditEntryStatusReserved {
			return nil
		}

		target := input.Disposition.TargetStatus()
		moved, err := repo.TransitionEntry(ctx, entry.ID, enums.CreditEntryStatusReserved, target, now)
		if err != nil {
			return err
		}
		if !moved {
			return nil
		}
		result.Applied = true
		result.Status = target

		if input.Disposition != enums.CreditDispositionRefund {
			return nil
		}

		refund := -entry.Amount
		if err := repo.AdjustBalance(ctx, input.UserID, refund, now); err != nil {
			return err
		}
		result.Balance = account.Balance + refund

		if _, err := s.notify.NotifyTx(ctx, tx, notifications.NotifyInput{
			UserID:  input.UserID,
			Type:    enums.NotificationTypeCreditsRefunded,
			Title:   "Credits refunded",
			Message: fmt.Sprintf("%d credit(s) were returned to your balance.", refund),
		}); err != nil {
			return err
		}
		return s.outbox.Emit(ctx, tx, outbox.DomainEvent{
			EventType:     enums.EventCreditsRefunded,
			AggregateType: enums.AggregateCreditEntry,
			AggregateID:   entry.ID,
			Actor:         &outbox.ActorRef{UserID: input.UserID},
			Data: payloads.CreditsRefundedEvent{
				EntryID:   entry.ID,
				UserID:    input.UserID,
				RequestID: requestID,
				Action:    entry.Action,
				Amount:    refund,
			},
			Version:    1,
			OccurredAt: now,
		})
	})
	if err != nil {
		return nil, asDependency(err, "finalize credits")
	}

	logCtx := s.logg.WithFields(ctx, map[string]any{
		"user_id":     input.UserID.String(),
		"request_id":  requestID,
		"disposition": input.Disposition.String(),
		"applied":     result.Applied,
	})
	s.logg.Info(logCtx, "credits.finalized")
	return &result, nil
}

func (s *service) DailyCapCheck(ctx context.Context, userID uuid.UUID, cost int) (bool, error) {
	status, err := s.DailyCapStatus(ctx, userID, cost)
	if err != nil {
		return false, err
	}
	return status.Allowed, nil
}

// DailyCapStatus is read-only: it never provisions an account.
func (s *service) DailyCapStatus(ctx context.Context, userID uuid.UUID, cost int) (*DailyCapStatus, error) {
	if userID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "user id required")
	}
	if cost < 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "cost must not be negative")
	}

	spent, err := s.repo.SpentSince(ctx, userID, s.now().Add(-dailyWindow))
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "read daily spend")
	}
	return &DailyCapStatus{
		Allowed:  s.cfg.DailyCap == 0 || spent+cost <= s.cfg.DailyCap,
		Cap:      s.cfg.DailyCap,
		Spent24h: spent,
	}, nil
}

func (s *service) Balance(ctx context.Context, userID uuid.UUID) (*BalanceResult, error) {
	if userID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "user id required")
	}

	var result BalanceResult
	err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		now := s.now()
		account, err := repo.EnsureAccount(ctx, userID, s.cfg.StartingBalance, now)
		if err != nil {
			return err
		}
		spent, err := repo.SpentSince(ctx, userID, now.Add(-dailyWindow))
		if err != nil {
			return err
		}
		result = BalanceResult{Balance: account.Balance, DailyCap: s.cfg.DailyCap, Spent24h: spent}
		return nil
	})
	if err != nil {
		return nil, asDependency(err, "load balance")
	}
	return &result, nil
}

func (s *service) History(ctx context.Context, params HistoryParams) (*HistoryResult, error) {
	if params.UserID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "user id required")
	}
	query := listEntriesParams{UserID: params.UserID, Limit: params.Limit}
	if params.Cursor != "" {
		cursor, err := pagination.ParseCursor(params.Cursor)
		if err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid cursor")
		}
		query.Cursor = cursor
	}

	rows, err := s.repo.ListEntries(ctx, query)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list ledger entries")
	}
	entries, cursor := pagination.Page(rows, params.Limit, func(e models.CreditLedgerEntry) pagination.Cursor {
		return pagination.Cursor{CreatedAt: e.CreatedAt, ID: e.ID}
	})
	if entries == nil {
		entries = []models.CreditLedgerEntry{}
	}
	return &HistoryResult{Entries: entries, Cursor: cursor}, nil
}

func (s *service) Grant(ctx context.Context, input GrantInput) (*GrantResult, error) {
	requestID, err := validateMovement(input.UserID, input.RequestID, input.Action, input.Amount)
	if err != nil {
		return nil, err
	}

	var result GrantResult
	err = s.db.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		now := s.now()

		account, err := repo.EnsureAccount(ctx, input.UserID, s.cfg.StartingBalance, now)
		if err != nil {
			return err
		}
		existing, err := repo.FindEntry(ctx, input.UserID, requestID)
		if err != nil {
			return err
		}
		if existing != nil {
			if err := matchesReplay(existing, input.Action, input.Amount); err != nil {
				return err
			}
			result = GrantResult{EntryID: existing.ID, Balance: account.Balance, Idempotent: true}
			return nil
		}

		entry := &models.CreditLedgerEntry{
			UserID:      input.UserID,
			RequestID:   requestID,
			Action:      strings.TrimSpace(input.Action),
			Amount:      input.Amount,
			Status:      enums.CreditEntryStatusCommitted,
			CreatedAt:   now,
			FinalizedAt: &now,
		}
		if err := repo.CreateEntry(ctx, entry); err != nil {
			return err
		}
		if err := repo.AdjustBalance(ctx, input.UserID, input.Amount, now); err != nil {
			return err
		}
		if _, err := s.notify.NotifyTx(ctx, tx, notifications.NotifyInput{
			UserID:  input.UserID,
			Type:    enums.NotificationTypeCreditsGranted,
			Title:   "Credits added",
			Message: fmt.Sprintf("%d credit(s) were added to your balance.", input.Amount),
		}); err != nil {
			return err
		}
		result = GrantResult{EntryID: entry.ID, Balance: account.Balance + input.Amount}
		return nil
	})
	if err != nil {
		return nil, asDependency(err, "grant credits")
	}
	return &result, nil
}

func (s *service) ListStaleReservations(ctx context.Context, olderThan time.Time, limit int) ([]models.CreditLedgerEntry, error) {
	if limit <= 0 {
		limit = pagination.MaxLimit
	}
	rows, err := s.repo.ListStaleReservations(ctx, olderThan, limit)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list stale reservations")
	}
	return rows, nil
}

func validateMovement(userID uuid.UUID, requestID, action string, amount int) (string, error) {
	if userID == uuid.Nil {
		return "", pkgerrors.New(pkgerrors.CodeValidation, "user id required")
	}
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return "", pkgerrors.New(pkgerrors.CodeValidation, "request id required")
	}
	if len(requestID) > maxRequestIDLength {
		return "", pkgerrors.New(pkgerrors.CodeValidation, "request id too long")
	}
	if strings.TrimSpace(action) == "" {
		return "", pkgerrors.New(pkgerrors.CodeValidation, "action required")
	}
	if amount <= 0 {
		return "", pkgerrors.New(pkgerrors.CodeValidation, "amount must be positive")
	}
	return requestID, nil
}

// matchesReplay rejects a request id reused for a different movement.
func matchesReplay(existing *models.CreditLedgerEntry, action string, amount int) error {
	if existing.Action == strings.TrimSpace(action) && existing.Amount == amount {
		return nil
	}
	return pkgerrors.New(pkgerrors.CodeIdempotency, "request id already used for a different ledger movement").
		WithDetails(map[string]any{
			"request_id": existing.RequestID,
			"action":     existing.Action,
			"amount":     existing.Amount,
		})
}

// asDependency keeps typed domain errors and classifies everything else as a
// retryable storage failure.
func asDependency(err error, msg string) error {
	if typed := pkgerrors.As(err); typed != nil {
		return typed
	}
	return pkgerrors.Wrap(pkgerrors.CodeDependency, err, msg)
}
