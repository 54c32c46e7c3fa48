package credits

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/stefna/stefna-backend/pkg/db/models"
	"github.com/stefna/stefna-backend/pkg/enums"
	"github.com/stefna/stefna-backend/pkg/pagination"
)

const (
	initialGrantRequestID = "initial-grant"
	initialGrantAction    = "signup_bonus"
)

// Repository manages persistence for balances and ledger entries.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	EnsureAccount(ctx context.Context, userID uuid.UUID, startingBalance int, now time.Time) (*models.UserCredits, error)
	LockAccount(ctx context.Context, userID uuid.UUID) (*models.UserCredits, error)
	GetAccount(ctx context.Context, userID uuid.UUID) (*models.UserCredits, error)
	AdjustBalance(ctx context.Context, userID uuid.UUID, delta int, now time.Time) error
	FindEntry(ctx context.Context, userID uuid.UUID, requestID string) (*models.CreditLedgerEntry, error)
	CreateEntry(ctx context.Context, entry *models.CreditLedgerEntry) error
	TransitionEntry(ctx context.Context, entryID uuid.UUID, from, to enums.CreditEntryStatus, now time.Time) (bool, error)
	SpentSince(ctx context.Context, userID uuid.UUID, since time.Time) (int, error)
	ListEntries(ctx context.Context, params listEntriesParams) ([]models.CreditLedgerEntry, error)
	ListStaleReservations(ctx context.Context, olderThan time.Time, limit int) ([]models.CreditLedgerEntry, error)
}

type listEntriesParams struct {
	UserID uuid.UUID
	Limit  int
	Cursor *pagination.Cursor
}

type repository struct {
	db *gorm.DB
}

// NewRepository returns a credits repository bound to the provided database.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

// EnsureAccount provisions the balance row on first use and returns it locked
// for the rest of the transaction. Provisioning also writes the matching
// grant entry so the balance always equals the sum of live ledger amounts.
func (r *repository) EnsureAccount(ctx context.Context, userID uuid.UUID, startingBalance int, now time.Time) (*models.UserCredits, error) {
	account := models.UserCredits{
		UserID:    userID,
		Balance:   startingBalance,
		CreatedAt: now,
		UpdatedAt: now,
	}
	created := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "user_id"}}, DoNothing: true}).
		Create(&account)
	if created.Error != nil {
		return nil, created.Error
	}
	if created.RowsAffected == 1 && startingBalance > 0 {
		grant := &models.CreditLedgerEntry{
			UserID:      userID,
			RequestID:   initialGrantRequestID,
			Action:      initialGrantAction,
			Amount:      startingBalance,
			Status:      enums.CreditEntryStatusCommitted,
			CreatedAt:   now,
			FinalizedAt: &now,
		}
		if err := r.CreateEntry(ctx, grant); err != nil {
			return nil, err
		}
	}

	locked, err := r.LockAccount(ctx, userID)
	if err != nil {
		return nil, err
	}
	if locked == nil {
		return nil, gorm.ErrRecordNotFound
	}
	return locked, nil
}

// LockAccount selects the balance row FOR UPDATE, or returns nil when the user has none.
func (r *repository) LockAccount(ctx context.Context, userID uuid.UUID) (*models.UserCredits, error) {
	var locked models.UserCredits
	err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ?", userID).
		First(&locked).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &locked, nil
}

func (r *repository) GetAccount(ctx context.Context, userID uuid.UUID) (*models.UserCredits, error) {
	var account models.UserCredits
	err := r.db.WithContext(ctx).Where("user_id = ?", userID).First(&account).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &account, nil
}

func (r *repository) AdjustBalance(ctx context.Context, userID uuid.UUID, delta int, now time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&models.UserCredits{}).
		Where("user_id = ?", userID).
		Updates(map[string]any{
			"balance":    gorm.Expr("balance + ?", delta),
			"updated_at": now,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

func (r *repository) FindEntry(ctx context.Context, userID uuid.UUID, requestID string) (*models.CreditLedgerEntry, error) {
	var entry models.CreditLedgerEntry
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND request_id = ?", userID, requestID).
		First(&entry).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &entry, nil
}

func (r *repository) CreateEntry(ctx context.Context, entry *models.CreditLedgerEntry) error {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	return r.db.WithContext(ctx).Create(entry).Error
}

// TransitionEntry moves an entry between statuses only if it is still in from.
func (r *repository) TransitionEntry(ctx context.Context, entryID uuid.UUID, from, to enums.CreditEntryStatus, now time.Time) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&models.CreditLedgerEntry{}).
		Where("id = ? AND status = ?", entryID, from).
		Updates(map[string]any{
			"status":       to,
			"finalized_at": now,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// SpentSince sums debits that still count against the user (reserved or committed).
func (r *repository) SpentSince(ctx context.Context, userID uuid.UUID, since time.Time) (int, error) {
	var spent int64
	err := r.db.WithContext(ctx).
		Model(&models.CreditLedgerEntry{}).
		Select("COALESCE(-SUM(amount), 0)").
		Where("user_id = ? AND amount < 0 AND created_at >= ?", userID, since).
		Where("status IN ?", []enums.CreditEntryStatus{enums.CreditEntryStatusReserved, enums.CreditEntryStatusCommitted}).
		Scan(&spent).Error
	if err != nil {
		return 0, err
	}
	return int(spent), nil
}

func (r *repository) ListEntries(ctx context.Context, params listEntriesParams) ([]models.CreditLedgerEntry, error) {
	query := r.db.WithContext(ctx).Model(&models.CreditLedgerEntry{}).Where("user_id = ?", params.UserID)
	if params.Cursor != nil {
		query = query.Where("(created_at, id) < (?, ?)", params.Cursor.CreatedAt, params.Cursor.ID)
	}
	var entries []models.CreditLedgerEntry
	if err := query.Order("created_at DESC, id DESC").Limit(pagination.LimitWithBuffer(params.Limit)).Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}

func (r *repository) ListStaleReservations(ctx context.Context, olderThan time.Time, limit int) ([]models.CreditLedgerEntry, error) {
	var entries []models.CreditLedgerEntry
	err := r.db.WithContext(ctx).
		Where("status = ? AND created_at < ?", enums.CreditEntryStatusReserved, olderThan).
		Order("created_at ASC").
		Limit(limit).
		Find(&entries).Error
	return entries, err
}
