package controllers

import (
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/stefna/stefna-backend/api/responses"
	"github.com/stefna/stefna-backend/api/validators"
	"github.com/stefna/stefna-backend/internal/credits"
	"github.com/stefna/stefna-backend/pkg/db/models"
	"github.com/stefna/stefna-backend/pkg/enums"
	pkgerrors "github.com/stefna/stefna-backend/pkg/errors"
	"github.com/stefna/stefna-backend/pkg/logger"
	"github.com/stefna/stefna-backend/pkg/pagination"
)

type creditsOverview struct {
	Balance  int                        `json:"balance"`
	DailyCap int                        `json:"daily_cap"`
	Spent24h int                        `json:"spent_24h"`
	Entries  []models.CreditLedgerEntry `json:"entries"`
	Cursor   string                     `json:"cursor"`
}

type reserveCreditsRequest struct {
	UserID    string `json:"user_id" validate:"required,uuid"`
	RequestID string `json:"request_id" validate:"required,max=128"`
	Action    string `json:"action" validate:"required,max=128"`
	Amount    int    `json:"amount" validate:"gt=0"`
}

type reserveCreditsResponse struct {
	OK bool `json:"ok"`
	*credits.ReserveResult
}

type finalizeCreditsRequest struct {
	UserID      string `json:"user_id" validate:"required,uuid"`
	RequestID   string `json:"request_id" validate:"required,max=128"`
	Disposition string `json:"disposition" validate:"required,oneof=commit refund"`
}

type finalizeCreditsResponse struct {
	OK bool `json:"ok"`
	*credits.FinalizeResult
}

type grantCreditsRequest struct {
	UserID    string `json:"user_id" validate:"required,uuid"`
	RequestID string `json:"request_id" validate:"required,max=128"`
	Amount    int    `json:"amount" validate:"gt=0"`
	Action    string `json:"action" validate:"max=128"`
}

// GetCredits returns the caller's balance, rolling spend and ledger history.
func GetCredits(svc credits.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, err := requireUserID(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		limit, err := validators.ParseQueryInt(r, "limit", pagination.DefaultLimit, 1, pagination.MaxLimit)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		balance, err := svc.Balance(r.Context(), userID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		history, err := svc.History(r.Context(), credits.HistoryParams{
			UserID: userID,
			Limit:  limit,
			Cursor: strings.TrimSpace(r.URL.Query().Get("cursor")),
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		responses.WriteSuccess(w, creditsOverview{
			Balance:  balance.Balance,
			DailyCap: balance.DailyCap,
			Spent24h: balance.Spent24h,
			Entries:  history.Entries,
			Cursor:   history.Cursor,
		})
	}
}

// AdminReserveCredits holds credits against a user's balance on behalf of an
// internal caller. Mounted behind the admin role.
func AdminReserveCredits(svc credits.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body reserveCreditsRequest
		if err := validators.DecodeJSONBody(r, &body); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		userID, err := parseTargetUser(body.UserID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		result, err := svc.Reserve(r.Context(), credits.ReserveInput{
			UserID:    userID,
			RequestID: strings.TrimSpace(body.RequestID),
			Action:    strings.TrimSpace(body.Action),
			Amount:    body.Amount,
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, reserveCreditsResponse{OK: true, ReserveResult: result})
	}
}

// AdminFinalizeCredits commits or refunds a user's open reservation.
// Mounted behind the admin role.
func AdminFinalizeCredits(svc credits.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body finalizeCreditsRequest
		if err := validators.DecodeJSONBody(r, &body); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		userID, err := parseTargetUser(body.UserID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		result, err := svc.Finalize(r.Context(), credits.FinalizeInput{
			UserID:      userID,
			RequestID:   strings.TrimSpace(body.RequestID),
			Disposition: enums.CreditDisposition(body.Disposition),
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, finalizeCreditsResponse{OK: true, FinalizeResult: result})
	}
}

// CreditsDailyCap reports whether a spend of cost fits the rolling 24h cap.
func CreditsDailyCap(svc credits.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, err := requireUserID(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		cost, err := validators.ParseQueryInt(r, "cost", 1, 0, 1_000_000)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		status, err := svc.DailyCapStatus(r.Context(), userID, cost)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, status)
	}
}

// AdminGrantCredits credits a user's balance. Mounted behind the admin role.
func AdminGrantCredits(svc credits.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body grantCreditsRequest
		if err := validators.DecodeJSONBody(r, &body); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		userID, err := parseTargetUser(body.UserID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		action := strings.TrimSpace(body.Action)
		if action == "" {
			action = "admin_grant"
		}

		result, err := svc.Grant(r.Context(), credits.GrantInput{
			UserID:    userID,
			RequestID: strings.TrimSpace(body.RequestID),
			Action:    action,
			Amount:    body.Amount,
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccessStatus(w, http.StatusCreated, result)
	}
}

func parseTargetUser(raw string) (uuid.UUID, error) {
	userID, err := uuid.Parse(strings.TrimSpace(raw))
	if err != nil {
		return uuid.Nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid user_id")
	}
	return userID, nil
}
