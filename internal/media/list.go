package media

import (
	"context"

	"github.com/google/uuid"

	"github.com/stefna/stefna-backend/pkg/db/models"
	pkgerrors "github.com/stefna/stefna-backend/pkg/errors"
	"github.com/stefna/stefna-backend/pkg/pagination"
)

// ListParams configures media listing pagination.
type ListParams struct {
	UserID uuid.UUID
	Limit  int
	Cursor string
}

// ListResult returns paginated media assets.
type ListResult struct {
	Items  []models.MediaAsset `json:"items"`
	Cursor string              `json:"cursor"`
}

func (s *service) List(ctx context.Context, params ListParams) (*ListResult, error) {
	if params.UserID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "user id required")
	}

	query := listQuery{userID: params.UserID, limit: params.Limit}
	if params.Cursor != "" {
		cursor, err := pagination.ParseCursor(params.Cursor)
		if err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid cursor")
		}
		query.cursor = cursor
	}

	rows, err := s.repo.List(ctx, query)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list media")
	}

	items, cursor := pagination.Page(rows, params.Limit, func(m models.MediaAsset) pagination.Cursor {
		return pagination.Cursor{CreatedAt: m.CreatedAt, ID: m.ID}
	})
	if items == nil {
		items = []models.MediaAsset{}
	}
	return &ListResult{Items: items, Cursor: cursor}, nil
}
