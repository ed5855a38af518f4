package repository

import (
	"database/sql"
	"errors"
)

// HandleNotFound turns sql.ErrNoRows from a single-row Get into a nil result,
// so Find* methods report a missing row as (nil, nil).
func HandleNotFound[T any](row *T, err error) (*T, error) {
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, nil
	case err != nil:
		return nil, err
	default:
		return row, nil
	}
}
