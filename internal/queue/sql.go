package queue

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
)

func sqlxIn(query string, names []string) (string, []any, error) {
	expanded, args, err := sqlx.In(query, names)
	if err != nil {
		return "", nil, fmt.Errorf("failed to expand queue list: %w", err)
	}
	return expanded, args, nil
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
