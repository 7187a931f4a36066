package storage

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"
)

func TestIsUniqueViolation(t *testing.T) {
	t.Run("should match a wrapped duplicate slug", func(t *testing.T) {
		err := fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23505", ConstraintName: "magazines_slug_key"})

		require.True(t, isUniqueViolation(err, slugConstraint))
	})

	t.Run("should ignore duplicates on other constraints", func(t *testing.T) {
		err := &pgconn.PgError{Code: "23505", ConstraintName: "magazines_pkey"}

		require.False(t, isUniqueViolation(err, slugConstraint))
	})

	t.Run("should ignore other errors", func(t *testing.T) {
		require.False(t, isUniqueViolation(&pgconn.PgError{Code: "23502", ConstraintName: "magazines_slug_key"}, slugConstraint))
		require.False(t, isUniqueViolation(errors.New("connection reset"), slugConstraint))
	})
}
