package storage_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"flipbook/internal/storage"
)

func TestMakeSlug(t *testing.T) {
	taken := map[string]bool{"spring-issue": true, "spring-issue-2": true}
	lookup := func(s string) (bool, error) { return taken[s], nil }

	t.Run("should derive from title", func(t *testing.T) {
		got, err := storage.MakeSlug("Autumn Issue 2024", lookup)
		require.NoError(t, err)
		require.Equal(t, "autumn-issue-2024", got)
	})

	t.Run("should suffix on collision", func(t *testing.T) {
		got, err := storage.MakeSlug("Spring Issue", lookup)
		require.NoError(t, err)
		require.Equal(t, "spring-issue-3", got)
	})

	t.Run("should fall back for titles without letters", func(t *testing.T) {
		got, err := storage.MakeSlug("!!!", lookup)
		require.NoError(t, err)
		require.Equal(t, "magazine", got)
	})

	t.Run("should surface lookup errors", func(t *testing.T) {
		_, err := storage.MakeSlug("x", func(string) (bool, error) { return false, errors.New("db down") })
		require.Error(t, err)
	})
}
