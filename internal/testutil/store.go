package testutil

import (
	"context"
	"testing"

	"github.com/orientinsight/bookingmail/internal/model"
	"github.com/orientinsight/bookingmail/internal/store"
)

// NewTestStore creates an in-memory SQLiteStore with all migrations applied.
// It automatically closes the store when the test completes.
func NewTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()

	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("creating test store: %v", err)
	}

	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("closing test store: %v", err)
		}
	})

	return s
}

// SeedClassifications inserts the given tour classification codes.
func SeedClassifications(t *testing.T, s *store.SQLiteStore, codes ...string) {
	t.Helper()

	for _, code := range codes {
		err := s.UpsertClassification(context.Background(), model.Classification{
			Code: code,
			Name: code,
		})
		if err != nil {
			t.Fatalf("seeding classification %s: %v", code, err)
		}
	}
}
