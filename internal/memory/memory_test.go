package memory

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInMemoryStoreKeepsLastN(t *testing.T) {
	s := NewInMemoryStore(3)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, s.Save(ctx, Exchange{TaskID: fmt.Sprint(i), Workspace: "w", User: "q", Assistant: "a"}))
	}
	require.NoError(t, s.Save(ctx, Exchange{TaskID: "other", Workspace: "v"}))

	got, err := s.Recent(ctx, "w", 0)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "2", got[0].TaskID)
	assert.Equal(t, "4", got[2].TaskID)
	assert.False(t, got[0].CreatedAt.IsZero())

	got, err = s.Recent(ctx, "w", 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "4", got[0].TaskID)
}

func TestInMemoryStoreHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, NewInMemoryStore(1).Save(ctx, Exchange{}), context.Canceled)
}

// Runs against a real database when NAVI_TEST_DATABASE_URL is set.
func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("NAVI_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("NAVI_TEST_DATABASE_URL not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	table := "navi_test_" + uuid.NewString()[:8]
	s, err := OpenPostgres(ctx, dsn, table)
	require.NoError(t, err)
	defer func() {
		_, _ = s.db.ExecContext(context.Background(), "DROP TABLE "+s.table)
		s.Close()
	}()

	ws := uuid.NewString()
	require.NoError(t, s.Save(ctx, Exchange{TaskID: "a", Workspace: ws, User: "q1", Assistant: "a1", Success: true}))
	require.NoError(t, s.Save(ctx, Exchange{TaskID: "b", Workspace: ws, User: "q2", Assistant: "a2"}))

	got, err := s.Recent(ctx, ws, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].TaskID)
	assert.True(t, got[0].Success)
	assert.Equal(t, "b", got[1].TaskID)
}
