package queue

import (
	"context"
	"testing"
	"time"

	"github.com/dontdude/receiptflow/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBroadcast_ReachesSubscribers(t *testing.T) {
	q, _ := newTestQueue(t, "c1")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	results, err := q.SubscribeResults(ctx)
	require.NoError(t, err)

	want := domain.AnalysisResult{
		TaskID:       "j-1",
		Transactions: []domain.Transaction{{Date: "2026-10-17", CategoryName: "food", Content: "lunch", Amount: 9000}},
	}
	require.NoError(t, q.Broadcast(ctx, want))

	select {
	case got := <-results:
		assert.Equal(t, want, got)
	case <-time.After(2 * time.Second):
		t.Fatal("no result received")
	}
}
