package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListAlertsOrdersMostRecentFirst(t *testing.T) {
	s := newTestStore(t)
	insertTestRun(t, s, "r1")

	require.NoError(t, s.InsertAlert(context.Background(), Alert{ID: "a1", RunID: "r1", Message: "first"}))
	require.NoError(t, s.InsertAlert(context.Background(), Alert{ID: "a2", RunID: "r1", Message: "second"}))

	alerts, err := s.ListAlerts(context.Background(), "r1")
	require.NoError(t, err)
	require.Len(t, alerts, 2)
	assert.Equal(t, "a2", alerts[0].ID)
	assert.False(t, alerts[0].Acknowledged)
}

func TestAcknowledgeAlertIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	insertTestRun(t, s, "r1")
	require.NoError(t, s.InsertAlert(context.Background(), Alert{ID: "a1", RunID: "r1", Message: "disk low"}))

	require.NoError(t, s.AcknowledgeAlert(context.Background(), "a1"))
	require.NoError(t, s.AcknowledgeAlert(context.Background(), "a1"))

	alerts, err := s.ListAlerts(context.Background(), "r1")
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.True(t, alerts[0].Acknowledged)
	require.NotNil(t, alerts[0].AcknowledgedAt)
}

func TestAcknowledgeAlertUnknownNotFound(t *testing.T) {
	s := newTestStore(t)
	err := s.AcknowledgeAlert(context.Background(), "missing")
	require.Error(t, err)
}

func TestListAlertsAllRuns(t *testing.T) {
	s := newTestStore(t)
	insertTestRun(t, s, "r1")
	insertTestRun(t, s, "r2")
	require.NoError(t, s.InsertAlert(context.Background(), Alert{ID: "a1", RunID: "r1", Message: "x"}))
	require.NoError(t, s.InsertAlert(context.Background(), Alert{ID: "a2", RunID: "r2", Message: "y"}))

	alerts, err := s.ListAlerts(context.Background(), "")
	require.NoError(t, err)
	assert.Len(t, alerts, 2)
}
