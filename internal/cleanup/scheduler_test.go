package cleanup

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liverec/backend/internal/models"
)

func TestNewSchedulerRejectsBadSchedule(t *testing.T) {
	e := newEnv(t)
	_, err := NewScheduler("every tuesday", e.sweeper(), Options{}, nil)
	assert.Error(t, err)
}

func TestSchedulerTickRunsSweep(t *testing.T) {
	e := newEnv(t)
	rec := e.readyRecording(t, 90*day, false)

	s, err := NewScheduler("@daily", e.sweeper(), Options{OlderThanDays: 60, Limit: 10}, nil)
	require.NoError(t, err)
	s.tick()
	assert.Equal(t, models.RecordingStatusExpiredDeleted, e.status(t, rec.ID))

	s.Start()
	s.Stop(context.Background())
}
