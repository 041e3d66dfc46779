package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qahub/reputation-engine/internal/application/command"
	"github.com/qahub/reputation-engine/internal/infrastructure/messaging"
	"github.com/qahub/reputation-engine/internal/infrastructure/messaging/kafka"
	"github.com/qahub/reputation-engine/internal/infrastructure/scheduler"
	"github.com/qahub/reputation-engine/pkg/circuitbreaker"
)

var (
	_ command.Metrics              = (*Metrics)(nil)
	_ messaging.Observer           = (*Metrics)(nil)
	_ messaging.DispatcherObserver = (*Metrics)(nil)
	_ kafka.ConsumerObserver       = (*Metrics)(nil)
	_ scheduler.JobObserver        = (*Metrics)(nil)
)

func newTestMetrics(t *testing.T) *Metrics {
	t.Helper()
	m, err := New("test", prometheus.NewRegistry())
	require.NoError(t, err)
	return m
}

func TestMetrics_Counters(t *testing.T) {
	m := newTestMetrics(t)

	m.EventRecorded("upvote_received", false)
	m.EventRecorded("upvote_received", false)
	m.EventRecorded("upvote_received", true)
	m.RankChanged("Iniciante", "Colaborador")
	m.DriftCorrected()
	m.MessageHandled("", "rejected")
	m.NotificationDropped("queue_full")
	m.NotificationFailed()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.eventsRecorded.WithLabelValues("upvote_received", "false")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.eventsRecorded.WithLabelValues("upvote_received", "true")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.rankChanges.WithLabelValues("Iniciante", "Colaborador")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.driftCorrections))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.messagesHandled.WithLabelValues("unknown", "rejected")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.notifyDropped.WithLabelValues("queue_full")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.notifyFailed))
}

func TestMetrics_GaugesAndHistograms(t *testing.T) {
	m := newTestMetrics(t)

	m.QueueDepth("eventbus", 7)
	m.QueueDepth("eventbus", 3)
	m.HandlerFinished("PointsApplied", 10*time.Millisecond, errors.New("x"))
	m.JobFinished("rebuild_leaderboard", time.Second, nil)
	m.BreakerStateChanged("leaderboard-cache", circuitbreaker.StateClosed, circuitbreaker.StateOpen)

	assert.Equal(t, 3.0, testutil.ToFloat64(m.queueDepth.WithLabelValues("eventbus")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.busHandlerErrs.WithLabelValues("PointsApplied")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.jobRuns.WithLabelValues("rebuild_leaderboard", "true")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.breakerState.WithLabelValues("leaderboard-cache")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.jobDuration))
}

func TestMetrics_DuplicateRegistrationFails(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := New("dup", reg)
	require.NoError(t, err)
	_, err = New("dup", reg)
	assert.Error(t, err)
}

func TestMetrics_Handler(t *testing.T) {
	m := newTestMetrics(t)
	m.EventRecorded("question_created", false)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `test_events_recorded_total{duplicate="false",event_type="question_created"} 1`)
}
