package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestConnectionLifecycle(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.ConnectionOpened()
	m.ConnectionOpened()
	if got := testutil.ToFloat64(m.connectionsTotal); got != 2 {
		t.Errorf("connectionsTotal = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.connectionsActive); got != 2 {
		t.Errorf("connectionsActive = %v, want 2", got)
	}

	m.ConnectionClosed("")
	if got := testutil.ToFloat64(m.connectionsActive); got != 1 {
		t.Errorf("connectionsActive after clean close = %v, want 1", got)
	}

	m.ConnectionClosed("AuthFailure")
	if got := testutil.ToFloat64(m.connectionsActive); got != 0 {
		t.Errorf("connectionsActive after error close = %v, want 0", got)
	}
	if got := testutil.ToFloat64(m.connectionErrors.WithLabelValues("AuthFailure")); got != 1 {
		t.Errorf("connectionErrors{AuthFailure} = %v, want 1", got)
	}
}

func TestLoginAndResumeCounters(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.LoginCompleted("guest")
	m.LoginCompleted("guest")
	m.LoginCompleted("token")
	if got := testutil.ToFloat64(m.loginsTotal.WithLabelValues("guest")); got != 2 {
		t.Errorf("loginsTotal{guest} = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.loginsTotal.WithLabelValues("token")); got != 1 {
		t.Errorf("loginsTotal{token} = %v, want 1", got)
	}

	m.ResumeAttempted("ok")
	m.ResumeAttempted("expired")
	m.ResumeAttempted("expired")
	if got := testutil.ToFloat64(m.resumesTotal.WithLabelValues("expired")); got != 2 {
		t.Errorf("resumesTotal{expired} = %v, want 2", got)
	}
}

func TestFrameCounters(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.FrameReceived()
	m.FrameReceived()
	m.FrameSent()
	if got := testutil.ToFloat64(m.framesReceived); got != 2 {
		t.Errorf("framesReceived = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.framesSent); got != 1 {
		t.Errorf("framesSent = %v, want 1", got)
	}
}

func TestPublishObservedRecordsFanOutWidth(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.PublishObserved("presence", 3)
	m.PublishObserved("presence", 7)
	m.PublishFailed("channel")

	if got := testutil.ToFloat64(m.publishTotal.WithLabelValues("presence")); got != 2 {
		t.Errorf("publishTotal{presence} = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.publishErrors.WithLabelValues("channel")); got != 1 {
		t.Errorf("publishErrors{channel} = %v, want 1", got)
	}
	if got := testutil.CollectAndCount(m.fanOutWidth); got != 1 {
		t.Errorf("fanOutWidth sample count = %d, want 1 (histograms collect as a single metric family)", got)
	}
}

func TestChannelAndLivenessCounters(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.ChannelCreated()
	m.ChannelCreated()
	if got := testutil.ToFloat64(m.channelsCreated); got != 2 {
		t.Errorf("channelsCreated = %v, want 2", got)
	}

	m.SetActiveChannelMemberships(42)
	if got := testutil.ToFloat64(m.channelMembers); got != 42 {
		t.Errorf("channelMembers = %v, want 42", got)
	}

	m.LivenessSweepObserved(250*time.Millisecond, 3)
	if got := testutil.ToFloat64(m.livenessSweepChanges); got != 3 {
		t.Errorf("livenessSweepChanges = %v, want 3", got)
	}
}

func TestUpdateSystemGauges(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.UpdateSystemGauges(Sample{Goroutines: 12, HeapAllocBytes: 1024, CPUPercent: 5.5})

	if got := testutil.ToFloat64(m.goroutines); got != 12 {
		t.Errorf("goroutines = %v, want 12", got)
	}
	if got := testutil.ToFloat64(m.memoryBytes); got != 1024 {
		t.Errorf("memoryBytes = %v, want 1024", got)
	}
	if got := testutil.ToFloat64(m.cpuPercent); got != 5.5 {
		t.Errorf("cpuPercent = %v, want 5.5", got)
	}
}
