package stream

import "time"

// Recorder 接收流式核心的观测事件，由 internal/metrics 实现
type Recorder interface {
	RecordBranch(sessionType, status string, d time.Duration)
	RecordFrame(kind string)
	RecordPersistFailure(op string)
	RecordProviderError(provider string, policy bool)
}

type nopRecorder struct{}

func (nopRecorder) RecordBranch(string, string, time.Duration) {}
func (nopRecorder) RecordFrame(string)                         {}
func (nopRecorder) RecordPersistFailure(string)                {}
func (nopRecorder) RecordProviderError(string, bool)           {}
