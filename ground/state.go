package ground

import (
	"maps"
	"slices"
	"sync"
	"time"
)

// SensorStatus is the per-sensor view served over HTTP
type SensorStatus struct {
	SensorID    string       `json:"sensor_id"`
	Received    uint64       `json:"received"`
	Aligned     uint64       `json:"aligned"`
	Failed      uint64       `json:"failed"`
	Dropped     uint64       `json:"dropped"`
	LastFrame   string       `json:"last_frame,omitempty"`
	LastUpdate  time.Time    `json:"last_update,omitzero"`
	LastError   string       `json:"last_error,omitempty"`
	LastErrKind string       `json:"last_error_kind,omitempty"`
	Diagnostics *Diagnostics `json:"diagnostics,omitempty"`
}

// StateTracker keeps the latest aligned frame and status of every sensor
type StateTracker struct {
	mu      sync.RWMutex
	status  map[string]*SensorStatus
	frames  map[string]*Frame
	nowFunc func() time.Time
}

// NewStateTracker creates an empty tracker
func NewStateTracker() *StateTracker {
	return &StateTracker{
		status:  make(map[string]*SensorStatus),
		frames:  make(map[string]*Frame),
		nowFunc: time.Now,
	}
}

func (st *StateTracker) entry(sensorID string) *SensorStatus {
	s, ok := st.status[sensorID]
	if !ok {
		s = &SensorStatus{SensorID: sensorID}
		st.status[sensorID] = s
	}
	return s
}

// Register makes a sensor visible before its first frame
func (st *StateTracker) Register(sensorID string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.entry(sensorID)
}

// RecordReceived counts an incoming frame
func (st *StateTracker) RecordReceived(sensorID string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.entry(sensorID).Received++
}

// RecordDropped counts a frame superseded in the mailbox or refused as stale
func (st *StateTracker) RecordDropped(sensorID string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.entry(sensorID).Dropped++
}

// RecordAligned stores the latest aligned frame and its diagnostics
func (st *StateTracker) RecordAligned(sensorID string, frame *Frame, diag *Diagnostics) {
	st.mu.Lock()
	defer st.mu.Unlock()

	s := st.entry(sensorID)
	s.Aligned++
	s.LastFrame = frame.ID
	s.LastUpdate = st.nowFunc()
	s.Diagnostics = diag
	st.frames[sensorID] = frame
}

// RecordFailure stores the last processing error of a sensor
func (st *StateTracker) RecordFailure(sensorID string, err error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	s := st.entry(sensorID)
	s.Failed++
	s.LastError = err.Error()
	s.LastErrKind = ErrorKind(err)
	s.LastUpdate = st.nowFunc()
}

// Frame returns the latest aligned frame of a sensor.
// Frames are never modified after being recorded.
func (st *StateTracker) Frame(sensorID string) (*Frame, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	f, ok := st.frames[sensorID]
	return f, ok
}

// Status returns a copy of one sensor's status
func (st *StateTracker) Status(sensorID string) (SensorStatus, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	s, ok := st.status[sensorID]
	if !ok {
		return SensorStatus{}, false
	}
	return *s, true
}

// Statuses returns copies of all statuses sorted by sensor ID
func (st *StateTracker) Statuses() []SensorStatus {
	st.mu.RLock()
	defer st.mu.RUnlock()

	ids := slices.Sorted(maps.Keys(st.status))
	out := make([]SensorStatus, 0, len(ids))
	for _, id := range ids {
		out = append(out, *st.status[id])
	}
	return out
}

// HasFrames reports whether any sensor produced an aligned frame
func (st *StateTracker) HasFrames() bool {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.frames) > 0
}
