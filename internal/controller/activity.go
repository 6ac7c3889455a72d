package controller

import (
	"sync"
	"time"

	"github.com/dmrduck/coordinator/pkg/media"
)

// speakerActivityTimeout is how long a participant's input stream may go
// silent before the controller synthesizes a speaker-stop event for them.
const speakerActivityTimeout = 300 * time.Millisecond

// activityWatcher drains a participant's input stream and turns frame
// arrival into speaker-start/speaker-stop events, the same inactivity-window
// heuristic session-level SDKs (Discord speaking updates, WebRTC audio-level
// RTP extensions) already apply before handing a client "is speaking" state;
// the controller only needs to react to the edges.
type activityWatcher struct {
	talkgroupID   string
	participantID string
	onSpeaking    func(talkgroupID, participantID string, speaking bool, at time.Time)
	now           func() time.Time

	mu      sync.Mutex
	timer   *time.Timer
	started bool
	stopCh  chan struct{}
}

func newActivityWatcher(talkgroupID, participantID string, now func() time.Time, onSpeaking func(string, string, bool, time.Time)) *activityWatcher {
	if now == nil {
		now = time.Now
	}
	return &activityWatcher{
		talkgroupID:   talkgroupID,
		participantID: participantID,
		onSpeaking:    onSpeaking,
		now:           now,
		stopCh:        make(chan struct{}),
	}
}

// watch drains ch until it closes or the watcher is stopped, emitting
// speaker-start on the first frame and speaker-stop after a gap with no
// frames, or on stream close.
func (w *activityWatcher) watch(ch <-chan media.AudioFrame) {
	for {
		select {
		case <-w.stopCh:
			w.markStopped()
			return
		case _, ok := <-ch:
			if !ok {
				w.markStopped()
				return
			}
			w.markStarted()
			w.resetTimer()
		}
	}
}

func (w *activityWatcher) markStarted() {
	w.mu.Lock()
	wasStarted := w.started
	w.started = true
	w.mu.Unlock()
	if !wasStarted {
		w.onSpeaking(w.talkgroupID, w.participantID, true, w.now())
	}
}

func (w *activityWatcher) markStopped() {
	w.mu.Lock()
	wasStarted := w.started
	w.started = false
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()
	if wasStarted {
		w.onSpeaking(w.talkgroupID, w.participantID, false, w.now())
	}
}

func (w *activityWatcher) resetTimer() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(speakerActivityTimeout, w.fireTimeout)
}

func (w *activityWatcher) fireTimeout() {
	w.mu.Lock()
	wasStarted := w.started
	w.started = false
	w.mu.Unlock()
	if wasStarted {
		w.onSpeaking(w.talkgroupID, w.participantID, false, w.now())
	}
}

func (w *activityWatcher) stop() {
	close(w.stopCh)
}
