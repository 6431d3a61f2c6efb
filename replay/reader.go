// Package replay implements timeline replay of a captured frames buffer:
// wall-clock pacing, pause/resume, speed control, and snapshot-at-seek.
// A BufferReader implements iodevice.Device so it can be driven through
// the same Session lifecycle as a live device.
package replay

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/canflow/iocore/buffer"
	"github.com/canflow/iocore/canerr"
	"github.com/canflow/iocore/frame"
	"github.com/canflow/iocore/iodevice"
	"github.com/canflow/iocore/timeline"
)

// Timing and batching constants for the replay loop.
const (
	pauseSleepInterval  = 50 * time.Millisecond
	proactiveAheadMs    = 100.0
	proactiveSleepCapMs = 500.0
	unpacedBatchSize    = 1000
	unpacedYield        = 10 * time.Millisecond
	pacedBatchSize      = 50
	pacedFlushInterval  = 50 * time.Millisecond
	pacedFlushWaitCapMs = 1000.0
	interFrameDelayCap  = 10 * time.Second
	snapshotLookbackUs  = 120_000_000 // 120s
	tightDeltaUs        = 1000        // 1ms, the accumulate-into-batch threshold
)

// Config configures a BufferReader: which captured frames buffer to
// replay. The buffer must already exist in store (typically finalized by
// an earlier live session) and is read, never mutated.
type Config struct {
	BufferID string
}

// seekRequest is the pending-seek mailbox Seek writes to and the replay
// loop drains once per iteration.
type seekRequest struct {
	pending  bool
	targetUs int64
}

// BufferReader replays a pre-captured frames buffer with wall-clock
// pacing. The invariants here are the hardest in the module: pause must
// not lose frames, seek must retain decoder state, and speed changes must
// not drift cumulatively.
type BufferReader struct {
	iodevice.Unsupported

	name      string
	sessionID string
	cfg       Config
	store     *buffer.Store
	sink      iodevice.EventSink
	log       logrus.FieldLogger
	control   *timeline.Control

	mu       sync.Mutex
	state    iodevice.IOState
	startUs  int64
	endUs    int64
	hasRange bool
	seek     seekRequest

	cancel context.CancelFunc
	done   chan struct{}
}

// NewBufferReader constructs a BufferReader over an existing buffer in
// store. The reader is not started.
func NewBufferReader(sessionID string, cfg Config, store *buffer.Store, sink iodevice.EventSink, log logrus.FieldLogger) *BufferReader {
	if log == nil {
		log = logrus.StandardLogger()
	}
	name := fmt.Sprintf("replay:%s", cfg.BufferID)
	return &BufferReader{
		name: name, sessionID: sessionID, cfg: cfg, store: store, sink: sink, log: log,
		control:     timeline.New(),
		Unsupported: iodevice.Unsupported{DeviceName: name},
		state:       iodevice.Stopped,
	}
}

// Capabilities reports a replay device as pausable, seekable, and
// speed-controllable but not realtime and not a transmitter.
func (r *BufferReader) Capabilities() iodevice.Capabilities {
	return iodevice.Capabilities{CanPause: true, CanSeek: true, CanSetSpeed: true}
}

func (r *BufferReader) State() iodevice.IOState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *BufferReader) SessionID() string { return r.sessionID }

func (r *BufferReader) setState(s iodevice.IOState) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

// Pause suspends emission; the replay loop checks this every 50ms and on
// every proactive-pacing decision point, never mid-batch, so no frame is
// lost or duplicated across a pause/resume cycle.
func (r *BufferReader) Pause() error {
	switch r.State() {
	case iodevice.Running, iodevice.Paused:
	default:
		return canerr.New(r.name, canerr.Configuration, "pause requires a running reader")
	}
	r.control.Pause()
	r.setState(iodevice.Paused)
	return nil
}

// Resume clears a prior Pause.
func (r *BufferReader) Resume() error {
	r.control.Resume()
	if r.State() == iodevice.Paused {
		r.setState(iodevice.Running)
	}
	return nil
}

// SetSpeed sets the replay speed multiplier; see timeline.Control.SetSpeed.
func (r *BufferReader) SetSpeed(speed float64) error {
	return r.control.SetSpeed(speed)
}

// SetTimeRange restricts replay to [startUs, endUs]. Must be called before
// Start; the frame set is filtered once at load time.
func (r *BufferReader) SetTimeRange(startUs, endUs int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != iodevice.Stopped {
		return canerr.New(r.name, canerr.Configuration, "set_time_range must be called before start")
	}
	r.startUs, r.endUs, r.hasRange = startUs, endUs, true
	return nil
}

// Seek requests a jump to timestampUs. The replay loop picks up the
// request on its next iteration.
func (r *BufferReader) Seek(timestampUs int64) error {
	switch r.State() {
	case iodevice.Running, iodevice.Paused:
	default:
		return canerr.New(r.name, canerr.Configuration, "seek requires a running or paused reader")
	}
	r.mu.Lock()
	r.seek = seekRequest{pending: true, targetUs: timestampUs}
	r.mu.Unlock()
	return nil
}

func (r *BufferReader) takeSeek() (int64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.seek.pending {
		return 0, false
	}
	r.seek.pending = false
	return r.seek.targetUs, true
}

// Start loads and sorts the buffer's frames, resets the timeline control
// block, and launches the replay loop.
func (r *BufferReader) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.state == iodevice.Running || r.state == iodevice.Starting {
		r.mu.Unlock()
		return canerr.New(r.name, canerr.Configuration, "already running")
	}
	r.state = iodevice.Starting
	hasRange, startUs, endUs := r.hasRange, r.startUs, r.endUs
	r.mu.Unlock()

	frames, err := r.store.GetFrames(r.cfg.BufferID)
	if err != nil {
		r.setState(iodevice.Stopped)
		return canerr.New(r.name, canerr.Configuration, err.Error())
	}
	sort.SliceStable(frames, func(i, j int) bool { return frames[i].TimestampUs < frames[j].TimestampUs })

	if hasRange {
		filtered := make([]frame.Frame, 0, len(frames))
		for _, f := range frames {
			if f.TimestampUs >= startUs && f.TimestampUs <= endUs {
				filtered = append(filtered, f)
			}
		}
		frames = filtered
	}

	r.control.Reset()

	runCtx, cancel := context.WithCancel(context.Background())
	r.mu.Lock()
	r.cancel = cancel
	r.done = make(chan struct{})
	r.state = iodevice.Running
	r.mu.Unlock()

	go func() {
		r.run(runCtx, frames)
		close(r.done)
	}()

	return nil
}

// Stop cancels the replay loop and waits for it to terminate.
func (r *BufferReader) Stop() error {
	r.mu.Lock()
	if r.state == iodevice.Stopped {
		r.mu.Unlock()
		return nil
	}
	cancel := r.cancel
	done := r.done
	r.mu.Unlock()

	r.control.Cancel()
	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
	r.setState(iodevice.Stopped)
	return nil
}

// sleepInterruptible sleeps for d, or returns true early if ctx is
// cancelled mid-sleep.
func (r *BufferReader) sleepInterruptible(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() != nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return false
	case <-ctx.Done():
		return true
	}
}

func (r *BufferReader) emit(batch []frame.Frame) {
	if len(batch) == 0 {
		return
	}
	r.sink.Emit(r.sessionID, iodevice.NewFrameMessage(batch))
}

// run is the replay loop proper.
func (r *BufferReader) run(ctx context.Context, frames []frame.Frame) {
	reason := iodevice.ReasonComplete

	if len(frames) == 0 {
		r.finish(reason)
		return
	}

	allIDs := make(map[uint32]struct{})
	for _, f := range frames {
		allIDs[f.FrameID] = struct{}{}
	}

	wallBaseline := time.Now()
	playbackBaselineSecs := float64(frames[0].TimestampUs) / 1e6
	lastSpeed := r.control.Speed()

	var pendingBatch []frame.Frame
	lastFlush := time.Now()

	flushPending := func() {
		if len(pendingBatch) == 0 {
			return
		}
		r.emit(pendingBatch)
		pendingBatch = nil
		lastFlush = time.Now()
	}

	i := 0
loop:
	for i < len(frames) {
		if ctx.Err() != nil || r.control.Cancelled() {
			reason = iodevice.ReasonStopped
			break loop
		}

		if target, ok := r.takeSeek(); ok {
			flushPending()
			hit := sort.Search(len(frames), func(k int) bool { return frames[k].TimestampUs > target }) - 1
			if hit < 0 {
				hit = 0
			}
			i = hit
			wallBaseline = time.Now()
			playbackBaselineSecs = float64(frames[i].TimestampUs) / 1e6
			r.sink.Emit(r.sessionID, iodevice.NewPlaybackTime(frames[i].TimestampUs))
			if r.control.Paused() {
				r.emit(r.buildSnapshot(frames, i, allIDs))
			}
			continue
		}

		if r.control.Paused() {
			if r.sleepInterruptible(ctx, pauseSleepInterval) {
				reason = iodevice.ReasonStopped
				break loop
			}
			continue
		}

		if speed := r.control.Speed(); speed != lastSpeed {
			lastSpeed = speed
			wallBaseline = time.Now()
			playbackBaselineSecs = float64(frames[i].TimestampUs) / 1e6
		}

		if !r.control.PacingEnabled() {
			end := i + unpacedBatchSize
			if end > len(frames) {
				end = len(frames)
			}
			r.emit(frames[i:end])
			i = end
			if r.sleepInterruptible(ctx, unpacedYield) {
				reason = iodevice.ReasonStopped
				break loop
			}
			continue
		}

		speed := lastSpeed
		if speed <= 0 {
			speed = 1
		}
		frameTimeSecs := float64(frames[i].TimestampUs) / 1e6
		expectedWallMs := (frameTimeSecs - playbackBaselineSecs) * 1000.0 / speed
		actualWallMs := float64(time.Since(wallBaseline).Milliseconds())
		if expectedWallMs > actualWallMs+proactiveAheadMs {
			sleepMs := expectedWallMs - actualWallMs
			if sleepMs > proactiveSleepCapMs {
				sleepMs = proactiveSleepCapMs
			}
			if r.sleepInterruptible(ctx, msToDuration(sleepMs)) {
				reason = iodevice.ReasonStopped
				break loop
			}
			continue
		}

		var deltaUs int64
		if i+1 < len(frames) {
			deltaUs = frames[i+1].TimestampUs - frames[i].TimestampUs
		}

		if i+1 < len(frames) && deltaUs < tightDeltaUs {
			pendingBatch = append(pendingBatch, frames[i])
			i++
			if len(pendingBatch) >= pacedBatchSize || time.Since(lastFlush) >= pacedFlushInterval {
				last := pendingBatch[len(pendingBatch)-1]
				exp := (float64(last.TimestampUs)/1e6 - playbackBaselineSecs) * 1000.0 / speed
				act := float64(time.Since(wallBaseline).Milliseconds())
				if wait := exp - act; wait > 0 {
					if wait > pacedFlushWaitCapMs {
						wait = pacedFlushWaitCapMs
					}
					if r.sleepInterruptible(ctx, msToDuration(wait)) {
						reason = iodevice.ReasonStopped
						flushPending()
						break loop
					}
				}
				flushPending()
			}
			continue
		}

		flushPending()

		if i+1 < len(frames) {
			delay := time.Duration(float64(deltaUs) / speed * float64(time.Microsecond))
			if delay > interFrameDelayCap {
				delay = interFrameDelayCap
			}
			if r.sleepInterruptible(ctx, delay) {
				reason = iodevice.ReasonStopped
				break loop
			}
			if r.control.Paused() {
				// Retry the same frame once resumed, so pause never drops it.
				continue
			}
		}

		r.emit([]frame.Frame{frames[i]})
		i++
	}

	flushPending()
	r.finish(reason)
}

func msToDuration(ms float64) time.Duration {
	if ms <= 0 {
		return 0
	}
	return time.Duration(ms * float64(time.Millisecond))
}

// buildSnapshot walks backward from hitIdx collecting the most recent Frame
// per unique frame id, stopping once every id in the buffer is covered or
// the 120s lookback window elapses.
func (r *BufferReader) buildSnapshot(frames []frame.Frame, hitIdx int, allIDs map[uint32]struct{}) []frame.Frame {
	seen := make(map[uint32]frame.Frame)
	lookbackLimit := frames[hitIdx].TimestampUs - snapshotLookbackUs
	for k := hitIdx; k >= 0; k-- {
		f := frames[k]
		if f.TimestampUs < lookbackLimit {
			break
		}
		if _, ok := seen[f.FrameID]; !ok {
			seen[f.FrameID] = f
		}
		if len(seen) == len(allIDs) {
			break
		}
	}
	out := make([]frame.Frame, 0, len(seen))
	for _, f := range seen {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FrameID < out[j].FrameID })
	return out
}

func (r *BufferReader) finish(reason iodevice.EndReason) {
	payload := iodevice.StreamEndedPayload{Reason: reason}
	if meta, err := r.store.GetBufferMetadata(r.cfg.BufferID); err == nil {
		payload.BufferAvailable = meta.Count > 0
		payload.BufferID = meta.ID
		payload.BufferType = meta.BufferType.String()
		payload.Count = meta.Count
		if meta.Count > 0 {
			payload.TimeRange = &iodevice.TimeRange{StartTimeUs: meta.StartTimeUs, EndTimeUs: meta.EndTimeUs}
		}
	}
	r.sink.Emit(r.sessionID, iodevice.NewStreamEnded(payload))
	if reason == iodevice.ReasonComplete || reason == iodevice.ReasonStopped {
		r.sink.Emit(r.sessionID, iodevice.NewStreamComplete(reason == iodevice.ReasonComplete))
	}
}
