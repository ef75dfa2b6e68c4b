package mock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/harunnryd/callguide/pkg/segmenter"
	"github.com/harunnryd/callguide/pkg/transcription"
)

var (
	ErrNotStarted = errors.New("not started")
	ErrScripted   = errors.New("scripted transcription failure")
)

type TranscriberConfig struct {
	CallID string
	// Replies are returned in submit order; once exhausted Default is used.
	Replies    []string
	Default    string
	Speaker    transcription.Speaker
	Confidence float64
	Delay      time.Duration
	// Delays gives the nth segment its own delay. Those segments are
	// answered independently, so a shorter delay can overtake a longer one.
	Delays []time.Duration
	// FailFirst makes the first n segments fail with ErrScripted.
	FailFirst int
}

type job struct {
	seg   *segmenter.VoiceSegment
	text  string
	fail  bool
	delay time.Duration
	async bool
}

// Transcriber replays scripted text for each submitted segment.
type Transcriber struct {
	cfg    TranscriberConfig
	out    chan transcription.Event
	errs   chan error
	jobs   chan job
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	started   bool
	closed    bool
	next      int
	submitted []string
}

func NewTranscriber(cfg TranscriberConfig) *Transcriber {
	if cfg.Default == "" {
		cfg.Default = "mock transcript"
	}
	if cfg.Confidence == 0 {
		cfg.Confidence = 0.9
	}
	return &Transcriber{
		cfg:  cfg,
		out:  make(chan transcription.Event, 64),
		errs: make(chan error, 16),
		jobs: make(chan job, 64),
	}
}

func (t *Transcriber) Name() string { return "mock" }

func (t *Transcriber) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started {
		return nil
	}
	t.ctx, t.cancel = context.WithCancel(ctx)
	t.started = true
	t.wg.Add(1)
	go t.loop()
	return nil
}

func (t *Transcriber) Submit(seg *segmenter.VoiceSegment) error {
	t.mu.Lock()
	if !t.started || t.closed {
		t.mu.Unlock()
		return ErrNotStarted
	}
	j := job{seg: seg, text: t.cfg.Default}
	if t.next < len(t.cfg.Replies) {
		j.text = t.cfg.Replies[t.next]
	}
	j.fail = t.next < t.cfg.FailFirst
	j.delay = t.cfg.Delay
	if t.next < len(t.cfg.Delays) {
		j.delay, j.async = t.cfg.Delays[t.next], true
	}
	t.next++
	t.submitted = append(t.submitted, seg.ID)
	t.mu.Unlock()

	select {
	case t.jobs <- j:
		return nil
	default:
		return errors.New("mock transcriber backlog full")
	}
}

// Submitted lists segment ids in submit order.
func (t *Transcriber) Submitted() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.submitted...)
}

func (t *Transcriber) loop() {
	defer t.wg.Done()
	for {
		select {
		case <-t.ctx.Done():
			return
		case j := <-t.jobs:
			if j.async {
				t.wg.Add(1)
				go func() {
					defer t.wg.Done()
					t.answer(j)
				}()
				continue
			}
			if !t.answer(j) {
				return
			}
		}
	}
}

// answer waits out the job delay and reports its outcome. It returns false
// once the transcriber is shutting down.
func (t *Transcriber) answer(j job) bool {
	if j.delay > 0 {
		timer := time.NewTimer(j.delay)
		select {
		case <-t.ctx.Done():
			timer.Stop()
			return false
		case <-timer.C:
		}
	}
	if j.fail {
		select {
		case t.errs <- ErrScripted:
		default:
		}
		return true
	}
	if j.text == "" {
		return true
	}
	speaker := t.cfg.Speaker
	if speaker == "" {
		speaker = transcription.GuessSpeaker(j.text)
	}
	ev := transcription.Event{
		CallID:     t.cfg.CallID,
		SegmentID:  j.seg.ID,
		Speaker:    speaker,
		Text:       j.text,
		Timestamp:  time.Now(),
		Confidence: t.cfg.Confidence,
	}
	select {
	case t.out <- ev:
		return true
	case <-t.ctx.Done():
		return false
	}
}

func (t *Transcriber) Results() <-chan transcription.Event { return t.out }
func (t *Transcriber) Errors() <-chan error                { return t.errs }

func (t *Transcriber) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	started := t.started
	t.mu.Unlock()
	if started {
		t.cancel()
		t.wg.Wait()
	}
	close(t.out)
	return nil
}

var _ transcription.Transcriber = (*Transcriber)(nil)
