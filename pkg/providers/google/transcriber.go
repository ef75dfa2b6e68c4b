// Package google provides a Google Cloud Speech-to-Text transcriber that
// recognizes each closed voice segment with one synchronous request.
package google

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	speech "cloud.google.com/go/speech/apiv1"
	"cloud.google.com/go/speech/apiv1/speechpb"
	"google.golang.org/api/option"

	"github.com/harunnryd/callguide/pkg/errorsx"
	"github.com/harunnryd/callguide/pkg/logging"
	"github.com/harunnryd/callguide/pkg/resilience"
	"github.com/harunnryd/callguide/pkg/segmenter"
	"github.com/harunnryd/callguide/pkg/transcription"
)

type Config struct {
	CredentialsFile string        `mapstructure:"credentials_file"`
	Language        string        `mapstructure:"language"`
	Model           string        `mapstructure:"model"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	MaxRetries      int           `mapstructure:"max_retries"`
	Backlog         int           `mapstructure:"backlog"`
	CallID          string        `mapstructure:"-"`
}

func (c Config) withDefaults() Config {
	if c.Language == "" {
		c.Language = "en-US"
	}
	if c.Model == "" {
		c.Model = "phone_call"
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 10 * time.Second
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.Backlog <= 0 {
		c.Backlog = 32
	}
	return c
}

// recognizer is the slice of the speech client this package needs.
type recognizer interface {
	Recognize(ctx context.Context, req *speechpb.RecognizeRequest) (*speechpb.RecognizeResponse, error)
	Close() error
}

type clientRecognizer struct {
	c *speech.Client
}

func (r clientRecognizer) Recognize(ctx context.Context, req *speechpb.RecognizeRequest) (*speechpb.RecognizeResponse, error) {
	return r.c.Recognize(ctx, req)
}

func (r clientRecognizer) Close() error { return r.c.Close() }

type Transcriber struct {
	cfg    Config
	rec    recognizer
	retry  resilience.RetryPolicy
	logger *slog.Logger

	out      chan transcription.Event
	errs     chan error
	segments chan *segmenter.VoiceSegment
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

func New(cfg Config) *Transcriber {
	cfg = cfg.withDefaults()
	return &Transcriber{
		cfg:      cfg,
		retry:    resilience.NewRetryPolicy(cfg.MaxRetries, 250*time.Millisecond),
		logger:   logging.NewComponentLogger(slog.Default(), "google_stt").With("call_id", cfg.CallID),
		out:      make(chan transcription.Event, 64),
		errs:     make(chan error, 16),
		segments: make(chan *segmenter.VoiceSegment, cfg.Backlog),
	}
}

func (t *Transcriber) Name() string { return "google" }

func (t *Transcriber) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	t.ctx, t.cancel = context.WithCancel(ctx)
	if t.rec == nil {
		var opts []option.ClientOption
		if t.cfg.CredentialsFile != "" {
			opts = append(opts, option.WithCredentialsFile(t.cfg.CredentialsFile))
		}
		c, err := speech.NewClient(t.ctx, opts...)
		if err != nil {
			return errorsx.Wrap(err, errorsx.ReasonSTTConnect)
		}
		t.rec = clientRecognizer{c: c}
	}
	t.wg.Add(1)
	go t.loop()
	return nil
}

func (t *Transcriber) Submit(seg *segmenter.VoiceSegment) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed || t.ctx == nil {
		return errorsx.New(errorsx.ReasonSTTSend, "not started")
	}
	select {
	case t.segments <- seg:
		return nil
	default:
		return errorsx.New(errorsx.ReasonSTTSend, "google backlog full")
	}
}

func (t *Transcriber) loop() {
	defer t.wg.Done()
	for {
		select {
		case <-t.ctx.Done():
			return
		case seg := <-t.segments:
			t.recognize(seg)
		}
	}
}

func (t *Transcriber) recognize(seg *segmenter.VoiceSegment) {
	rate := seg.SampleRate
	if rate <= 0 {
		rate = 8000
	}
	req := &speechpb.RecognizeRequest{
		Config: &speechpb.RecognitionConfig{
			Encoding:                   speechpb.RecognitionConfig_LINEAR16,
			SampleRateHertz:            int32(rate),
			LanguageCode:               t.cfg.Language,
			Model:                      t.cfg.Model,
			EnableAutomaticPunctuation: true,
		},
		Audio: &speechpb.RecognitionAudio{
			AudioSource: &speechpb.RecognitionAudio_Content{Content: seg.PCM()},
		},
	}
	var resp *speechpb.RecognizeResponse
	err := t.retry.Do(t.ctx, func(ctx context.Context) error {
		rctx, cancel := context.WithTimeout(ctx, t.cfg.RequestTimeout)
		defer cancel()
		var err error
		resp, err = t.rec.Recognize(rctx, req)
		return err
	})
	if err != nil {
		if t.ctx.Err() != nil {
			return
		}
		t.logger.Warn("google_recognize_failed", "segment_id", seg.ID, "error", err)
		select {
		case t.errs <- errorsx.Wrap(err, errorsx.ReasonSTTRecognize):
		default:
		}
		return
	}

	var parts []string
	var confidence float64
	for _, r := range resp.GetResults() {
		alts := r.GetAlternatives()
		if len(alts) == 0 {
			continue
		}
		parts = append(parts, strings.TrimSpace(alts[0].GetTranscript()))
		confidence += float64(alts[0].GetConfidence())
	}
	text := strings.TrimSpace(strings.Join(parts, " "))
	if text == "" {
		return
	}
	ev := transcription.Event{
		CallID:     t.cfg.CallID,
		SegmentID:  seg.ID,
		Speaker:    transcription.GuessSpeaker(text),
		Text:       text,
		Timestamp:  time.Now(),
		Confidence: confidence / float64(len(parts)),
	}
	select {
	case t.out <- ev:
	case <-t.ctx.Done():
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
	t.mu.Unlock()
	if t.cancel != nil {
		t.cancel()
	}
	t.wg.Wait()
	close(t.out)
	if t.rec != nil {
		return t.rec.Close()
	}
	return nil
}

var _ transcription.Transcriber = (*Transcriber)(nil)
