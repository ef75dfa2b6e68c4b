package deepgram

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/harunnryd/callguide/pkg/errorsx"
	"github.com/harunnryd/callguide/pkg/logging"
	"github.com/harunnryd/callguide/pkg/segmenter"
	"github.com/harunnryd/callguide/pkg/transcription"

	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	client "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"
)

type Config struct {
	APIKey         string        `mapstructure:"api_key"`
	Model          string        `mapstructure:"model"`
	Language       string        `mapstructure:"language"`
	SampleRate     int           `mapstructure:"sample_rate"`
	UtteranceEndMS int           `mapstructure:"utterance_end_ms"`
	Backlog        int           `mapstructure:"backlog"`
	MinConfidence  float64       `mapstructure:"min_confidence"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	CallID         string        `mapstructure:"-"`
}

func (c Config) withDefaults() Config {
	if c.Model == "" {
		c.Model = "nova-2"
	}
	if c.Language == "" {
		c.Language = "en-US"
	}
	if c.SampleRate <= 0 {
		c.SampleRate = 8000
	}
	if c.Backlog <= 0 {
		c.Backlog = 32
	}
	return c
}

// Transcriber streams each voice segment into one live Deepgram connection
// as raw linear16 audio and turns final results into transcript events.
type Transcriber struct {
	cfg        Config
	dgClient   *client.WSCallback
	out        chan transcription.Event
	errs       chan error
	segments   chan *segmenter.VoiceSegment
	ctx        context.Context
	cancel     context.CancelFunc
	pipeReader *io.PipeReader
	pipeWriter *io.PipeWriter
	logger     *slog.Logger
	wg         sync.WaitGroup

	mu         sync.Mutex
	current    string
	closed     bool
	metaLogged bool
}

func New(cfg Config) *Transcriber {
	cfg = cfg.withDefaults()
	return &Transcriber{
		cfg:      cfg,
		out:      make(chan transcription.Event, 256),
		errs:     make(chan error, 16),
		segments: make(chan *segmenter.VoiceSegment, cfg.Backlog),
		logger:   logging.NewComponentLogger(slog.Default(), "deepgram_stt").With("call_id", cfg.CallID),
	}
}

func (t *Transcriber) Name() string { return "deepgram" }

func (t *Transcriber) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	t.ctx, t.cancel = context.WithCancel(ctx)
	t.pipeReader, t.pipeWriter = io.Pipe()

	clientOptions := &interfaces.ClientOptions{
		EnableKeepAlive: true,
	}
	transcriptOptions := &interfaces.LiveTranscriptionOptions{
		Model:          t.cfg.Model,
		Language:       t.cfg.Language,
		Encoding:       "linear16",
		SampleRate:     t.cfg.SampleRate,
		Channels:       1,
		InterimResults: false,
		Punctuate:      true,
		SmartFormat:    true,
	}
	if t.cfg.UtteranceEndMS > 0 {
		transcriptOptions.UtteranceEndMs = fmt.Sprintf("%d", t.cfg.UtteranceEndMS)
	}

	t.logger.Info("initializing deepgram connection",
		slog.String("model", t.cfg.Model),
		slog.Int("sample_rate", t.cfg.SampleRate))

	dgClient, err := client.NewWSUsingCallback(t.ctx, t.cfg.APIKey, clientOptions, transcriptOptions, &callback{parent: t})
	if err != nil {
		t.logger.Error("deepgram_client_create_error", slog.String("error", err.Error()))
		return errorsx.Wrap(err, errorsx.ReasonSTTConnect)
	}
	t.dgClient = dgClient
	if connected := t.dgClient.Connect(); !connected {
		t.logger.Error("deepgram_connect_failed")
		return errorsx.New(errorsx.ReasonSTTConnect, "deepgram connection failed")
	}
	t.logger.Info("deepgram_connected")

	t.run(t.dgClient.Stream)
	return nil
}

// run feeds the pipe to stream and starts the pump. When stream returns the
// read side is closed so a pending pump write fails instead of blocking.
func (t *Transcriber) run(stream func(io.Reader) error) {
	go func() {
		err := stream(t.pipeReader)
		if err != nil && t.ctx.Err() == nil {
			t.logger.Error("deepgram_stream_error", slog.String("error", err.Error()))
			t.fail(errorsx.Wrap(err, errorsx.ReasonSTTSend))
		}
		if err == nil {
			err = io.ErrClosedPipe
		}
		_ = t.pipeReader.CloseWithError(err)
	}()
	t.wg.Add(1)
	go t.pump()
}

// pump writes segments to the pipe so Submit never waits on the network.
func (t *Transcriber) pump() {
	defer t.wg.Done()
	for {
		select {
		case <-t.ctx.Done():
			return
		case seg, ok := <-t.segments:
			if !ok {
				return
			}
			t.mu.Lock()
			t.current = seg.ID
			t.mu.Unlock()
			if _, err := t.pipeWriter.Write(seg.PCM()); err != nil {
				if t.ctx.Err() != nil {
					return
				}
				t.logger.Error("failed to send audio to deepgram", slog.String("error", err.Error()), slog.String("segment_id", seg.ID))
				t.fail(errorsx.Wrap(err, errorsx.ReasonSTTSend))
			}
		}
	}
}

func (t *Transcriber) Submit(seg *segmenter.VoiceSegment) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pipeWriter == nil || t.closed {
		return errorsx.New(errorsx.ReasonSTTSend, "not started")
	}
	select {
	case t.segments <- seg:
		return nil
	default:
		return errorsx.New(errorsx.ReasonSTTSend, "deepgram backlog full")
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

	t.logger.Info("closing deepgram connection")
	if t.cancel != nil {
		t.cancel()
	}
	if t.pipeWriter != nil {
		_ = t.pipeWriter.Close()
		_ = t.pipeReader.Close()
	}
	t.wg.Wait()
	if t.dgClient != nil {
		t.dgClient.Stop()
	}
	t.mu.Lock()
	close(t.out)
	t.mu.Unlock()
	return nil
}

func (t *Transcriber) fail(err error) {
	select {
	case t.errs <- err:
	default:
	}
}

func (t *Transcriber) emit(text string, confidence float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	ev := transcription.Event{
		CallID:     t.cfg.CallID,
		SegmentID:  t.current,
		Speaker:    transcription.GuessSpeaker(text),
		Text:       text,
		Timestamp:  time.Now(),
		Confidence: confidence,
	}
	select {
	case t.out <- ev:
	default:
		t.logger.Warn("deepgram_out_channel_full")
	}
}

type callback struct {
	parent *Transcriber
}

func (c *callback) Open(or *msginterfaces.OpenResponse) error {
	c.parent.logger.Info("deepgram_connection_opened")
	return nil
}

func (c *callback) Message(mr *msginterfaces.MessageResponse) error {
	if len(mr.Channel.Alternatives) == 0 {
		return nil
	}
	if !(mr.IsFinal || mr.SpeechFinal) {
		return nil
	}
	alt := mr.Channel.Alternatives[0]
	if alt.Transcript == "" || alt.Confidence < c.parent.cfg.MinConfidence {
		return nil
	}
	c.parent.logger.Debug("transcript_received", slog.Int("chars", len(alt.Transcript)))
	c.parent.emit(alt.Transcript, alt.Confidence)
	return nil
}

func (c *callback) Metadata(md *msginterfaces.MetadataResponse) error {
	c.parent.mu.Lock()
	first := !c.parent.metaLogged
	c.parent.metaLogged = true
	c.parent.mu.Unlock()
	if first {
		c.parent.logger.Info("deepgram_metadata_received", slog.String("request_id", md.RequestID))
	}
	return nil
}

func (c *callback) SpeechStarted(*msginterfaces.SpeechStartedResponse) error { return nil }

func (c *callback) UtteranceEnd(*msginterfaces.UtteranceEndResponse) error {
	c.parent.logger.Debug("utterance_end_event")
	return nil
}

func (c *callback) Close(cr *msginterfaces.CloseResponse) error {
	c.parent.logger.Info("deepgram_connection_closed")
	return nil
}

func (c *callback) Error(er *msginterfaces.ErrorResponse) error {
	c.parent.logger.Error("deepgram_error",
		slog.String("error_code", er.ErrCode),
		slog.String("error_message", er.ErrMsg))
	c.parent.fail(errorsx.New(errorsx.ReasonSTTRecognize, er.ErrCode+": "+er.ErrMsg))
	return nil
}

func (c *callback) UnhandledEvent(byData []byte) error {
	c.parent.logger.Debug("deepgram_unhandled_event", slog.Int("bytes", len(byData)))
	return nil
}

var _ transcription.Transcriber = (*Transcriber)(nil)
