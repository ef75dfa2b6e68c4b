// Package twilio turns Twilio Media Streams into per-call audio sources and
// places outbound calls through the REST API.
package twilio

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harunnryd/callguide/pkg/audio"
	"github.com/harunnryd/callguide/pkg/errorsx"
	"github.com/harunnryd/callguide/pkg/logging"
	twilioclient "github.com/twilio/twilio-go/client"
)

// ErrCallsFull is reported when nobody is consuming Calls fast enough.
var ErrCallsFull = errors.New("twilio ingress call queue full")

// Call is one media stream that started on the ingress. Source yields the
// caller's audio as 8 kHz PCM frames and reports io.EOF when the stream stops.
type Call struct {
	CallSID   string
	StreamSID string
	From      string
	Params    map[string]string
	Source    *audio.StreamSource
}

// ID is the call id used for the hub session: the call SID when twilio sent
// one, else the stream SID.
func (c Call) ID() string {
	if c.CallSID != "" {
		return c.CallSID
	}
	return c.StreamSID
}

type Option func(*Ingress)

func WithLogger(l *slog.Logger) Option {
	return func(i *Ingress) {
		if l != nil {
			i.logger = l
		}
	}
}

// Ingress serves the voice webhook, status callback and media websocket.
type Ingress struct {
	cfg       Config
	server    *http.Server
	upgrader  websocket.Upgrader
	calls     chan Call
	logger    *slog.Logger
	validator twilioclient.RequestValidator

	mu          sync.Mutex
	streams     map[string]*stream
	callStreams map[string]string

	draining atomic.Bool
	rejected atomic.Int64
}

type stream struct {
	call Call
	conn *websocket.Conn
}

func New(cfg Config, opts ...Option) *Ingress {
	cfg = cfg.withDefaults()
	i := &Ingress{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		calls:       make(chan Call, cfg.CallBuffer),
		logger:      logging.NewComponentLogger(slog.Default(), "twilio_ingress"),
		validator:   twilioclient.NewRequestValidator(cfg.AuthToken),
		streams:     make(map[string]*stream),
		callStreams: make(map[string]string),
	}
	for _, opt := range opts {
		opt(i)
	}
	i.upgrader.CheckOrigin = i.checkOrigin
	return i
}

func (i *Ingress) Name() string { return "twilio" }

// Calls yields one Call per started media stream.
func (i *Ingress) Calls() <-chan Call { return i.calls }

// Rejected counts streams refused while draining or with a full call queue.
func (i *Ingress) Rejected() int64 { return i.rejected.Load() }

func (i *Ingress) ReadyFields() map[string]any {
	return map[string]any{
		"webhook_url":         i.cfg.voiceWebhookURL(),
		"status_callback_url": i.cfg.statusCallbackURL(),
	}
}

func (i *Ingress) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(i.cfg.VoicePath, i.handleVoice)
	mux.HandleFunc(i.cfg.MediaPath, i.handleMedia)
	mux.HandleFunc(i.cfg.StatusCallbackPath, i.handleStatusCallback)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

// Start serves the ingress until ctx is cancelled.
func (i *Ingress) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	i.server = &http.Server{
		Addr:              i.cfg.ServerAddr,
		ReadHeaderTimeout: 5 * time.Second,
		Handler:           i.Handler(),
	}
	go func() {
		<-ctx.Done()
		_ = i.server.Close()
	}()
	go func() {
		if err := i.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			i.logger.Error("twilio_ingress_server_error", "error", err.Error())
		}
	}()
	return nil
}

// SetDraining makes the ingress refuse new streams.
func (i *Ingress) SetDraining(v bool) { i.draining.Store(v) }

// Stop closes the listener and ends every open stream.
func (i *Ingress) Stop() error {
	i.draining.Store(true)
	if i.server != nil {
		_ = i.server.Close()
	}
	i.mu.Lock()
	open := make([]*stream, 0, len(i.streams))
	for _, s := range i.streams {
		open = append(open, s)
	}
	i.mu.Unlock()
	for _, s := range open {
		i.detach(s.call.StreamSID)
		_ = s.conn.Close()
	}
	return nil
}

func (i *Ingress) handleMedia(w http.ResponseWriter, r *http.Request) {
	if i.draining.Load() {
		i.rejected.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	conn, err := i.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	var streamSID string
	var mixer *mediaMixer
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			break
		}
		var evt MediaEvent
		if err := json.Unmarshal(msg, &evt); err != nil {
			i.logger.Debug("twilio_event_decode_failed", "reason_code", string(errorsx.ReasonEnvelopeDecode), "error", err.Error())
			continue
		}
		switch evt.Event {
		case "start":
			if evt.Start == nil || streamSID != "" {
				continue
			}
			sid := evt.Start.StreamSID
			if sid == "" {
				sid = evt.StreamSID
			}
			call := Call{
				CallSID:   evt.Start.CallSID,
				StreamSID: sid,
				From:      evt.Start.CustomParameters["from"],
				Params:    evt.Start.CustomParameters,
				Source:    audio.NewStreamSource(8000, i.cfg.FrameBuffer),
			}
			if err := i.attach(call, conn); err != nil {
				i.rejected.Add(1)
				i.logger.Warn("twilio_stream_rejected", "stream_sid", sid, "call_sid", call.CallSID, "error", err.Error())
				return
			}
			streamSID = sid
			mixer = newMediaMixer(time.Now(), len(evt.Start.Tracks), sourcePusher(call.Source))
			i.logger.Info("twilio_stream_started", "stream_sid", sid, "call_sid", call.CallSID, "tracks", mixer.tracks)
		case "media":
			if evt.Media == nil || mixer == nil {
				continue
			}
			if track := evt.Media.Track; track != "" && track != "inbound" && track != "outbound" {
				continue
			}
			payload, err := base64.StdEncoding.DecodeString(evt.Media.Payload)
			if err != nil {
				i.logger.Debug("twilio_media_decode_failed", "stream_sid", streamSID, "reason_code", string(errorsx.ReasonAudioDecode))
				continue
			}
			track := evt.Media.Track
			if track == "" {
				track = "inbound"
			}
			mixer.Add(track, mixer.offset(evt.Media.Timestamp, time.Now()), audio.MuLawToPCM(payload))
		case "stop":
			i.logger.Info("twilio_stream_stopped", "stream_sid", streamSID)
			if mixer != nil {
				mixer.Flush()
			}
			i.detach(streamSID)
			return
		}
	}
	if mixer != nil {
		mixer.Flush()
	}
	if streamSID != "" {
		i.logger.Info("twilio_stream_closed", "stream_sid", streamSID, "reason_code", string(errorsx.ReasonTransportClosed))
		i.detach(streamSID)
	}
}

func (i *Ingress) handleVoice(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !i.authorized(r) {
		i.logger.Warn("twilio_invalid_signature", "path", r.URL.Path, "reason_code", string(errorsx.ReasonTransportInvalidSignature))
		w.WriteHeader(http.StatusForbidden)
		return
	}
	from := r.PostFormValue("From")
	w.Header().Set("Content-Type", "text/xml")
	_, _ = w.Write([]byte(i.buildTwiML(i.websocketURL(r), from)))
}

func (i *Ingress) buildTwiML(wsURL, from string) string {
	var b strings.Builder
	b.WriteString("<Response>")
	if greeting := strings.TrimSpace(i.cfg.VoiceGreeting); greeting != "" {
		b.WriteString("<Say>" + xmlEscape(greeting) + "</Say>")
	}
	param := ""
	if from != "" {
		param = `<Parameter name="from" value="` + xmlEscape(from) + `"/>`
	}
	if fwd := strings.TrimSpace(i.cfg.ForwardNumber); fwd != "" {
		b.WriteString(`<Start><Stream url="` + xmlEscape(wsURL) + `" track="both_tracks">` + param + `</Stream></Start>`)
		dial := "<Dial"
		if i.cfg.CallerID != "" {
			dial += ` callerId="` + xmlEscape(i.cfg.CallerID) + `"`
		}
		b.WriteString(dial + ">" + xmlEscape(fwd) + "</Dial>")
	} else {
		b.WriteString(`<Connect><Stream url="` + xmlEscape(wsURL) + `">` + param + `</Stream></Connect>`)
	}
	b.WriteString("</Response>")
	return b.String()
}

func (i *Ingress) handleStatusCallback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !i.authorized(r) {
		i.logger.Warn("twilio_status_invalid_signature", "reason_code", string(errorsx.ReasonTransportInvalidSignature))
		w.WriteHeader(http.StatusForbidden)
		return
	}
	callSID := r.PostFormValue("CallSid")
	reason := NormalizeCallEndReason(r.PostFormValue("CallStatus"))
	if reason == "" || callSID == "" {
		w.WriteHeader(http.StatusOK)
		return
	}
	if sid := i.streamForCall(callSID); sid != "" {
		i.logger.Info("twilio_call_ended", "call_sid", callSID, "stream_sid", sid, "reason", reason)
		i.detach(sid)
	}
	w.WriteHeader(http.StatusOK)
}

// authorized validates X-Twilio-Signature when an auth token is configured.
func (i *Ingress) authorized(r *http.Request) bool {
	if i.cfg.AuthToken == "" {
		return true
	}
	signature := r.Header.Get("X-Twilio-Signature")
	if signature == "" {
		return false
	}
	if err := r.ParseForm(); err != nil {
		return false
	}
	params := make(map[string]string, len(r.PostForm))
	for k, v := range r.PostForm {
		if len(v) > 0 {
			params[k] = v[0]
		}
	}
	return i.validator.Validate(i.requestURL(r), params, signature)
}

func (i *Ingress) attach(call Call, conn *websocket.Conn) error {
	if i.draining.Load() {
		return errors.New("ingress draining")
	}
	i.mu.Lock()
	var replaced *stream
	if call.CallSID != "" {
		if old := i.callStreams[call.CallSID]; old != "" && old != call.StreamSID {
			replaced = i.streams[old]
			delete(i.streams, old)
		}
	}
	select {
	case i.calls <- call:
	default:
		i.mu.Unlock()
		return ErrCallsFull
	}
	i.streams[call.StreamSID] = &stream{call: call, conn: conn}
	if call.CallSID != "" {
		i.callStreams[call.CallSID] = call.StreamSID
	}
	i.mu.Unlock()
	if replaced != nil {
		replaced.call.Source.End()
		_ = replaced.conn.Close()
	}
	return nil
}

func (i *Ingress) detach(streamSID string) {
	i.mu.Lock()
	s := i.streams[streamSID]
	delete(i.streams, streamSID)
	if s != nil && s.call.CallSID != "" && i.callStreams[s.call.CallSID] == streamSID {
		delete(i.callStreams, s.call.CallSID)
	}
	i.mu.Unlock()
	if s != nil {
		s.call.Source.End()
	}
}

func (i *Ingress) streamForCall(callSID string) string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.callStreams[callSID]
}

// Open reports the number of live media streams.
func (i *Ingress) Open() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.streams)
}

func (i *Ingress) websocketURL(r *http.Request) string {
	if i.cfg.PublicURL != "" {
		return "wss://" + normalizePublicURL(i.cfg.PublicURL) + i.cfg.MediaPath
	}
	host := r.Host
	if host == "" {
		host = strings.TrimPrefix(i.cfg.ServerAddr, ":")
	}
	return "wss://" + host + i.cfg.MediaPath
}

func (i *Ingress) requestURL(r *http.Request) string {
	if i.cfg.PublicURL != "" {
		base := strings.TrimRight(i.cfg.PublicURL, "/")
		if !strings.Contains(base, "://") {
			base = "https://" + base
		}
		return base + r.URL.RequestURI()
	}
	scheme := r.URL.Scheme
	if scheme == "" {
		if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
			scheme = proto
		} else {
			scheme = "https"
		}
	}
	host := r.Host
	if host == "" {
		host = strings.TrimPrefix(i.cfg.ServerAddr, ":")
	}
	return scheme + "://" + host + r.URL.RequestURI()
}

func (i *Ingress) checkOrigin(r *http.Request) bool {
	if i.cfg.AllowAnyOrigin {
		return true
	}
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	origin = strings.TrimRight(origin, "/")
	originHost := strings.TrimPrefix(strings.TrimPrefix(origin, "https://"), "http://")
	for _, allowed := range i.cfg.AllowedOrigins {
		a := strings.TrimRight(strings.TrimSpace(allowed), "/")
		if a == "" {
			continue
		}
		if strings.HasPrefix(a, "http://") || strings.HasPrefix(a, "https://") {
			if strings.EqualFold(a, origin) {
				return true
			}
			continue
		}
		if strings.EqualFold(a, originHost) {
			return true
		}
	}
	return false
}

func xmlEscape(in string) string {
	return strings.NewReplacer(
		"&", "&amp;",
		"<", "&lt;",
		">", "&gt;",
		"\"", "&quot;",
		"'", "&apos;",
	).Replace(in)
}

// NormalizeCallEndReason maps a twilio CallStatus to a terminal reason, or
// "" while the call is still live.
func NormalizeCallEndReason(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "queued", "ringing", "in-progress", "inprogress", "initiated":
		return ""
	case "completed", "hangup":
		return "completed"
	case "busy":
		return "busy"
	case "no_answer", "noanswer", "no-answer":
		return "no_answer"
	case "failed", "canceled", "cancelled":
		return "failed"
	default:
		return "unknown"
	}
}

type MediaStart struct {
	CallSID          string            `json:"callSid"`
	StreamSID        string            `json:"streamSid"`
	Tracks           []string          `json:"tracks,omitempty"`
	CustomParameters map[string]string `json:"customParameters,omitempty"`
}

type MediaPayload struct {
	Track string `json:"track,omitempty"`
	Chunk string `json:"chunk,omitempty"`
	// Timestamp is milliseconds since the stream started.
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"`
}

type MediaStop struct {
	CallSID string `json:"callSid"`
}

// MediaEvent is one Media Streams websocket message.
type MediaEvent struct {
	Event     string        `json:"event"`
	StreamSID string        `json:"streamSid,omitempty"`
	Start     *MediaStart   `json:"start,omitempty"`
	Media     *MediaPayload `json:"media,omitempty"`
	Stop      *MediaStop    `json:"stop,omitempty"`
}
