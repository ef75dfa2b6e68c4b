package observers

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/harunnryd/callguide/pkg/metrics"
	"github.com/harunnryd/callguide/pkg/redact"
)

const timelineExt = ".jsonl"

// TimelineObserver appends every event tagged with a call_id to
// <dir>/<call_id>.jsonl. String fields pass through the redactor.
type TimelineObserver struct {
	dir      string
	redactor *redact.Redactor
	mu       sync.Mutex
	files    map[string]*os.File
}

func NewTimelineObserver(dir string, redactor *redact.Redactor) *TimelineObserver {
	return &TimelineObserver{dir: dir, redactor: redactor, files: make(map[string]*os.File)}
}

func (o *TimelineObserver) RecordEvent(ev metrics.MetricsEvent) {
	callID := ev.Tags["call_id"]
	if callID == "" || strings.TrimSpace(o.dir) == "" {
		return
	}
	line, err := json.Marshal(timelineEvent{
		Time:      ev.Time.UTC(),
		Event:     ev.Name,
		CallID:    callID,
		SegmentID: ev.Tags["segment_id"],
		Value:     ev.Value,
		Tags:      copyTags(ev.Tags),
		Fields:    o.sanitizeFields(ev.Fields),
	})
	if err != nil {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	f := o.fileForLocked(callID)
	if f == nil {
		return
	}
	_, _ = f.Write(append(line, '\n'))
	if ev.Name == metrics.EventCallEnded {
		o.closeLocked(callID)
	}
}

// Close closes any open files.
func (o *TimelineObserver) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	var err error
	for id, f := range o.files {
		if cerr := f.Close(); cerr != nil {
			err = errors.Join(err, cerr)
		}
		delete(o.files, id)
	}
	return err
}

type timelineEvent struct {
	Time      time.Time         `json:"time"`
	Event     string            `json:"event"`
	CallID    string            `json:"call_id"`
	SegmentID string            `json:"segment_id,omitempty"`
	Value     float64           `json:"value,omitempty"`
	Tags      map[string]string `json:"tags,omitempty"`
	Fields    map[string]any    `json:"fields,omitempty"`
}

func (o *TimelineObserver) fileForLocked(id string) *os.File {
	safe := sanitizeID(id)
	if safe == "" {
		return nil
	}
	if f := o.files[safe]; f != nil {
		return f
	}
	if err := os.MkdirAll(o.dir, 0o755); err != nil {
		return nil
	}
	f, err := os.OpenFile(filepath.Join(o.dir, safe+timelineExt), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil
	}
	o.files[safe] = f
	return f
}

func (o *TimelineObserver) closeLocked(id string) {
	safe := sanitizeID(id)
	if f := o.files[safe]; f != nil {
		_ = f.Close()
		delete(o.files, safe)
	}
}

func sanitizeID(id string) string {
	id = strings.TrimSpace(id)
	if id == "" {
		return ""
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-' || r == '_' || r == '.':
			return r
		default:
			return '_'
		}
	}, id)
}

func copyTags(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func (o *TimelineObserver) sanitizeFields(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		if s, ok := v.(string); ok {
			out[k] = o.redactor.Text(s)
			continue
		}
		out[k] = v
	}
	return out
}

var _ metrics.Observer = (*TimelineObserver)(nil)
