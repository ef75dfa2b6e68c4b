package wire

// AudioChunk carries captured audio on the duplex channel.
type AudioChunk struct {
	Seq        uint64 `json:"seq"`
	SampleRate int    `json:"sample_rate"`
	Encoding   string `json:"encoding"`
	Data       string `json:"data"`
}

// Heartbeat is both the liveness check and its acknowledgement.
type Heartbeat struct {
	ID string `json:"id"`
}

// Agent identifies the person being guided.
type Agent struct {
	Name      string `json:"name,omitempty"`
	Brokerage string `json:"brokerage,omitempty"`
	Phone     string `json:"phone,omitempty"`
}

// Property describes the listing the call is about.
type Property struct {
	Address   string `json:"address,omitempty"`
	Price     string `json:"price,omitempty"`
	Bedrooms  string `json:"bedrooms,omitempty"`
	Bathrooms string `json:"bathrooms,omitempty"`
	Sqft      string `json:"sqft,omitempty"`
	YearBuilt string `json:"year_built,omitempty"`
}

type StartCall struct {
	CallID   string   `json:"call_id"`
	Agent    Agent    `json:"agent"`
	Property Property `json:"property"`
}

type EndCall struct {
	Reason string `json:"reason,omitempty"`
}

type Transcription struct {
	SegmentID  string  `json:"segment_id"`
	Speaker    string  `json:"speaker"`
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	Timestamp  string  `json:"timestamp"`
}

type SuggestionGroup struct {
	Category    string   `json:"category"`
	Key         string   `json:"key"`
	Suggestions []string `json:"suggestions"`
}

type Suggestions struct {
	Phase  string            `json:"phase"`
	Groups []SuggestionGroup `json:"groups"`
}

type Objection struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type ALMUpdate struct {
	Phase        string          `json:"phase"`
	Progress     map[string]int  `json:"progress"`
	KeyInfo      map[string]bool `json:"key_info"`
	Objections   []Objection     `json:"objections"`
	RapportScore int             `json:"rapport_score"`
	RapportLabel string          `json:"rapport_label"`
	Warnings     []string        `json:"warnings,omitempty"`
}

type CallMetrics struct {
	DurationMS        int64   `json:"duration_ms"`
	Frames            int64   `json:"frames"`
	Segments          int64   `json:"segments"`
	Transcripts       int64   `json:"transcripts"`
	AvgSignalStrength float64 `json:"avg_signal_strength"`
	QueueDropped      int64   `json:"queue_dropped"`
	Reconnects        int64   `json:"reconnects"`
}

type Error struct {
	Class   string `json:"class"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ConnectionStatus struct {
	State   string `json:"state"`
	Attempt int    `json:"attempt,omitempty"`
	Reason  string `json:"reason,omitempty"`
}
