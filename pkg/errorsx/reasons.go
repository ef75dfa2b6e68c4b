package errorsx

// ReasonCode is a short machine-readable error reason.
type ReasonCode string

const (
	ReasonUnknown ReasonCode = "unknown"

	ReasonTransportConnect   ReasonCode = "transport_connect"
	ReasonTransportSend      ReasonCode = "transport_send"
	ReasonTransportRead      ReasonCode = "transport_read"
	ReasonTransportHeartbeat ReasonCode = "transport_heartbeat_timeout"
	ReasonTransportExhausted ReasonCode = "transport_retry_exhausted"
	ReasonTransportClosed    ReasonCode = "transport_closed"

	ReasonTransportInvalidSignature ReasonCode = "webhook_invalid_signature"
	ReasonTelephonyDial             ReasonCode = "telephony_dial"

	ReasonEnvelopeDecode      ReasonCode = "envelope_decode"
	ReasonEnvelopeUnknownType ReasonCode = "envelope_unknown_type"
	ReasonAudioDecode         ReasonCode = "audio_decode"

	ReasonSTTConnect     ReasonCode = "stt_connect"
	ReasonSTTSend        ReasonCode = "stt_send"
	ReasonSTTRecognize   ReasonCode = "stt_recognize"
	ReasonSTTCircuitOpen ReasonCode = "stt_circuit_open"
	ReasonCatalogLookup  ReasonCode = "catalogue_lookup"
	ReasonSummaryPublish ReasonCode = "summary_publish"

	ReasonEmptySegment ReasonCode = "empty_segment"
	ReasonInvalidState ReasonCode = "invalid_state_transition"
)

// Class groups reason codes by how the pipeline reacts to them.
type Class string

const (
	ClassUnknown                 Class = "unknown"
	ClassTransient               Class = "transient"
	ClassTerminal                Class = "terminal"
	ClassMalformed               Class = "malformed"
	ClassCollaboratorUnavailable Class = "collaborator_unavailable"
	ClassInvariantViolation      Class = "invariant_violation"
)

var reasonClasses = map[ReasonCode]Class{
	ReasonTransportConnect:          ClassTransient,
	ReasonTransportSend:             ClassTransient,
	ReasonTransportRead:             ClassTransient,
	ReasonTransportHeartbeat:        ClassTransient,
	ReasonTransportExhausted:        ClassTerminal,
	ReasonTransportClosed:           ClassTerminal,
	ReasonTransportInvalidSignature: ClassMalformed,
	ReasonTelephonyDial:             ClassCollaboratorUnavailable,
	ReasonEnvelopeDecode:            ClassMalformed,
	ReasonEnvelopeUnknownType:       ClassMalformed,
	ReasonAudioDecode:               ClassMalformed,
	ReasonSTTConnect:                ClassCollaboratorUnavailable,
	ReasonSTTSend:                   ClassCollaboratorUnavailable,
	ReasonSTTRecognize:              ClassCollaboratorUnavailable,
	ReasonSTTCircuitOpen:            ClassCollaboratorUnavailable,
	ReasonCatalogLookup:             ClassCollaboratorUnavailable,
	ReasonSummaryPublish:            ClassCollaboratorUnavailable,
	ReasonEmptySegment:              ClassInvariantViolation,
	ReasonInvalidState:              ClassInvariantViolation,
}

// ClassFor returns the class a reason belongs to.
func ClassFor(reason ReasonCode) Class {
	if c, ok := reasonClasses[reason]; ok {
		return c
	}
	return ClassUnknown
}

// ClassOf returns the class of the reason attached to err.
func ClassOf(err error) Class {
	if err == nil {
		return ClassUnknown
	}
	return ClassFor(Reason(err))
}

// Escalates reports whether errors of this class must reach the caller.
// Transient, malformed and collaborator failures are absorbed inside the pipeline.
func Escalates(c Class) bool {
	return c == ClassTerminal || c == ClassInvariantViolation
}
