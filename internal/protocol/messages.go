package protocol

// Command tags accepted on the wire. Dispatch over these is exhaustive;
// adding a command means touching the dispatcher switch.
const (
	CommandPing       = "ping"
	CommandInfo       = "info"
	CommandSynthesize = "synthesize"
)

const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Output formats a client may request.
const (
	FormatWAV = "wav"
	FormatPCM = "pcm"
)

// Audio encodings reported back to the client.
const (
	EncodingWAV = "wav"
	EncodingPCM = "pcm_s16le"
)

// ErrorKind classifies a failed request for the client.
type ErrorKind string

const (
	ErrInvalidRequest      ErrorKind = "invalid_request"
	ErrEmptyText           ErrorKind = "empty_text"
	ErrTextTooLong         ErrorKind = "text_too_long"
	ErrInvalidLanguage     ErrorKind = "invalid_language"
	ErrParameterOutOfRange ErrorKind = "parameter_out_of_range"
	ErrBackpressure        ErrorKind = "backpressure"
	ErrTimeout             ErrorKind = "timeout"
	ErrEngineFailure       ErrorKind = "engine_failure"
)

// Request is one logical client request, one per inbound frame.
// Pointer fields distinguish "omitted, use the configured default"
// from an explicit zero. ReferenceAudio is an optional voice prompt
// (base64 WAV on the wire) handed to the engine untouched.
type Request struct {
	Command           string   `json:"command"`
	Text              string   `json:"text,omitempty"`
	Language          string   `json:"language,omitempty"`
	Exaggeration      *float64 `json:"exaggeration,omitempty"`
	Temperature       *float64 `json:"temperature,omitempty"`
	CFGWeight         *float64 `json:"cfg_weight,omitempty"`
	RepetitionPenalty *float64 `json:"repetition_penalty,omitempty"`
	MinP              *float64 `json:"min_p,omitempty"`
	TopP              *float64 `json:"top_p,omitempty"`
	ReferenceAudio    []byte   `json:"reference_audio,omitempty"`
	OutputFormat      string   `json:"output_format,omitempty"`
}

// Response is the outbound frame. Audio is base64 on the wire
// (encoding/json handles []byte that way), WAV or raw PCM16-LE
// depending on Encoding.
type Response struct {
	Status       string      `json:"status"`
	Message      string      `json:"message,omitempty"`
	Audio        []byte      `json:"audio,omitempty"`
	SampleRate   int         `json:"sample_rate,omitempty"`
	Channels     int         `json:"channels,omitempty"`
	Encoding     string      `json:"encoding,omitempty"`
	Language     string      `json:"language,omitempty"`
	ElapsedMS    int64       `json:"elapsed_ms,omitempty"`
	ErrorKind    ErrorKind   `json:"error_kind,omitempty"`
	ErrorMessage string      `json:"error_message,omitempty"`
	Info         *ServerInfo `json:"info,omitempty"`
}

// ServerInfo describes server capabilities; sent as the welcome frame
// on connect and as the reply to the info command. Built once at
// startup, so serving it never waits on synthesis work.
type ServerInfo struct {
	Server             string        `json:"server"`
	Version            string        `json:"version"`
	Device             string        `json:"device"`
	SupportedLanguages []string      `json:"supported_languages"`
	DefaultLanguage    string        `json:"default_language"`
	SampleRate         int           `json:"sample_rate"`
	Channels           int           `json:"channels"`
	Limits             RequestLimits `json:"limits"`
}

// RequestLimits advertises validation bounds so clients can reject
// bad input before a round trip.
type RequestLimits struct {
	MaxTextChars      int        `json:"max_text_chars"`
	Exaggeration      [2]float64 `json:"exaggeration"`
	Temperature       [2]float64 `json:"temperature"`
	CFGWeight         [2]float64 `json:"cfg_weight"`
	RepetitionPenalty [2]float64 `json:"repetition_penalty"`
	MinP              [2]float64 `json:"min_p"`
	TopP              [2]float64 `json:"top_p"`
}

// ErrorResponse builds the standard error frame for a failed request.
func ErrorResponse(kind ErrorKind, message string) Response {
	return Response{
		Status:       StatusError,
		ErrorKind:    kind,
		ErrorMessage: message,
	}
}
