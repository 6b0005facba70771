package protocol

type Stage string

const (
	StageValidating     Stage = "VALIDATING"
	StageProcessingAI   Stage = "PROCESSING_AI"
	StageAIRetry        Stage = "AI_RETRY"
	StageApplyingEvents Stage = "APPLYING_EVENTS"
	StagePersisting     Stage = "PERSISTING"
	StageCompleted      Stage = "COMPLETED"
	StageFailed         Stage = "FAILED"
)

// Rank orders stages for the "never go backwards" rule. AI_RETRY shares the
// rank of PROCESSING_AI, FAILED outranks everything.
func (s Stage) Rank() int {
	switch s {
	case StageValidating:
		return 1
	case StageProcessingAI, StageAIRetry:
		return 2
	case StageApplyingEvents:
		return 3
	case StagePersisting:
		return 4
	case StageCompleted:
		return 5
	case StageFailed:
		return 6
	}
	return 0
}

// SSE event names.
const (
	FrameProgress = "progress"
	FrameComplete = "complete"
	FrameError    = "error"
)

type LiveEvent struct {
	Sequence          int      `json:"sequence"`
	Total             int      `json:"total"`
	Type              string   `json:"type"`
	Description       string   `json:"description"`
	InvolvedCountries []string `json:"involvedCountries"`
	ImageURL          string   `json:"imageUrl,omitempty"`
}

// LiveDraftEvent is a partially streamed event; Final is set once the
// object closed and parsed.
type LiveDraftEvent struct {
	Index             int      `json:"index"`
	Attempt           int      `json:"attempt"`
	Type              string   `json:"type,omitempty"`
	Description       string   `json:"description"`
	InvolvedCountries []string `json:"involvedCountries"`
	Final             bool     `json:"final"`
}

type ProgressFrame struct {
	Stage          Stage           `json:"stage"`
	Progress       int             `json:"progress"`
	Message        string          `json:"message"`
	Attempt        int             `json:"attempt,omitempty"`
	TotalAttempts  int             `json:"totalAttempts,omitempty"`
	LiveEvent      *LiveEvent      `json:"liveEvent,omitempty"`
	LiveDraftEvent *LiveDraftEvent `json:"liveDraftEvent,omitempty"`
}

type CompleteFrame struct {
	Stage    Stage      `json:"stage"`
	Progress int        `json:"progress"`
	Message  string     `json:"message"`
	Result   TurnResult `json:"result"`
}

type ErrorFrame struct {
	Stage             Stage  `json:"stage"`
	Progress          int    `json:"progress"`
	Message           string `json:"message"`
	Code              string `json:"code"`
	StatusCode        int    `json:"statusCode"`
	CurrentTurnNumber *int   `json:"currentTurnNumber,omitempty"`
}
