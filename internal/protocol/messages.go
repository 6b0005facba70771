package protocol

import "time"

// SubmitTurnRequest is the HTTP body of a turn submission. The idempotency
// key travels out of band (X-Idempotency-Key).
type SubmitTurnRequest struct {
	Action             string `json:"action"`
	ExpectedTurnNumber *int   `json:"expectedTurnNumber"`
}

type EventSummary struct {
	Type              string   `json:"type"`
	Description       string   `json:"description"`
	InvolvedCountries []string `json:"involvedCountries"`
	ImageURL          string   `json:"imageUrl,omitempty"`
	ImageSeed         *int64   `json:"imageSeed,omitempty"`
}

// TurnResult is the synchronous response of a committed turn. It is also the
// payload cached on the idempotency record and replayed verbatim.
type TurnResult struct {
	TurnID         string         `json:"turnId"`
	TurnNumber     int            `json:"turnNumber"`
	Year           int            `json:"year"`
	Events         []EventSummary `json:"events"`
	WorldNarrative string         `json:"worldNarrative"`
	YearSummary    string         `json:"yearSummary"`
	StateVersion   int            `json:"stateVersion"`
}

type ErrorResponse struct {
	Error             string `json:"error"`
	Code              string `json:"code"`
	Message           string `json:"message"`
	StatusCode        int    `json:"statusCode"`
	CurrentTurnNumber *int   `json:"currentTurnNumber,omitempty"`
}

type CreateGameRequest struct {
	Name          string `json:"name"`
	PlayerCountry string `json:"playerCountry"`
	StartYear     int    `json:"startYear,omitempty"`
}

type GameSummary struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	PlayerCountry string    `json:"playerCountry"`
	StartYear     int       `json:"startYear"`
	CurrentYear   int       `json:"currentYear"`
	TurnNumber    int       `json:"turnNumber"`
	Status        string    `json:"status"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

type TurnSummary struct {
	ID             string         `json:"id"`
	TurnNumber     int            `json:"turnNumber"`
	Year           int            `json:"year"`
	PlayerAction   string         `json:"playerAction"`
	WorldNarrative string         `json:"worldNarrative"`
	YearSummary    string         `json:"yearSummary"`
	Events         []EventSummary `json:"events"`
	CreatedAt      time.Time      `json:"createdAt"`
}

type GameDetail struct {
	GameSummary
	TotalTokensUsed int64         `json:"totalTokensUsed"`
	State           any           `json:"state"`
	Turns           []TurnSummary `json:"turns"`
}

// SUBMIT_TURN (client -> server)
type SubmitTurnMsg struct {
	Type               string `json:"type"`
	ProtocolVersion    string `json:"protocol_version"`
	GameID             string `json:"game_id"`
	Action             string `json:"action"`
	ExpectedTurnNumber *int   `json:"expected_turn_number"`
	IdempotencyKey     string `json:"idempotency_key"`
}

// Server messages echo the game and key of the submission they belong to;
// one connection may have several turns in flight.

// PROGRESS (server -> client)
type ProgressMsg struct {
	Type            string        `json:"type"`
	ProtocolVersion string        `json:"protocol_version"`
	GameID          string        `json:"game_id"`
	IdempotencyKey  string        `json:"idempotency_key"`
	Frame           ProgressFrame `json:"frame"`
}

// COMPLETE (server -> client)
type CompleteMsg struct {
	Type            string        `json:"type"`
	ProtocolVersion string        `json:"protocol_version"`
	GameID          string        `json:"game_id"`
	IdempotencyKey  string        `json:"idempotency_key"`
	Frame           CompleteFrame `json:"frame"`
}

// ERROR (server -> client)
type ErrorMsg struct {
	Type            string     `json:"type"`
	ProtocolVersion string     `json:"protocol_version"`
	GameID          string     `json:"game_id,omitempty"`
	IdempotencyKey  string     `json:"idempotency_key,omitempty"`
	Frame           ErrorFrame `json:"frame"`
}
