package protocol_test

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"faxhistoria.ai/internal/protocol"
)

func TestSchemas_ValidateSamples(t *testing.T) {
	compile := func(name string) *jsonschema.Schema {
		t.Helper()
		p := filepath.Join("..", "..", "schemas", name)
		s, err := jsonschema.Compile(p)
		if err != nil {
			t.Fatalf("compile %s: %v", name, err)
		}
		return s
	}

	// Encode the Go value and validate the generic decoding, so the schema
	// sees exactly what a client would.
	validate := func(s *jsonschema.Schema, v any) {
		t.Helper()
		b, err := json.Marshal(v)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		var generic any
		if err := json.Unmarshal(b, &generic); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if err := s.Validate(generic); err != nil {
			t.Fatalf("validate %s: %v", b, err)
		}
	}

	resultSchema := compile("turn_result.schema.json")
	progressSchema := compile("progress_frame.schema.json")
	errorSchema := compile("error.schema.json")
	submitSchema := compile("submit_turn.schema.json")

	seed := int64(1234)
	result := protocol.TurnResult{
		TurnID:     "0f8c6a43-8b4f-4d2c-9d1a-0b1c2d3e4f50",
		TurnNumber: 1,
		Year:       2026,
		Events: []protocol.EventSummary{
			{Type: "ALLIANCE", Description: "France and Germany sign a defence pact.", InvolvedCountries: []string{"France", "Germany"}, ImageURL: "https://img.example/a.png", ImageSeed: &seed},
			{Type: "NARRATIVE", Description: "Markets hold their breath.", InvolvedCountries: []string{}},
		},
		WorldNarrative: "The continent drifts toward a new balance.",
		YearSummary:    "A year of pacts.",
		StateVersion:   1,
	}
	validate(resultSchema, result)

	validate(progressSchema, protocol.ProgressFrame{Stage: protocol.StageValidating, Progress: 5, Message: "Validating request"})
	validate(progressSchema, protocol.ProgressFrame{
		Stage: protocol.StageAIRetry, Progress: 40, Message: "Retrying", Attempt: 2, TotalAttempts: 3,
		LiveDraftEvent: &protocol.LiveDraftEvent{Index: 0, Attempt: 2, Type: "WAR", Description: "Troops mass", InvolvedCountries: []string{"Russia"}},
	})
	validate(progressSchema, protocol.ProgressFrame{
		Stage: protocol.StageApplyingEvents, Progress: 75, Message: "Applying event 1 of 2",
		LiveEvent: &protocol.LiveEvent{Sequence: 1, Total: 2, Type: "ALLIANCE", Description: "pact", InvolvedCountries: []string{"France", "Germany"}},
	})

	current := 1
	validate(errorSchema, protocol.ErrorResponse{
		Error: protocol.ErrorLabel(409), Code: protocol.ErrStale, Message: "turn number mismatch",
		StatusCode: 409, CurrentTurnNumber: &current,
	})

	expected := 0
	validate(submitSchema, protocol.SubmitTurnMsg{
		Type: protocol.TypeSubmitTurn, ProtocolVersion: protocol.Version, GameID: "g1",
		Action: "Propose a trade pact with Japan.", ExpectedTurnNumber: &expected, IdempotencyKey: "k-1",
	})
}

func TestSimulationSchema_RejectsMissingWarSides(t *testing.T) {
	s, err := jsonschema.Compile(filepath.Join("..", "..", "schemas", "simulation.schema.json"))
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	var doc any
	_ = json.Unmarshal([]byte(`{
	  "events":[{"type":"WAR","description":"Border clash","involvedCountries":["A","B"],"aggressorCountries":[]}],
	  "worldNarrative":"n",
	  "yearSummary":"s"
	}`), &doc)
	if err := s.Validate(doc); err == nil {
		t.Fatalf("expected validation error for WAR without defenders")
	}
}
