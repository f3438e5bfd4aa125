package session

import (
	"github.com/google/uuid"

	"github.com/braidhq/braid/internal/model"
	"github.com/braidhq/braid/internal/orchestrator"
)

// Frame kinds. Every frame on the wire, both directions, carries one in
// its kind field.
const (
	kindChat   = "chat"
	kindCancel = "cancel"

	kindTurnStarted   = "turn_started"
	kindTextDelta     = "text_delta"
	kindCitations     = "citations"
	kindProgress      = "progress"
	kindToolResult    = "tool_result"
	kindBudgetWarning = "budget_warning"
	kindError         = "error"
	kindTurnEnded     = "turn_ended"
)

// clientFrame is one inbound frame. Only the fields for its kind are
// read; unknown fields are ignored so newer clients keep working.
type clientFrame struct {
	Kind           string                   `json:"kind"`
	ConversationID uuid.UUID                `json:"conversation_id"`
	Content        string                   `json:"content"`
	Options        orchestrator.TurnOptions `json:"options"`
	TurnID         uuid.UUID                `json:"turn_id"`
}

type turnStartedFrame struct {
	Kind     string    `json:"kind"`
	TurnID   uuid.UUID `json:"turn_id"`
	AgentTag string    `json:"agent_tag"`
}

type textDeltaFrame struct {
	Kind   string    `json:"kind"`
	TurnID uuid.UUID `json:"turn_id"`
	Text   string    `json:"text"`
}

type citationsFrame struct {
	Kind   string           `json:"kind"`
	TurnID uuid.UUID        `json:"turn_id"`
	List   []model.Citation `json:"list"`
}

type progressFrame struct {
	Kind    string    `json:"kind"`
	TurnID  uuid.UUID `json:"turn_id"`
	Percent int       `json:"percent"`
	Note    string    `json:"note,omitempty"`
}

// toolResultFrame names the producing branch in tool, one of sql,
// retrieval, or research; kind stays the frame discriminator.
type toolResultFrame struct {
	Kind    string    `json:"kind"`
	TurnID  uuid.UUID `json:"turn_id"`
	Tool    string    `json:"tool"`
	Payload any       `json:"payload"`
}

type budgetWarningFrame struct {
	Kind        string `json:"kind"`
	PercentUsed int    `json:"percent_used"`
	Cap         int64  `json:"cap"`
}

type errorFrame struct {
	Kind    string     `json:"kind"`
	TurnID  *uuid.UUID `json:"turn_id,omitempty"`
	Code    string     `json:"code"`
	Message string     `json:"message"`
}

type turnEndedFrame struct {
	Kind   string                 `json:"kind"`
	TurnID uuid.UUID              `json:"turn_id"`
	Stats  orchestrator.TurnStats `json:"stats"`
}

// The session is the orchestrator's sink. Each method marshals one frame
// and hands it to the blocking outbound queue; program order is
// preserved because every producer of a turn runs on the turn loop.

func (s *session) TurnStarted(turnID uuid.UUID, agentTag string) {
	s.enqueue(kindTurnStarted, turnStartedFrame{Kind: kindTurnStarted, TurnID: turnID, AgentTag: agentTag})
}

func (s *session) TextDelta(turnID uuid.UUID, text string) {
	s.enqueue(kindTextDelta, textDeltaFrame{Kind: kindTextDelta, TurnID: turnID, Text: text})
}

func (s *session) Citations(turnID uuid.UUID, citations []model.Citation) {
	s.enqueue(kindCitations, citationsFrame{Kind: kindCitations, TurnID: turnID, List: citations})
}

func (s *session) Progress(turnID uuid.UUID, percent int, note string) {
	s.enqueue(kindProgress, progressFrame{Kind: kindProgress, TurnID: turnID, Percent: percent, Note: note})
}

func (s *session) ToolResult(turnID uuid.UUID, kind string, payload any) {
	s.enqueue(kindToolResult, toolResultFrame{Kind: kindToolResult, TurnID: turnID, Tool: kind, Payload: payload})
}

func (s *session) BudgetWarning(percentUsed int, budgetCap int64) {
	s.enqueue(kindBudgetWarning, budgetWarningFrame{Kind: kindBudgetWarning, PercentUsed: percentUsed, Cap: budgetCap})
}

func (s *session) Error(turnID uuid.UUID, code, message string) {
	s.sendError(turnID, code, message)
}

func (s *session) TurnEnded(turnID uuid.UUID, stats orchestrator.TurnStats) {
	s.enqueue(kindTurnEnded, turnEndedFrame{Kind: kindTurnEnded, TurnID: turnID, Stats: stats})
}

// sendError serves both orchestrator error frames and the session's own
// protocol answers (rate limits, malformed frames), which carry no turn.
func (s *session) sendError(turnID uuid.UUID, code, message string) {
	f := errorFrame{Kind: kindError, Code: code, Message: message}
	if turnID != uuid.Nil {
		f.TurnID = &turnID
	}
	s.enqueue(kindError, f)
}

var _ orchestrator.Sink = (*session)(nil)
