package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/braidhq/braid/internal/budget"
	"github.com/braidhq/braid/internal/llm"
	"github.com/braidhq/braid/internal/memory"
	"github.com/braidhq/braid/internal/model"
	"github.com/braidhq/braid/internal/research"
	"github.com/braidhq/braid/internal/retrieval"
	"github.com/braidhq/braid/internal/service/conversations"
	"github.com/braidhq/braid/internal/storage"
	"github.com/braidhq/braid/internal/tabular"
)

// turnState carries the resolved turn context between RunTurn and the
// branch runners.
type turnState struct {
	turnID   uuid.UUID
	userID   uuid.UUID
	conv     model.Conversation
	agentTag string
	modelTag string
	content  string
	temporal string
	docs     []model.Document
	history  []llm.Message
	ragOnly  bool
	start    time.Time
}

// retrievalHit is the tool_result payload for the retrieval branch. N
// matches the [n] markers the reply may carry.
type retrievalHit struct {
	N            int       `json:"n"`
	DocumentID   uuid.UUID `json:"document_id"`
	DocumentName string    `json:"document_name"`
	Ordinal      int       `json:"ordinal"`
	Score        float32   `json:"score"`
}

// researchStarted is the tool_result payload when a research job launches.
type researchStarted struct {
	JobID  uuid.UUID            `json:"job_id"`
	Topic  string               `json:"topic"`
	Depth  model.ResearchDepth  `json:"depth"`
	Status model.ResearchStatus `json:"status"`
}

// RunTurn executes one user turn and blocks until its terminal frame.
// Every failure is surfaced on the sink; the error return is for the
// session's log only and always follows an error frame.
func (o *Orchestrator) RunTurn(ctx context.Context, userID uuid.UUID, in TurnInput, sink Sink) error {
	start := time.Now()
	if in.TurnID == uuid.Nil {
		in.TurnID = uuid.New()
	}
	content := strings.TrimSpace(in.Content)
	if content == "" {
		sink.Error(in.TurnID, codeValidation, "message content is required")
		return nil
	}

	conv, err := o.db.GetConversation(ctx, userID, in.ConversationID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			sink.Error(in.TurnID, codeNotFound, "conversation not found")
			return nil
		}
		sink.Error(in.TurnID, codeInternal, "the conversation could not be loaded")
		return fmt.Errorf("orchestrator: load conversation: %w", err)
	}

	settings, err := o.db.EffectiveSettings(ctx, userID, o.cfg.DefaultModelTag, o.cfg.DefaultBudget)
	if err != nil {
		sink.Error(in.TurnID, codeInternal, "settings could not be loaded")
		return fmt.Errorf("orchestrator: load settings: %w", err)
	}

	agentTag := in.Options.AgentTag
	if agentTag == "" {
		agentTag = defaultAgentTag
	}
	modelTag := resolveModelTag(in.Options.ModelTag, agentTag, settings)

	verdict, err := o.governor.Admit(ctx, userID, llm.Cost(modelTag, estimateInputTokens, estimateOutputTokens))
	if err != nil {
		sink.Error(in.TurnID, codeInternal, "budget admission failed")
		return fmt.Errorf("orchestrator: admit: %w", err)
	}
	if verdict == budget.VerdictDeny {
		sink.Error(in.TurnID, codeBudgetExceeded, "monthly budget reached; this turn was not started")
		o.observeTurn(ctx, "none", "denied", start)
		return nil
	}

	sink.TurnStarted(in.TurnID, agentTag)
	if verdict == budget.VerdictWarn {
		if spent, budgetCap, err := o.governor.Snapshot(ctx, userID); err == nil && budgetCap > 0 {
			sink.BudgetWarning(int(spent*100/budgetCap), budgetCap)
		}
	}

	// History is read before the user message lands so the gap line
	// measures against the previous turn.
	history, err := o.db.RecentMessages(ctx, userID, in.ConversationID, historyWindow)
	if err != nil {
		o.logger.Warn("orchestrator: history load failed", "turn_id", in.TurnID, "error", err)
		history = nil
	}
	var lastAt time.Time
	if len(history) > 0 {
		lastAt = history[len(history)-1].CreatedAt
	}
	temporal := temporalBlock(o.now(), conv.CreatedAt, lastAt)

	if _, err := o.db.AppendMessage(ctx, model.Message{
		ConversationID: in.ConversationID,
		UserID:         userID,
		Role:           model.RoleUser,
		Content:        content,
	}); err != nil {
		sink.Error(in.TurnID, codeInternal, "the message could not be saved")
		sink.TurnEnded(in.TurnID, TurnStats{LatencyMS: msSince(start)})
		o.observeTurn(ctx, "none", "persist_error", start)
		return fmt.Errorf("orchestrator: append user message: %w", err)
	}

	docs, err := o.db.ListReadyDocuments(ctx, userID, inventoryLimit)
	if err != nil {
		o.logger.Warn("orchestrator: document inventory failed", "turn_id", in.TurnID, "error", err)
		docs = nil
	}

	plan := decidePlan(content, o.buildPlanContext(ctx, userID, in.ConversationID, in.Options, len(docs) > 0))

	ts := turnState{
		turnID:   in.TurnID,
		userID:   userID,
		conv:     conv,
		agentTag: agentTag,
		modelTag: modelTag,
		content:  content,
		temporal: temporal,
		docs:     docs,
		history:  llmHistory(history),
		ragOnly:  settings.RAGOnly,
		start:    start,
	}

	// Memory recall and the tool branch run side by side. Either one
	// failing degrades the prompt, never the turn.
	var (
		memBlock string
		hits     []retrieval.ScoredChunk
		tabRes   *model.TabularResult
		tabErr   error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		recalled, err := o.memories.Recall(gctx, userID, content)
		if err != nil {
			o.logger.Warn("orchestrator: memory recall failed", "turn_id", in.TurnID, "error", err)
			return nil
		}
		memBlock = memory.PromptBlock(recalled)
		return nil
	})
	switch {
	case plan.Tabular:
		g.Go(func() error {
			tctx, cancel := context.WithTimeout(gctx, tabularTimeout)
			defer cancel()
			res, err := o.planner.Run(tctx, userID, tabular.PlanInput{
				BindingID: plan.BindingID,
				Question:  content,
				Context:   ts.history,
				ModelTag:  modelTag,
			})
			if err != nil {
				tabErr = err
				return nil
			}
			tabRes = &res
			return nil
		})
	case plan.Retrieval:
		g.Go(func() error {
			rctx, cancel := context.WithTimeout(gctx, retrievalTimeout)
			defer cancel()
			h, err := o.retriever.Query(rctx, userID, content, retrieval.QueryOptions{Discipline: settings.Discipline})
			if err != nil {
				o.logger.Warn("orchestrator: retrieval failed", "turn_id", in.TurnID, "error", err)
				return nil
			}
			hits = h
			return nil
		})
	}
	_ = g.Wait()

	if ctx.Err() != nil {
		sink.TurnEnded(in.TurnID, TurnStats{LatencyMS: msSince(start), Cancelled: true})
		o.observeTurn(ctx, plan.Branch(), "cancelled", start)
		return nil
	}

	if plan.Research {
		if o.research == nil || !o.research.Enabled() {
			sink.Error(in.TurnID, codeUpstreamUnavailable, "research is not configured; answering directly")
			return o.complete(ctx, sink, ts, o.buildTurnSystem(ts, memBlock, "", nil), nil, "research")
		}
		return o.runResearchTurn(ctx, sink, ts, plan, memBlock)
	}

	toolContext := ""
	if plan.Tabular {
		switch {
		case tabErr != nil:
			code, msg := tabularFailure(tabErr)
			sink.Error(in.TurnID, code, msg)
			o.logger.Warn("orchestrator: tabular branch failed", "turn_id", in.TurnID, "error", tabErr)
		case tabRes != nil:
			sink.ToolResult(in.TurnID, "sql", *tabRes)
			o.markTabular(in.ConversationID)
			toolContext = tabularContext(*tabRes)
		}
	}
	if len(hits) > 0 {
		sink.ToolResult(in.TurnID, "retrieval", retrievalPayload(hits))
	}

	system := o.buildTurnSystem(ts, memBlock, toolContext, hits)
	return o.complete(ctx, sink, ts, system, hits, plan.Branch())
}

// buildTurnSystem assembles the system prompt in its fixed order: persona,
// temporal block, document inventory, memory, approach rules, accuracy
// rules, then whatever context the branch produced. rag_only swaps the
// accuracy rules for the strict form and drops the memory block.
func (o *Orchestrator) buildTurnSystem(ts turnState, memBlock, toolContext string, hits []retrieval.ScoredChunk) string {
	accuracy := accuracyRules
	if ts.ragOnly {
		accuracy = accuracyRulesStrict
		memBlock = ""
	}
	return buildSystem(
		persona(ts.agentTag),
		ts.temporal,
		docInventory(ts.docs),
		memBlock,
		approachRules,
		accuracy,
		retrievedContext(hits),
		toolContext,
	)
}

// complete streams the final answer, persists it, records spend, and
// closes the turn. hits feed citation extraction; branch labels metrics.
func (o *Orchestrator) complete(
	ctx context.Context,
	sink Sink,
	ts turnState,
	system string,
	hits []retrieval.ScoredChunk,
	branch string,
) error {
	messages := make([]llm.Message, 0, len(ts.history)+1)
	messages = append(messages, ts.history...)
	messages = append(messages, llm.Message{Role: llm.RoleUser, Content: ts.content})

	cctx, cancel := context.WithTimeout(ctx, completionTimeout)
	defer cancel()
	ch, err := o.gen.Chat(cctx, llm.ChatRequest{
		ModelTag:  ts.modelTag,
		System:    system,
		Messages:  messages,
		MaxTokens: completionMaxTokens,
	})
	if err != nil {
		sink.Error(ts.turnID, codeUpstreamUnavailable, "the model is unavailable right now")
		sink.TurnEnded(ts.turnID, TurnStats{ModelTag: ts.modelTag, LatencyMS: msSince(ts.start)})
		o.observeTurn(ctx, branch, "model_error", ts.start)
		o.logger.Warn("orchestrator: chat start failed", "turn_id", ts.turnID, "error", err)
		return nil
	}

	var reply strings.Builder
	var inTok, outTok int
	var streamErr error
	for chunk := range ch {
		if chunk.Err != nil {
			streamErr = chunk.Err
			inTok, outTok = chunk.InputTokens, chunk.OutputTokens
			continue
		}
		if chunk.Delta != "" {
			reply.WriteString(chunk.Delta)
			sink.TextDelta(ts.turnID, chunk.Delta)
		}
		if chunk.Done {
			inTok, outTok = chunk.InputTokens, chunk.OutputTokens
		}
	}

	latency := msSince(ts.start)
	// Tokens the provider reported were already charged; record them even
	// when the stream did not finish cleanly.
	o.recordUsage(ctx, ts.userID, ts.turnID, ts.modelTag, inTok, outTok)

	if streamErr != nil {
		if ctx.Err() != nil {
			sink.TurnEnded(ts.turnID, TurnStats{
				ModelTag: ts.modelTag, InputTokens: inTok, OutputTokens: outTok,
				LatencyMS: latency, Cancelled: true,
			})
			o.observeTurn(ctx, branch, "cancelled", ts.start)
			return nil
		}
		sink.Error(ts.turnID, codeUpstreamUnavailable, "the model failed mid-reply; nothing was saved")
		sink.TurnEnded(ts.turnID, TurnStats{
			ModelTag: ts.modelTag, InputTokens: inTok, OutputTokens: outTok, LatencyMS: latency,
		})
		o.observeTurn(ctx, branch, "model_error", ts.start)
		o.logger.Warn("orchestrator: stream failed", "turn_id", ts.turnID, "error", streamErr)
		return nil
	}

	replyText := reply.String()
	citations := extractCitations(replyText, hits)
	if len(citations) > 0 {
		sink.Citations(ts.turnID, citations)
	}

	if _, err := o.db.AppendMessage(ctx, model.Message{
		ConversationID: ts.conv.ID,
		UserID:         ts.userID,
		Role:           model.RoleAssistant,
		Content:        replyText,
		AgentTag:       &ts.agentTag,
		ModelTag:       &ts.modelTag,
		InputTokens:    &inTok,
		OutputTokens:   &outTok,
		LatencyMS:      &latency,
		Citations:      citations,
	}); err != nil {
		sink.Error(ts.turnID, codeInternal, "the reply could not be saved")
		sink.TurnEnded(ts.turnID, TurnStats{
			ModelTag: ts.modelTag, InputTokens: inTok, OutputTokens: outTok, LatencyMS: latency,
		})
		o.observeTurn(ctx, branch, "persist_error", ts.start)
		return fmt.Errorf("orchestrator: append assistant message: %w", err)
	}

	sink.TurnEnded(ts.turnID, TurnStats{
		ModelTag: ts.modelTag, InputTokens: inTok, OutputTokens: outTok, LatencyMS: latency,
	})
	o.observeTurn(ctx, branch, "complete", ts.start)
	for _, hook := range o.cfg.TurnHooks {
		hook(ctx, TurnDone{
			UserID:         ts.userID,
			ConversationID: ts.conv.ID,
			TurnID:         ts.turnID,
			Branch:         branch,
			ModelTag:       ts.modelTag,
			InputTokens:    inTok,
			OutputTokens:   outTok,
			LatencyMS:      latency,
		})
	}
	o.afterTurn(ctx, ts, replyText)
	return nil
}

// runResearchTurn starts the job, relays its progress onto the turn, and
// closes with a billed summary completion once the report lands. A turn
// cancel cancels the job and ends with cancelled stats; partial sections
// stay on the job record.
func (o *Orchestrator) runResearchTurn(ctx context.Context, sink Sink, ts turnState, plan Plan, memBlock string) error {
	job, err := o.research.Start(ctx, ts.userID, research.StartInput{
		Topic:         plan.Topic,
		Depth:         plan.Depth,
		CitationStyle: plan.CitationStyle,
		ModelTag:      ts.modelTag,
	})
	if err != nil {
		sink.Error(ts.turnID, codeUpstreamUnavailable, "research could not start; answering directly")
		o.logger.Warn("orchestrator: research start failed", "turn_id", ts.turnID, "error", err)
		return o.complete(ctx, sink, ts, o.buildTurnSystem(ts, memBlock, "", nil), nil, "research")
	}
	sink.ToolResult(ts.turnID, "research", researchStarted{
		JobID: job.ID, Topic: job.Topic, Depth: job.Depth, Status: job.Status,
	})

	events, unsubscribe := o.research.Hub().Subscribe(job.ID)
	defer unsubscribe()

	done := ctx.Done()
	var graceTimer *time.Timer
	var graceC <-chan time.Time
	cancelled := false
loop:
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				break loop
			}
			if !cancelled {
				sink.Progress(ts.turnID, ev.Percent, ev.Stage)
			}
		case <-done:
			done = nil
			cancelled = true
			o.research.Cancel(job.ID)
			graceTimer = time.NewTimer(cancelGrace)
			graceC = graceTimer.C
		case <-graceC:
			break loop
		}
	}
	if graceTimer != nil {
		graceTimer.Stop()
	}

	if cancelled {
		sink.TurnEnded(ts.turnID, TurnStats{LatencyMS: msSince(ts.start), Cancelled: true})
		o.observeTurn(ctx, "research", "cancelled", ts.start)
		return nil
	}

	rctx, rcancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer rcancel()
	final, err := o.research.Get(rctx, ts.userID, job.ID)
	if err != nil {
		sink.Error(ts.turnID, codeInternal, "the research job state could not be read")
		sink.TurnEnded(ts.turnID, TurnStats{LatencyMS: msSince(ts.start)})
		o.observeTurn(ctx, "research", "error", ts.start)
		return fmt.Errorf("orchestrator: load research job: %w", err)
	}
	if final.Status != model.ResearchComplete {
		reason := "research failed"
		if final.Error != nil && *final.Error != "" {
			reason = "research failed: " + *final.Error
		}
		sink.Error(ts.turnID, codeUpstreamUnavailable, reason)
		sink.TurnEnded(ts.turnID, TurnStats{LatencyMS: msSince(ts.start)})
		o.observeTurn(ctx, "research", "failed", ts.start)
		return nil
	}

	system := o.buildTurnSystem(ts, memBlock, researchContext(final), nil)
	return o.complete(ctx, sink, ts, system, nil, "research")
}

// afterTurn launches the post-turn work: memory extraction through the
// memory service's own detachment, and title derivation for an untitled
// conversation.
func (o *Orchestrator) afterTurn(ctx context.Context, ts turnState, replyText string) {
	o.memories.Extract(ctx, memory.ExtractInput{
		UserID:         ts.userID,
		ConversationID: ts.conv.ID,
		UserText:       ts.content,
		AssistantText:  replyText,
		ModelTag:       ts.modelTag,
	})
	if ts.conv.Title != nil {
		return
	}
	tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), titleTimeout)
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer cancel()
		o.deriveTitleOnce(tctx, ts.userID, ts.conv.ID)
	}()
}

func (o *Orchestrator) deriveTitleOnce(ctx context.Context, userID, conversationID uuid.UUID) {
	first, err := o.db.FirstUserMessage(ctx, userID, conversationID)
	if err != nil {
		o.logger.Warn("orchestrator: title derivation failed", "conversation_id", conversationID, "error", err)
		return
	}
	title := conversations.DeriveTitle(first.Content)
	if title == "" {
		return
	}
	set, err := o.db.SetDerivedTitle(ctx, userID, conversationID, title)
	if err != nil {
		o.logger.Warn("orchestrator: title write failed", "conversation_id", conversationID, "error", err)
		return
	}
	if set {
		o.logger.Info("orchestrator: conversation titled", "conversation_id", conversationID)
	}
}

func (o *Orchestrator) recordUsage(ctx context.Context, userID, turnID uuid.UUID, modelTag string, inTok, outTok int) {
	if inTok+outTok == 0 {
		return
	}
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	cost := llm.Cost(modelTag, int64(inTok), int64(outTok))
	if err := o.governor.Record(wctx, userID, turnID.String(), modelTag, int64(inTok), int64(outTok), cost); err != nil {
		o.logger.Warn("orchestrator: usage record failed", "turn_id", turnID, "error", err)
	}
}

// tabularFailure maps a planner error to its frame code and a message
// safe to show the user.
func tabularFailure(err error) (string, string) {
	var f *tabular.Failure
	if errors.As(err, &f) {
		switch f.Kind {
		case tabular.FailGenerationInvalid, tabular.FailValidationRejected:
			return codeTabularUnsafe, f.Reason
		case tabular.FailExecutionTimeout, tabular.FailExecutionError:
			return codeTabularExecution, f.Reason
		default:
			return codeUpstreamUnavailable, f.Reason
		}
	}
	if errors.Is(err, storage.ErrNotFound) {
		return codeNotFound, "tabular binding not found"
	}
	return codeUpstreamUnavailable, "the bound database could not be queried"
}

func retrievalPayload(hits []retrieval.ScoredChunk) []retrievalHit {
	out := make([]retrievalHit, len(hits))
	for i, h := range hits {
		out[i] = retrievalHit{
			N:            i + 1,
			DocumentID:   h.DocumentID,
			DocumentName: h.DocumentName,
			Ordinal:      h.Ordinal,
			Score:        h.Score,
		}
	}
	return out
}

// llmHistory converts stored messages to gateway turns, dropping anything
// that is not a user or assistant message.
func llmHistory(history []model.Message) []llm.Message {
	out := make([]llm.Message, 0, len(history))
	for _, m := range history {
		switch m.Role {
		case model.RoleUser:
			out = append(out, llm.Message{Role: llm.RoleUser, Content: m.Content})
		case model.RoleAssistant:
			out = append(out, llm.Message{Role: llm.RoleAssistant, Content: m.Content})
		}
	}
	return out
}

func msSince(start time.Time) int64 {
	return time.Since(start).Milliseconds()
}
