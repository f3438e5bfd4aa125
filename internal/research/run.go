package research

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/braidhq/braid/internal/llm"
	"github.com/braidhq/braid/internal/model"
	"github.com/braidhq/braid/internal/retrieval"
	"github.com/braidhq/braid/internal/storage"
)

const (
	providerTimeout  = 15 * time.Second
	planMaxTokens    = 400
	sectionMaxTokens = 1200
)

// source is a scored, deduplicated search hit plus its citation identity.
type source struct {
	result Result
	score  int
	tag    string
	author string
	year   int
	key    string // citation key without brackets, e.g. "Nature 2024"
}

// run drives one job from planning to a terminal status. The context
// carries the depth budget; user cancellation arrives through the same
// context via Cancel.
func (c *Coordinator) run(ctx context.Context, job model.ResearchJob, modelTag string) {
	start := time.Now()
	outcome := "failed"
	defer func() { c.recordOutcome(ctx, job, outcome, start) }()

	class := classifyTopic(job.Topic)
	outline, err := c.planOutline(ctx, job, modelTag)
	if err != nil {
		if ctx.Err() != nil {
			c.failJob(ctx, job, cancelReason(ctx))
			return
		}
		c.warn(ctx, job, "subtopic planning failed: "+err.Error())
		outline = []string{job.Topic}
	}
	if err := c.db.StartResearchJob(ctx, job.UserID, job.ID, outline); err != nil {
		if ctx.Err() != nil {
			c.failJob(ctx, job, cancelReason(ctx))
			return
		}
		c.failJob(ctx, job, "could not start: "+err.Error())
		return
	}
	c.publishProgress(job.ID, model.ResearchRunning, 5, "planned")

	_, perSubtopic := depthParams(job.Depth)
	if c.maxSources > 0 && perSubtopic > c.maxSources {
		perSubtopic = c.maxSources
	}
	ask := providerAsk(class, perSubtopic, len(c.providers))

	var (
		seen            = make(map[string]struct{})
		usedKeys        = make(map[string]int)
		failedProviders = make(map[string]struct{})
		sources         []source
		sections        []model.ResearchSection
	)

	for i, subtopic := range outline {
		if ctx.Err() != nil {
			c.failJob(ctx, job, cancelReason(ctx))
			return
		}

		hits, searchErrs := c.searchAll(ctx, subtopic, ask)
		if ctx.Err() != nil {
			c.failJob(ctx, job, cancelReason(ctx))
			return
		}
		for name, perr := range searchErrs {
			if _, already := failedProviders[name]; already {
				continue
			}
			failedProviders[name] = struct{}{}
			c.warn(ctx, job, fmt.Sprintf("provider %s failed: %s", name, perr))
		}
		if len(searchErrs) == len(c.providers) {
			c.failJob(ctx, job, "all search providers failed")
			return
		}

		selected := selectSources(hits, seen, usedKeys, perSubtopic)
		if len(selected) == 0 {
			c.warn(ctx, job, fmt.Sprintf("no sources found for %q", subtopic))
			continue
		}
		c.insertSources(ctx, job, selected)
		sources = append(sources, selected...)

		section, err := c.draftSection(ctx, job, modelTag, subtopic, selected)
		if err != nil {
			if ctx.Err() != nil {
				c.failJob(ctx, job, cancelReason(ctx))
				return
			}
			c.warn(ctx, job, fmt.Sprintf("drafting %q failed: %s", subtopic, err))
			continue
		}
		if err := c.db.AppendResearchSection(ctx, job.UserID, job.ID, section); err != nil {
			c.logger.Warn("research: append section", "job_id", job.ID, "error", err)
		}
		sections = append(sections, section)

		percent := 5 + (85*(i+1))/len(outline)
		if err := c.db.UpdateResearchProgress(ctx, job.UserID, job.ID, percent); err != nil {
			c.logger.Warn("research: update progress", "job_id", job.ID, "error", err)
		}
		c.publishProgress(job.ID, model.ResearchRunning, percent, subtopic)
	}

	if ctx.Err() != nil {
		c.failJob(ctx, job, cancelReason(ctx))
		return
	}
	if len(sections) == 0 {
		c.failJob(ctx, job, "no sections could be drafted")
		return
	}

	report, refs, citeWarnings := assembleReport(job, sections, sources)
	for _, w := range citeWarnings {
		c.warn(ctx, job, w)
	}
	c.publishProgress(job.ID, model.ResearchRunning, 95, "references")

	docID := c.ingestReport(ctx, job, report)
	if ctx.Err() != nil {
		c.failJob(ctx, job, cancelReason(ctx))
		return
	}

	words := countWords(report)
	wctx, cancel := writeCtx(ctx)
	defer cancel()
	if err := c.db.CompleteResearchJob(wctx, job.UserID, job.ID, words, docID); err != nil {
		c.logger.Error("research: mark complete", "job_id", job.ID, "error", err)
		return
	}
	outcome = "complete"
	c.publishProgress(job.ID, model.ResearchComplete, 100, "complete")
	for _, hook := range c.completionHooks {
		hook(wctx, job, words, docID)
	}
	c.logger.Info("research: job complete",
		"job_id", job.ID, "sections", len(sections), "sources", len(sources),
		"references", refs, "words", words)
}

// searchAll fans one query out to every provider with a per-provider
// timeout. Provider errors are collected per name, never fatal here.
func (c *Coordinator) searchAll(ctx context.Context, query string, perProvider int) ([]Result, map[string]error) {
	var (
		mu   sync.Mutex
		all  []Result
		errs = make(map[string]error)
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, p := range c.providers {
		g.Go(func() error {
			pctx, cancel := context.WithTimeout(gctx, providerTimeout)
			defer cancel()
			hits, err := p.Search(pctx, query, perProvider)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs[p.Name()] = err
				return nil
			}
			all = append(all, hits...)
			return nil
		})
	}
	_ = g.Wait() // workers report through errs
	return all, errs
}

// selectSources dedupes hits against everything already collected, scores
// them, and keeps the top n with citation keys assigned. Ties break on URL
// so selection is deterministic across provider interleavings.
func selectSources(hits []Result, seen map[string]struct{}, usedKeys map[string]int, n int) []source {
	now := time.Now().UTC()
	local := make(map[string]struct{})
	fresh := make([]source, 0, len(hits))
	for _, h := range hits {
		if strings.TrimSpace(h.URL) == "" {
			continue
		}
		norm := normalizeURL(h.URL)
		if _, dup := seen[norm]; dup {
			continue
		}
		if _, dup := local[norm]; dup {
			continue
		}
		local[norm] = struct{}{}
		score, tag := scoreResult(h, now)
		fresh = append(fresh, source{result: h, score: score, tag: tag})
	}
	sort.SliceStable(fresh, func(i, j int) bool {
		if fresh[i].score != fresh[j].score {
			return fresh[i].score > fresh[j].score
		}
		return fresh[i].result.URL < fresh[j].result.URL
	})
	if len(fresh) > n {
		fresh = fresh[:n]
	}
	for i := range fresh {
		seen[normalizeURL(fresh[i].result.URL)] = struct{}{}
		fresh[i].author = citeAuthor(fresh[i].result.URL, fresh[i].result.Title)
		fresh[i].year = citeYear(fresh[i].result.PublishedAt, now)
		fresh[i].key = assignCiteKey(fresh[i].author, fresh[i].year, usedKeys)
	}
	return fresh
}

func (c *Coordinator) insertSources(ctx context.Context, job model.ResearchJob, srcs []source) {
	for _, s := range srcs {
		ref := model.SourceRef{
			JobID:            &job.ID,
			UserID:           job.UserID,
			URL:              s.result.URL,
			CredibilityScore: s.score,
			PublisherTag:     s.tag,
		}
		if s.result.Title != "" {
			title := s.result.Title
			ref.Title = &title
		}
		if s.result.Snippet != "" {
			snippet := s.result.Snippet
			ref.Snippet = &snippet
		}
		if _, err := c.db.InsertSourceRef(ctx, ref); err != nil {
			c.logger.Warn("research: insert source", "job_id", job.ID, "url", s.result.URL, "error", err)
		}
	}
}

var outlinePrefix = regexp.MustCompile(`^\s*(?:[-*•]|\d+[.)])\s*`)

// planOutline asks the model for depth-many subtopics, one per line.
func (c *Coordinator) planOutline(ctx context.Context, job model.ResearchJob, modelTag string) ([]string, error) {
	count, _ := depthParams(job.Depth)
	req := llm.ChatRequest{
		ModelTag: modelTag,
		System:   "You plan research reports. Answer with subtopic titles only, one per line.",
		Messages: []llm.Message{{Role: llm.RoleUser, Content: fmt.Sprintf(
			"Break the topic %q into exactly %d focused subtopics for a written report. One subtopic per line, no commentary.",
			job.Topic, count)}},
		MaxTokens: planMaxTokens,
	}
	ch, err := c.gen.Chat(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("research: plan: %w", err)
	}
	text, _, _, err := llm.Collect(ctx, ch)
	if err != nil {
		return nil, fmt.Errorf("research: plan: %w", err)
	}
	outline := parseOutline(text, count)
	if len(outline) == 0 {
		return nil, errors.New("research: plan: model returned no subtopics")
	}
	return outline, nil
}

// parseOutline strips list markers and caps the subtopic count.
func parseOutline(text string, max int) []string {
	var out []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(outlinePrefix.ReplaceAllString(line, ""))
		if line == "" {
			continue
		}
		out = append(out, line)
		if len(out) == max {
			break
		}
	}
	return out
}

const sectionSystemPrompt = "You write precise research report sections in Markdown. " +
	"Ground every factual claim in the provided sources and cite them inline " +
	"with their bracketed keys exactly as given. Do not invent sources."

// draftSection writes one section, citing the provided sources by their
// bracketed keys.
func (c *Coordinator) draftSection(ctx context.Context, job model.ResearchJob, modelTag, subtopic string, srcs []source) (model.ResearchSection, error) {
	var sb strings.Builder
	for _, s := range srcs {
		title := s.result.Title
		if title == "" {
			title = s.result.URL
		}
		fmt.Fprintf(&sb, "[%s] %s\n    %s\n    %s\n", s.key, title, s.result.URL, s.result.Snippet)
	}

	req := llm.ChatRequest{
		ModelTag: modelTag,
		System:   sectionSystemPrompt,
		Messages: []llm.Message{{Role: llm.RoleUser, Content: fmt.Sprintf(
			"Report topic: %s\nSection to write: %s\n\nSources:\n%s\nWrite the section body (200-400 words), citing sources like [%s]. Do not repeat the section title.",
			job.Topic, subtopic, sb.String(), srcs[0].key)}},
		MaxTokens: sectionMaxTokens,
	}
	ch, err := c.gen.Chat(ctx, req)
	if err != nil {
		return model.ResearchSection{}, fmt.Errorf("research: draft: %w", err)
	}
	text, _, _, err := llm.Collect(ctx, ch)
	if err != nil {
		return model.ResearchSection{}, fmt.Errorf("research: draft: %w", err)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return model.ResearchSection{}, errors.New("research: draft: model returned an empty section")
	}
	return model.ResearchSection{Title: subtopic, Content: text, WordCount: countWords(text)}, nil
}

// ingestReport files the report as a user document so it becomes queryable.
// Failure downgrades to a warning; the job still completes.
func (c *Coordinator) ingestReport(ctx context.Context, job model.ResearchJob, report string) *uuid.UUID {
	res, err := c.ingestor.Ingest(ctx, job.UserID, retrieval.IngestInput{
		DisplayName: reportTitle(job.Topic),
		MimeTag:     "text/markdown",
		Content:     []byte(report),
	})
	if err != nil {
		if ctx.Err() == nil {
			c.warn(ctx, job, "report ingestion failed: "+err.Error())
		}
		return nil
	}
	id := res.Document.ID
	return &id
}

func (c *Coordinator) warn(ctx context.Context, job model.ResearchJob, msg string) {
	if err := c.db.AppendResearchWarning(ctx, job.UserID, job.ID, msg); err != nil {
		c.logger.Warn("research: append warning", "job_id", job.ID, "error", err)
	}
	c.logger.Warn("research: job warning", "job_id", job.ID, "warning", msg)
}

// failJob records a terminal failure on a detached context so cancelled and
// expired jobs still land in a consistent state. Sections and sources
// already written are kept.
func (c *Coordinator) failJob(ctx context.Context, job model.ResearchJob, reason string) {
	wctx, cancel := writeCtx(ctx)
	defer cancel()
	if err := c.db.FailResearchJob(wctx, job.UserID, job.ID, reason); err != nil && !errors.Is(err, storage.ErrConflict) {
		c.logger.Error("research: mark failed", "job_id", job.ID, "error", err)
	}
	c.publishProgress(job.ID, model.ResearchFailed, 0, reason)
	c.logger.Warn("research: job failed", "job_id", job.ID, "reason", reason)
}

func (c *Coordinator) publishProgress(jobID uuid.UUID, status model.ResearchStatus, percent int, stage string) {
	c.hub.publish(ProgressEvent{JobID: jobID, Status: status, Percent: percent, Stage: stage})
}

func cancelReason(ctx context.Context) string {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return "deadline exceeded"
	}
	return "cancelled"
}

// writeCtx detaches terminal writes from the job context so a cancelled or
// expired job can still record its outcome.
func writeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
}

func countWords(s string) int { return len(strings.Fields(s)) }

// assignCiteKey builds the "[Author Year]" label, disambiguating repeats
// with a letter suffix ("Nature 2024b").
func assignCiteKey(author string, year int, used map[string]int) string {
	base := author + " " + strconv.Itoa(year)
	used[base]++
	if n := used[base]; n > 1 {
		return fmt.Sprintf("%s%c", base, 'a'+rune(n-1))
	}
	return base
}
