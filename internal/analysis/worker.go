package analysis

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lumenlabs/claude-nexus/internal/logger"
	"github.com/lumenlabs/claude-nexus/internal/metrics"
)

// statusUpdateTimeout bounds the terminal DB write after a job finishes or
// times out.
const statusUpdateTimeout = 10 * time.Second

// Released jobs wait retryBaseDelay doubled per prior attempt, capped at
// retryMaxDelay, before they are claimable again.
const (
	retryBaseDelay = 10 * time.Second
	retryMaxDelay  = 5 * time.Minute
)

// retryDelay spaces retries exponentially by attempt count.
func retryDelay(attempts int) time.Duration {
	d := retryBaseDelay
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= retryMaxDelay {
			return retryMaxDelay
		}
	}
	return d
}

// WorkerConfig tunes the poll loop.
type WorkerConfig struct {
	PollInterval  time.Duration
	MaxConcurrent int
	JobTimeout    time.Duration
	MaxRetries    int
	Prompt        PromptConfig
}

// Worker polls the job table and runs analyses concurrently up to
// MaxConcurrent.
type Worker struct {
	store    *Store
	analyzer *Analyzer
	trunc    *Truncator
	log      *logger.Logger
	cfg      WorkerConfig

	inflight atomic.Int32
	wg       sync.WaitGroup
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewWorker wires the worker. Start must be called to begin polling.
func NewWorker(store *Store, analyzer *Analyzer, trunc *Truncator, log *logger.Logger, cfg WorkerConfig) *Worker {
	return &Worker{
		store:    store,
		analyzer: analyzer,
		trunc:    trunc,
		log:      log.WithComponent("analysis-worker"),
		cfg:      cfg,
	}
}

// Start launches the poll loop in its own goroutine.
func (w *Worker) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.done = make(chan struct{})
	go w.run(ctx)
	w.log.Info("analysis worker started",
		"poll_interval", w.cfg.PollInterval,
		"max_concurrent", w.cfg.MaxConcurrent,
		"model", w.analyzer.Model())
}

// Stop halts polling and waits for in-flight jobs to finish.
func (w *Worker) Stop() {
	if w.cancel == nil {
		return
	}
	w.cancel()
	<-w.done
	w.wg.Wait()
	w.log.Info("analysis worker stopped")
}

func (w *Worker) run(ctx context.Context) {
	defer close(w.done)

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		w.poll(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// poll claims as many jobs as there are free slots and dispatches them.
func (w *Worker) poll(ctx context.Context) {
	free := w.cfg.MaxConcurrent - int(w.inflight.Load())
	if free <= 0 {
		return
	}

	// A job holding its processing row longer than the job timeout is
	// presumed dead and reclaimed.
	jobs, err := w.store.Claim(ctx, free, w.cfg.JobTimeout)
	if err != nil {
		if ctx.Err() == nil {
			w.log.LogError(ctx, err, "failed to claim analysis jobs")
		}
		return
	}

	for i := range jobs {
		job := jobs[i]
		w.inflight.Add(1)
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			defer w.inflight.Add(-1)
			w.process(ctx, &job)
		}()
	}
}

func (w *Worker) process(ctx context.Context, job *Job) {
	start := time.Now()
	jctx, cancel := context.WithTimeout(ctx, w.cfg.JobTimeout)
	defer cancel()

	log := w.log.With(
		"job_id", job.ID,
		"conversation_id", job.ConversationID.String(),
		"branch_id", job.BranchID,
		"attempt", job.Attempts)

	err := w.analyzeJob(jctx, job, start)
	if err == nil {
		metrics.AnalysisJobs.WithLabelValues("completed").Inc()
		metrics.AnalysisDuration.Observe(time.Since(start).Seconds())
		log.Info("analysis completed", "duration_ms", time.Since(start).Milliseconds())
		return
	}

	// The job context may already be dead; terminal writes get their own.
	uctx, ucancel := context.WithTimeout(context.Background(), statusUpdateTimeout)
	defer ucancel()

	if job.Attempts >= w.cfg.MaxRetries {
		metrics.AnalysisJobs.WithLabelValues("failed").Inc()
		log.Error("analysis failed permanently", "error", err)
		if ferr := w.store.MarkFailed(uctx, job.ID, err); ferr != nil {
			w.log.LogError(uctx, ferr, "failed to mark analysis job failed", "job_id", job.ID)
		}
		return
	}

	delay := retryDelay(job.Attempts)
	metrics.AnalysisJobs.WithLabelValues("retried").Inc()
	log.Warn("analysis attempt failed, releasing for retry", "error", err, "retry_in", delay)
	if rerr := w.store.Release(uctx, job.ID, err, delay); rerr != nil {
		w.log.LogError(uctx, rerr, "failed to release analysis job", "job_id", job.ID)
	}
}

func (w *Worker) analyzeJob(ctx context.Context, job *Job, start time.Time) error {
	transcript, err := w.store.Transcript(ctx, job.ConversationID, job.BranchID)
	if err != nil {
		return fmt.Errorf("load transcript: %w", err)
	}
	if len(transcript) == 0 {
		return fmt.Errorf("conversation has no analyzable messages")
	}

	fitted, truncated := w.trunc.Truncate(RedactTranscript(transcript))
	if truncated {
		w.log.Info("transcript truncated to token budget",
			"job_id", job.ID,
			"original_messages", len(transcript),
			"kept_messages", len(fitted))
	}

	prompt := BuildPrompt(w.cfg.Prompt, job.CustomPrompt, fitted)

	analysis, err := w.analyzer.Analyze(ctx, prompt)
	if err != nil {
		return err
	}

	markdown := RenderMarkdown(analysis.Result)
	return w.store.Complete(ctx, job.ID, analysis.Result, markdown, w.analyzer.Model(),
		analysis.PromptTokens, analysis.CompletionTokens, time.Since(start))
}

// RenderMarkdown formats a result for dashboard display.
func RenderMarkdown(r *Result) string {
	var b strings.Builder

	b.WriteString("## Summary\n\n")
	b.WriteString(r.Summary)
	b.WriteString("\n\n")

	fmt.Fprintf(&b, "**Sentiment:** %s\n\n**User intent:** %s\n\n", r.Sentiment, r.UserIntent)

	writeList(&b, "Key Topics", r.KeyTopics)
	writeList(&b, "Outcomes", r.Outcomes)

	if len(r.ActionItems) > 0 {
		b.WriteString("## Action Items\n\n")
		for _, item := range r.ActionItems {
			if item.Priority != "" {
				fmt.Fprintf(&b, "- **[%s]** %s (%s)\n", item.Type, item.Description, item.Priority)
			} else {
				fmt.Fprintf(&b, "- **[%s]** %s\n", item.Type, item.Description)
			}
		}
		b.WriteString("\n")
	}

	if len(r.PromptingTips) > 0 {
		b.WriteString("## Prompting Tips\n\n")
		for _, tip := range r.PromptingTips {
			fmt.Fprintf(&b, "- **%s:** %s %s\n", tip.Category, tip.Issue, tip.Suggestion)
			if tip.Example != "" {
				fmt.Fprintf(&b, "  Example: %s\n", tip.Example)
			}
		}
		b.WriteString("\n")
	}

	b.WriteString("## Interaction Patterns\n\n")
	fmt.Fprintf(&b, "- Prompt clarity: %d/10\n- Context completeness: %d/10\n- Follow-up effectiveness: %s\n",
		r.InteractionPatterns.PromptClarity,
		r.InteractionPatterns.ContextCompleteness,
		r.InteractionPatterns.FollowUpEffectiveness)
	b.WriteString("\n")

	writeList(&b, "Frameworks", r.TechnicalDetails.Frameworks)
	writeList(&b, "Issues", r.TechnicalDetails.Issues)
	writeList(&b, "Solutions", r.TechnicalDetails.Solutions)

	b.WriteString("## Conversation Quality\n\n")
	fmt.Fprintf(&b, "- Clarity: %s\n- Completeness: %s\n- Effectiveness: %s\n",
		r.ConversationQuality.Clarity,
		r.ConversationQuality.Completeness,
		r.ConversationQuality.Effectiveness)

	return b.String()
}

func writeList(b *strings.Builder, title string, items []string) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(b, "## %s\n\n", title)
	for _, item := range items {
		fmt.Fprintf(b, "- %s\n", item)
	}
	b.WriteString("\n")
}
