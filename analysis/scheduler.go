package analysis

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"runtime"
	"time"

	"github.com/theimaginaryfoundation/chat-analyzer/analysis/fileutils"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Job is one conversation to analyze.
type Job struct {
	Transcript Transcript

	// SourceTime is when the conversation last changed; reports older than it are regenerated.
	SourceTime time.Time

	// Verbose enables per-message debug logging for this job.
	Verbose bool
}

// Recorder receives every outcome from the scheduler's single collecting goroutine.
type Recorder interface {
	Record(Outcome)
}

type PipelineOptions struct {
	OutDir         string
	Workers        int
	GatewayTimeout time.Duration

	Instructions string
	Temperature  *float64

	Admission Admission
	Cache     Cache
	Validator Validator

	Logger   *zap.Logger
	Recorder Recorder
}

// DefaultWorkers is min(8, NumCPU).
func DefaultWorkers() int {
	return min(8, runtime.NumCPU())
}

// Scheduler runs one independent job per conversation on a bounded pool.
type Scheduler struct {
	gw   Gateway
	opts PipelineOptions
	log  *zap.Logger
}

func NewScheduler(gw Gateway, opts PipelineOptions) *Scheduler {
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers()
	}
	if opts.GatewayTimeout <= 0 {
		opts.GatewayTimeout = DefaultGatewayTimeout
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Scheduler{gw: gw, opts: opts, log: log}
}

// Run processes jobs and returns once every job has reported an outcome. Outcomes are collected in
// completion order by a single goroutine, which is the only writer of the tally and the Recorder.
func (s *Scheduler) Run(ctx context.Context, jobs []Job) BatchResult {
	start := time.Now()
	res := BatchResult{Tally: Tally{}, Outcomes: make([]Outcome, 0, len(jobs))}
	if len(jobs) == 0 {
		return res
	}

	results := make(chan Outcome, s.opts.Workers)
	go func() {
		var g errgroup.Group
		g.SetLimit(s.opts.Workers)
		for _, job := range jobs {
			g.Go(func() error {
				results <- s.Process(ctx, job)
				return nil
			})
		}
		_ = g.Wait()
		close(results)
	}()

	total := len(jobs)
	for o := range results {
		res.Outcomes = append(res.Outcomes, o)
		res.Tally.Add(o.Kind)
		if s.opts.Recorder != nil {
			s.opts.Recorder.Record(o)
		}
		fields := []zap.Field{
			zap.Int("done", len(res.Outcomes)),
			zap.Int("total", total),
			zap.String("last", o.ConversationID),
			zap.String("kind", string(o.Kind)),
			zap.Duration("elapsed", time.Since(start).Truncate(time.Second)),
		}
		if o.Err != nil {
			fields = append(fields, zap.Error(o.Err))
		}
		if o.Kind.Failed() {
			s.log.Warn("progress", fields...)
		} else {
			s.log.Info("progress", fields...)
		}
	}
	res.Elapsed = time.Since(start)
	return res
}

// Process runs admission, cache, gateway and validation for one job. It never panics and always
// returns an outcome for the job.
func (s *Scheduler) Process(ctx context.Context, job Job) (out Outcome) {
	start := time.Now()
	id := job.Transcript.ConversationID
	out = Outcome{
		ConversationID: id,
		Path:           filepath.Join(s.opts.OutDir, ReportName(id)),
		Truncated:      job.Transcript.Truncated,
	}
	log := s.log.With(zap.String("conversation_id", id))

	defer func() {
		if r := recover(); r != nil {
			out.Kind = KindAPIError
			out.Err = fmt.Errorf("job panic: %v", r)
		}
		out.Duration = time.Since(start)
	}()

	if job.Transcript.Truncated {
		log.Warn("cycle in message tree, analyzing partial history", zap.String("node", job.Transcript.TruncatedAt))
	}
	if job.Verbose {
		for i, m := range job.Transcript.Messages {
			log.Debug("message",
				zap.Int("index", i),
				zap.String("role", m.Role),
				zap.String("preview", fileutils.Truncate(fileutils.SanitizeNewlines(m.Text), 120)),
			)
		}
	}

	if job.Transcript.Empty() {
		out.Kind = KindEmpty
		return out
	}

	tokens, ok := s.opts.Admission.Admit(job.Transcript)
	out.Tokens = tokens
	if !ok {
		log.Info("transcript exceeds token ceiling", zap.Int("tokens", tokens), zap.Int("ceiling", s.opts.Admission.ceiling()))
		out.Kind = KindRejectedTooLarge
		return out
	}

	process, decision := s.opts.Cache.ShouldProcess(out.Path, job.SourceTime)
	if !process {
		out.Kind = KindCached
		return out
	}
	if job.Verbose {
		log.Debug("cache miss", zap.String("decision", string(decision)))
	}

	if err := ctx.Err(); err != nil {
		out.Kind = KindAPIError
		out.Err = err
		return out
	}

	text, err := callGateway(ctx, s.gw, Request{
		ConversationID: id,
		Instructions:   s.opts.Instructions,
		Input:          job.Transcript.Text(),
		Temperature:    s.opts.Temperature,
	}, s.opts.GatewayTimeout)
	if err != nil {
		out.Kind = KindAPIError
		out.Err = err
		return out
	}

	if _, err := s.opts.Validator.WriteReport(s.opts.OutDir, id, text); err != nil {
		out.Err = err
		if errors.Is(err, ErrInvalidReport) {
			out.Kind = KindFormatError
		} else {
			// The response was fine but could not be persisted.
			out.Kind = KindAPIError
		}
		return out
	}
	out.Kind = KindSuccess
	return out
}

// SelectOptions narrows an archive to the conversations a run should analyze.
type SelectOptions struct {
	// ChatID restricts the run to one conversation and turns on verbose logging for it.
	ChatID string

	// Since drops conversations created before it. Conversations without a create time are kept.
	Since time.Time
}

// PrepareJobs builds one job per selected conversation.
func PrepareJobs(arch Archive, sel SelectOptions) ([]Job, error) {
	convs := arch.Conversations
	if sel.ChatID != "" {
		c, err := arch.Find(sel.ChatID)
		if err != nil {
			return nil, err
		}
		convs = []Conversation{c}
	}

	jobs := make([]Job, 0, len(convs))
	for _, c := range convs {
		if !sel.Since.IsZero() {
			if created := unixToTime(c.CreateTime); !created.IsZero() && created.Before(sel.Since) {
				continue
			}
		}
		src := c.SourceTime()
		if src.IsZero() {
			src = arch.ModTime
		}
		jobs = append(jobs, Job{
			Transcript: BuildTranscript(c),
			SourceTime: src,
			Verbose:    sel.ChatID != "",
		})
	}
	return jobs, nil
}
