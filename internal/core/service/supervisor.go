package service

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"go.uber.org/zap"

	"github.com/diogoX451/skyrfp/internal/core/domain"
	"github.com/diogoX451/skyrfp/internal/core/ports"
)

// Classifier maps an agent error to a kind.
type Classifier func(err error) domain.ErrorKind

// Outcome is the supervised result of one job execution. Failures of any
// kind, panics included, come back as an unsuccessful Result.
type Outcome struct {
	Result    domain.AgentResult
	Err       error
	Kind      domain.ErrorKind
	Retryable bool
	Duration  time.Duration
}

func (o Outcome) Succeeded() bool {
	return o.Err == nil && o.Result.Success
}

type SupervisorConfig struct {
	JobTimeout          time.Duration
	ExternalMaxAttempts int
}

// Supervisor runs agents under a timeout, recovers panics and classifies
// failures before anything reaches the state machine.
type Supervisor struct {
	agents      ports.AgentProvider
	classifiers map[domain.AgentType]Classifier
	cfg         SupervisorConfig
	log         *zap.Logger
}

func NewSupervisor(agents ports.AgentProvider, log *zap.Logger, cfg SupervisorConfig) *Supervisor {
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 2 * time.Minute
	}
	if cfg.ExternalMaxAttempts <= 0 {
		cfg.ExternalMaxAttempts = 2
	}
	return &Supervisor{
		agents:      agents,
		classifiers: make(map[domain.AgentType]Classifier),
		cfg:         cfg,
		log:         log.With(zap.String("component", "supervisor")),
	}
}

// SetClassifier overrides error classification for one agent type.
// Not safe to call once the engine runs.
func (s *Supervisor) SetClassifier(t domain.AgentType, c Classifier) {
	s.classifiers[t] = c
}

type execResult struct {
	result domain.AgentResult
	err    error
}

var errPanicked = errors.New("agent panicked")

// Run executes the job's agent and never panics.
func (s *Supervisor) Run(ctx context.Context, job *domain.Job, in domain.Input) Outcome {
	start := time.Now()
	agent, err := s.agents.Get(job.AgentType)
	if err != nil {
		return Outcome{Err: err, Kind: domain.KindValidation, Duration: time.Since(start)}
	}

	runCtx, cancel := context.WithTimeout(ctx, s.cfg.JobTimeout)
	defer cancel()

	done := make(chan execResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("agent panic recovered",
					zap.String("agent", string(job.AgentType)),
					zap.String("job_id", string(job.ID)),
					zap.Any("panic", r),
					zap.ByteString("stack", debug.Stack()),
				)
				done <- execResult{err: fmt.Errorf("%w: %v", errPanicked, r)}
			}
		}()
		res, err := agent.Execute(runCtx, in)
		done <- execResult{result: res, err: err}
	}()

	var out execResult
	select {
	case out = <-done:
	case <-runCtx.Done():
		out = execResult{err: domain.TransientError("execute", runCtx.Err())}
	}

	o := Outcome{Result: out.result, Err: out.err, Duration: time.Since(start)}
	switch {
	case errors.Is(out.err, errPanicked):
		o.Kind = domain.KindUnknown
		o.Retryable = false
	case out.err != nil:
		o.Kind = s.classify(agent, out.err)
		o.Retryable = s.retryable(o.Kind, job.Attempt)
	case !out.result.Success:
		msg := out.result.Error
		if msg == "" {
			msg = "agent reported failure"
		}
		o.Err = errors.New(msg)
		o.Kind = domain.KindUnknown
		o.Retryable = out.result.Retryable
	}
	if o.Err != nil {
		o.Result = domain.AgentResult{Success: false, Error: o.Err.Error(), Retryable: o.Retryable}
	}
	return o
}

func (s *Supervisor) classify(agent domain.Agent, err error) domain.ErrorKind {
	if c, ok := s.classifiers[agent.Type()]; ok {
		if k := c(err); k != domain.KindUnknown {
			return k
		}
	}
	if c, ok := agent.(domain.ErrorClassifier); ok {
		if k := c.ClassifyError(err); k != domain.KindUnknown {
			return k
		}
	}
	return DefaultClassifier(err)
}

// DefaultClassifier reads typed errors and treats deadlines as transient.
func DefaultClassifier(err error) domain.ErrorKind {
	if k := domain.KindOf(err); k != domain.KindUnknown {
		return k
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return domain.KindTransient
	}
	return domain.KindUnknown
}

func (s *Supervisor) retryable(kind domain.ErrorKind, attempt int) bool {
	switch kind {
	case domain.KindValidation, domain.KindStateConflict:
		return false
	case domain.KindExternalService:
		return attempt+1 < s.cfg.ExternalMaxAttempts
	default:
		return true
	}
}
