// Package orchestrator runs the completion loop: the model picks capabilities,
// the executor runs them, and every modifying call lands in the request's
// ledger record.
package orchestrator

import (
	"context"
	"crypto/rand"
	_ "embed"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/pentanotes/assist/internal/capability"
	"github.com/pentanotes/assist/internal/completion"
	"github.com/pentanotes/assist/internal/errors"
	"github.com/pentanotes/assist/internal/telemetry"
)

// DefaultMaxIterations caps completion calls per run.
const DefaultMaxIterations = 10

// NoResponseText is returned when the model ends without text.
const NoResponseText = "No response generated"

//go:embed prompt.txt
var defaultPrompt string

// RequestLedger is the part of the ledger a run needs.
type RequestLedger interface {
	CreateRequest(ctx context.Context, requestID string, userID int64) error
	FinishRun(ctx context.Context, requestID string, userID int64) error
	MarkFailed(ctx context.Context, requestID string, userID int64, message string) error
}

// Input is one user message plus its context.
type Input struct {
	History   []completion.Turn
	Message   string
	Grounding string
	Auth      capability.Auth
	UserID    int64
}

// Output is the result of a finished run.
type Output struct {
	Text       string                   `json:"text"`
	Changed    []string                 `json:"changed,omitempty"`
	RequestID  string                   `json:"requestId,omitempty"`
	Degraded   []capability.Degradation `json:"degraded,omitempty"`
	Iterations int                      `json:"iterations"`
}

// Loop drives runs. It is safe for concurrent use; runs share nothing.
type Loop struct {
	client     completion.Client
	executor   *capability.Executor
	ledger     RequestLedger
	maxIter    int
	promptPath string
	newID      func() string
	logger     *zap.Logger

	promptOnce sync.Once
	prompt     string
	promptErr  error
}

// Option configures a Loop.
type Option func(*Loop)

// WithMaxIterations overrides DefaultMaxIterations.
func WithMaxIterations(n int) Option {
	return func(l *Loop) {
		if n > 0 {
			l.maxIter = n
		}
	}
}

// WithPromptPath reads the system instruction from path instead of the
// embedded default.
func WithPromptPath(path string) Option {
	return func(l *Loop) { l.promptPath = path }
}

// WithIDSource overrides request id generation.
func WithIDSource(fn func() string) Option {
	return func(l *Loop) { l.newID = fn }
}

// New returns a Loop. ledger may be nil, in which case runs are never
// recorded.
func New(client completion.Client, executor *capability.Executor, ledger RequestLedger, logger *zap.Logger, opts ...Option) *Loop {
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &Loop{
		client:   client,
		executor: executor,
		ledger:   ledger,
		maxIter:  DefaultMaxIterations,
		newID:    newRequestID,
		logger:   logger.Named("orchestrator"),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func newRequestID() string {
	entropy := ulid.Monotonic(rand.Reader, 0)
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// SystemPrompt returns the cached system instruction.
func (l *Loop) SystemPrompt() (string, error) {
	l.promptOnce.Do(func() {
		if l.promptPath == "" {
			l.prompt = defaultPrompt
			return
		}
		data, err := os.ReadFile(l.promptPath)
		if err != nil {
			l.promptErr = fmt.Errorf("failed to read system prompt: %w", err)
			return
		}
		l.prompt = string(data)
	})
	return l.prompt, l.promptErr
}

type run struct {
	requestID string
	userID    int64
	lc        *capability.LedgerContext
	out       *Output
	seen      map[string]bool
	modified  bool
}

// Run handles one user message. Capability calls run one at a time, in the
// order the model asks for them.
func (l *Loop) Run(ctx context.Context, in Input) (*Output, error) {
	system, err := l.SystemPrompt()
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	if in.Grounding != "" {
		system += "\n\n" + in.Grounding
	}

	r := &run{
		requestID: l.newID(),
		userID:    in.UserID,
		out:       &Output{},
		seen:      map[string]bool{},
	}

	ctx, span := telemetry.StartSpan(ctx, "orchestrator.run",
		telemetry.KeyRequestID.String(r.requestID),
		telemetry.KeyUserID.Int64(in.UserID))
	defer span.End()

	log := l.logger.With(zap.String("request_id", r.requestID), zap.Int64("user_id", in.UserID))

	if l.ledger == nil {
		l.degrade(ctx, r, capability.LedgerUnavailable, "no ledger configured")
	} else if err := l.ledger.CreateRequest(ctx, r.requestID, in.UserID); err != nil {
		l.degrade(ctx, r, capability.LedgerUnavailable, err.Error())
	} else {
		r.lc = &capability.LedgerContext{RequestID: r.requestID, UserID: in.UserID}
	}

	transcript := make([]completion.Turn, 0, len(in.History)+1+2*l.maxIter)
	transcript = append(transcript, in.History...)
	transcript = append(transcript, completion.UserText(in.Message))

	log.Debug("run started", zap.Int("history", len(in.History)))

	for i := 0; i < l.maxIter; i++ {
		r.out.Iterations = i + 1

		resp, err := l.client.Complete(ctx, completion.Request{
			Transcript: transcript,
			Catalog:    l.executor.Catalog(),
			System:     system,
		})
		if err != nil {
			if _, ok := errors.As(err); !ok {
				err = errors.NewCompletion(err)
			}
			return nil, l.fail(ctx, r, err)
		}

		if len(resp.Calls) == 0 {
			return l.finish(ctx, r, resp.Text), nil
		}

		call := resp.Calls[0]
		if len(resp.Calls) > 1 {
			log.Debug("extra capability calls ignored", zap.Int("count", len(resp.Calls)-1))
		}
		log.Info("capability requested", zap.String("capability", call.Name))
		transcript = append(transcript, completion.Turn{
			Role:  completion.RoleModel,
			Parts: []completion.Part{{Call: &call}},
		})

		res, err := l.executor.Execute(ctx, call.Name, call.Args, in.Auth, r.lc)
		if err != nil {
			return nil, l.fail(ctx, r, err)
		}
		if res.Modifying {
			r.modified = true
			if res.Changed != "" && !r.seen[res.Changed] {
				r.seen[res.Changed] = true
				r.out.Changed = append(r.out.Changed, res.Changed)
			}
		}
		r.out.Degraded = append(r.out.Degraded, res.Degraded...)

		transcript = append(transcript, completion.Turn{
			Role: completion.RoleUser,
			Parts: []completion.Part{{Result: &completion.InvocationResult{
				Name:     call.Name,
				Response: map[string]any{"result": res.Output},
			}}},
		})
	}

	log.Warn("iteration limit reached", zap.Int("max_iterations", l.maxIter))
	return nil, l.fail(ctx, r, errors.NewLoopExceeded(l.maxIter))
}

func (l *Loop) finish(ctx context.Context, r *run, text string) *Output {
	if text == "" {
		text = NoResponseText
	}
	r.out.Text = text

	if r.lc != nil {
		if err := l.ledger.FinishRun(ctx, r.requestID, r.userID); err != nil {
			l.degrade(ctx, r, capability.LedgerWriteFailed, err.Error())
		} else if r.modified {
			r.out.RequestID = r.requestID
		}
	}

	l.logger.Info("run completed",
		zap.String("request_id", r.requestID),
		zap.Int("iterations", r.out.Iterations),
		zap.Strings("changed", r.out.Changed),
		zap.Int("degraded", len(r.out.Degraded)))
	return r.out
}

// fail marks the record failed and returns err. Marking uses a context that
// survives cancellation of the run.
func (l *Loop) fail(ctx context.Context, r *run, err error) error {
	telemetry.Fail(trace.SpanFromContext(ctx), err)
	if r.lc != nil {
		if markErr := l.ledger.MarkFailed(context.WithoutCancel(ctx), r.requestID, r.userID, err.Error()); markErr != nil {
			l.logger.Warn("failed to mark request failed",
				zap.String("request_id", r.requestID), zap.Error(markErr))
		}
	}
	l.logger.Error("run failed",
		zap.String("request_id", r.requestID),
		zap.Int64("user_id", r.userID),
		zap.Int("iterations", r.out.Iterations),
		zap.Error(err))
	return err
}

func (l *Loop) degrade(ctx context.Context, r *run, kind capability.DegradationKind, detail string) {
	r.out.Degraded = append(r.out.Degraded, capability.Degradation{Kind: kind, Detail: detail})
	l.logger.Warn("degraded",
		zap.String("request_id", r.requestID),
		zap.String("kind", string(kind)),
		zap.String("detail", detail))
	telemetry.RecordDegraded(ctx, string(kind), "", detail)
}
