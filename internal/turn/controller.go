// Package turn runs one assistant turn at a time: it gates the send, opens
// the stream, merges deltas into the store and owns cancellation.
package turn

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/youruser/streamchat/internal/api"
	"github.com/youruser/streamchat/internal/chat"
	"github.com/youruser/streamchat/internal/logging"
	"github.com/youruser/streamchat/internal/metrics"
	"github.com/youruser/streamchat/internal/session"
	"github.com/youruser/streamchat/internal/store"
	"github.com/youruser/streamchat/internal/stream"
)

var (
	ErrTurnInProgress = errors.New("a response is already streaming")
	ErrEmptyMessage   = errors.New("message is empty")
	log               = logging.Get()
)

// Outcome is how a turn ended.
type Outcome int

const (
	Completed Outcome = iota
	Canceled
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Completed:
		return metrics.OutcomeCompleted
	case Canceled:
		return metrics.OutcomeCanceled
	default:
		return metrics.OutcomeFailed
	}
}

// Request is one user submission.
type Request struct {
	RoomID      string
	Content     string
	Attachments []chat.Attachment
	// Model overrides the gate's preferred model when set.
	Model string
}

// Result describes a finished turn.
type Result struct {
	Outcome  Outcome
	User     chat.Message
	Message  chat.Message
	Tokens   chat.TokenUsage
	Duration time.Duration
}

// Opener opens the response body of a turn.
type Opener interface {
	OpenStream(ctx context.Context, req api.TurnRequest) (io.ReadCloser, error)
}

// Gate authorizes sends. *session.Gate implements it.
type Gate interface {
	Authorize(ctx context.Context) (session.Session, error)
	RecordSend()
	MarkExhausted()
	SessionID() string
	Model() string
}

// Options configures a Controller.
type Options struct {
	// EventPrefix marks event lines; empty means "data:".
	EventPrefix string
	Observer    Observer
	Metrics     *metrics.Metrics
	Now         func() time.Time
}

// Controller enforces a single active turn.
type Controller struct {
	store  *store.Store
	opener Opener
	gate   Gate
	obs    Observer
	m      *metrics.Metrics
	prefix string
	now    func() time.Time

	mu     sync.Mutex
	active *activeTurn
}

// activeTurn is the cancellation token of the running turn. Its mutex
// serializes the canceled flag with every store write, so once stop
// returns no delta can land on the message.
type activeTurn struct {
	mu          sync.Mutex
	cancel      context.CancelFunc
	assistantID int64
	canceled    bool
	finished    bool
}

// NewController builds a controller writing into st.
func NewController(st *store.Store, opener Opener, gate Gate, opts Options) *Controller {
	c := &Controller{
		store:  st,
		opener: opener,
		gate:   gate,
		obs:    opts.Observer,
		m:      opts.Metrics,
		prefix: opts.EventPrefix,
		now:    opts.Now,
	}
	if c.obs == nil {
		c.obs = NopObserver{}
	}
	if c.m == nil {
		c.m = metrics.Default()
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c
}

// InProgress reports whether a turn is running.
func (c *Controller) InProgress() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active != nil
}

func (c *Controller) reserve(cancel context.CancelFunc) (*activeTurn, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active != nil || c.store.HasStreaming() {
		return nil, false
	}
	c.active = &activeTurn{cancel: cancel}
	return c.active, true
}

func (c *Controller) clear(t *activeTurn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == t {
		c.active = nil
	}
}

// Cancel stops the running turn. The streaming message is finalized at
// once: partial content keeps everything and gets the stopped marker,
// while an empty message becomes the stopped placeholder with all
// auxiliary fields cleared. It reports false when no turn is running.
func (c *Controller) Cancel() bool {
	c.mu.Lock()
	t := c.active
	c.mu.Unlock()
	if t == nil {
		return false
	}
	t.cancel()
	c.stop(t)
	log.Info("turn: canceled by user")
	return true
}

// stop marks t canceled and applies the stop transform to its message.
// Safe to call more than once.
func (c *Controller) stop(t *activeTurn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.canceled = true
	if t.finished || t.assistantID == 0 {
		return
	}
	now := c.now()
	c.store.UpsertStreaming(t.assistantID, func(m chat.Message) chat.Message {
		if !m.IsStreaming {
			return m
		}
		return chat.Stop(m, now)
	})
	t.finished = true
}

// write applies fn to the streaming message unless the turn was canceled.
func (c *Controller) write(t *activeTurn, fn func(chat.Message) chat.Message) (chat.Message, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.canceled || t.finished {
		return chat.Message{}, false
	}
	return c.store.UpsertStreaming(t.assistantID, fn)
}

// finish applies a terminal transform unless the turn was canceled.
func (c *Controller) finish(t *activeTurn, fn func(chat.Message) chat.Message) (chat.Message, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.canceled || t.finished {
		return chat.Message{}, false
	}
	t.finished = true
	return c.store.UpsertStreaming(t.assistantID, fn)
}

// Submit runs one turn to its end. A canceled turn is not an error: it
// returns a Canceled result and a nil error. Network and server failures
// mark the message failed and return the error. Nothing is retried.
func (c *Controller) Submit(ctx context.Context, req Request) (Result, error) {
	if req.Content == "" && len(req.Attachments) == 0 {
		return Result{}, ErrEmptyMessage
	}

	turnCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	t, ok := c.reserve(cancel)
	if !ok {
		c.m.TurnsTotal.WithLabelValues(metrics.OutcomeRefused).Inc()
		return Result{}, ErrTurnInProgress
	}
	defer c.clear(t)

	if _, err := c.gate.Authorize(turnCtx); err != nil {
		c.m.TurnsTotal.WithLabelValues(metrics.OutcomeRefused).Inc()
		if errors.Is(err, session.ErrQuotaExceeded) {
			log.Info("turn: refused, anonymous quota exhausted")
			c.obs.OnQuotaExceeded()
		} else {
			c.obs.OnError(err)
		}
		return Result{}, err
	}

	start := c.now()
	user := chat.NewUserMessage(req.Content, req.Attachments, start)
	assistant := chat.NewAssistantMessage(start)

	t.mu.Lock()
	if t.canceled {
		t.mu.Unlock()
		return Result{Outcome: Canceled}, nil
	}
	c.store.Append(user)
	c.store.Append(assistant)
	t.assistantID = assistant.ID
	t.mu.Unlock()

	c.gate.RecordSend()
	c.obs.OnTurnStarted(user, assistant)

	model := req.Model
	if model == "" {
		model = c.gate.Model()
	}
	log.Debug("turn: start room=%s model=%s id=%d", req.RoomID, model, assistant.ID)

	res, err := c.run(turnCtx, t, api.TurnRequest{
		RoomID:      req.RoomID,
		Model:       model,
		Content:     req.Content,
		Attachments: req.Attachments,
		SessionID:   c.gate.SessionID(),
	})
	res.User = user
	res.Duration = c.now().Sub(start)
	res.Tokens = chat.EstimateMessageTokens(res.Message)

	c.m.TurnsTotal.WithLabelValues(res.Outcome.String()).Inc()
	c.m.TurnDuration.Observe(res.Duration.Seconds())
	log.Info("turn: %s after %s (%d tokens)", res.Outcome, res.Duration.Round(time.Millisecond), res.Tokens.Total())

	// Quota refusals were already signalled through OnQuotaExceeded.
	if err != nil && !errors.Is(err, api.ErrQuotaExceeded) {
		c.obs.OnError(err)
	}
	c.obs.OnTurnFinished(res)
	return res, err
}

// run opens the stream and merges it into the store until a terminal state.
func (c *Controller) run(ctx context.Context, t *activeTurn, req api.TurnRequest) (Result, error) {
	body, err := c.opener.OpenStream(ctx, req)
	if err != nil {
		switch {
		case ctx.Err() != nil || errors.Is(err, context.Canceled):
			return c.canceled(t)
		case errors.Is(err, api.ErrQuotaExceeded):
			c.gate.MarkExhausted()
			c.obs.OnQuotaExceeded()
			return c.failWith(t, err, chat.QuotaNotice)
		}
		return c.fail(t, err)
	}
	defer body.Close()

	reader := stream.NewReader(body, c.prefix)
	reader.OnParseError = func(*stream.ParseError) { c.m.ParseErrors.Inc() }

	for {
		deltas, err := reader.Next(ctx)
		switch {
		case err == nil:
			_, ok := c.write(t, func(m chat.Message) chat.Message {
				merged, merr := chat.MergeAll(m, deltas)
				if merr != nil {
					log.Error("turn: dropping delta batch: %v", merr)
					return m
				}
				return merged
			})
			if !ok {
				return c.canceled(t)
			}
			for _, d := range deltas {
				c.m.DeltasTotal.WithLabelValues(d.Kind()).Inc()
			}

		case errors.Is(err, io.EOF):
			now := c.now()
			m, ok := c.finish(t, func(m chat.Message) chat.Message { return chat.Finalize(m, now) })
			if !ok {
				return c.canceled(t)
			}
			return Result{Outcome: Completed, Message: m}, nil

		case errors.Is(err, stream.ErrCanceled):
			return c.canceled(t)

		default:
			return c.fail(t, err)
		}
	}
}

func (c *Controller) canceled(t *activeTurn) (Result, error) {
	c.stop(t)
	m, _ := c.message(t.assistantID)
	return Result{Outcome: Canceled, Message: m}, nil
}

func (c *Controller) fail(t *activeTurn, err error) (Result, error) {
	return c.failWith(t, err, chat.FailureNotice)
}

func (c *Controller) failWith(t *activeTurn, err error, notice string) (Result, error) {
	now := c.now()
	m, ok := c.finish(t, func(m chat.Message) chat.Message { return chat.FailWith(m, now, notice) })
	if !ok {
		return c.canceled(t)
	}
	log.Error("turn: failed: %v", err)
	return Result{Outcome: Failed, Message: m}, err
}

func (c *Controller) message(id int64) (chat.Message, bool) {
	msgs := c.store.Messages()
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].ID == id && msgs[i].Role == chat.RoleAssistant {
			return msgs[i], true
		}
	}
	return chat.Message{}, false
}
