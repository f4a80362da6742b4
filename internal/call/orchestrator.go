package call

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/b24link/b24link/internal/ami"
	"github.com/b24link/b24link/internal/bitrix"
	"github.com/b24link/b24link/internal/config"
)

// eventBuffer bounds the per-call event queue; a worker blocked on a slow
// CRM call must not back-pressure the PBX reader.
const eventBuffer = 64

// Gateway is the CRM surface the orchestrator drives. *bitrix.Client
// satisfies it; tests substitute a recorder.
type Gateway interface {
	FindContactByPhone(ctx context.Context, phone string) (*bitrix.Contact, error)
	EntitiesFor(ctx context.Context, contactID, phone string) (map[string][]bitrix.Entity, error)
	RegisterCall(ctx context.Context, req bitrix.RegisterCallRequest) (*bitrix.RegisteredCall, error)
	ShowCallWindow(ctx context.Context, callID, userID string) error
	HideCallWindow(ctx context.Context, callID, userID string) error
	FinishCall(ctx context.Context, callID, userID string, duration int) (string, error)
	AttachRecording(ctx context.Context, callID, path string) error
	ListActivityBindings(ctx context.Context, activityID string) ([]bitrix.Binding, error)
	AddBinding(ctx context.Context, activityID string, entityTypeID int, entityID string) error
	RemoveBinding(ctx context.Context, activityID string, entityTypeID int, entityID string) error
	UpdateActivity(ctx context.Context, activityID string, fields map[string]string) error
	GetLead(ctx context.Context, id string) (*bitrix.Entity, error)
	UpdateLead(ctx context.Context, id string, fields map[string]string) error
	CreateLead(ctx context.Context, req bitrix.LeadRequest) (string, error)
	UserIDByInternalExt(ctx context.Context, ext string) (string, error)
}

// ActionSender issues outbound PBX actions. *ami.Client satisfies it.
type ActionSender interface {
	Setvar(channel, variable, value string) error
}

// Encoder converts a raw recording into its published form and returns
// the encoded path.
type Encoder interface {
	Encode(ctx context.Context, rawPath string) (string, error)
}

// Orchestrator owns the live calls. Events for one call are handled
// strictly in arrival order by a dedicated worker goroutine; distinct
// calls proceed in parallel.
type Orchestrator struct {
	cfg     *config.Config
	gateway Gateway
	pbx     ActionSender
	encoder Encoder
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	quit   chan struct{}

	mu    sync.Mutex
	calls map[string]*worker
	wg    sync.WaitGroup

	created   atomic.Uint64
	finalized atomic.Uint64
}

type worker struct {
	state  *CallState
	events chan ami.Event

	// summary is the snapshot view published after every event; it is
	// guarded by the orchestrator mutex so the status listener never
	// reads live worker state.
	summary CallSummary
}

// NewOrchestrator wires the orchestrator to its collaborators.
func NewOrchestrator(cfg *config.Config, gateway Gateway, pbx ActionSender, encoder Encoder, logger *slog.Logger) *Orchestrator {
	// Worker contexts outlive the daemon's run context so finalization
	// can complete during the shutdown grace period.
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		cfg:     cfg,
		gateway: gateway,
		pbx:     pbx,
		encoder: encoder,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
		quit:    make(chan struct{}),
		calls:   make(map[string]*worker),
	}
}

// Open creates the call state for a first channel event and starts its
// worker. The event itself is queued as the worker's first item.
func (o *Orchestrator) Open(correlationID string, ev ami.Event) {
	o.mu.Lock()
	if _, exists := o.calls[correlationID]; exists {
		o.mu.Unlock()
		o.Route(correlationID, ev)
		return
	}
	w := &worker{
		state:  newCallState(correlationID),
		events: make(chan ami.Event, eventBuffer),
	}
	o.calls[correlationID] = w
	o.wg.Add(1)
	o.mu.Unlock()

	o.created.Add(1)
	w.events <- ev
	go o.run(w)
}

// Route queues an event on the owning call's worker. Events for unknown
// correlation ids are dropped.
func (o *Orchestrator) Route(correlationID string, ev ami.Event) {
	o.mu.Lock()
	w, ok := o.calls[correlationID]
	o.mu.Unlock()
	if !ok {
		o.logger.Debug("event for unknown call dropped", "event", ev.Name, "linkedid", correlationID)
		return
	}
	select {
	case w.events <- ev:
	default:
		o.logger.Warn("call event queue full, dropping event", "event", ev.Name, "call", correlationID)
	}
}

// run is the per-call worker loop. It exits after finalization or on
// daemon shutdown.
func (o *Orchestrator) run(w *worker) {
	defer o.wg.Done()
	for {
		select {
		case ev := <-w.events:
			o.handle(w.state, ev)
			o.publishSummary(w)
			if w.state.Status == StatusFinalized {
				o.dispose(w.state.CorrelationID)
				return
			}
		case <-o.quit:
			return
		}
	}
}

// handle applies one event to the call state machine. Events arriving in
// a state that does not accept them are logged and ignored.
func (o *Orchestrator) handle(c *CallState, ev ami.Event) {
	switch ev.Name {
	case "Newchannel":
		if c.Status != StatusNew {
			o.dropEvent(c, ev)
			return
		}
		o.enrich(c, ev)
	case "TimeRule":
		c.recordRouteStep("time_rule", ev.Get("TimeRule"))
	case "TimeGroup":
		c.recordRouteStep("time_group", ev.Get("TimeGroup"))
	case "IVRchoose":
		c.recordRouteStep("ivr", ev.Get("IVRchoose"))
	case "QueueCallerJoin":
		if c.Status != StatusEnriched {
			o.dropEvent(c, ev)
			return
		}
		o.mirrorQueueJoin(c, ev)
	case "DialBegin":
		if c.Status != StatusQueued && c.Status != StatusRinging {
			o.dropEvent(c, ev)
			return
		}
		o.handleDialBegin(c, ev)
	case "DialEnd":
		if c.Status != StatusRinging {
			o.dropEvent(c, ev)
			return
		}
		o.handleDialEnd(c, ev)
	case "AgentConnect":
		if c.Status != StatusRinging {
			o.dropEvent(c, ev)
			return
		}
		o.handleAgentConnect(c, ev)
	case "AgentComplete":
		if c.Status != StatusAnswered {
			o.dropEvent(c, ev)
			return
		}
		c.EndReason = ev.Get("Reason")
		c.TalkTime = ev.Get("TalkTime")
	case "VarSet":
		if ev.Get("Variable") == "MIXMONITOR_FILENAME" {
			c.RecordingRawPath = ev.Get("Value")
			o.logger.Debug("recording path set", "call", c.CorrelationID, "path", c.RecordingRawPath)
		}
	case "Hangup":
		// Only the hangup of the originating leg finalizes the call.
		if ev.UniqueID() != c.CorrelationID {
			o.logger.Debug("hangup for non-originating leg ignored", "call", c.CorrelationID, "uniqueid", ev.UniqueID())
			return
		}
		o.finalize(c, ev)
	default:
		o.dropEvent(c, ev)
	}
}

func (o *Orchestrator) dropEvent(c *CallState, ev ami.Event) {
	o.logger.Debug("event not accepted in current state",
		"event", ev.Name, "call", c.CorrelationID, "status", c.Status.String())
}

// dispose removes a finalized call from the live set.
func (o *Orchestrator) dispose(correlationID string) {
	o.mu.Lock()
	delete(o.calls, correlationID)
	o.mu.Unlock()
	o.finalized.Add(1)
}

// Shutdown stops accepting events and lets in-flight workers complete
// finalization best-effort within the timeout. Workers still running
// after the timeout are abandoned.
func (o *Orchestrator) Shutdown(timeout time.Duration) {
	close(o.quit)
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		o.logger.Warn("shutdown timeout, abandoning in-flight calls", "live", o.LiveCalls())
		o.cancel()
	}
}

// LiveCalls returns the number of calls currently tracked.
func (o *Orchestrator) LiveCalls() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.calls)
}

// FinalizedTotal returns the number of calls finalized since start.
func (o *Orchestrator) FinalizedTotal() uint64 { return o.finalized.Load() }

// CreatedTotal returns the number of calls ever tracked.
func (o *Orchestrator) CreatedTotal() uint64 { return o.created.Load() }

// CallSummary is a point-in-time view of one live call for the status
// listener.
type CallSummary struct {
	CorrelationID string `json:"correlationId"`
	Caller        string `json:"caller"`
	Exten         string `json:"exten"`
	Queue         string `json:"queue,omitempty"`
	AcceptedBy    string `json:"acceptedBy,omitempty"`
	Status        string `json:"status"`
	StartedAt     int64  `json:"startedAt"`
}

// publishSummary copies the snapshot-visible fields under the map lock.
func (o *Orchestrator) publishSummary(w *worker) {
	c := w.state
	o.mu.Lock()
	w.summary = CallSummary{
		CorrelationID: c.CorrelationID,
		Caller:        c.CallerNumber,
		Exten:         c.DialedExten,
		Queue:         c.QueueID,
		AcceptedBy:    c.AcceptedBy,
		Status:        c.Status.String(),
		StartedAt:     c.StartedAt,
	}
	o.mu.Unlock()
}

// Snapshot lists the live calls as last published by their workers.
func (o *Orchestrator) Snapshot() []CallSummary {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]CallSummary, 0, len(o.calls))
	for _, w := range o.calls {
		out = append(out, w.summary)
	}
	return out
}
