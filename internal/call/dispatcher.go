package call

import (
	"log/slog"

	"github.com/b24link/b24link/internal/ami"
	"github.com/b24link/b24link/internal/config"
)

// Dispatcher normalizes the raw AMI event stream and routes each event to
// its owning call. The first event of a call (Newchannel) is keyed by its
// per-leg Uniqueid; everything after it by the Linkedid that groups the
// call's legs.
type Dispatcher struct {
	cfg    *config.Config
	orch   *Orchestrator
	logger *slog.Logger
}

func NewDispatcher(cfg *config.Config, orch *Orchestrator, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{cfg: cfg, orch: orch, logger: logger}
}

// Dispatch filters one event against the configured allow-list and hands
// it to the orchestrator. Disabled or unrecognized kinds are dropped.
func (d *Dispatcher) Dispatch(ev ami.Event) {
	if !d.cfg.EventHandling[ev.Name] {
		return
	}
	if d.cfg.Logging.LogAMIEvent {
		d.logger.Debug("ami event", "event", ev.Name, "headers", ev.Headers)
	}

	if ev.Name == "Newchannel" {
		exten := ev.Get("Exten")
		if !d.allowedExten(exten) {
			d.logger.Debug("call to unlisted extension ignored", "exten", exten, "uniqueid", ev.UniqueID())
			return
		}
		d.orch.Open(ev.UniqueID(), ev)
		return
	}
	d.orch.Route(ev.LinkedID(), ev)
}

func (d *Dispatcher) allowedExten(exten string) bool {
	for _, e := range d.cfg.AllowedExtens {
		if e == exten {
			return true
		}
	}
	return false
}
