package call

import (
	"regexp"
	"strings"

	"github.com/b24link/b24link/internal/ami"
	"github.com/b24link/b24link/internal/bitrix"
)

// agentExtPattern extracts the internal extension from a queue member
// interface string such as "Local/201@from-queue/n".
var agentExtPattern = regexp.MustCompile(`Local/(\d+)@from-queue/n`)

// mirrorQueueJoin registers the call with the CRM when it enters a queue
// and makes sure a lead with the queue's direction exists.
func (o *Orchestrator) mirrorQueueJoin(c *CallState, ev ami.Event) {
	c.QueueID = ev.Get("Queue")
	if c.QueueID == "" {
		o.logger.Warn("queue join without queue id", "call", c.CorrelationID)
		return
	}
	c.QueueName = o.cfg.QueueNames[c.QueueID]
	if c.QueueName == "" {
		c.QueueName = c.QueueID
	}
	o.logger.Info("call entered queue", "call", c.CorrelationID, "queue", c.QueueID, "name", c.QueueName)

	rc, err := o.gateway.RegisterCall(o.ctx, bitrix.RegisterCallRequest{
		UserID:     o.cfg.Bitrix.CallAdminID,
		Phone:      c.CallerNumber,
		Type:       c.Direction.Code(),
		LineNumber: c.DialedExten,
	})
	if err != nil {
		// Without a CRM call id the mirroring steps have nothing to work
		// on, but the state machine keeps tracking the call.
		o.logger.Warn("call registration failed", "call", c.CorrelationID, "error", err)
		c.Status = StatusQueued
		return
	}
	c.CallID = rc.CallID
	c.CreatedLead = rc.CreatedLead
	c.CreatedEntities = rc.CreatedEntities
	o.logger.Info("call registered", "call", c.CorrelationID, "crm_call", c.CallID)

	targetID := o.firstLeadTarget(c.QueueID)

	if autoLead := autoCreatedLead(rc); autoLead != "" {
		// The CRM created a lead for an unknown number; retitle it with
		// the queue direction unless the caller already had entities.
		if len(c.KnownEntities) == 0 {
			o.retitleLead(c, autoLead, targetID)
		}
		c.Status = StatusQueued
		return
	}

	if o.hasMatchingEntity(c, "lead") || o.hasMatchingEntity(c, "deal") {
		o.logger.Debug("caller already has entities for this queue", "call", c.CorrelationID, "queue", c.QueueName)
		c.Status = StatusQueued
		return
	}

	req := bitrix.LeadRequest{
		Title:             c.QueueName + " - " + c.ContactFullName + " - " + c.Direction.Label(),
		Phone:             c.CallerNumber,
		TargetField:       o.cfg.Bitrix.LeadTargetUF,
		TargetValue:       targetID,
		SourceDescription: c.Direction.Label() + " to number " + c.DialedExten,
	}
	if c.ContactID != "" && c.ContactFullName != c.CallerNumber {
		req.ContactID = c.ContactID
	}
	leadID, err := o.gateway.CreateLead(o.ctx, req)
	if err != nil {
		o.logger.Warn("lead creation failed", "call", c.CorrelationID, "error", err)
	} else {
		c.NewLeadID = leadID
		o.logger.Info("lead created", "call", c.CorrelationID, "lead", leadID)
	}
	c.Status = StatusQueued
}

// autoCreatedLead returns the id of the lead the CRM auto-created during
// registration, or "" when registration created nothing or something else.
func autoCreatedLead(rc *bitrix.RegisteredCall) string {
	if rc.CreatedLead == "" || len(rc.CreatedEntities) == 0 {
		return ""
	}
	first := rc.CreatedEntities[0]
	if first.ID == "" || first.ID != rc.CreatedLead {
		return ""
	}
	if !strings.EqualFold(first.Type, "lead") {
		return ""
	}
	return rc.CreatedLead
}

// retitleLead prepends the queue name to a lead title and stamps the
// queue's lead target on it.
func (o *Orchestrator) retitleLead(c *CallState, leadID, targetID string) {
	oldTitle := ""
	if lead, err := o.gateway.GetLead(o.ctx, leadID); err != nil {
		o.logger.Warn("lead fetch failed", "call", c.CorrelationID, "lead", leadID, "error", err)
	} else {
		oldTitle = lead.Title
	}

	fields := map[string]string{"TITLE": c.QueueName + " - " + oldTitle}
	if o.cfg.Bitrix.LeadTargetUF != "" && targetID != "" {
		fields[o.cfg.Bitrix.LeadTargetUF] = targetID
	}
	if err := o.gateway.UpdateLead(o.ctx, leadID, fields); err != nil {
		o.logger.Warn("lead retitle failed", "call", c.CorrelationID, "lead", leadID, "error", err)
		return
	}
	o.logger.Debug("lead retitled", "call", c.CorrelationID, "lead", leadID)
}

// hasMatchingEntity reports whether a prefetched entity of the kind
// carries a target value belonging to the call's queue. A missing target
// field never matches.
func (o *Orchestrator) hasMatchingEntity(c *CallState, kind string) bool {
	field := o.cfg.TargetField(kind)
	if field == "" {
		return false
	}
	values := o.cfg.TargetValues(kind, c.QueueID)
	for _, e := range c.KnownEntities[kind] {
		if v, ok := e.Field(field); ok && containsString(values, v) {
			return true
		}
	}
	return false
}

// firstLeadTarget returns the queue's preferred lead target id.
func (o *Orchestrator) firstLeadTarget(queueID string) string {
	if targets := o.cfg.QueueLeadTargets[queueID]; len(targets) > 0 {
		return targets[0]
	}
	return ""
}

// handleDialBegin distinguishes the queue-local leg (per-leg id equals
// the linked-call id) from a real agent ring. Only real rings open a CRM
// call popup.
func (o *Orchestrator) handleDialBegin(c *CallState, ev ami.Event) {
	destExten := ev.Get("DestExten")
	destNum := ev.Get("DestCallerIDNum")
	destName := ev.Get("DestCallerIDName")

	switch {
	case ev.UniqueID() == ev.LinkedID() && destExten != "":
		c.recordUsedAgent(destExten, destName)
	case destNum != "":
		o.logger.Debug("agent ringing", "call", c.CorrelationID, "agent", destNum)
		c.recordDialAttempt(destNum, destName)
		o.openWindow(c, destNum)
	default:
		o.logger.Debug("dial begin without destination", "call", c.CorrelationID, "uniqueid", ev.UniqueID())
		return
	}
	c.Status = StatusRinging
}

// handleDialEnd stamps the terminal dial status on the agent's attempt.
func (o *Orchestrator) handleDialEnd(c *CallState, ev ami.Event) {
	destNum := ev.Get("DestCallerIDNum")
	if destNum == "" || destNum == c.DialedExten {
		return
	}
	c.recordDialStatus(destNum, ev.Get("DestCallerIDName"), ev.Get("DialStatus"))
}

// handleAgentConnect marks the call as taken: popups of every other
// notified agent are closed and the answer is stamped.
func (o *Orchestrator) handleAgentConnect(c *CallState, ev ami.Event) {
	if ev.UniqueID() != c.CorrelationID {
		o.logger.Debug("agent connect for non-originating leg ignored", "call", c.CorrelationID)
		return
	}
	m := agentExtPattern.FindStringSubmatch(ev.Get("Interface"))
	if m == nil {
		o.logger.Warn("agent extension not recognized", "call", c.CorrelationID, "interface", ev.Get("Interface"))
		return
	}
	ext := m[1]

	o.closeWindows(c, ext)
	c.stampAnswer(ext)
	o.logger.Info("call answered", "call", c.CorrelationID, "agent", ext)
}

// openWindow shows the CRM call popup for the agent behind the extension,
// resolving and caching the CRM user id on first use.
func (o *Orchestrator) openWindow(c *CallState, ext string) {
	if c.CallID == "" {
		o.logger.Debug("no crm call id, popup skipped", "call", c.CorrelationID, "agent", ext)
		return
	}
	userID, cached := c.UserIDByExt[ext]
	if !cached {
		resolved, err := o.gateway.UserIDByInternalExt(o.ctx, ext)
		if err != nil {
			o.logger.Warn("crm user lookup failed", "call", c.CorrelationID, "agent", ext, "error", err)
			return
		}
		userID = resolved
		c.UserIDByExt[ext] = userID
	}
	if userID == "" {
		o.logger.Debug("no crm user for extension", "call", c.CorrelationID, "agent", ext)
		return
	}
	if _, open := c.OpenWindows[ext]; open {
		return
	}
	if err := o.gateway.ShowCallWindow(o.ctx, c.CallID, userID); err != nil {
		o.logger.Warn("call popup open failed", "call", c.CorrelationID, "agent", ext, "error", err)
		return
	}
	c.OpenWindows[ext] = userID
}

// closeWindows hides the popups of every notified agent except the one
// who accepted the call; exceptExt may be empty to close all.
func (o *Orchestrator) closeWindows(c *CallState, exceptExt string) {
	for ext, userID := range c.OpenWindows {
		if exceptExt != "" && ext == exceptExt {
			continue
		}
		if err := o.gateway.HideCallWindow(o.ctx, c.CallID, userID); err != nil {
			o.logger.Debug("call popup hide failed", "call", c.CorrelationID, "agent", ext, "error", err)
		}
		delete(c.OpenWindows, ext)
	}
}
