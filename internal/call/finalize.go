package call

import (
	"time"

	"github.com/b24link/b24link/internal/ami"
)

// finalize runs the hangup pipeline: stamp durations, encode the
// recording, close the CRM side (popups, finish, bindings, attachment)
// and mark the state finalized so the worker can dispose of it. A failed
// CRM step is logged and the pipeline keeps going; the only terminal
// outcome is discarding the state.
func (o *Orchestrator) finalize(c *CallState, ev ami.Event) {
	if !c.Answered() {
		c.Status = StatusUnanswered
	}
	c.EndedAt = time.Now().Unix()
	c.EndCause = ev.Get("Cause")
	c.EndCauseText = ev.Get("Cause-txt")

	duration, answerDuration := c.Durations()
	o.logger.Info("call ended",
		"call", c.CorrelationID, "cause", c.EndCause,
		"duration", duration, "answer_duration", answerDuration)
	c.Status = StatusHungup

	o.encodeRecording(c)

	if c.CallID == "" {
		// The call never reached a queue; there is nothing to close on
		// the CRM side.
		o.logger.Debug("call ended before registration", "call", c.CorrelationID)
		c.Status = StatusFinalized
		return
	}

	o.closeWindows(c, "")

	userID := o.finishingUserID(c)
	activityID, err := o.gateway.FinishCall(o.ctx, c.CallID, userID, duration)
	if err != nil {
		o.logger.Warn("call finish failed", "call", c.CorrelationID, "error", err)
	} else {
		c.ActivityID = activityID
		o.logger.Info("call finished in crm", "call", c.CorrelationID, "activity", activityID)
	}

	o.applyBindings(c)

	if o.attachRecording(c) {
		if err := o.gateway.UpdateActivity(o.ctx, c.ActivityID, map[string]string{"COMPLETED": "Y"}); err != nil {
			o.logger.Warn("activity completion failed", "call", c.CorrelationID, "activity", c.ActivityID, "error", err)
		}
	}

	c.Status = StatusFinalized
}

// finishingUserID picks the CRM user the call is finished on behalf of:
// the accepting agent when known, the service user otherwise.
func (o *Orchestrator) finishingUserID(c *CallState) string {
	if c.AcceptedBy != "" {
		if userID := c.UserIDByExt[c.AcceptedBy]; userID != "" {
			return userID
		}
	}
	return o.cfg.Bitrix.CallAdminID
}

// encodeRecording converts the raw recording and stores the encoded path.
// A missing or unconvertible recording is tolerated.
func (o *Orchestrator) encodeRecording(c *CallState) {
	if c.RecordingRawPath == "" {
		o.logger.Debug("no recording for call", "call", c.CorrelationID)
		return
	}
	encoded, err := o.encoder.Encode(o.ctx, c.RecordingRawPath)
	if err != nil {
		o.logger.Warn("recording encode failed", "call", c.CorrelationID, "path", c.RecordingRawPath, "error", err)
		return
	}
	c.RecordingMP3Path = encoded
	o.logger.Debug("recording encoded", "call", c.CorrelationID, "path", encoded)
}

// applyBindings runs the binding policy engine against the final entity
// set and applies the plan to the CRM activity.
func (o *Orchestrator) applyBindings(c *CallState) {
	if c.ActivityID == "" {
		return
	}
	existing, err := o.gateway.ListActivityBindings(o.ctx, c.ActivityID)
	if err != nil {
		o.logger.Warn("binding list failed", "call", c.CorrelationID, "activity", c.ActivityID, "error", err)
		return
	}

	for _, op := range BindingPlan(o.cfg, c.QueueID, c.KnownEntities, c.NewLeadID, existing) {
		if op.Add {
			err = o.gateway.AddBinding(o.ctx, c.ActivityID, op.EntityTypeID, op.EntityID)
		} else {
			err = o.gateway.RemoveBinding(o.ctx, c.ActivityID, op.EntityTypeID, op.EntityID)
		}
		if err != nil {
			o.logger.Warn("binding change failed",
				"call", c.CorrelationID, "activity", c.ActivityID,
				"add", op.Add, "type", op.EntityTypeID, "entity", op.EntityID, "error", err)
		}
	}
}

// attachRecording uploads the encoded recording to the CRM call and
// reports whether the activity may be marked completed.
func (o *Orchestrator) attachRecording(c *CallState) bool {
	if c.ActivityID == "" {
		return false
	}
	if c.RecordingMP3Path == "" {
		o.logger.Warn("no encoded recording to attach", "call", c.CorrelationID)
		return false
	}
	if err := o.gateway.AttachRecording(o.ctx, c.CallID, c.RecordingMP3Path); err != nil {
		o.logger.Warn("recording attach failed", "call", c.CorrelationID, "error", err)
		return false
	}
	o.logger.Info("recording attached", "call", c.CorrelationID, "path", c.RecordingMP3Path)
	return true
}
