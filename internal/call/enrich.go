package call

import (
	"fmt"
	"strings"

	"github.com/b24link/b24link/internal/ami"
	"github.com/b24link/b24link/internal/bitrix"
)

// enrich handles the first channel event of a call: it stamps the call
// identity, looks the caller up in the CRM, prefetches related entities
// and rewrites the PBX caller display name.
func (o *Orchestrator) enrich(c *CallState, ev ami.Event) {
	c.CallerNumber = ev.Get("CallerIDNum")
	c.DialedExten = ev.Get("Exten")
	c.Channel = ev.Get("Channel")

	o.logger.Info("new call",
		"caller", c.CallerNumber, "exten", c.DialedExten, "call", c.CorrelationID)

	displayName := c.CallerNumber
	c.ContactFullName = c.CallerNumber

	contact, err := o.gateway.FindContactByPhone(o.ctx, c.CallerNumber)
	if err != nil {
		o.logger.Warn("contact lookup failed", "call", c.CorrelationID, "error", err)
	}
	if contact != nil {
		c.ContactID = contact.ID
		c.ContactFullName = contact.FullName()
		displayName = c.ContactFullName
	}

	entities, err := o.gateway.EntitiesFor(o.ctx, c.ContactID, c.CallerNumber)
	if err != nil {
		o.logger.Warn("entity prefetch failed", "call", c.CorrelationID, "error", err)
	}
	if len(entities) > 0 {
		c.KnownEntities = entities
		displayName = displayName + " (" + o.entitySummary(entities) + ")"
	}

	c.DisplayName = displayName
	if err := o.pbx.Setvar(c.Channel, "CALLERID(name)", displayName); err != nil {
		o.logger.Warn("caller name update failed", "call", c.CorrelationID, "error", err)
	} else {
		o.logger.Info("caller name updated", "call", c.CorrelationID, "name", displayName)
	}

	c.Status = StatusEnriched
}

// entitySummary renders the prefetched entities as "<label> - <n>" pairs
// in the configured kind order, e.g. "Lead - 2, Deal - 1".
func (o *Orchestrator) entitySummary(entities map[string][]bitrix.Entity) string {
	var parts []string
	for _, kind := range o.cfg.EntityKinds {
		n := len(entities[kind])
		if n == 0 {
			continue
		}
		label := o.cfg.EntityTypeLabels[kind]
		if label == "" {
			label = kind
		}
		parts = append(parts, fmt.Sprintf("%s - %d", label, n))
	}
	return strings.Join(parts, ", ")
}
