package call

import (
	"github.com/b24link/b24link/internal/bitrix"
	"github.com/b24link/b24link/internal/config"
)

// entityTypeIDs is the fixed CRM mapping from entity kind to the numeric
// entityTypeId used by activity bindings.
var entityTypeIDs = map[string]int{
	"lead":      1,
	"deal":      2,
	"contact":   3,
	"company":   4,
	"quote":     7,
	"requisite": 8,
	"invoice":   31,
}

// BindingOp is one planned change to an activity's binding set.
type BindingOp struct {
	Add          bool
	EntityTypeID int
	EntityID     string
}

type bindingKey struct {
	typeID int
	id     string
}

// BindingPlan computes the binding changes for a finished call. Known
// entities are evaluated per kind under the configured mode: ALL binds
// everything, FILTERED binds only entities whose target field value lies
// in the queue's configured set and unbinds the rest, NONE unbinds
// everything. A newly created lead is prepended to the lead list,
// synthesized with the queue's first lead target id so FILTERED accepts
// it. The plan is a set: applying it twice yields no further changes, and
// removals are emitted only for bindings that actually exist.
func BindingPlan(cfg *config.Config, queueID string, known map[string][]bitrix.Entity, newLeadID string, existing []bitrix.Binding) []BindingOp {
	bound := make(map[bindingKey]bool, len(existing))
	for _, b := range existing {
		bound[bindingKey{b.EntityTypeID, b.EntityID}] = true
	}

	var ops []BindingOp
	planned := make(map[bindingKey]bool)
	add := func(typeID int, id string) {
		key := bindingKey{typeID, id}
		if bound[key] || planned[key] {
			return
		}
		planned[key] = true
		ops = append(ops, BindingOp{Add: true, EntityTypeID: typeID, EntityID: id})
	}
	remove := func(typeID int, id string) {
		key := bindingKey{typeID, id}
		if !bound[key] || planned[key] {
			return
		}
		planned[key] = true
		ops = append(ops, BindingOp{EntityTypeID: typeID, EntityID: id})
	}

	for kind, mode := range cfg.BindingModes {
		typeID, ok := entityTypeIDs[kind]
		if !ok {
			continue
		}

		entities := known[kind]
		if kind == "lead" && newLeadID != "" && !containsEntity(entities, newLeadID) {
			synthesized := bitrix.Entity{ID: newLeadID, Fields: map[string]string{"ID": newLeadID}}
			if targets := cfg.QueueLeadTargets[queueID]; len(targets) > 0 && cfg.Bitrix.LeadTargetUF != "" {
				synthesized.Fields[cfg.Bitrix.LeadTargetUF] = targets[0]
			}
			entities = append([]bitrix.Entity{synthesized}, entities...)
		}
		if len(entities) == 0 {
			continue
		}

		field := cfg.TargetField(kind)
		values := cfg.TargetValues(kind, queueID)

		for _, e := range entities {
			switch mode {
			case config.BindAll:
				add(typeID, e.ID)
			case config.BindFiltered:
				// An absent target field never matches the filter.
				v, ok := e.Field(field)
				if ok && containsString(values, v) {
					add(typeID, e.ID)
				} else {
					remove(typeID, e.ID)
				}
			case config.BindNone:
				remove(typeID, e.ID)
			}
		}
	}
	return ops
}

func containsEntity(entities []bitrix.Entity, id string) bool {
	for _, e := range entities {
		if e.ID == id {
			return true
		}
	}
	return false
}

func containsString(values []string, v string) bool {
	for _, s := range values {
		if s == v {
			return true
		}
	}
	return false
}
