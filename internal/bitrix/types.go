package bitrix

import (
	"encoding/json"
	"fmt"
)

// Contact is a CRM contact as returned by crm.contact.list.
type Contact struct {
	ID         string
	Name       string
	LastName   string
	SecondName string
}

// FullName joins the populated name parts in NAME SECOND_NAME LAST_NAME
// order.
func (c Contact) FullName() string {
	full := ""
	for _, part := range []string{c.Name, c.SecondName, c.LastName} {
		if part == "" {
			continue
		}
		if full != "" {
			full += " "
		}
		full += part
	}
	return full
}

// populatedNames counts how many of the three name fields carry a value;
// contact selection prefers the richest candidate.
func (c Contact) populatedNames() int {
	n := 0
	for _, part := range []string{c.Name, c.LastName, c.SecondName} {
		if part != "" {
			n++
		}
	}
	return n
}

// Entity is a CRM entity summary (lead, deal, …). Fields carries every
// scalar field of the raw response, including custom target fields, so the
// binding engine can filter on configured field names.
type Entity struct {
	ID       string
	Title    string
	StatusID string
	Fields   map[string]string
}

// Field returns the named raw field value and whether it was present.
func (e Entity) Field(name string) (string, bool) {
	v, ok := e.Fields[name]
	return v, ok
}

// CreatedEntity is one entry of the CRM_CREATED_ENTITIES snapshot returned
// by call registration.
type CreatedEntity struct {
	ID   string
	Type string
}

// RegisteredCall is the result of telephony.externalcall.register.
type RegisteredCall struct {
	CallID          string
	CreatedLead     string // id of the auto-created lead, "" when none
	CreatedEntities []CreatedEntity
}

// RegisterCallRequest carries the parameters for call registration.
type RegisterCallRequest struct {
	UserID     string
	Phone      string
	Type       int // 1 outbound, 2 inbound, 3 inbound with forwarding / callback
	LineNumber string
}

// LeadRequest carries the fields for creating a lead.
type LeadRequest struct {
	Title             string
	Phone             string
	ContactID         string // optional
	TargetField       string // custom field name, optional
	TargetValue       string
	SourceDescription string
}

// Binding links a CRM activity to one entity.
type Binding struct {
	EntityTypeID int
	EntityID     string
}

// asString renders a raw JSON scalar as the string Bitrix semantics expect:
// numbers without exponent noise, null as "".
func asString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case json.Number:
		return t.String()
	case bool:
		if t {
			return "true"
		}
		return "false"
	case float64:
		// Only reached when a decoder without UseNumber slipped through.
		return fmt.Sprintf("%v", t)
	}
	return fmt.Sprintf("%v", v)
}

// entityFromMap flattens one raw list-response item into an Entity.
func entityFromMap(raw map[string]any) Entity {
	e := Entity{Fields: make(map[string]string, len(raw))}
	for key, value := range raw {
		switch value.(type) {
		case map[string]any, []any:
			continue // nested structures are not filterable fields
		}
		e.Fields[key] = asString(value)
	}
	e.ID = e.Fields["ID"]
	e.Title = e.Fields["TITLE"]
	e.StatusID = e.Fields["STATUS_ID"]
	return e
}
