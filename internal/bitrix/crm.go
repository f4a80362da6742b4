package bitrix

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// Lead statuses that make a lead terminal: such leads are never listed,
// enriched against, or bound.
var terminalLeadStatuses = []string{"CONVERTED", "JUNK"}

func isTerminalLead(statusID string) bool {
	for _, s := range terminalLeadStatuses {
		if statusID == s {
			return true
		}
	}
	return false
}

// FindContactByPhone looks a contact up by phone number. When several
// contacts match, the one with the most populated name fields wins; ties
// go to the first returned. Returns (nil, nil) when nothing matches.
func (c *Client) FindContactByPhone(ctx context.Context, phone string) (*Contact, error) {
	params := url.Values{}
	params.Set("filter[PHONE]", phone)
	for _, field := range []string{"ID", "NAME", "LAST_NAME", "SECOND_NAME"} {
		params.Add("select[]", field)
	}

	raw, err := c.call(ctx, http.MethodGet, "crm.contact.list", params)
	if err != nil {
		return nil, err
	}
	entities, err := decodeList("crm.contact.list", raw)
	if err != nil {
		return nil, err
	}
	if len(entities) == 0 {
		return nil, nil
	}

	var best *Contact
	for _, e := range entities {
		candidate := Contact{
			ID:         e.Fields["ID"],
			Name:       e.Fields["NAME"],
			LastName:   e.Fields["LAST_NAME"],
			SecondName: e.Fields["SECOND_NAME"],
		}
		if best == nil || candidate.populatedNames() > best.populatedNames() {
			cc := candidate
			best = &cc
		}
	}
	return best, nil
}

// EntitiesFor fetches the active related entities for a contact id or, when
// no contact was found, a bare phone number. Results are keyed by entity
// kind and ordered newest first. Deals are skipped entirely without a
// contact id; terminal leads are excluded.
func (c *Client) EntitiesFor(ctx context.Context, contactID, phone string) (map[string][]Entity, error) {
	found := make(map[string][]Entity)

	for _, kind := range c.entityKind {
		er, ok := c.entities[kind]
		if !ok || er.Request == "" {
			continue
		}
		if kind == "deal" && contactID == "" {
			c.logger.Debug("skipping deal lookup without contact id", "phone", phone)
			continue
		}

		params := url.Values{}
		params.Set("filter[ACTIVE]", "Y")
		params.Set("order[DATE_CREATE]", "DESC")
		params.Set("start", "0")
		for _, field := range []string{"ID", "TITLE", "STATUS_ID", "CATEGORY_ID", "ORDER_TOPIC", c.leadUF} {
			if field != "" {
				params.Add("select[]", field)
			}
		}
		if contactID != "" {
			params.Set("filter[CONTACT_ID]", contactID)
		} else {
			params.Set("filter[PHONE]", phone)
		}
		switch kind {
		case "deal":
			params.Set("filter[CLOSED]", "N")
		case "lead":
			for _, status := range terminalLeadStatuses {
				params.Add("filter[!STATUS_ID][]", status)
			}
		}

		raw, err := c.call(ctx, http.MethodGet, er.Request, params)
		if err != nil {
			// A failed kind does not spoil the rest of the enrichment.
			c.logger.Warn("entity lookup failed", "kind", kind, "error", err)
			continue
		}
		entities, err := decodeList(er.Request, raw)
		if err != nil {
			c.logger.Warn("entity lookup undecodable", "kind", kind, "error", err)
			continue
		}

		if kind == "lead" {
			kept := entities[:0]
			for _, e := range entities {
				if !isTerminalLead(e.StatusID) {
					kept = append(kept, e)
				}
			}
			entities = kept
		}
		if len(entities) > 0 {
			found[kind] = entities
		}
	}

	return found, nil
}

// GetLead fetches a single lead by id.
func (c *Client) GetLead(ctx context.Context, id string) (*Entity, error) {
	params := url.Values{}
	params.Set("id", id)
	raw, err := c.call(ctx, http.MethodGet, "crm.lead.get", params)
	if err != nil {
		return nil, err
	}
	obj, err := decodeObject("crm.lead.get", raw)
	if err != nil {
		return nil, err
	}
	e := entityFromMap(obj)
	return &e, nil
}

// UpdateLead updates the given fields of a lead.
func (c *Client) UpdateLead(ctx context.Context, id string, fields map[string]string) error {
	params := url.Values{}
	params.Set("id", id)
	for key, value := range fields {
		params.Set("fields["+key+"]", value)
	}
	_, err := c.call(ctx, http.MethodPost, "crm.lead.update", params)
	return err
}

// CreateLead creates a new lead and returns its id. The phone number is
// submitted as a multi-valued MOBILE phone field.
func (c *Client) CreateLead(ctx context.Context, req LeadRequest) (string, error) {
	params := url.Values{}
	params.Set("fields[TITLE]", req.Title)
	params.Set("fields[STATUS_ID]", "NEW")
	params.Set("fields[SOURCE_ID]", "CALL")
	if req.SourceDescription != "" {
		params.Set("fields[SOURCE_DESCRIPTION]", req.SourceDescription)
	}
	if req.Phone != "" {
		params.Set("fields[PHONE][][VALUE]", req.Phone)
		params.Set("fields[PHONE][][VALUE_TYPE]", "MOBILE")
	}
	if req.ContactID != "" {
		params.Set("fields[CONTACT_ID]", req.ContactID)
	}
	if req.TargetField != "" && req.TargetValue != "" {
		params.Set("fields["+req.TargetField+"]", req.TargetValue)
	}

	raw, err := c.call(ctx, http.MethodPost, "crm.lead.add", params)
	if err != nil {
		return "", err
	}
	id := strings.Trim(string(raw), `"`)
	if id == "" || id == "0" {
		return "", &Error{Kind: KindSemantic, Op: "crm.lead.add", Err: fmt.Errorf("no lead id in response")}
	}
	return id, nil
}

// ListActivityBindings returns the entity bindings of a CRM activity.
func (c *Client) ListActivityBindings(ctx context.Context, activityID string) ([]Binding, error) {
	params := url.Values{}
	params.Set("activityId", activityID)
	raw, err := c.call(ctx, http.MethodGet, "crm.activity.binding.list", params)
	if err != nil {
		return nil, err
	}
	entities, err := decodeList("crm.activity.binding.list", raw)
	if err != nil {
		return nil, err
	}

	bindings := make([]Binding, 0, len(entities))
	for _, e := range entities {
		typeID, err := strconv.Atoi(e.Fields["entityTypeId"])
		if err != nil {
			continue
		}
		bindings = append(bindings, Binding{EntityTypeID: typeID, EntityID: e.Fields["entityId"]})
	}
	return bindings, nil
}

// AddBinding binds an entity to a CRM activity.
func (c *Client) AddBinding(ctx context.Context, activityID string, entityTypeID int, entityID string) error {
	params := url.Values{}
	params.Set("activityId", activityID)
	params.Set("entityTypeId", strconv.Itoa(entityTypeID))
	params.Set("entityId", entityID)
	_, err := c.call(ctx, http.MethodPost, "crm.activity.binding.add", params)
	return err
}

// RemoveBinding unbinds an entity from a CRM activity.
func (c *Client) RemoveBinding(ctx context.Context, activityID string, entityTypeID int, entityID string) error {
	params := url.Values{}
	params.Set("activityId", activityID)
	params.Set("entityTypeId", strconv.Itoa(entityTypeID))
	params.Set("entityId", entityID)
	_, err := c.call(ctx, http.MethodPost, "crm.activity.binding.delete", params)
	return err
}

// UpdateActivity updates fields of a CRM activity (e.g. COMPLETED=Y once
// the recording is attached).
func (c *Client) UpdateActivity(ctx context.Context, activityID string, fields map[string]string) error {
	params := url.Values{}
	params.Set("id", activityID)
	for key, value := range fields {
		params.Set("fields["+key+"]", value)
	}
	_, err := c.call(ctx, http.MethodPost, "crm.activity.update", params)
	return err
}

// UserIDByInternalExt resolves a PBX internal extension to the CRM user id
// via the UF_PHONE_INNER profile field. Returns "" when no user matches.
func (c *Client) UserIDByInternalExt(ctx context.Context, ext string) (string, error) {
	params := url.Values{}
	params.Set("filter[UF_PHONE_INNER]", ext)
	raw, err := c.call(ctx, http.MethodGet, "user.get", params)
	if err != nil {
		return "", err
	}
	users, err := decodeList("user.get", raw)
	if err != nil {
		return "", err
	}
	if len(users) == 0 {
		return "", nil
	}
	return users[0].Fields["ID"], nil
}

// EnumerationValues fetches the id→label map of a list-type custom field,
// used at startup to sanity-check the configured lead target ids.
func (c *Client) EnumerationValues(ctx context.Context, fieldID string) (map[string]string, error) {
	params := url.Values{}
	params.Set("FIELD_ID", fieldID)
	raw, err := c.call(ctx, http.MethodGet, "userfield.enumeration.get", params)
	if err != nil {
		return nil, err
	}
	entities, err := decodeList("userfield.enumeration.get", raw)
	if err != nil {
		return nil, err
	}
	values := make(map[string]string, len(entities))
	for _, e := range entities {
		values[e.Fields["ID"]] = e.Fields["VALUE"]
	}
	return values, nil
}
