// Package call owns the per-call state machines and the CRM mirroring
// pipeline. One CallState exists per live call, created on the first
// channel event of an allowed extension and discarded once finalization
// commits.
package call

import (
	"time"

	"github.com/b24link/b24link/internal/bitrix"
)

// Status is the state-machine position of a call.
type Status int

const (
	StatusNew Status = iota
	StatusEnriched
	StatusQueued
	StatusRinging
	StatusAnswered
	StatusUnanswered
	StatusHungup
	StatusFinalized
)

func (s Status) String() string {
	switch s {
	case StatusNew:
		return "new"
	case StatusEnriched:
		return "enriched"
	case StatusQueued:
		return "queued"
	case StatusRinging:
		return "ringing"
	case StatusAnswered:
		return "answered"
	case StatusUnanswered:
		return "unanswered"
	case StatusHungup:
		return "hungup"
	case StatusFinalized:
		return "finalized"
	}
	return "unknown"
}

// Direction classifies the call relative to the PBX.
type Direction string

const (
	DirectionOutbound  Direction = "outbound"
	DirectionInbound   Direction = "inbound"
	DirectionForwarded Direction = "inbound_with_forwarding"
	DirectionCallback  Direction = "callback"
)

// Code returns the numeric direction code the CRM telephony API expects.
func (d Direction) Code() int {
	switch d {
	case DirectionOutbound:
		return 1
	case DirectionInbound:
		return 2
	case DirectionForwarded, DirectionCallback:
		return 3
	}
	return 0
}

// Label returns the human-readable direction used in lead titles.
func (d Direction) Label() string {
	switch d {
	case DirectionOutbound:
		return "Outbound call"
	case DirectionInbound:
		return "Incoming call"
	case DirectionForwarded:
		return "Inbound call with forwarding"
	case DirectionCallback:
		return "Callback"
	}
	return string(d)
}

// DialAttempt is one ring of one agent.
type DialAttempt struct {
	Ext    string
	Name   string
	At     int64
	Status string // terminal dial status, "" while still ringing
}

// RouteStep is one routing decision recorded before the queue (time rule,
// time group, IVR choice).
type RouteStep struct {
	Kind  string
	Value string
	At    int64
}

// CallState carries everything known about one live call. It is mutated
// only by its owning worker, so no locking happens here.
type CallState struct {
	CorrelationID string
	Direction     Direction
	CallerNumber  string
	DialedExten   string
	Channel       string

	ContactID       string
	ContactFullName string
	DisplayName     string

	// KnownEntities holds the CRM entities prefetched at enrichment,
	// keyed by entity kind, newest first.
	KnownEntities map[string][]bitrix.Entity

	// NewLeadID is set only when mirroring created a lead for this call.
	NewLeadID string

	QueueID   string
	QueueName string

	// UsedAgents records dial legs routed through queue-local channels;
	// AvailableAgents records real agent rings, keyed by extension.
	UsedAgents      map[string][]DialAttempt
	AvailableAgents map[string][]DialAttempt

	AcceptedBy string
	EndReason  string
	TalkTime   string

	// UserIDByExt caches extension to CRM user id lookups; OpenWindows
	// tracks which agents currently have a call popup, keyed the same way.
	UserIDByExt map[string]string
	OpenWindows map[string]string

	CallID          string
	CreatedLead     string
	CreatedEntities []bitrix.CreatedEntity
	ActivityID      string

	StartedAt  int64
	AnsweredAt int64
	EndedAt    int64

	RecordingRawPath string
	RecordingMP3Path string

	EndCause     string
	EndCauseText string

	Route []RouteStep

	Status Status
}

func newCallState(correlationID string) *CallState {
	return &CallState{
		CorrelationID:   correlationID,
		Direction:       DirectionInbound,
		KnownEntities:   make(map[string][]bitrix.Entity),
		UsedAgents:      make(map[string][]DialAttempt),
		AvailableAgents: make(map[string][]DialAttempt),
		UserIDByExt:     make(map[string]string),
		OpenWindows:     make(map[string]string),
		StartedAt:       time.Now().Unix(),
		Status:          StatusNew,
	}
}

// recordRouteStep appends one routing decision to the call timeline.
func (c *CallState) recordRouteStep(kind, value string) {
	c.Route = append(c.Route, RouteStep{Kind: kind, Value: value, At: time.Now().Unix()})
}

// recordDialAttempt logs one ring of a real agent.
func (c *CallState) recordDialAttempt(ext, name string) {
	c.AvailableAgents[ext] = append(c.AvailableAgents[ext], DialAttempt{
		Ext: ext, Name: name, At: time.Now().Unix(),
	})
}

// recordUsedAgent logs one queue-local dial leg.
func (c *CallState) recordUsedAgent(ext, name string) {
	c.UsedAgents[ext] = append(c.UsedAgents[ext], DialAttempt{
		Ext: ext, Name: name, At: time.Now().Unix(),
	})
}

// recordDialStatus stamps the terminal dial status on the latest attempt
// for the extension, or records a fresh attempt when none is open.
func (c *CallState) recordDialStatus(ext, name, status string) {
	attempts := c.AvailableAgents[ext]
	if n := len(attempts); n > 0 && attempts[n-1].Status == "" {
		attempts[n-1].Status = status
		c.AvailableAgents[ext] = attempts
		return
	}
	c.AvailableAgents[ext] = append(attempts, DialAttempt{
		Ext: ext, Name: name, At: time.Now().Unix(), Status: status,
	})
}

// stampAnswer marks the call as taken by the given agent extension.
func (c *CallState) stampAnswer(ext string) {
	c.AcceptedBy = ext
	c.AnsweredAt = time.Now().Unix()
	c.Status = StatusAnswered
}

// Durations returns the full call duration and the answered duration in
// seconds. The answered duration is zero for unanswered calls.
func (c *CallState) Durations() (duration, answerDuration int) {
	if c.EndedAt == 0 || c.StartedAt == 0 {
		return 0, 0
	}
	duration = int(c.EndedAt - c.StartedAt)
	if c.AcceptedBy != "" && c.AnsweredAt > 0 {
		answerDuration = int(c.EndedAt - c.AnsweredAt)
	}
	return duration, answerDuration
}

// Answered reports whether an agent took the call.
func (c *CallState) Answered() bool {
	return c.AcceptedBy != "" && c.AnsweredAt > 0
}
