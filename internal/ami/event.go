package ami

import "strings"

// Event is a single AMI event: its name plus all key/value headers.
type Event struct {
	Name    string
	Headers map[string]string
}

// Get returns the named header, or "" when absent.
func (e Event) Get(key string) string {
	return e.Headers[key]
}

// UniqueID returns the per-leg channel identifier.
func (e Event) UniqueID() string {
	return e.Headers["Uniqueid"]
}

// LinkedID returns the identifier that groups all legs of one call.
func (e Event) LinkedID() string {
	return e.Headers["Linkedid"]
}

// parseBlock turns the header lines of one AMI message into an Event.
// Lines without a ": " separator are skipped; the "Event" header sets the
// name and is kept in the header map as well.
func parseBlock(lines []string) Event {
	ev := Event{Headers: make(map[string]string, len(lines))}
	for _, line := range lines {
		key, value, ok := strings.Cut(line, ": ")
		if !ok {
			// Asterisk allows "Key:" with an empty value.
			if k, ok := strings.CutSuffix(line, ":"); ok {
				ev.Headers[k] = ""
			}
			continue
		}
		ev.Headers[key] = value
	}
	ev.Name = ev.Headers["Event"]
	return ev
}
