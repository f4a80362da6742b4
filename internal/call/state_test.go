package call

import "testing"

func TestDurations(t *testing.T) {
	tests := []struct {
		name               string
		started, answered  int64
		ended              int64
		acceptedBy         string
		wantDuration       int
		wantAnswerDuration int
	}{
		{"answered", 1000, 1010, 1073, "201", 73, 63},
		{"unanswered", 1000, 0, 1020, "", 20, 0},
		{"answer stamp without agent ignored", 1000, 1010, 1073, "", 73, 0},
		{"not ended yet", 1000, 0, 0, "", 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &CallState{
				StartedAt:  tt.started,
				AnsweredAt: tt.answered,
				EndedAt:    tt.ended,
				AcceptedBy: tt.acceptedBy,
			}
			duration, answerDuration := c.Durations()
			if duration != tt.wantDuration || answerDuration != tt.wantAnswerDuration {
				t.Errorf("Durations() = (%d, %d), want (%d, %d)",
					duration, answerDuration, tt.wantDuration, tt.wantAnswerDuration)
			}
		})
	}
}

func TestRecordDialStatus(t *testing.T) {
	c := newCallState("A")
	c.recordDialAttempt("201", "Agent One")
	c.recordDialStatus("201", "Agent One", "NOANSWER")

	attempts := c.AvailableAgents["201"]
	if len(attempts) != 1 || attempts[0].Status != "NOANSWER" {
		t.Errorf("attempts = %+v", attempts)
	}

	// A status without a preceding attempt opens a fresh record.
	c.recordDialStatus("202", "Agent Two", "BUSY")
	if got := c.AvailableAgents["202"]; len(got) != 1 || got[0].Status != "BUSY" {
		t.Errorf("attempts for 202 = %+v", got)
	}
}

func TestDirectionCodes(t *testing.T) {
	tests := []struct {
		d     Direction
		code  int
		label string
	}{
		{DirectionOutbound, 1, "Outbound call"},
		{DirectionInbound, 2, "Incoming call"},
		{DirectionForwarded, 3, "Inbound call with forwarding"},
		{DirectionCallback, 3, "Callback"},
	}
	for _, tt := range tests {
		if tt.d.Code() != tt.code || tt.d.Label() != tt.label {
			t.Errorf("%s: code=%d label=%q", tt.d, tt.d.Code(), tt.d.Label())
		}
	}
}
