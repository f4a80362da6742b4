package ami

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/b24link/b24link/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestParseBlock(t *testing.T) {
	ev := parseBlock([]string{
		"Event: Newchannel",
		"Uniqueid: 1700000000.42",
		"Linkedid: 1700000000.42",
		"CallerIDNum: +79991110000",
		"Exten:",
		"garbage line",
	})

	if ev.Name != "Newchannel" {
		t.Errorf("Name = %q", ev.Name)
	}
	if ev.UniqueID() != "1700000000.42" {
		t.Errorf("UniqueID = %q", ev.UniqueID())
	}
	if ev.Get("CallerIDNum") != "+79991110000" {
		t.Errorf("CallerIDNum = %q", ev.Get("CallerIDNum"))
	}
	if v, ok := ev.Headers["Exten"]; !ok || v != "" {
		t.Errorf("empty-valued header: %q ok=%v", v, ok)
	}
	if _, ok := ev.Headers["garbage line"]; ok {
		t.Error("malformed line should be skipped")
	}
}

// fakeManager accepts one AMI connection, performs the login exchange, and
// then writes the given event blocks.
func fakeManager(t *testing.T, events []string, loginOK bool) (addr string, done <-chan struct{}) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })

	ch := make(chan struct{})
	go func() {
		defer close(ch)
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		io.WriteString(conn, "Asterisk Call Manager/5.0\r\n")

		// Consume the Login action.
		reader := bufio.NewReader(conn)
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				return
			}
			if strings.TrimRight(line, "\r\n") == "" {
				break
			}
		}

		if !loginOK {
			io.WriteString(conn, "Response: Error\r\nMessage: Authentication failed\r\n\r\n")
			return
		}
		io.WriteString(conn, "Response: Success\r\nMessage: Authentication accepted\r\n\r\n")

		for _, ev := range events {
			io.WriteString(conn, ev)
		}
		// Hold the connection open briefly so the client can read.
		time.Sleep(200 * time.Millisecond)
	}()

	return ln.Addr().String(), ch
}

func clientFor(t *testing.T, addr string) *Client {
	t.Helper()
	host, port, _ := strings.Cut(addr, ":")
	p, err := strconv.Atoi(port)
	if err != nil {
		t.Fatal(err)
	}
	return NewClient(config.AMIConfig{Host: host, Port: p, Username: "u", Secret: "s"}, testLogger())
}

func TestClientReceivesEvents(t *testing.T) {
	addr, _ := fakeManager(t, []string{
		"Event: Newchannel\r\nUniqueid: 1.1\r\nLinkedid: 1.1\r\n\r\n",
		"Response: Success\r\nPing: Pong\r\n\r\n",
		"Event: Hangup\r\nUniqueid: 1.1\r\nLinkedid: 1.1\r\nCause: 16\r\n\r\n",
	}, true)

	c := clientFor(t, addr)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	var got []string
	timeout := time.After(2 * time.Second)
	for len(got) < 2 {
		select {
		case ev := <-c.Events():
			got = append(got, ev.Name)
		case <-timeout:
			t.Fatalf("timed out, got %v", got)
		}
	}

	// The Pong response block has no Event header and must not surface.
	if got[0] != "Newchannel" || got[1] != "Hangup" {
		t.Errorf("events = %v", got)
	}
}

func TestClientLoginRejected(t *testing.T) {
	addr, _ := fakeManager(t, nil, false)

	c := clientFor(t, addr)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := c.Run(ctx)
	if !errors.Is(err, ErrLoginRejected) {
		t.Errorf("Run = %v, want ErrLoginRejected", err)
	}
}
