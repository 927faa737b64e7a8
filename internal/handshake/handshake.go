// Package handshake implements the startup protocol between the launcher and
// a spawned worker: newline-delimited JSON records over the child's stdout
// (success) and stderr (failure). Anything that does not parse, or that
// carries a foreign id, is incidental log output and is ignored.
package handshake

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// Success is emitted exactly once on stdout when the worker has bound its
// fronted resource. It carries the worker's own OS pid plus the runtime facts
// merged into the descriptor by the launcher.
type Success struct {
	OK          bool   `json:"success"`
	ID          string `json:"id"`
	PID         int    `json:"processId"`
	StartUnix   int64  `json:"startUnix,omitempty"`
	Port        int    `json:"port,omitempty"`
	Endpoint    string `json:"endpoint,omitempty"`
	ProfileDir  string `json:"profileDir,omitempty"`
	DevToolsURL string `json:"devtoolsUrl,omitempty"`
}

// Failure is emitted on stderr when the worker cannot start. Message is
// surfaced to the caller verbatim.
type Failure struct {
	Error   string `json:"error"`
	ID      string `json:"id"`
	Message string `json:"message"`
}

// Message is the tagged union the launcher consumes; exactly one side is set.
type Message struct {
	Success *Success
	Failure *Failure
}

// ID returns the correlation id of either side.
func (m Message) ID() string {
	if m.Success != nil {
		return m.Success.ID
	}
	if m.Failure != nil {
		return m.Failure.ID
	}
	return ""
}

// ParseLine attempts to decode one output line as a handshake record.
// ok is false for plain log lines.
func ParseLine(line string) (Message, bool) {
	line = strings.TrimSpace(line)
	if line == "" || line[0] != '{' {
		return Message{}, false
	}
	var probe struct {
		OK    *bool  `json:"success"`
		Error string `json:"error"`
		ID    string `json:"id"`
	}
	if err := json.Unmarshal([]byte(line), &probe); err != nil || probe.ID == "" {
		return Message{}, false
	}
	switch {
	case probe.OK != nil && *probe.OK:
		var s Success
		if err := json.Unmarshal([]byte(line), &s); err != nil {
			return Message{}, false
		}
		return Message{Success: &s}, true
	case probe.Error != "":
		var f Failure
		if err := json.Unmarshal([]byte(line), &f); err != nil {
			return Message{}, false
		}
		return Message{Failure: &f}, true
	}
	return Message{}, false
}

// WriteSuccess emits the single readiness line. The worker is "ready" from
// this point even if deeper initialization is still running.
func WriteSuccess(w io.Writer, s Success) error {
	s.OK = true
	return writeLine(w, s)
}

// WriteFailure emits a failure record; the message reaches the launch caller verbatim.
func WriteFailure(w io.Writer, id, reason string, err error) error {
	f := Failure{Error: reason, ID: id}
	if err != nil {
		f.Message = err.Error()
	} else {
		f.Message = reason
	}
	return writeLine(w, f)
}

func writeLine(w io.Writer, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "%s\n", b)
	return err
}

// Scan reads r line by line and forwards every handshake record whose id
// matches want to out. It returns when r is exhausted. A line longer than
// maxLine is discarded whole and scanning resumes on the next line, so a
// record following oversized log output is still delivered.
func Scan(r io.Reader, want string, out chan<- Message) {
	br := bufio.NewReaderSize(r, 64*1024)
	line := make([]byte, 0, 4096)
	skipping := false
	for {
		chunk, isPrefix, err := br.ReadLine()
		if err != nil {
			return
		}
		if skipping || len(line)+len(chunk) > maxLine {
			skipping = true
			line = line[:0]
		} else {
			line = append(line, chunk...)
		}
		if isPrefix {
			continue
		}
		if !skipping {
			if m, ok := ParseLine(string(line)); ok && m.ID() == want {
				select {
				case out <- m:
				default:
					// a record for this id was already delivered
				}
			}
		}
		line = line[:0]
		skipping = false
	}
}

const maxLine = 1 << 20
