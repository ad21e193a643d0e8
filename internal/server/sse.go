package server

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"truecoding/internal/domain"
)

// sseSink writes stream messages as server-sent event frames and flushes
// after each one.
type sseSink struct {
	w     *bufio.Writer
	flush func()
}

func newSSESink(w io.Writer) *sseSink {
	s := &sseSink{w: bufio.NewWriter(w), flush: func() {}}
	if f, ok := w.(http.Flusher); ok {
		s.flush = f.Flush
	}
	return s
}

func (s *sseSink) Event(evt domain.DevelopmentEvent) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	return s.frame(strconv.FormatInt(evt.Sequence, 10), string(evt.EventType), data)
}

func (s *sseSink) Done(status domain.RunStatus, lastSequence int64) error {
	data, err := json.Marshal(streamDone{Status: status, LastSequence: lastSequence})
	if err != nil {
		return err
	}
	return s.frame("", "done", data)
}

func (s *sseSink) Error(message string) error {
	data, err := json.Marshal(streamError{Message: message})
	if err != nil {
		return err
	}
	return s.frame("", "error", data)
}

func (s *sseSink) comment(text string) error {
	if _, err := fmt.Fprintf(s.w, ": %s\n\n", text); err != nil {
		return err
	}
	return s.commit()
}

func (s *sseSink) frame(id, event string, data []byte) error {
	if id != "" {
		if _, err := fmt.Fprintf(s.w, "id: %s\n", id); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return err
	}
	return s.commit()
}

func (s *sseSink) commit() error {
	if err := s.w.Flush(); err != nil {
		return err
	}
	s.flush()
	return nil
}
