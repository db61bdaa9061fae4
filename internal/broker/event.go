// Package broker runs remote commands as jobs owned by one user and fans
// their output out to that user's notification subscribers.
//
// Every event a job emits is appended to the job's replay buffer and sent to
// the current subscribers under one per-user lock, so a subscriber that
// attaches late replays the buffer and then continues live without gaps or
// duplicates.
package broker

import (
	"encoding/json"
)

// Notification kinds.
const (
	NotifyStarted = "started"
	NotifyData    = "data"
	NotifyExited  = "exited"
)

// Output stream kinds of data events.
const (
	StreamStdout = "stdout"
	StreamStderr = "stderr"
)

// Event is one notification about a job.
type Event struct {
	Notify    string          `json:"notify"`
	Token     string          `json:"token"`
	Command   []string        `json:"command,omitempty"`
	ExtraData json.RawMessage `json:"extraData,omitempty"`
	Kind      string          `json:"kind,omitempty"`
	Data      string          `json:"data,omitempty"`
	Status    *int            `json:"status,omitempty"`
	Signal    *string         `json:"signal,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// Terminal reports whether the event ends the job's stream.
func (e Event) Terminal() bool { return e.Notify == NotifyExited }

// MarshalJSON emits only the fields belonging to the event's kind. Exit
// events always carry status and signal, null when unknown.
func (e Event) MarshalJSON() ([]byte, error) {
	switch e.Notify {
	case NotifyStarted:
		return json.Marshal(struct {
			Notify    string          `json:"notify"`
			Token     string          `json:"token"`
			Command   []string        `json:"command"`
			ExtraData json.RawMessage `json:"extraData"`
		}{e.Notify, e.Token, e.Command, extraOrNull(e.ExtraData)})
	case NotifyData:
		return json.Marshal(struct {
			Notify string `json:"notify"`
			Token  string `json:"token"`
			Kind   string `json:"kind"`
			Data   string `json:"data"`
		}{e.Notify, e.Token, e.Kind, e.Data})
	case NotifyExited:
		return json.Marshal(struct {
			Notify string  `json:"notify"`
			Token  string  `json:"token"`
			Status *int    `json:"status"`
			Signal *string `json:"signal"`
			Error  string  `json:"error,omitempty"`
		}{e.Notify, e.Token, e.Status, e.Signal, e.Error})
	}
	type plain Event
	return json.Marshal(plain(e))
}

func extraOrNull(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage("null")
	}
	return raw
}
