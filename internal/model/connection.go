package model

import (
	"encoding/json"
	"fmt"
)

// ConnectionState is the lifecycle state of the live event stream.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateErrored
)

// String returns a human-readable name for the state.
func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateErrored:
		return "errored"
	default:
		return "unknown"
	}
}

func (s ConnectionState) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *ConnectionState) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	for _, st := range []ConnectionState{StateDisconnected, StateConnecting, StateConnected, StateErrored} {
		if st.String() == name {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("model: unknown connection state %q", name)
}

// ConnectionStatus is one published transition of the connection manager.
// Version increases strictly with every transition, so observers can drop
// notifications that arrive out of order.
type ConnectionStatus struct {
	FlowID  string          `json:"flowId"`
	State   ConnectionState `json:"state"`
	Error   string          `json:"error,omitempty"`
	Version uint64          `json:"version"`
}
