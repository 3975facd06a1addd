package gateway

import (
	"fmt"
	"time"
)

type Config struct {
	BaseURL  string
	Instance string
	Token    string
	// Timeout bounds one HTTP call. Default 10s.
	Timeout    time.Duration
	RatePerSec int
}

// Group is one WhatsApp group as listed by the gateway. Listing order
// is preserved because exclusion selection is positional.
type Group struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Statistics is the gateway-side message queue summary.
type Statistics struct {
	Sent    int `json:"sent"`
	Queue   int `json:"queue"`
	Unsent  int `json:"unsent"`
	Invalid int `json:"invalid"`
	Expired int `json:"expired"`
}

func (st Statistics) String() string {
	return fmt.Sprintf("Statistics:\nSent: %d\nQueue: %d\nUnsent: %d\nInvalid: %d\nExpired: %d",
		st.Sent, st.Queue, st.Unsent, st.Invalid, st.Expired)
}

// Error is a recoverable gateway call failure. Op names the
// originating operation to aid operator diagnosis.
type Error struct {
	Op     string
	Status int
	Err    error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("gateway %s: http %d: %v", e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("gateway %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }
