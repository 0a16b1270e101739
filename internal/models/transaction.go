package models

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// State is the lifecycle position of a terminal transaction.
type State string

const (
	StateCreated          State = "CREATED"
	StateCommandPublished State = "COMMAND_PUBLISHED"
	StateApproved         State = "APPROVED"
	StateDeclined         State = "DECLINED"
	StateError            State = "ERROR"
	StateExpired          State = "EXPIRED"
)

// AllowedTransitions maps a state to the states it may move to.
// COMMAND_PUBLISHED -> COMMAND_PUBLISHED is the poll touch: no state change,
// only LastPolledAt moves.
var AllowedTransitions = map[State][]State{
	StateCreated: {
		StateCommandPublished,
		StateExpired,
	},
	StateCommandPublished: {
		StateCommandPublished,
		StateApproved,
		StateDeclined,
		StateError,
		StateExpired,
	},
	StateApproved: {}, // Terminal state
	StateDeclined: {}, // Terminal state
	StateError:    {}, // Terminal state
	StateExpired:  {}, // Terminal state
}

// CanTransition checks if a transition from one state to another is allowed.
func CanTransition(from, to State) bool {
	allowed, exists := AllowedTransitions[from]
	if !exists {
		return false
	}
	for _, s := range allowed {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transition may leave s.
func (s State) IsTerminal() bool {
	allowed, exists := AllowedTransitions[s]
	return exists && len(allowed) == 0
}

// IsOutcome reports whether s is one of the result states a terminal can report.
func (s State) IsOutcome() bool {
	return s == StateApproved || s == StateDeclined || s == StateError
}

// ParseOutcome maps a terminal status string onto an outcome state.
func ParseOutcome(status string) (State, bool) {
	s := State(strings.ToUpper(strings.TrimSpace(status)))
	if !s.IsOutcome() {
		return "", false
	}
	return s, true
}

// Transaction is the unit of correlation between the frontend and the terminal.
type Transaction struct {
	ID               string          `json:"transactionId"`
	DeviceID         string          `json:"deviceId"`
	Amount           decimal.Decimal `json:"amount"`
	InvoiceReference string          `json:"invoiceReference"`
	Command          Command         `json:"command"`
	IdempotencyKey   string          `json:"idempotencyKey,omitempty"`
	State            State           `json:"state"`
	CreatedAt        time.Time       `json:"createdAt"`
	LastPolledAt     *time.Time      `json:"lastPolledAt,omitempty"`
	CompletedAt      *time.Time      `json:"completedAt,omitempty"`
	Result           *Result         `json:"result,omitempty"`
}

// Tuple renders the command tuple handed to the terminal.
func (t *Transaction) Tuple() string {
	return strings.Join([]string{
		t.DeviceID,
		t.Amount.StringFixed(2),
		t.InvoiceReference,
		string(t.Command),
	}, "|")
}

// Clone returns a deep copy so callers never share the stored record.
func (t *Transaction) Clone() *Transaction {
	c := *t
	if t.LastPolledAt != nil {
		at := *t.LastPolledAt
		c.LastPolledAt = &at
	}
	if t.CompletedAt != nil {
		at := *t.CompletedAt
		c.CompletedAt = &at
	}
	if t.Result != nil {
		r := *t.Result
		c.Result = &r
	}
	return &c
}

// Transition is a conditional state change applied by the store.
type Transition struct {
	From   State
	To     State
	At     time.Time
	Result *Result
}

// Apply mutates t according to tr. Callers must have checked t.State == tr.From.
func (tr Transition) Apply(t *Transaction) {
	t.State = tr.To
	at := tr.At
	switch {
	case tr.To == StateCommandPublished:
		t.LastPolledAt = &at
	case tr.To.IsTerminal():
		t.CompletedAt = &at
		if tr.Result != nil {
			r := *tr.Result
			t.Result = &r
		}
	}
}
