package status

import (
	"fmt"
	"slices"

	"github.com/matheus3301/msgsync/internal/bus"
	"github.com/matheus3301/msgsync/internal/store"
)

// validTransitions defines allowed message status transitions. Failed is only
// left through an explicit retry; delivered is terminal.
var validTransitions = map[store.Status][]store.Status{
	store.StatusPending:   {store.StatusSent, store.StatusFailed},
	store.StatusSent:      {store.StatusDelivered},
	store.StatusFailed:    {store.StatusPending},
	store.StatusDelivered: {},
}

// CanTransition reports whether a message may move from one status to another.
// Self-transitions are always allowed so repeated updates stay idempotent.
func CanTransition(from, to store.Status) bool {
	if from == to {
		return true
	}
	return slices.Contains(validTransitions[from], to)
}

// StatusChange is the payload for message status change events.
type StatusChange struct {
	MessageID string
	From      store.Status
	To        store.Status
}

// Machine applies message status transitions to the local store and
// publishes each change on the bus.
type Machine struct {
	db  *store.DB
	bus *bus.Bus
}

// NewMachine creates a transition machine over db. b may be nil.
func NewMachine(db *store.DB, b *bus.Bus) *Machine {
	return &Machine{db: db, bus: b}
}

// maxConflicts bounds how often Transition re-reads a message whose status
// changed underneath it.
const maxConflicts = 5

// Transition moves a stored message to the given status. Returns an error if
// the message is missing or the transition is invalid. The write only applies
// if the status is still the one validated against, so a concurrent change is
// re-validated rather than overwritten.
func (m *Machine) Transition(messageID string, to store.Status) error {
	for range maxConflicts {
		msg, err := m.db.GetMessage(messageID)
		if err != nil {
			return err
		}
		if msg == nil {
			return fmt.Errorf("message %q: %w", messageID, store.ErrNotFound)
		}
		from := msg.Status
		if !CanTransition(from, to) {
			return fmt.Errorf("invalid transition from %s to %s for message %s", from, to, messageID)
		}
		if from == to {
			return nil
		}
		ok, err := m.db.CompareAndSetStatus(messageID, from, to)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		m.bus.Emit(bus.MessageStatusChanged, StatusChange{
			MessageID: messageID,
			From:      from,
			To:        to,
		})
		return nil
	}
	return fmt.Errorf("message %s: status kept changing during transition to %s", messageID, to)
}
