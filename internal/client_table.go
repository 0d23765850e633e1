package internal

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/densha/tradebridge/pkg/errors"
)

type DuplicateClientIdError struct {
	Id uint32
}

func (e *DuplicateClientIdError) Error() string {
	return fmt.Sprintf("Attempted to create client with duplicate ID %d", e.Id)
}

type MissingClientIdError struct {
	Id uint32
}

func (e *MissingClientIdError) Error() string {
	return fmt.Sprintf("Missing client with id=%d", e.Id)
}

type ClientSlot struct {
	Mut         sync.RWMutex
	CreatedTime int64
	LastSeen    int64
}

// ClientTable tracks the browser connections attached to one relay. Capacity
// is fixed at construction; ids are assigned monotonically and never reused,
// so a stale id can never alias a newer connection.
type ClientTable struct {
	capacity int

	nextClientId atomic.Uint32

	mut_slots sync.RWMutex
	slots     map[uint32]*ClientSlot
}

const DefaultClientTableCapacity = 256

func CreateClientTable(capacity int) *ClientTable {
	if capacity <= 0 {
		capacity = DefaultClientTableCapacity
	}
	return &ClientTable{
		capacity:     capacity,
		nextClientId: atomic.Uint32{},
		mut_slots:    sync.RWMutex{},
		slots:        make(map[uint32]*ClientSlot),
	}
}

func (table *ClientTable) Capacity() int {
	return table.capacity
}

// Add claims a slot and returns the new client id. Returns TableFull when
// every slot is occupied; closing any client frees exactly one slot.
func (table *ClientTable) Add(timestamp int64) (uint32, error) {
	table.mut_slots.Lock()
	defer table.mut_slots.Unlock()

	if len(table.slots) >= table.capacity {
		return 0, &errors.TableFull{Capacity: table.capacity}
	}

	clientId := table.nextClientId.Add(1)
	if _, has := table.slots[clientId]; has {
		return 0, &DuplicateClientIdError{Id: clientId}
	}

	table.slots[clientId] = &ClientSlot{
		Mut:         sync.RWMutex{},
		CreatedTime: timestamp,
		LastSeen:    timestamp,
	}
	return clientId, nil
}

func (table *ClientTable) Remove(clientId uint32) {
	table.mut_slots.Lock()
	defer table.mut_slots.Unlock()
	delete(table.slots, clientId)
}

func (table *ClientTable) Has(clientId uint32) bool {
	table.mut_slots.RLock()
	defer table.mut_slots.RUnlock()

	_, has := table.slots[clientId]
	return has
}

func (table *ClientTable) Count() int {
	table.mut_slots.RLock()
	defer table.mut_slots.RUnlock()
	return len(table.slots)
}

func (table *ClientTable) Touch(clientId uint32, timestamp int64) error {
	table.mut_slots.RLock()
	defer table.mut_slots.RUnlock()

	slot, has := table.slots[clientId]
	if !has {
		return &MissingClientIdError{Id: clientId}
	}

	slot.Mut.Lock()
	defer slot.Mut.Unlock()
	slot.LastSeen = timestamp
	return nil
}

// GetIdleClientList returns clients whose last activity predates the given
// deadline, for the relay's health-check sweep.
func (table *ClientTable) GetIdleClientList(deadline int64) []uint32 {
	table.mut_slots.RLock()
	defer table.mut_slots.RUnlock()

	clientsToKick := []uint32{}

	for clientId, slot := range table.slots {
		slot.Mut.RLock()
		idle := slot.LastSeen < deadline
		slot.Mut.RUnlock()

		if idle {
			clientsToKick = append(clientsToKick, clientId)
		}
	}

	return clientsToKick
}
