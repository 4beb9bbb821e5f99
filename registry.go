package traderepublic

import (
	"strconv"
	"sync"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// The registry is the authoritative subscription state. An entry exists if
// and only if the server has not yet delivered a `C` for its id, so a lookup
// miss is the drop signal for late frames.

type subscriptionEntry struct {
	topic    []byte
	callback SubscriptionCallback

	// raw snapshot text exactly as the server sent it.
	// deltas align to this text, so it is never re-serialized.
	last    string
	hasLast bool
}

type subscriptionRegistry struct {
	mutex   sync.Mutex
	nextId  uint64
	entries map[string]*subscriptionEntry
}

func newSubscriptionRegistry() *subscriptionRegistry {
	return &subscriptionRegistry{
		nextId:  1,
		entries: map[string]*subscriptionEntry{},
	}
}

// allocateId returns the next decimal id. Ids are strictly increasing for
// the lifetime of the registry. The reserved handshake id is skipped.
func (self *subscriptionRegistry) allocateId() string {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if reservedConnectIdNumber == self.nextId {
		self.nextId += 1
	}
	id := self.nextId
	self.nextId += 1
	return strconv.FormatUint(id, 10)
}

func (self *subscriptionRegistry) install(id string, topic []byte, callback SubscriptionCallback) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	self.entries[id] = &subscriptionEntry{
		topic:    topic,
		callback: callback,
	}
}

func (self *subscriptionRegistry) remove(id string) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	delete(self.entries, id)
}

func (self *subscriptionRegistry) lookup(id string) (SubscriptionCallback, string, bool, bool) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	entry, ok := self.entries[id]
	if !ok {
		return nil, "", false, false
	}
	return entry.callback, entry.last, entry.hasLast, true
}

func (self *subscriptionRegistry) setLast(id string, text string) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if entry, ok := self.entries[id]; ok {
		entry.last = text
		entry.hasLast = true
	}
}

func (self *subscriptionRegistry) clear() {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	maps.Clear(self.entries)
}

func (self *subscriptionRegistry) activeIds() []string {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	ids := maps.Keys(self.entries)
	slices.Sort(ids)
	return ids
}
