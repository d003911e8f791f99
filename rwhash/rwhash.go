// Package rwhash keeps the firmware hashes last reported for partner devices,
// keyed by device ID, in a small fixed size table.
//
// A Cache has a single writer: it is only ever used from the host command
// goroutine and does no locking.
package rwhash

import (
	"encoding/hex"
	"fmt"

	"github.com/oxplot/go-usbc"
)

// Capacity is the number of entries a Cache holds.
const Capacity = 20

// HashSize is the size of a firmware hash in bytes.
const HashSize = 32

// Hash is the hash of the RW firmware image of a device.
type Hash [HashSize]byte

func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// Entry is the identity of one partner device. A zero DevID marks an unused
// slot.
type Entry struct {
	DevID     uint32
	Hash      Hash
	ImageInfo uint32
}

func (e Entry) String() string {
	return fmt.Sprintf("dev 0x%08x image 0x%08x hash %s", e.DevID, e.ImageInfo, e.Hash)
}

// Cache maps device IDs to their last reported entry. When full, the slot
// filled the longest ago by a new device is reused; updating an existing
// device does not refresh it.
type Cache struct {
	slots [Capacity]Entry
	next  int // slot for the next new device
}

// Upsert stores e, overwriting the entry with the same device ID if any.
// usbc.ErrInvalidParam is returned for a zero device ID.
func (c *Cache) Upsert(e Entry) error {
	if e.DevID == 0 {
		return usbc.ErrInvalidParam
	}
	for i := range c.slots {
		if c.slots[i].DevID == e.DevID {
			c.slots[i] = e
			return nil
		}
	}
	c.slots[c.next] = e
	c.next++
	if c.next == Capacity {
		c.next = 0
	}
	return nil
}

// Lookup returns the entry of devID.
func (c *Cache) Lookup(devID uint32) (Entry, bool) {
	if devID == 0 {
		return Entry{}, false
	}
	for _, e := range c.slots {
		if e.DevID == devID {
			return e, true
		}
	}
	return Entry{}, false
}

// Len returns the number of used slots.
func (c *Cache) Len() int {
	n := 0
	for _, e := range c.slots {
		if e.DevID != 0 {
			n++
		}
	}
	return n
}

// Entries returns a copy of the used slots in slot order.
func (c *Cache) Entries() []Entry {
	es := make([]Entry, 0, Capacity)
	for _, e := range c.slots {
		if e.DevID != 0 {
			es = append(es, e)
		}
	}
	return es
}
