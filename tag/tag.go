// Package tag carries per-packet measurement metadata. The network never
// carries tags in packet bytes; they live in a Table keyed by the packet UID
// the network assigns at creation, so header changes in flight cannot lose them.
package tag

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"
)

// Size is the length of an encoded Set
const Size = 20

// Set is the metadata attached to a data packet when it is created
type Set struct {
	Origin   float64 // simulation seconds at creation
	Workload uint32
	App      uint32
	Message  uint32
}

// Encode lays out origin as a big-endian float64 followed by the three ids
func Encode(ts Set) [Size]byte {
	var buf [Size]byte
	binary.BigEndian.PutUint64(buf[0:8], math.Float64bits(ts.Origin))
	binary.BigEndian.PutUint32(buf[8:12], ts.Workload)
	binary.BigEndian.PutUint32(buf[12:16], ts.App)
	binary.BigEndian.PutUint32(buf[16:20], ts.Message)
	return buf
}

// Decode is the inverse of Encode
func Decode(buf []byte) (Set, error) {
	if len(buf) != Size {
		return Set{}, fmt.Errorf("tag encoding is %d bytes, expected %d", len(buf), Size)
	}
	return Set{
		Origin:   math.Float64frombits(binary.BigEndian.Uint64(buf[0:8])),
		Workload: binary.BigEndian.Uint32(buf[8:12]),
		App:      binary.BigEndian.Uint32(buf[12:16]),
		Message:  binary.BigEndian.Uint32(buf[16:20]),
	}, nil
}

// Table maps packet UIDs to encoded tag sets
type Table struct {
	mu   sync.RWMutex
	tags map[uint64][Size]byte
}

// CreateTable is a constructor
func CreateTable() *Table {
	return &Table{tags: make(map[uint64][Size]byte)}
}

// Attach tags packet uid. A uid already tagged keeps its first tag and
// Attach reports false.
func (tbl *Table) Attach(uid uint64, ts Set) bool {
	tbl.mu.Lock()
	defer tbl.mu.Unlock()
	if _, present := tbl.tags[uid]; present {
		return false
	}
	tbl.tags[uid] = Encode(ts)
	return true
}

// Peek returns the tag of uid, if any, without changing the table
func (tbl *Table) Peek(uid uint64) (Set, bool) {
	tbl.mu.RLock()
	buf, present := tbl.tags[uid]
	tbl.mu.RUnlock()
	if !present {
		return Set{}, false
	}
	ts, err := Decode(buf[:])
	if err != nil {
		panic(err)
	}
	return ts, true
}

// Forget drops the tag of a packet that has left the network
func (tbl *Table) Forget(uid uint64) {
	tbl.mu.Lock()
	delete(tbl.tags, uid)
	tbl.mu.Unlock()
}

// Len is the number of packets currently tagged
func (tbl *Table) Len() int {
	tbl.mu.RLock()
	defer tbl.mu.RUnlock()
	return len(tbl.tags)
}
