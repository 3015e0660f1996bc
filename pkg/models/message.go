package models

import (
	"fmt"
	"strings"
)

// StepSeconds is the spacing between two consecutive generated timestamps
const StepSeconds = 60

// MessageType identifies the operation a Message requests from the store
type MessageType int

const (
	Insert MessageType = iota
	Delete
	SelectK1 // point lookup of one device at one timestamp
	SelectK2 // range scan of one device over the last hour
	SelectK3 // aggregate over all devices for the last ten minutes
)

// NumMessageTypes is the number of known kinds
const NumMessageTypes = int(SelectK3) + 1

var messageTypeNames = [...]string{
	Insert:   "insert",
	Delete:   "delete",
	SelectK1: "select_k1",
	SelectK2: "select_k2",
	SelectK3: "select_k3",
}

// AllMessageTypes lists every known kind in declaration order
var AllMessageTypes = []MessageType{Insert, Delete, SelectK1, SelectK2, SelectK3}

func (t MessageType) String() string {
	if t < 0 || int(t) >= len(messageTypeNames) {
		return fmt.Sprintf("unknown(%d)", int(t))
	}
	return messageTypeNames[t]
}

// Valid reports whether t is one of the known kinds
func (t MessageType) Valid() bool {
	return t >= Insert && int(t) < len(messageTypeNames)
}

// IsRead reports whether t is one of the select kinds
func (t MessageType) IsRead() bool {
	return t >= SelectK1 && t <= SelectK3
}

// ParseMessageType accepts the names returned by String, case-insensitive.
// "k1", "k2" and "k3" are accepted as shorthands for the select kinds.
func ParseMessageType(s string) (MessageType, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	switch name {
	case "k1":
		return SelectK1, nil
	case "k2":
		return SelectK2, nil
	case "k3":
		return SelectK3, nil
	}
	for i, n := range messageTypeNames {
		if n == name {
			return MessageType(i), nil
		}
	}
	return 0, fmt.Errorf("unknown message type %q", s)
}

// Message is one requested store operation. It is a plain value: once
// built it is never modified, and ownership passes to the queue on push.
type Message struct {
	Type      MessageType
	Timestamp uint64 // seconds since epoch
	DeviceID  uint32
	TableID   uint32
}

// NewMessage builds a Message
func NewMessage(t MessageType, ts uint64, device, table uint32) Message {
	return Message{Type: t, Timestamp: ts, DeviceID: device, TableID: table}
}

func (m Message) String() string {
	return fmt.Sprintf("%s(ts=%d, device=%d, table=%d)", m.Type, m.Timestamp, m.DeviceID, m.TableID)
}

// TimestampRange is the known timestamp extent of stored data.
// A zero value means the store holds no data.
type TimestampRange struct {
	Min uint64 `json:"min"`
	Max uint64 `json:"max"`
}

// Empty reports whether the range carries no data
func (r TimestampRange) Empty() bool {
	return r.Min == 0 && r.Max == 0
}

// DeviceRange is the known device-id extent of stored data
type DeviceRange struct {
	Min uint32 `json:"min"`
	Max uint32 `json:"max"`
}

// Look-back windows of the range reads
const (
	RangeScanSeconds = 3600 // SelectK2
	AggregateSeconds = 600  // SelectK3
)

// ReadWindow returns the inclusive timestamp window a read message covers.
// Point lookups cover the single timestamp. Windows are clamped at zero.
func ReadWindow(m Message) (from, to uint64) {
	var span uint64
	switch m.Type {
	case SelectK2:
		span = RangeScanSeconds
	case SelectK3:
		span = AggregateSeconds
	}
	if span > m.Timestamp {
		return 0, m.Timestamp
	}
	return m.Timestamp - span, m.Timestamp
}
