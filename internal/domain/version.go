package domain

import (
	"time"

	"github.com/google/uuid"
)

// Event names the lifecycle mutation that produced a version.
type Event string

const (
	EventCreate  Event = "create"
	EventUpdate  Event = "update"
	EventDestroy Event = "destroy"
)

// KnownEvents lists the events a type may subscribe to via TrackingOptions.On.
var KnownEvents = []Event{EventCreate, EventUpdate, EventDestroy}

// Version is an immutable record of one record's state at one point in its
// history. Object holds the serialized attribute snapshot as it looked
// immediately *before* the event; a create has no before-state and stores nil.
type Version struct {
	ID          uuid.UUID
	Ordinal     int64 // store-assigned insertion sequence, tiebreak for CreatedAt
	ItemType    string
	ItemID      string
	ItemSubtype string
	Event       string // usually an Event constant, but callers may override
	Whodunnit   string
	Object        []byte // serialized snapshot before the change, nil for create
	ObjectChanges []byte // serialized {attr: [old, new]} diff, optional
	Meta          map[string]any
	TransactionID uuid.UUID // uuid.Nil until assigned
	CreatedAt     time.Time
}

// Point identifies a position in a record's version timeline. Ordinal zero
// means "timestamp only"; a non-zero ordinal breaks ties between versions
// sharing a coarse timestamp.
type Point struct {
	At      time.Time
	Ordinal int64
}

// PointOf returns the timeline position of an existing version.
func PointOf(v *Version) Point {
	return Point{At: v.CreatedAt, Ordinal: v.Ordinal}
}

// Before reports whether the version sorts strictly before the given point.
func (v *Version) Before(p Point) bool {
	if !v.CreatedAt.Equal(p.At) {
		return v.CreatedAt.Before(p.At)
	}
	if p.Ordinal == 0 {
		return false
	}
	return v.Ordinal < p.Ordinal
}

// After reports whether the version sorts strictly after the given point.
func (v *Version) After(p Point) bool {
	if !v.CreatedAt.Equal(p.At) {
		return v.CreatedAt.After(p.At)
	}
	if p.Ordinal == 0 {
		return false
	}
	return v.Ordinal > p.Ordinal
}

// HasObject reports whether the version carries a before-state snapshot.
// The version written at create time does not; reifying it yields nothing.
func (v *Version) HasObject() bool {
	return len(v.Object) > 0
}
