package storesync

import (
	"encoding/json"
	"time"
)

// ResourceType identifies a class of domain records kept in the local
// replica (products, orders, ...). Each type maps to its own keyspace
// in the record store.
type ResourceType string

const (
	ResourceProducts   ResourceType = "products"
	ResourceCategories ResourceType = "categories"
	ResourceBrands     ResourceType = "brands"
	ResourceOrders     ResourceType = "orders"
	ResourceCarts      ResourceType = "carts"
	ResourceFavorites  ResourceType = "favorites"
	ResourceCustomers  ResourceType = "customers"
)

// DefaultResourceTypes lists the resource types a customer session
// synchronizes by default.
func DefaultResourceTypes() []ResourceType {
	return []ResourceType{
		ResourceProducts,
		ResourceCategories,
		ResourceBrands,
		ResourceOrders,
		ResourceCarts,
		ResourceFavorites,
	}
}

// OwnerResourceTypes lists resource types visible only to owner and
// partner sessions.
func OwnerResourceTypes() []ResourceType {
	return []ResourceType{ResourceCustomers}
}

// SessionRole gates which resource types a sync cycle may fetch.
type SessionRole string

const (
	RoleCustomer SessionRole = "customer"
	RoleOwner    SessionRole = "owner"
	RolePartner  SessionRole = "partner"
)

// ResourcesFor returns the resource types a role is authorized to sync.
func ResourcesFor(role SessionRole) []ResourceType {
	types := DefaultResourceTypes()
	if role == RoleOwner || role == RolePartner {
		types = append(types, OwnerResourceTypes()...)
	}
	return types
}

// Record wraps a domain entity with the sync metadata the engine needs
// to reconcile local and server state.
type Record struct {
	// ID is the stable identifier, unique within the resource type.
	ID string `json:"id"`

	// Resource is the record's type.
	Resource ResourceType `json:"resource"`

	// Payload is the opaque domain data as received from the server or
	// written by the application.
	Payload json.RawMessage `json:"payload"`

	// ServerVersion is the monotonic version assigned by the server.
	// Zero means the record has never been acknowledged by the server.
	ServerVersion int64 `json:"server_version"`

	// LocalVersion counts local mutations since the last server ack.
	LocalVersion int64 `json:"local_version"`

	// Deleted marks the record as a tombstone. Tombstones are retained
	// until pruned so deletions propagate through reconciliation.
	Deleted bool `json:"deleted"`

	// NeedsSync is true when the record carries a local mutation the
	// server has not acknowledged yet.
	NeedsSync bool `json:"needs_sync"`

	// CreatedAt and UpdatedAt are local wall-clock bookkeeping.
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep copy of the record.
func (r Record) Clone() Record {
	c := r
	if r.Payload != nil {
		c.Payload = append(json.RawMessage(nil), r.Payload...)
	}
	return c
}

// SupersededBy reports whether an incoming server record should replace
// this one. A locally dirty record is only replaced when the incoming
// server version is strictly newer AND the server change is newer than
// the local mutation; otherwise the caller must record a conflict and
// keep the local copy.
func (r Record) SupersededBy(incoming Record, serverTime time.Time) bool {
	if !r.NeedsSync {
		return incoming.ServerVersion >= r.ServerVersion
	}
	if incoming.ServerVersion <= r.ServerVersion {
		return false
	}
	return serverTime.After(r.UpdatedAt)
}

// ChangeKind classifies an inbound change-notification event.
type ChangeKind string

const (
	// ChangeUpdated reports a single record changed; the event carries
	// the full new record for a granular patch.
	ChangeUpdated ChangeKind = "updated"

	// ChangeDeleted reports a single record deleted.
	ChangeDeleted ChangeKind = "deleted"

	// ChangeBulk reports a change whose full contents are not known
	// ahead of time (for example a newly created record). The resource
	// type is invalidated so the next sync cycle refetches it.
	ChangeBulk ChangeKind = "bulk"
)

// ChangeEvent is a decoded change-notification message. Ad-hoc wire
// shapes are decoded into this closed set at the channel boundary
// before dispatch.
type ChangeEvent struct {
	Resource    ResourceType    `json:"resource"`
	Kind        ChangeKind      `json:"kind"`
	AffectedIDs []string        `json:"affected_ids,omitempty"`
	Record      *Record         `json:"record,omitempty"`
	Data        json.RawMessage `json:"data,omitempty"`
	ServerTime  time.Time       `json:"server_time"`
}
