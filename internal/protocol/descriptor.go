// Package protocol defines the wire-level vocabulary shared by the server
// and client halves of the multiplexer: endpoint descriptors, frame
// shapes, and the typed errors that cross the RPC boundary.
package protocol

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Kind is one of the four endpoint patterns the multiplexer routes.
type Kind string

const (
	KindRPC          Kind = "rpc"
	KindPubSub       Kind = "pubsub"
	KindPushPull     Kind = "pushpull"
	KindSharedObject Kind = "sharedObject"
)

// DescriptorEndpoint is one named, typed channel in the shared descriptor.
// Schemas are left as json.RawMessage: the library never inspects their
// shape beyond handing them to the schema compiler.
type DescriptorEndpoint struct {
	Name Name `json:"name"`
	Kind Kind `json:"kind"`

	// RPC
	InputSchema  json.RawMessage `json:"inputSchema,omitempty"`
	OutputSchema json.RawMessage `json:"outputSchema,omitempty"`

	// PubSub / PushPull
	MessageSchema json.RawMessage `json:"messageSchema,omitempty"`

	// SharedObject
	ObjectSchema json.RawMessage `json:"objectSchema,omitempty"`
	AutoNotify   *bool           `json:"autoNotify,omitempty"`
}

// Name identifies an endpoint within a descriptor. It is opaque on the
// wire but typed here so endpoint lookups can't be confused with other
// strings floating around call sites.
type Name string

// ReservedDescriptorEndpoint is the RPC endpoint every server registers
// automatically so clients can confirm they share the same descriptor.
const ReservedDescriptorEndpoint Name = "_descriptor"

// Descriptor is the full, shared list of endpoints. Names must be unique;
// NewDescriptor rejects duplicates rather than silently shadowing one.
type Descriptor struct {
	Endpoints []DescriptorEndpoint `json:"endpoints"`

	byName map[Name]DescriptorEndpoint
}

func NewDescriptor(endpoints ...DescriptorEndpoint) (*Descriptor, error) {
	byName := make(map[Name]DescriptorEndpoint, len(endpoints))
	for _, ep := range endpoints {
		if _, dup := byName[ep.Name]; dup {
			return nil, fmt.Errorf("protocol: duplicate endpoint name %q", ep.Name)
		}
		byName[ep.Name] = ep
	}
	return &Descriptor{Endpoints: endpoints, byName: byName}, nil
}

// Lookup returns the endpoint registered under name, if any.
func (d *Descriptor) Lookup(name Name) (DescriptorEndpoint, bool) {
	ep, ok := d.byName[name]
	return ep, ok
}

// AutoNotifyEnabled reports the effective auto-notify setting for a SharedObject
// endpoint; the default is true when unset.
func (ep DescriptorEndpoint) AutoNotifyEnabled() bool {
	if ep.AutoNotify == nil {
		return true
	}
	return *ep.AutoNotify
}

// Hash is a SHA-256 over a canonical JSON serialization of the endpoint
// list (transport configuration, such as hostnames, is never part of the
// descriptor so it can't affect the hash). Endpoints are hashed in the
// order given to NewDescriptor; callers that want a reproducible hash
// across server and client must declare endpoints in the same order.
func (d *Descriptor) Hash() (string, error) {
	canon, err := json.Marshal(d.Endpoints)
	if err != nil {
		return "", fmt.Errorf("protocol: canonicalizing descriptor: %w", err)
	}
	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:]), nil
}
