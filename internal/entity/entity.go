// Package entity defines the kinds of project records the sync layer can
// reconcile. Each kind carries its own payload codec and conflict comparator
// so callers dispatch over a closed set instead of raw strings.
package entity

import (
	"encoding/json"
	"fmt"
	"time"
)

type Kind string

const (
	KindProject Kind = "project"
	KindSheet   Kind = "sheet"
	KindTask    Kind = "task"
	KindRFI     Kind = "rfi"
)

var kinds = map[Kind]descriptor{
	KindProject: {required: []string{"name"}},
	KindSheet:   {required: []string{"number", "title"}},
	KindTask:    {required: []string{"title"}},
	KindRFI:     {required: []string{"subject"}},
}

type descriptor struct {
	required []string
}

// Valid reports whether k is one of the supported entity kinds.
func (k Kind) Valid() bool {
	_, ok := kinds[k]
	return ok
}

func (k Kind) String() string {
	return string(k)
}

// ParseKind converts a wire string into a Kind.
func ParseKind(value string) (Kind, error) {
	k := Kind(value)
	if !k.Valid() {
		return "", fmt.Errorf("unknown entity kind %q", value)
	}
	return k, nil
}

// Entity is one persisted record as seen by the sync layer. Payload holds the
// kind-specific fields; UpdatedAt is the conflict basis.
type Entity struct {
	Kind      Kind
	ID        string
	Payload   map[string]any
	UpdatedAt time.Time
}

// DecodePayload parses and validates a raw payload for the given kind.
func DecodePayload(kind Kind, raw json.RawMessage) (map[string]any, error) {
	desc, ok := kinds[kind]
	if !ok {
		return nil, fmt.Errorf("unknown entity kind %q", kind)
	}
	if len(raw) == 0 {
		return map[string]any{}, nil
	}
	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", kind, err)
	}
	for _, field := range desc.required {
		if _, present := payload[field]; !present {
			return nil, fmt.Errorf("%s payload missing %q", kind, field)
		}
	}
	return payload, nil
}

// EncodePayload serializes a payload map for storage.
func EncodePayload(payload map[string]any) (json.RawMessage, error) {
	if payload == nil {
		payload = map[string]any{}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return raw, nil
}

// ConflictsWith reports whether the persisted entity was written after the
// client's basis timestamp. Comparison is whole-entity: any newer server
// write conflicts, even for disjoint fields.
func (e Entity) ConflictsWith(clientBasis time.Time) bool {
	return e.UpdatedAt.After(clientBasis)
}

// Merge produces the default conflict merge: a shallow field union where
// client fields win on overlap. The result carries a conflictResolved marker.
func Merge(server, client map[string]any) map[string]any {
	merged := make(map[string]any, len(server)+len(client)+1)
	for key, value := range server {
		merged[key] = value
	}
	for key, value := range client {
		merged[key] = value
	}
	merged["conflictResolved"] = true
	return merged
}
