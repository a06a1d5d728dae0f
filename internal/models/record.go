// Package models provides data model definitions for tasksync.
package models

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Table names a record collection.
type Table string

const (
	TableTodos Table = "todos"
	TableLists Table = "lists"
)

// Tables returns every synchronized record collection in pull order.
func Tables() []Table {
	return []Table{TableTodos, TableLists}
}

// ParseTable validates a table name.
func ParseTable(s string) (Table, error) {
	switch Table(s) {
	case TableTodos, TableLists:
		return Table(s), nil
	case "tasks":
		return TableTodos, nil
	default:
		return "", fmt.Errorf("unknown table %q", s)
	}
}

// IDSpace tags which authority minted a record identifier.
type IDSpace string

const (
	// SpaceServer ids were assigned by the remote record service.
	SpaceServer IDSpace = "server"
	// SpaceLocal ids were minted on this device and await a server id.
	SpaceLocal IDSpace = "local"
)

// RecordID identifies a record within one of two disjoint namespaces.
// Values are always positive; the namespace carries the local/server
// distinction. Only the JSON form renders local ids as negative numbers.
type RecordID struct {
	Space IDSpace
	Value int64
}

// ServerID returns a server-assigned identifier.
func ServerID(v int64) RecordID {
	return RecordID{Space: SpaceServer, Value: v}
}

// LocalID returns a locally minted identifier.
func LocalID(v int64) RecordID {
	return RecordID{Space: SpaceLocal, Value: v}
}

// IsLocal reports whether the id is still pending server assignment.
func (id RecordID) IsLocal() bool {
	return id.Space == SpaceLocal
}

// IsZero reports whether the id is unset.
func (id RecordID) IsZero() bool {
	return id.Value == 0
}

// String renders "42" for server ids and "local-42" for local ids.
func (id RecordID) String() string {
	if id.IsLocal() {
		return "local-" + strconv.FormatInt(id.Value, 10)
	}
	return strconv.FormatInt(id.Value, 10)
}

// Wire returns the integer form used by UI consumers.
func (id RecordID) Wire() int64 {
	if id.IsLocal() {
		return -id.Value
	}
	return id.Value
}

// FromWire converts the integer UI form back into a tagged id.
func FromWire(v int64) RecordID {
	if v < 0 {
		return LocalID(-v)
	}
	return ServerID(v)
}

// ParseRecordID accepts "42", "-42" and "local-42".
func ParseRecordID(s string) (RecordID, error) {
	s = strings.TrimSpace(s)
	if rest, ok := strings.CutPrefix(s, "local-"); ok {
		v, err := strconv.ParseInt(rest, 10, 64)
		if err != nil || v <= 0 {
			return RecordID{}, fmt.Errorf("invalid local id %q", s)
		}
		return LocalID(v), nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil || v == 0 {
		return RecordID{}, fmt.Errorf("invalid record id %q", s)
	}
	return FromWire(v), nil
}

// MarshalJSON implements json.Marshaler.
func (id RecordID) MarshalJSON() ([]byte, error) {
	return []byte(strconv.FormatInt(id.Wire(), 10)), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (id *RecordID) UnmarshalJSON(data []byte) error {
	var v int64
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("record id: %w", err)
	}
	*id = FromWire(v)
	return nil
}

// Fields holds the domain fields of a record as decoded JSON values.
type Fields map[string]interface{}

// Clone returns a shallow copy.
func (f Fields) Clone() Fields {
	out := make(Fields, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

// Merge returns a copy of f with partial applied over it.
func (f Fields) Merge(partial Fields) Fields {
	out := f.Clone()
	for k, v := range partial {
		out[k] = v
	}
	return out
}

// String returns the string value of key, or "" if absent or not a string.
func (f Fields) String(key string) string {
	if s, ok := f[key].(string); ok {
		return s
	}
	return ""
}

// Bool returns the boolean value of key.
func (f Fields) Bool(key string) bool {
	b, _ := f[key].(bool)
	return b
}

// Int returns the integer value of key, accepting JSON numbers.
func (f Fields) Int(key string) (int64, bool) {
	switch v := f[key].(type) {
	case float64:
		return int64(v), true
	case int64:
		return v, true
	case int:
		return int64(v), true
	case json.Number:
		n, err := v.Int64()
		return n, err == nil
	default:
		return 0, false
	}
}

// Record is a task or list persisted locally and remotely.
type Record struct {
	ID           RecordID
	Table        Table
	Fields       Fields
	LastModified int64 // local wall clock, unix milliseconds
	Offline      bool  // diverges from the last known server copy
}

// Clone returns a copy whose Fields map can be modified independently.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	c.Fields = r.Fields.Clone()
	return &c
}

// Title returns the human label of the record: a task title or a list name.
func (r *Record) Title() string {
	if t := r.Fields.String("title"); t != "" {
		return t
	}
	return r.Fields.String("name")
}

// MarshalJSON flattens the record into the shape UI consumers expect.
func (r *Record) MarshalJSON() ([]byte, error) {
	out := make(map[string]interface{}, len(r.Fields)+3)
	for k, v := range r.Fields {
		out[k] = v
	}
	out["id"] = r.ID.Wire()
	out["lastModified"] = r.LastModified
	out["offline"] = r.Offline
	return json.Marshal(out)
}

// DecodeServerRecord builds a Record from a server JSON object.
// The object must carry a positive integer "id".
func DecodeServerRecord(table Table, raw map[string]interface{}) (*Record, error) {
	fields := Fields(raw).Clone()
	id, ok := fields.Int("id")
	if !ok || id <= 0 {
		return nil, fmt.Errorf("%s record has no server id", table)
	}
	delete(fields, "id")
	delete(fields, "lastModified")
	delete(fields, "offline")
	return &Record{
		ID:     ServerID(id),
		Table:  table,
		Fields: fields,
	}, nil
}
