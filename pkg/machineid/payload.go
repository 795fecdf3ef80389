package machineid

import (
	"encoding/json"
	"errors"
	"fmt"
)

// WrapperKey is the root key every machine identification record is nested under.
const WrapperKey = "MachineIdentificationType"

// ErrUnknownMachineType is returned by a PayloadGenerator for a tag it does not recognise.
var ErrUnknownMachineType = errors.New("unknown machine type")

// PayloadGenerator defines the interface for fabricating machine identification payloads.
// An application can implement this interface to supply its own records; the publisher
// only relies on the record being nested under a single wrapper key and carrying an asset id.
type PayloadGenerator interface {
	Generate(machineType string) (Payload, error)
}

// Record is the inner part of a payload.
type Record interface {
	AssetID() string
}

// Payload wraps a Record under a single named root key. It marshals to
// {"<Wrapper>": <Record>}.
type Payload struct {
	Wrapper string
	Record  Record
}

// NewPayload wraps record under the standard WrapperKey.
func NewPayload(record Record) Payload {
	return Payload{Wrapper: WrapperKey, Record: record}
}

// AssetID returns the asset identifier of the wrapped record, or "" if there is none.
func (p Payload) AssetID() string {
	if p.Record == nil {
		return ""
	}
	return p.Record.AssetID()
}

// Inner returns the record with the wrapper key stripped.
func (p Payload) Inner() Record {
	return p.Record
}

func (p Payload) MarshalJSON() ([]byte, error) {
	if p.Wrapper == "" {
		return nil, fmt.Errorf("machineid: payload for asset %q has no wrapper key", p.AssetID())
	}
	return json.Marshal(map[string]Record{p.Wrapper: p.Record})
}

// Fields is a free-form Record. Generators that do not have a fixed schema,
// and tests, can use it directly.
type Fields map[string]any

// AssetID returns the "AssetId" field when it is a string.
func (f Fields) AssetID() string {
	if id, ok := f["AssetId"].(string); ok {
		return id
	}
	return ""
}
