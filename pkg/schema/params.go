package schema

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"io"
)

// ParamSnapshot is an immutable, detached copy of an action's invocation
// arguments. The zero value is the Empty variant, which carries no parameters
// and refuses coercion and hashing.
type ParamSnapshot struct {
	raw []byte
}

// EmptyParams is the snapshot for actions that take no parameters.
var EmptyParams = ParamSnapshot{}

// SnapshotParams captures v as a JSON object. Later mutation of v does not
// affect the snapshot. A nil v yields an empty object, not EmptyParams.
func SnapshotParams(v any) (ParamSnapshot, error) {
	if v == nil {
		return ParamSnapshot{raw: []byte("{}")}, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return EmptyParams, NewError(ErrCodeValidation, "params are not serializable").WithCause(err)
	}
	return SnapshotRaw(data)
}

// SnapshotRaw captures a JSON object document. The input slice is copied and
// compacted so equal documents produce equal bytes regardless of formatting.
func SnapshotRaw(data []byte) (ParamSnapshot, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return ParamSnapshot{raw: []byte("{}")}, nil
	}
	obj, err := decodeObject(trimmed)
	if err != nil {
		return EmptyParams, NewError(ErrCodeValidation, "params must be a JSON object").WithCause(err)
	}
	// Re-marshal so map keys come out sorted. Numbers stay json.Number and
	// keep their exact digits.
	canonical, err := json.Marshal(obj)
	if err != nil {
		return EmptyParams, NewError(ErrCodeValidation, "params are not serializable").WithCause(err)
	}
	return ParamSnapshot{raw: canonical}, nil
}

// IsEmpty reports whether p is the Empty variant.
func (p ParamSnapshot) IsEmpty() bool {
	return p.raw == nil
}

// Isolate materializes a fresh argument set. Every call returns an
// independent copy; the Empty variant yields an empty map. Numbers are
// returned as json.Number.
func (p ParamSnapshot) Isolate() (map[string]any, error) {
	if p.IsEmpty() {
		return make(map[string]any), nil
	}
	out, err := decodeObject(p.raw)
	if err != nil {
		return nil, NewError(ErrCodeValidation, "corrupt parameter snapshot").WithCause(err)
	}
	return out, nil
}

func decodeObject(data []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var obj map[string]any
	if err := dec.Decode(&obj); err != nil {
		return nil, err
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, errors.New("trailing data after object")
	}
	if obj == nil {
		obj = make(map[string]any)
	}
	return obj, nil
}

// Coerce decodes the snapshot into dst, rejecting fields dst does not declare.
func (p ParamSnapshot) Coerce(dst any) error {
	if p.IsEmpty() {
		return Unsupported("coercing empty parameters")
	}
	dec := json.NewDecoder(bytes.NewReader(p.raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return NewErrorf(ErrCodeValidation, "params incompatible with %T", dst).WithCause(err)
	}
	return nil
}

// AppendToHash writes the length-prefixed canonical bytes of the snapshot to w.
func (p ParamSnapshot) AppendToHash(w io.Writer) error {
	if p.IsEmpty() {
		return Unsupported("hashing empty parameters")
	}
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], uint64(len(p.raw)))
	if _, err := w.Write(n[:]); err != nil {
		return err
	}
	_, err := w.Write(p.raw)
	return err
}

// Bytes returns a copy of the canonical JSON, or nil for the Empty variant.
func (p ParamSnapshot) Bytes() []byte {
	if p.IsEmpty() {
		return nil
	}
	return append([]byte(nil), p.raw...)
}

// MarshalJSON encodes the snapshot as its JSON object, or null when empty.
func (p ParamSnapshot) MarshalJSON() ([]byte, error) {
	if p.IsEmpty() {
		return []byte("null"), nil
	}
	return p.Bytes(), nil
}

// UnmarshalJSON captures a JSON object. An explicit null becomes an empty
// object snapshot.
func (p *ParamSnapshot) UnmarshalJSON(data []byte) error {
	snap, err := SnapshotRaw(data)
	if err != nil {
		return err
	}
	*p = snap
	return nil
}
