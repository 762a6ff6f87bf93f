package patch

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

func (o Operation) MarshalJSON() ([]byte, error) {
	if o.Op == OpRemove {
		return json.Marshal(struct {
			Op   string `json:"op"`
			Path Path   `json:"path"`
		}{Op: o.Op.String(), Path: pathOrEmpty(o.Path)})
	}
	return json.Marshal(struct {
		Op    string `json:"op"`
		Path  Path   `json:"path"`
		Value any    `json:"value"`
	}{Op: o.Op.String(), Path: pathOrEmpty(o.Path), Value: o.Value})
}

// UnmarshalJSON requires a value member for add and replace. A JSON null
// value is legal; a missing one is malformed.
func (o *Operation) UnmarshalJSON(data []byte) error {
	var members map[string]json.RawMessage
	if err := json.Unmarshal(data, &members); err != nil {
		return fmt.Errorf("%w: operation: %v", ErrMalformed, err)
	}

	var name string
	if err := json.Unmarshal(members["op"], &name); err != nil {
		return fmt.Errorf("%w: operation without op", ErrMalformed)
	}
	kind, err := ParseOpKind(name)
	if err != nil {
		return err
	}

	rawPath, ok := members["path"]
	if !ok {
		return fmt.Errorf("%w: %s operation without path", ErrMalformed, name)
	}
	var path Path
	if err = json.Unmarshal(rawPath, &path); err != nil {
		return fmt.Errorf("%w: path: %v", ErrMalformed, err)
	}

	op := Operation{Op: kind, Path: path}
	if kind != OpRemove {
		rawValue, ok := members["value"]
		if !ok {
			return fmt.Errorf("%w: %s %s without value", ErrMalformed, name, path)
		}
		if err = json.Unmarshal(rawValue, &op.Value); err != nil {
			return fmt.Errorf("%w: value: %v", ErrMalformed, err)
		}
	}

	*o = op
	return nil
}

func pathOrEmpty(p Path) Path {
	if p == nil {
		return Path{}
	}
	return p
}

// Message is one decoded server payload: exactly one of Batch and Dump is set.
type Message struct {
	Batch *Batch
	Dump  *Dump
}

func (m Message) IsDump() bool {
	return m.Dump != nil
}

func (m Message) MarshalJSON() ([]byte, error) {
	switch {
	case m.Dump != nil:
		return json.Marshal(m.Dump)
	case m.Batch != nil:
		return json.Marshal(m.Batch)
	default:
		return nil, fmt.Errorf("%w: empty message", ErrMalformed)
	}
}

// DecodeMessage decodes a batch or a dump. An explicit "type" member
// ("batch", "patch" or "dump") wins; otherwise a "tree" member marks a dump and
// "fromRevision"/"operations" mark a batch.
func DecodeMessage(data []byte) (Message, error) {
	var members map[string]json.RawMessage
	if err := json.Unmarshal(data, &members); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	kind := ""
	if raw, ok := members["type"]; ok {
		if err := json.Unmarshal(raw, &kind); err != nil {
			return Message{}, fmt.Errorf("%w: type: %v", ErrMalformed, err)
		}
	} else if _, ok = members["tree"]; ok {
		kind = "dump"
	} else if _, ok = members["fromRevision"]; ok {
		kind = "batch"
	} else if _, ok = members["operations"]; ok {
		kind = "batch"
	}

	switch kind {
	case "dump":
		if _, ok := members["revision"]; !ok {
			return Message{}, fmt.Errorf("%w: dump without revision", ErrMalformed)
		}
		var d Dump
		if err := json.Unmarshal(data, &d); err != nil {
			return Message{}, fmt.Errorf("%w: dump: %v", ErrMalformed, err)
		}
		return Message{Dump: &d}, nil
	case "batch", "patch":
		b, err := decodeBatch(data)
		if err != nil {
			return Message{}, err
		}
		return Message{Batch: b}, nil
	default:
		return Message{}, fmt.Errorf("%w: neither a batch nor a dump", ErrMalformed)
	}
}

// decodeBatch decodes operations one by one so a failure can name the
// offending operation. Every failure is a *BatchError.
func decodeBatch(data []byte) (*Batch, error) {
	var wire struct {
		From       Revision          `json:"fromRevision"`
		To         Revision          `json:"toRevision"`
		Operations []json.RawMessage `json:"operations"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, &BatchError{Index: -1, Err: wrapMalformed(err)}
	}

	b := &Batch{From: wire.From, To: wire.To}
	if err := (Batch{From: b.From, To: b.To}).Validate(); err != nil {
		return nil, &BatchError{From: b.From, To: b.To, Index: -1, Err: err}
	}
	for i, raw := range wire.Operations {
		var op Operation
		err := json.Unmarshal(raw, &op)
		if err == nil {
			err = op.Validate()
		}
		if err != nil {
			return nil, newBatchError(b, i, raw, wrapMalformed(err))
		}
		b.Operations = append(b.Operations, op)
	}
	return b, nil
}

func newBatchError(b *Batch, index int, raw json.RawMessage, err error) *BatchError {
	e := &BatchError{From: b.From, To: b.To, Index: index, Err: err}
	var members map[string]json.RawMessage
	if json.Unmarshal(raw, &members) != nil {
		e.Path = string(raw)
		return e
	}
	_ = json.Unmarshal(members["op"], &e.Op)
	e.Path = string(members["path"])
	return e
}

// DecodeMessages accepts either a single message or a JSON array of them.
func DecodeMessages(data []byte) ([]Message, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '[' {
		m, err := DecodeMessage(trimmed)
		if err != nil {
			return nil, err
		}
		return []Message{m}, nil
	}

	var raws []json.RawMessage
	if err := json.Unmarshal(trimmed, &raws); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	out := make([]Message, 0, len(raws))
	for i, raw := range raws {
		m, err := DecodeMessage(raw)
		if err != nil {
			return nil, fmt.Errorf("message %d: %w", i, err)
		}
		out = append(out, m)
	}
	return out, nil
}

func wrapMalformed(err error) error {
	if errors.Is(err, ErrMalformed) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrMalformed, err)
}
