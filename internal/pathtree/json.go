package pathtree

import (
	"encoding/json"
	"fmt"
)

// MarshalJSON renders a Path as a flat array of string keys and numeric
// indices, e.g. ["a", 0, "b"], the natural wire shape for a JSON Pointer
// analogue.
func (p Path) MarshalJSON() ([]byte, error) {
	raw := make([]interface{}, len(p))
	for i, seg := range p {
		if seg.IsKey {
			raw[i] = seg.Key
		} else {
			raw[i] = seg.Index
		}
	}
	if raw == nil {
		raw = []interface{}{}
	}
	return json.Marshal(raw)
}

func (p *Path) UnmarshalJSON(data []byte) error {
	var raw []interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := make(Path, len(raw))
	for i, v := range raw {
		switch vv := v.(type) {
		case string:
			out[i] = Key(vv)
		case float64:
			out[i] = Index(int(vv))
		default:
			return fmt.Errorf("pathtree: unsupported path segment %T", v)
		}
	}
	*p = out
	return nil
}
