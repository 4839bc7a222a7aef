// Package capability models app-exposed permission bundles and resolves
// grants to the variables they carry. A grant is either app-wide ("bitcoin")
// or scoped to one capability ("bitcoin/rpc"); scoped capabilities may include
// further grants, forming a graph that resolution walks iteratively.
package capability

import (
	"encoding/json"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// Kind discriminates the scalar types a capability variable or app setting
// may hold.
type Kind int

const (
	KindString Kind = iota
	KindInt
	KindFloat
)

// Value is a scalar capability variable or setting. Only strings, integers
// and floats cross the template boundary; anything else is rejected at decode
// time.
type Value struct {
	Kind  Kind
	Str   string
	Int   int64
	Float float64
}

// StringValue returns a Value holding s.
func StringValue(s string) Value { return Value{Kind: KindString, Str: s} }

// IntValue returns a Value holding n.
func IntValue(n int64) Value { return Value{Kind: KindInt, Int: n} }

// FloatValue returns a Value holding f.
func FloatValue(f float64) Value { return Value{Kind: KindFloat, Float: f} }

// Any returns the native Go representation, suitable for template data and
// JSON round-trips.
func (v Value) Any() any {
	switch v.Kind {
	case KindInt:
		return v.Int
	case KindFloat:
		return v.Float
	default:
		return v.Str
	}
}

func (v Value) String() string {
	switch v.Kind {
	case KindInt:
		return fmt.Sprintf("%d", v.Int)
	case KindFloat:
		return fmt.Sprintf("%g", v.Float)
	default:
		return v.Str
	}
}

func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.Any())
}

func (v *Value) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*v = StringValue(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err == nil {
		if i, err := n.Int64(); err == nil {
			*v = IntValue(i)
			return nil
		}
		if f, err := n.Float64(); err == nil {
			*v = FloatValue(f)
			return nil
		}
	}
	return fmt.Errorf("value must be a string or number, got %s", strings.TrimSpace(string(data)))
}

func (v Value) MarshalYAML() (any, error) {
	return v.Any(), nil
}

func (v *Value) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("value must be a scalar, got %s", node.Tag)
	}
	switch node.Tag {
	case "!!int":
		var i int64
		if err := node.Decode(&i); err != nil {
			return err
		}
		*v = IntValue(i)
	case "!!float":
		var f float64
		if err := node.Decode(&f); err != nil {
			return err
		}
		*v = FloatValue(f)
	case "!!str":
		*v = StringValue(node.Value)
	default:
		return fmt.Errorf("value must be a string or number, got %s", node.Tag)
	}
	return nil
}

// Capability is one named bundle an app exposes to other apps.
type Capability struct {
	App        string           // owning app ID
	ID         string           // capability ID, unique within the app
	Implements string           // shared protocol name, empty when none
	Includes   []string         // further grants pulled in by this capability
	Variables  map[string]Value // variables exposed to grantees
	Files      []string         // file paths exposed to grantees
	Hidden     bool             // excluded from user-facing listings
}

// Ref returns the scoped grant string for c ("app/id").
func (c *Capability) Ref() string {
	return c.App + "/" + c.ID
}

// Universe holds every exported capability, keyed by owning app.
type Universe map[string][]Capability

// Find returns the capability id exported by app, if present.
func (u Universe) Find(app, id string) (*Capability, bool) {
	for i := range u[app] {
		if u[app][i].ID == id {
			return &u[app][i], true
		}
	}
	return nil, false
}

// SplitGrant splits a grant string into its app and capability parts. The
// capability part is empty for app-wide grants.
func SplitGrant(grant string) (app, cap string) {
	app, cap, _ = strings.Cut(grant, "/")
	return app, cap
}
