package schema

import "encoding/json"

// Direct is the direction of a parameter relative to the task declaring it.
type Direct string

const (
	DirectIn  Direct = "IN"
	DirectOut Direct = "OUT"
)

// Property is a named parameter with direction, type and value.
type Property struct {
	Prop   string `json:"prop"`
	Direct Direct `json:"direct"`
	Type   string `json:"type"` // VARCHAR, INTEGER, LONG, DOUBLE, BOOLEAN, DATE, LIST, ...
	Value  string `json:"value"`
}

// VarPool is an ordered mapping from parameter name to property.
// Setting an existing name replaces the value in place and keeps its position.
// The zero value is ready to use.
type VarPool struct {
	order []string
	props map[string]Property
}

// NewVarPool builds a pool from props; later entries override earlier ones.
func NewVarPool(props ...Property) *VarPool {
	p := &VarPool{}
	for _, prop := range props {
		p.Set(prop)
	}
	return p
}

// Set inserts or replaces prop.
func (p *VarPool) Set(prop Property) {
	if p.props == nil {
		p.props = make(map[string]Property)
	}
	if _, ok := p.props[prop.Prop]; !ok {
		p.order = append(p.order, prop.Prop)
	}
	p.props[prop.Prop] = prop
}

// Get returns the property named name.
func (p *VarPool) Get(name string) (Property, bool) {
	if p == nil || p.props == nil {
		return Property{}, false
	}
	prop, ok := p.props[name]
	return prop, ok
}

// Len returns the number of properties.
func (p *VarPool) Len() int {
	if p == nil {
		return 0
	}
	return len(p.order)
}

// Merge sets every property of other, other winning on collision.
func (p *VarPool) Merge(other *VarPool) {
	if other == nil {
		return
	}
	for _, prop := range other.Properties() {
		p.Set(prop)
	}
}

// Properties returns the properties in insertion order.
func (p *VarPool) Properties() []Property {
	if p == nil {
		return nil
	}
	out := make([]Property, 0, len(p.order))
	for _, name := range p.order {
		out = append(out, p.props[name])
	}
	return out
}

// Values returns a name -> value view, used for substitution and expression data.
func (p *VarPool) Values() map[string]string {
	out := make(map[string]string, p.Len())
	for _, prop := range p.Properties() {
		out[prop.Prop] = prop.Value
	}
	return out
}

func (p *VarPool) MarshalJSON() ([]byte, error) {
	props := p.Properties()
	if props == nil {
		props = []Property{}
	}
	return json.Marshal(props)
}

func (p *VarPool) UnmarshalJSON(data []byte) error {
	var props []Property
	if err := json.Unmarshal(data, &props); err != nil {
		return err
	}
	p.order = nil
	p.props = nil
	for _, prop := range props {
		p.Set(prop)
	}
	return nil
}

// OutProperties filters props down to OUT-direction entries.
func OutProperties(props []Property) []Property {
	var out []Property
	for _, prop := range props {
		if prop.Direct == DirectOut {
			out = append(out, prop)
		}
	}
	return out
}

// MergeProperties overlays override on base by name, keeping base order and
// appending new names in override order.
func MergeProperties(base, override []Property) []Property {
	pool := NewVarPool(base...)
	for _, prop := range override {
		pool.Set(prop)
	}
	return pool.Properties()
}
