package dependent

import (
	"time"

	"github.com/rendis/flowmaster/pkg/schema"
)

// varPoolCollector keeps OUT properties by name. add overwrites; merge keeps
// the property whose source ended later.
type varPoolCollector struct {
	pool    *schema.VarPool
	endTime map[string]time.Time
}

func newVarPoolCollector() *varPoolCollector {
	return &varPoolCollector{pool: schema.NewVarPool(), endTime: make(map[string]time.Time)}
}

func (c *varPoolCollector) add(props []schema.Property, end *time.Time) {
	var at time.Time
	if end != nil {
		at = *end
	}
	for _, p := range schema.OutProperties(props) {
		c.pool.Set(p)
		c.endTime[p.Prop] = at
	}
}

func (c *varPoolCollector) put(p schema.Property, at time.Time) {
	if prev, ok := c.endTime[p.Prop]; ok && !at.After(prev) {
		return
	}
	c.pool.Set(p)
	c.endTime[p.Prop] = at
}

func (c *varPoolCollector) merge(other *varPoolCollector) {
	for _, p := range other.pool.Properties() {
		c.put(p, other.endTime[p.Prop])
	}
}

func (c *varPoolCollector) properties() []schema.Property {
	return c.pool.Properties()
}
