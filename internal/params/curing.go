// Package params resolves task parameters before dispatch: ${name} references,
// built-in system parameters and $[...] time placeholders.
package params

import (
	"strconv"
	"strings"
	"time"

	"github.com/rendis/flowmaster/pkg/schema"
)

// Built-in parameter names.
const (
	BizDate                = "system.biz.date"
	BizCurDate             = "system.biz.curdate"
	DateTime               = "system.datetime"
	TaskInstanceID         = "system.task.instance.id"
	WorkflowInstanceID     = "system.workflow.instance.id"
	TaskDefinitionCode     = "system.task.definition.code"
	WorkflowDefinitionCode = "system.workflow.definition.code"
	ProjectCode            = "system.project.code"
	TaskExecutePath        = "system.task.execute.path"
)

// Context carries the identity and reference time of one task run.
type Context struct {
	ScheduleTime           *time.Time
	Now                    time.Time
	WorkflowInstanceID     int64
	TaskInstanceID         int64
	WorkflowDefinitionCode int64
	TaskDefinitionCode     int64
	ProjectCode            int64
	ExecutePath            string
}

// Reference is the time placeholders are computed from: the schedule time
// when present, otherwise Now.
func (c Context) Reference() time.Time {
	if c.ScheduleTime != nil {
		return *c.ScheduleTime
	}
	if c.Now.IsZero() {
		return time.Now()
	}
	return c.Now
}

// SystemParams returns the built-in parameters for c.
func SystemParams(c Context) map[string]string {
	at := c.Reference()
	m := map[string]string{
		BizDate:                at.AddDate(0, 0, -1).Format("20060102"),
		BizCurDate:             at.Format("20060102"),
		DateTime:               at.Format("20060102150405"),
		TaskInstanceID:         strconv.FormatInt(c.TaskInstanceID, 10),
		WorkflowInstanceID:     strconv.FormatInt(c.WorkflowInstanceID, 10),
		TaskDefinitionCode:     strconv.FormatInt(c.TaskDefinitionCode, 10),
		WorkflowDefinitionCode: strconv.FormatInt(c.WorkflowDefinitionCode, 10),
		ProjectCode:            strconv.FormatInt(c.ProjectCode, 10),
	}
	if c.ExecutePath != "" {
		m[TaskExecutePath] = c.ExecutePath
	}
	return m
}

// Cured is the outcome of Cure: the resolved properties in first-seen order and
// the full value map (system parameters included) used to resolve them.
type Cured struct {
	Props  []schema.Property
	Values map[string]string
	at     time.Time
}

// Cure resolves layers of properties in increasing precedence: a later layer
// overrides an earlier property of the same name. Each value is resolved
// against the system parameters and every property resolved before it.
func Cure(c Context, layers ...[]schema.Property) *Cured {
	at := c.Reference()
	values := SystemParams(c)
	pool := schema.NewVarPool()
	for _, layer := range layers {
		for _, p := range layer {
			p.Value = Replace(p.Value, values, at)
			values[p.Prop] = p.Value
			pool.Set(p)
		}
	}
	return &Cured{Props: pool.Properties(), Values: values, at: at}
}

// Apply resolves references in text against the cured values.
func (c *Cured) Apply(text string) string {
	return Replace(text, c.Values, c.at)
}

// Replace substitutes ${name} references found in values (unknown names are
// left untouched), then evaluates $[...] time placeholders relative to at.
func Replace(text string, values map[string]string, at time.Time) string {
	if !strings.Contains(text, "$") {
		return text
	}
	return replaceTime(replaceVars(text, values), at)
}

func replaceVars(text string, values map[string]string) string {
	var b strings.Builder
	b.Grow(len(text))
	i := 0
	for i < len(text) {
		idx := strings.Index(text[i:], "${")
		if idx == -1 {
			b.WriteString(text[i:])
			break
		}
		b.WriteString(text[i : i+idx])
		start := i + idx + 2
		end := strings.IndexByte(text[start:], '}')
		if end == -1 {
			b.WriteString(text[i+idx:])
			break
		}
		end += start
		name := strings.TrimSpace(text[start:end])
		if v, ok := values[name]; ok {
			b.WriteString(v)
		} else {
			b.WriteString(text[i+idx : end+1])
		}
		i = end + 1
	}
	return b.String()
}

func replaceTime(text string, at time.Time) string {
	var b strings.Builder
	b.Grow(len(text))
	i := 0
	for i < len(text) {
		idx := strings.Index(text[i:], "$[")
		if idx == -1 {
			b.WriteString(text[i:])
			break
		}
		b.WriteString(text[i : i+idx])
		start := i + idx + 2
		end := strings.IndexByte(text[start:], ']')
		if end == -1 {
			b.WriteString(text[i+idx:])
			break
		}
		end += start
		if v, ok := TimePlaceholder(text[start:end], at); ok {
			b.WriteString(v)
		} else {
			b.WriteString(text[i+idx : end+1])
		}
		i = end + 1
	}
	return b.String()
}
