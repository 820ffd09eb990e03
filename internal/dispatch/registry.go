package dispatch

import (
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/rendis/flowmaster/pkg/schema"
)

// DefaultGroup is used for tasks without a worker group.
const DefaultGroup = "default"

// DefaultWeight applies to workers that do not report one.
const DefaultWeight = 100

// Worker is a registered worker of a group.
type Worker struct {
	Host   string `json:"host"`
	Group  string `json:"group"`
	Weight int    `json:"weight"`
}

// WorkerRegistry reports the workers currently registered in a group.
type WorkerRegistry interface {
	Workers(group string) []Worker
}

// StaticRegistry serves a fixed worker list from configuration.
type StaticRegistry struct {
	mu     sync.RWMutex
	groups map[string][]Worker
}

// NewStaticRegistry builds a registry from workers. Missing weights become DefaultWeight.
func NewStaticRegistry(workers ...Worker) *StaticRegistry {
	r := &StaticRegistry{}
	r.Replace(workers)
	return r
}

// Replace swaps the whole worker list.
func (r *StaticRegistry) Replace(workers []Worker) {
	groups := make(map[string][]Worker)
	for _, w := range workers {
		if w.Group == "" {
			w.Group = DefaultGroup
		}
		if w.Weight <= 0 {
			w.Weight = DefaultWeight
		}
		groups[w.Group] = append(groups[w.Group], w)
	}
	for _, ws := range groups {
		sortWorkers(ws)
	}

	r.mu.Lock()
	r.groups = groups
	r.mu.Unlock()
}

func (r *StaticRegistry) Workers(group string) []Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ws := r.groups[group]
	out := make([]Worker, len(ws))
	copy(out, ws)
	return out
}

// ParseWorkers parses "group=host[*weight],host;group=host" as used by
// FLOWMASTER_WORKERS. A host without a group prefix joins DefaultGroup.
func ParseWorkers(s string) ([]Worker, error) {
	var out []Worker
	for _, section := range strings.Split(s, ";") {
		section = strings.TrimSpace(section)
		if section == "" {
			continue
		}
		group := DefaultGroup
		hosts := section
		if i := strings.Index(section, "="); i >= 0 {
			group = strings.TrimSpace(section[:i])
			hosts = section[i+1:]
		}
		if group == "" {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "worker section %q has an empty group", section)
		}
		for _, h := range strings.Split(hosts, ",") {
			h = strings.TrimSpace(h)
			if h == "" {
				continue
			}
			w := Worker{Host: h, Group: group, Weight: DefaultWeight}
			if i := strings.LastIndex(h, "*"); i >= 0 {
				weight, err := strconv.Atoi(h[i+1:])
				if err != nil || weight <= 0 {
					return nil, schema.NewErrorf(schema.ErrCodeValidation, "worker %q has an invalid weight", h)
				}
				w.Host, w.Weight = h[:i], weight
			}
			out = append(out, w)
		}
	}
	return out, nil
}

func sortWorkers(ws []Worker) {
	sort.Slice(ws, func(i, j int) bool { return ws[i].Host < ws[j].Host })
}
