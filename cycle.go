package scr

import (
	"fmt"
	"slices"
	"sort"
	"strings"
)

// Cycle lists the names of components whose references form a loop, in
// traversal order. The first component is repeated at the end.
type Cycle []string

// String implements fmt.Stringer.
func (c Cycle) String() string { return strings.Join(c, " -> ") }

type reportedCycle struct {
	ids   []int64
	names Cycle
}

// CyclesFrom runs a depth-first search over declared references starting at
// the component with the given id and returns every reference cycle passing
// through it. Candidate providers are the enabled components declaring the
// referenced interface.
func (r *Runtime) CyclesFrom(id int64) []Cycle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Cycle
	for _, ids := range r.cycleIDsLocked(id) {
		out = append(out, r.namesLocked(ids))
	}
	return out
}

// Cycles returns the reference cycles detected among enabled components.
func (r *Runtime) Cycles() []Cycle {
	r.mu.RLock()
	keys := make([]string, 0, len(r.cycles))
	for key := range r.cycles {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	out := make([]Cycle, 0, len(keys))
	for _, key := range keys {
		out = append(out, slices.Clone(r.cycles[key].names))
	}
	r.mu.RUnlock()
	return out
}

func (r *Runtime) checkCycles(cfg *Config) {
	r.mu.Lock()
	var found []reportedCycle
	for _, ids := range r.cycleIDsLocked(cfg.ID()) {
		key := cycleKey(ids)
		if _, seen := r.cycles[key]; seen {
			continue
		}
		c := reportedCycle{ids: ids, names: r.namesLocked(ids)}
		r.cycles[key] = c
		found = append(found, c)
	}
	r.mu.Unlock()

	for _, c := range found {
		r.logger.Warn("Reference cycle detected", "component", cfg.Name(), "cycle", c.names.String())
		r.metrics.cycleDetected()
		r.emit(EventTypeCycleDetected, CycleEventData{Components: c.names})
	}
}

// cycleIDsLocked must be called with r.mu held. Each returned path starts
// and ends with seed. Every simple cycle through seed is returned, so a node
// reached through several branches is explored once per branch.
func (r *Runtime) cycleIDsLocked(seed int64) [][]int64 {
	var (
		cycles [][]int64
		path   []int64
		onPath = make(map[int64]bool)
	)

	var visit func(id int64)
	visit = func(id int64) {
		if onPath[id] {
			if id == seed {
				cycles = append(cycles, append(slices.Clone(path), seed))
			}
			return
		}
		cfg, ok := r.configs[id]
		if !ok {
			return
		}
		onPath[id] = true
		path = append(path, id)

		for _, ref := range cfg.desc.References {
			for _, provider := range r.byInterface[ref.Interface] {
				visit(provider)
			}
		}

		path = path[:len(path)-1]
		onPath[id] = false
	}
	visit(seed)
	return cycles
}

func (r *Runtime) namesLocked(ids []int64) Cycle {
	names := make(Cycle, len(ids))
	for i, id := range ids {
		if cfg, ok := r.configs[id]; ok {
			names[i] = cfg.Name()
		} else {
			names[i] = fmt.Sprintf("#%d", id)
		}
	}
	return names
}

// cycleKey identifies a cycle independently of where traversal entered it.
func cycleKey(ids []int64) string {
	loop := ids[:len(ids)-1]
	start := 0
	for i, id := range loop {
		if id < loop[start] {
			start = i
		}
	}
	parts := make([]string, 0, len(loop))
	for i := range loop {
		parts = append(parts, fmt.Sprint(loop[(start+i)%len(loop)]))
	}
	return strings.Join(parts, ",")
}
