package scr

import (
	"sort"
)

// ReferenceDTO is a snapshot of one reference of a component.
type ReferenceDTO struct {
	Name        string  `json:"name"`
	Interface   string  `json:"interface"`
	Cardinality string  `json:"cardinality"`
	Policy      string  `json:"policy"`
	Target      string  `json:"target,omitempty"`
	Satisfied   bool    `json:"satisfied"`
	Tracked     []int64 `json:"tracked"`
	Bound       []int64 `json:"bound"`
}

// ComponentDTO is a snapshot of one component configuration.
type ComponentDTO struct {
	ID             int64          `json:"id"`
	Name           string         `json:"name"`
	Bundle         string         `json:"bundle"`
	Implementation string         `json:"implementation"`
	Kind           string         `json:"kind"`
	State          string         `json:"state"`
	PID            string         `json:"pid"`
	Configuration  string         `json:"configuration,omitempty"`
	Generation     int64          `json:"generation"`
	Services       []string       `json:"services,omitempty"`
	Properties     map[string]any `json:"properties"`
	References     []ReferenceDTO `json:"references,omitempty"`
	Error          string         `json:"error,omitempty"`
}

// Components returns a snapshot of every component configuration, ordered
// by id.
func (r *Runtime) Components() []ComponentDTO {
	r.mu.RLock()
	cfgs := make([]*Config, 0, len(r.configs))
	for _, cfg := range r.configs {
		cfgs = append(cfgs, cfg)
	}
	r.mu.RUnlock()

	sort.Slice(cfgs, func(i, j int) bool { return cfgs[i].ID() < cfgs[j].ID() })
	out := make([]ComponentDTO, 0, len(cfgs))
	for _, cfg := range cfgs {
		out = append(out, cfg.DTO())
	}
	return out
}

// DTO returns a snapshot of the Config.
func (c *Config) DTO() ComponentDTO {
	dto := ComponentDTO{
		ID:             c.ID(),
		Name:           c.Name(),
		Bundle:         c.bundle.SymbolicName(),
		Implementation: c.desc.Implementation,
		Kind:           c.desc.Kind().String(),
		State:          c.State().String(),
		PID:            c.desc.PID(),
		Generation:     c.Generation(),
		Services:       c.Services(),
		Properties:     c.serviceProperties(),
	}
	if conf := c.Configuration(); conf != nil {
		dto.Configuration = conf.PID
	}
	if err := c.Err(); err != nil {
		dto.Error = err.Error()
	}
	for _, ref := range c.references {
		rd := ReferenceDTO{
			Name:        ref.desc.Name,
			Interface:   ref.desc.Interface,
			Cardinality: string(ref.desc.Cardinality),
			Policy:      string(ref.desc.Policy),
			Satisfied:   ref.Satisfied(),
			Tracked:     []int64{},
			Bound:       []int64{},
		}
		if t := ref.Target(); t != nil {
			rd.Target = t.String()
		}
		for _, sr := range ref.Tracked() {
			rd.Tracked = append(rd.Tracked, sr.ID())
		}
		for _, sr := range ref.Bound() {
			rd.Bound = append(rd.Bound, sr.ID())
		}
		dto.References = append(dto.References, rd)
	}
	return dto
}
