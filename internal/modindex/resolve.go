package modindex

import (
	"errors"
	"fmt"
	"strings"
)

// Package is one concrete mod version selected by Resolve.
type Package struct {
	Mod     Mod
	Version ModVersion
}

// ID returns "owner-name-version".
func (p Package) ID() string {
	return p.Mod.ID().String() + "-" + p.Version.Number().String()
}

// MissingError lists dependencies that could not be found.
type MissingError struct {
	Missing []string
}

func (e *MissingError) Error() string {
	return "missing dependencies: " + strings.Join(e.Missing, ", ")
}

// ErrDependencyCycle is returned when dependencies refer back to themselves.
var ErrDependencyCycle = errors.New("dependency cycle")

// Resolve computes the transitive closure of roots. Dependencies are ordered
// before their dependents. When several versions of a mod are requested the
// highest wins, and only the requirements of winning versions count.
func Resolve(snap Snapshot, roots []string) ([]Package, error) {
	r := resolver{
		chosen:  make(map[ModID]Package),
		state:   make(map[ModID]int),
		indexed: make(map[ModID]Mod),
		missing: make(map[string][]string),
	}
	snap.All(func(m Mod) bool {
		r.indexed[m.ID()] = m
		return true
	})

	// First pass: pick the highest requested version of every reachable mod.
	// Unresolvable requirements are filed under the package that made them
	// ("" for roots).
	type request struct{ dep, from string }
	queue := make([]request, 0, len(roots))
	for _, s := range roots {
		queue = append(queue, request{dep: s})
	}
	for len(queue) > 0 {
		q := queue[0]
		queue = queue[1:]
		dep, err := ParseDependency(q.dep)
		if err != nil {
			return nil, err
		}
		m, ok := r.indexed[dep.ModID]
		if !ok {
			r.missing[q.from] = append(r.missing[q.from], q.dep)
			continue
		}
		v, ok := m.FindVersion(dep.Version)
		if !ok {
			r.missing[q.from] = append(r.missing[q.from], q.dep)
			continue
		}
		if prev, ok := r.chosen[dep.ModID]; ok && prev.Version.Number().Compare(dep.Version) >= 0 {
			continue
		}
		p := Package{Mod: m, Version: v}
		r.chosen[dep.ModID] = p
		for _, d := range v.Dependencies() {
			queue = append(queue, request{dep: d, from: p.ID()})
		}
	}
	if missing := r.liveMissing(roots); len(missing) != 0 {
		return nil, &MissingError{Missing: missing}
	}

	// Second pass: order dependencies first.
	for _, s := range roots {
		dep, _ := ParseDependency(s)
		if err := r.visit(dep.ModID); err != nil {
			return nil, err
		}
	}
	return r.order, nil
}

type resolver struct {
	indexed map[ModID]Mod
	chosen  map[ModID]Package
	state   map[ModID]int // 1 visiting, 2 done
	order   []Package
	missing map[string][]string
}

// liveMissing returns the unresolvable requirements of roots and of the
// chosen versions reachable from them. Versions that were superseded do not
// contribute.
func (r *resolver) liveMissing(roots []string) []string {
	out := append([]string(nil), r.missing[""]...)
	seen := make(map[ModID]bool)
	var walk func(deps []string)
	walk = func(deps []string) {
		for _, s := range deps {
			dep, err := ParseDependency(s)
			if err != nil || seen[dep.ModID] {
				continue
			}
			p, ok := r.chosen[dep.ModID]
			if !ok {
				continue
			}
			seen[dep.ModID] = true
			out = append(out, r.missing[p.ID()]...)
			walk(p.Version.Dependencies())
		}
	}
	walk(roots)
	return out
}

func (r *resolver) visit(id ModID) error {
	switch r.state[id] {
	case 1:
		return fmt.Errorf("%w through %s", ErrDependencyCycle, id)
	case 2:
		return nil
	}
	r.state[id] = 1
	p := r.chosen[id]
	for _, s := range p.Version.Dependencies() {
		dep, err := ParseDependency(s)
		if err != nil {
			return err
		}
		if err := r.visit(dep.ModID); err != nil {
			return err
		}
	}
	r.state[id] = 2
	r.order = append(r.order, p)
	return nil
}
