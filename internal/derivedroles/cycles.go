package derivedroles

import (
	"github.com/authzd/authzd/pkg/types"
)

// CheckCycles rejects a set of DerivedRoles policies whose definitions form
// a dependency cycle. An edge exists from a definition to each parent whose
// name is itself a derived-role definition; self-reference counts as a
// cycle. Run at catalog admission, before any policy becomes active.
func CheckCycles(sets []*types.Policy) error {
	parents := make(map[string][]string)
	for _, pol := range sets {
		for _, def := range pol.DerivedRoles.Definitions {
			if _, ok := parents[def.Name]; !ok {
				parents[def.Name] = nil
			}
		}
	}
	for _, pol := range sets {
		for _, def := range pol.DerivedRoles.Definitions {
			for _, parent := range def.ParentRoles {
				if _, isDef := parents[parent]; isDef {
					parents[def.Name] = append(parents[def.Name], parent)
				}
			}
		}
	}

	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := make(map[string]int, len(parents))

	var visit func(name string, path []string) error
	visit = func(name string, path []string) error {
		switch state[name] {
		case visiting:
			return &types.CircularDependencyError{Cycle: append(path, name)}
		case done:
			return nil
		}
		state[name] = visiting
		path = append(path, name)
		for _, parent := range parents[name] {
			if err := visit(parent, path); err != nil {
				return err
			}
		}
		state[name] = done
		return nil
	}

	for name := range parents {
		if state[name] == unvisited {
			if err := visit(name, nil); err != nil {
				return err
			}
		}
	}
	return nil
}
