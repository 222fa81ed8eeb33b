package domain

import "sort"

// Change holds one attribute's value before and after a mutation.
type Change struct {
	Old any
	New any
}

// ChangeSet maps attribute names to their old/new value pairs for one
// mutation. It is transient: computed during event construction and never
// persisted directly (the serialized form lives in Version.ObjectChanges).
type ChangeSet map[string]Change

// Names returns the changed attribute names in sorted order.
func (c ChangeSet) Names() []string {
	names := make([]string, 0, len(c))
	for name := range c {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Without returns a copy of the change set with the given attributes removed.
func (c ChangeSet) Without(names ...string) ChangeSet {
	out := make(ChangeSet, len(c))
	for name, change := range c {
		out[name] = change
	}
	for _, name := range names {
		delete(out, name)
	}
	return out
}

// Pairs converts the change set to the serializable {attr: [old, new]} shape.
func (c ChangeSet) Pairs() map[string][2]any {
	out := make(map[string][2]any, len(c))
	for name, change := range c {
		out[name] = [2]any{change.Old, change.New}
	}
	return out
}

// ChangeSetFromPairs rebuilds a change set from its serialized shape.
func ChangeSetFromPairs(pairs map[string][2]any) ChangeSet {
	out := make(ChangeSet, len(pairs))
	for name, pair := range pairs {
		out[name] = Change{Old: pair[0], New: pair[1]}
	}
	return out
}
