// Package changeset decides whether a mutation is notable enough to record
// and computes the filtered attribute diff that ends up in a version.
package changeset

import (
	"github.com/jgrady/chronicle/internal/domain"
)

// ChangeReporter is the dirty-tracking oracle the host application supplies.
// Implementations may report pending unsaved changes (pre-save call sites)
// or the changes from the last completed save (post-save call sites); the
// extractor works with either.
type ChangeReporter interface {
	// Changes returns the raw {attr: {old, new}} map for the most recent
	// mutation. An empty map means no dirty state.
	Changes() domain.ChangeSet
}

// StaticChanges is a ChangeReporter over an already-computed change set.
type StaticChanges domain.ChangeSet

func (s StaticChanges) Changes() domain.ChangeSet {
	return domain.ChangeSet(s)
}

// Result is the extractor's verdict for one mutation.
type Result struct {
	// Changes is the filtered diff: raw changes minus ignore, skip and
	// (when an only-list is configured) anything outside it.
	Changes domain.ChangeSet

	// Notable reports whether the mutation warrants a new version.
	Notable bool
}

// Extract applies the type's ignore/only/skip filters to the raw change set
// and computes notability.
//
// The notability rule is deliberate: a mutation touching only ignored or
// skipped attributes produces nothing, but when an ignored change rides
// along with a tracked one the tracked change must still be recorded. A
// bare automatic-timestamp touch never tips that balance on its own.
func Extract(rec *domain.Record, opts domain.TrackingOptions, reporter ChangeReporter) Result {
	raw := reporter.Changes()
	if len(raw) == 0 {
		return Result{Changes: domain.ChangeSet{}}
	}

	ignored := resolveFilters(rec, opts.Ignore)
	only := resolveFilters(rec, opts.Only)
	skipped := make(map[string]struct{}, len(opts.Skip))
	for _, name := range opts.Skip {
		skipped[name] = struct{}{}
	}

	effective := make(domain.ChangeSet, len(raw))
	for name, change := range raw {
		if _, off := ignored[name]; off {
			continue
		}
		if _, off := skipped[name]; off {
			continue
		}
		if len(opts.Only) > 0 {
			if _, in := only[name]; !in {
				continue
			}
		}
		effective[name] = change
	}

	filteredOut := false
	for name := range raw {
		if _, off := ignored[name]; off {
			filteredOut = true
			break
		}
		if _, off := skipped[name]; off {
			filteredOut = true
			break
		}
	}

	notable := len(effective) > 0
	if filteredOut {
		notable = len(effective.Without(opts.Timestamps()...)) > 0
	}

	return Result{Changes: effective, Notable: notable}
}

// resolveFilters evaluates conditional filter entries against the record at
// mutation time and returns the effective attribute set.
func resolveFilters(rec *domain.Record, filters []domain.AttributeFilter) map[string]struct{} {
	out := make(map[string]struct{}, len(filters))
	for _, f := range filters {
		if f.When != nil && !f.When(rec) {
			continue
		}
		out[f.Name] = struct{}{}
	}
	return out
}

// FilterSnapshot removes skip attributes from a stored snapshot. They must
// not appear in object or object_changes at all.
func FilterSnapshot(attrs map[string]any, opts domain.TrackingOptions) map[string]any {
	if len(opts.Skip) == 0 {
		out := make(map[string]any, len(attrs))
		for k, v := range attrs {
			out[k] = v
		}
		return out
	}
	skipped := make(map[string]struct{}, len(opts.Skip))
	for _, name := range opts.Skip {
		skipped[name] = struct{}{}
	}
	out := make(map[string]any, len(attrs))
	for k, v := range attrs {
		if _, off := skipped[k]; off {
			continue
		}
		out[k] = v
	}
	return out
}
