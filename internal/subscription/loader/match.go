package loader

import (
	"context"
	"sort"

	"orchestrator/internal/subscription/models"
	"orchestrator/internal/subscription/schema"
	"orchestrator/internal/subscription/store"
	id "orchestrator/pkg/domain"
	dErrors "orchestrator/pkg/domain-errors"
)

type candidate struct {
	rel   store.RelationRow
	block string
	order int
}

// match routes the parent's outgoing edges to the child fields of t and builds
// the children. owner is the aggregate that authored the parent.
//
// Tagged edges go to the field they name, and a field that received tagged
// edges takes no others. The remaining edges, those without a tag or with a tag
// the parent does not declare, are matched by block type: single fields first,
// the field with the fewest matching edges before the others, then list fields
// take whatever they accept. When several untagged edges could fill a single
// field and there are at most as many unresolved single fields competing for
// them, the edge the fewest other fields want is taken; this is the legacy mode
// for rows written before tags existed. More candidates than that is ambiguous.
func (w *walk) match(ctx context.Context, t *schema.BlockType, parentID id.InstanceID, owner id.SubscriptionID) (map[string][]*models.Block, error) {
	rels, err := w.src.children(ctx, parentID)
	if err != nil {
		return nil, translate(err, "relations not found", "failed to load relations")
	}
	fields := schema.MustIntrospect(t)
	if len(rels) == 0 {
		return w.resolve(ctx, t, fields, nil)
	}

	cands := make([]candidate, 0, len(rels))
	for i, rel := range rels {
		row, err := w.src.instance(ctx, rel.ChildID)
		if err != nil {
			return nil, translate(err, "instance "+rel.ChildID.String()+" not found", "failed to load instance")
		}
		cands = append(cands, candidate{rel: rel, block: row.TypeName, order: i})
	}

	tags := w.bindsTags(owner)
	claimed := make([]bool, len(cands))
	assigned := map[string][]candidate{}
	resolved := map[string]bool{}

	if tags {
		for _, f := range fields.Children {
			var tagged []candidate
			for i, c := range cands {
				if c.rel.Tag != f.Name {
					continue
				}
				if !f.Accepts(c.block) {
					return nil, dErrors.Newf(dErrors.CodeSchemaValidation,
						"%s.%s: edge to %s holds block %s", t.Name, f.Name, c.rel.ChildID, c.block)
				}
				claimed[i] = true
				tagged = append(tagged, c)
			}
			if len(tagged) == 0 {
				continue
			}
			if !f.List && len(tagged) > 1 {
				return nil, dErrors.Newf(dErrors.CodeAmbiguousInstanceMatch,
					"%s.%s: %d edges tagged for a single block", t.Name, f.Name, len(tagged))
			}
			assigned[f.Name] = tagged
			resolved[f.Name] = true
		}
	}

	untagged := func(f schema.ChildField) []int {
		var out []int
		for i, c := range cands {
			if !claimed[i] && f.Accepts(c.block) && w.untagged(fields, c, tags) {
				out = append(out, i)
			}
		}
		return out
	}

	for {
		var (
			field   schema.ChildField
			matches []int
		)
		for _, f := range fields.Children {
			if f.List || resolved[f.Name] {
				continue
			}
			m := untagged(f)
			if len(m) > 0 && (matches == nil || len(m) < len(matches)) {
				field, matches = f, m
			}
		}
		if matches == nil {
			break
		}
		if len(matches) > 1 {
			if len(matches) > w.competitors(fields, cands, matches, resolved) {
				return nil, dErrors.Newf(dErrors.CodeAmbiguousInstanceMatch,
					"%s.%s: %d untagged edges match", t.Name, field.Name, len(matches))
			}
			w.l.logger.WarnContext(ctx, "matching untagged edge by position",
				"instance_id", parentID.String(), "type", t.Name, "field", field.Name, "candidates", len(matches))
		}
		i := w.pick(fields, cands, matches, field, resolved)
		claimed[i] = true
		assigned[field.Name] = []candidate{cands[i]}
		resolved[field.Name] = true
	}
	for _, f := range fields.Children {
		if !f.List || resolved[f.Name] {
			continue
		}
		for _, i := range untagged(f) {
			claimed[i] = true
			assigned[f.Name] = append(assigned[f.Name], cands[i])
		}
	}

	for i, c := range cands {
		if !claimed[i] {
			w.l.logger.WarnContext(ctx, "edge matches no declared field",
				"instance_id", parentID.String(), "type", t.Name, "child_id", c.rel.ChildID.String(), "tag", c.rel.Tag)
		}
	}
	return w.resolve(ctx, t, fields, assigned)
}

// bindsTags reports whether edge tags under a parent authored by owner route
// edges. With a boundary set, only the boundary aggregate's own edges do.
func (w *walk) bindsTags(owner id.SubscriptionID) bool {
	if !w.opts.MatchDeclaredField {
		return false
	}
	return w.opts.Boundary.IsNil() || owner == w.opts.Boundary
}

// untagged reports whether c takes part in type matching.
func (w *walk) untagged(fields *schema.Fields, c candidate, tags bool) bool {
	if !tags || c.rel.Tag == "" {
		return true
	}
	_, declared := fields.Child(c.rel.Tag)
	return !declared
}

// pick returns the match the fewest other unresolved single fields accept,
// earliest edge first on ties.
func (w *walk) pick(fields *schema.Fields, cands []candidate, matches []int, field schema.ChildField, resolved map[string]bool) int {
	best, bestWanted := matches[0], -1
	for _, i := range matches {
		wanted := 0
		for _, other := range fields.Children {
			if other.List || resolved[other.Name] || other.Name == field.Name {
				continue
			}
			if other.Accepts(cands[i].block) {
				wanted++
			}
		}
		if bestWanted == -1 || wanted < bestWanted {
			best, bestWanted = i, wanted
		}
	}
	return best
}

// competitors counts the unresolved single fields that accept any of the
// matching candidates, the field being matched included.
func (w *walk) competitors(fields *schema.Fields, cands []candidate, matches []int, resolved map[string]bool) int {
	n := 0
	for _, other := range fields.Children {
		if other.List || resolved[other.Name] {
			continue
		}
		for _, i := range matches {
			if other.Accepts(cands[i].block) {
				n++
				break
			}
		}
	}
	return n
}

// resolve builds the assigned children and enforces single field cardinality.
func (w *walk) resolve(ctx context.Context, t *schema.BlockType, fields *schema.Fields, assigned map[string][]candidate) (map[string][]*models.Block, error) {
	out := map[string][]*models.Block{}
	for _, f := range fields.Children {
		cands := assigned[f.Name]
		if len(cands) == 0 {
			if f.Required() {
				return nil, dErrors.Newf(dErrors.CodeMissingRequiredInstance,
					"%s.%s: no matching instance", t.Name, f.Name)
			}
			continue
		}
		if f.List {
			sort.SliceStable(cands, func(i, j int) bool {
				a, b := indexOf(cands[i].rel.Index), indexOf(cands[j].rel.Index)
				if a != b {
					return a < b
				}
				return cands[i].order < cands[j].order
			})
		}
		blocks := make([]*models.Block, 0, len(cands))
		for _, c := range cands {
			b, err := w.block(ctx, c.rel.ChildID)
			if err != nil {
				return nil, err
			}
			blocks = append(blocks, b)
		}
		out[f.Name] = blocks
	}
	return out, nil
}
