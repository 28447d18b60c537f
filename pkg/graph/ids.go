package graph

import (
	"strings"

	"github.com/threatgraph/consolidator/internal/util"
)

// EntityID derives the stable canonical id for an entity from its label and
// name. The same (label, name) pair always yields the same id, which makes
// repeated consolidation runs over identical input idempotent.
func EntityID(label string, name string) string {
	return strings.ToLower(util.NormalizeLabel(label)) + "--" + util.NormalizeName(name)
}

// RelationshipID derives the stable canonical id for a relationship from its
// normalized type and canonical endpoint ids. Direction matters.
func RelationshipID(relType string, sourceID string, targetID string) string {
	return strings.ToLower(util.NormalizeLabel(relType)) + "--" + sourceID + "--" + targetID
}

func labelKey(label string) string {
	return util.NormalizeLabel(label)
}
