package graph

import "github.com/c360/orgmap/errors"

func validationError(msg string) error {
	return errors.WrapInvalid(errors.ErrInvalidFilter, "Filters", "Validate", msg)
}

// Filters are allow-lists applied during map assembly. An empty list means
// "include all"; a non-empty list includes only the named kinds or labels.
type Filters struct {
	NodeKinds  []NodeKind `json:"node_types,omitempty"`
	EdgeLabels []string   `json:"relationship_types,omitempty"`
}

// AllowsNode reports whether a node of the given kind passes the filter.
func (f *Filters) AllowsNode(kind NodeKind) bool {
	if f == nil || len(f.NodeKinds) == 0 {
		return true
	}
	for _, k := range f.NodeKinds {
		if k == kind {
			return true
		}
	}
	return false
}

// AllowsEdge reports whether an edge with the given label passes the filter.
func (f *Filters) AllowsEdge(label string) bool {
	if f == nil || len(f.EdgeLabels) == 0 {
		return true
	}
	for _, l := range f.EdgeLabels {
		if l == label {
			return true
		}
	}
	return false
}

// Validate rejects filters naming unknown node kinds.
func (f *Filters) Validate() error {
	if f == nil {
		return nil
	}
	for _, k := range f.NodeKinds {
		if !k.IsValid() {
			return validationError("unknown node type: " + k.String())
		}
	}
	for _, l := range f.EdgeLabels {
		if l == "" {
			return validationError("relationship type cannot be empty")
		}
	}
	return nil
}
