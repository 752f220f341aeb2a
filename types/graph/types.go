// Package graph provides the normalized graph types the map subsystem
// operates on. Nodes and edges are tenant-scoped projections of business
// entities maintained by the synchronizer; everything else in the read path
// derives from them.
package graph

import (
	"encoding/json"
	"math"
	"time"

	"github.com/c360/orgmap/errors"
)

// NodeKind identifies which kind of business entity a node projects.
type NodeKind string

const (
	// KindPerson projects a user entity.
	KindPerson NodeKind = "person"
	// KindTeam projects a team entity.
	KindTeam NodeKind = "team"
	// KindProject projects a project entity.
	KindProject NodeKind = "project"
	// KindGoal projects a goal entity.
	KindGoal NodeKind = "goal"
)

// String returns the string representation of the NodeKind.
func (k NodeKind) String() string {
	return string(k)
}

// IsValid checks if the NodeKind is one of the defined constants.
func (k NodeKind) IsValid() bool {
	switch k {
	case KindPerson, KindTeam, KindProject, KindGoal:
		return true
	default:
		return false
	}
}

// Relationship labels produced by the synchronizer.
const (
	EdgeMemberOf       = "MEMBER_OF"
	EdgeParticipatesIn = "PARTICIPATES_IN"
	EdgeOwns           = "OWNS"
	EdgeAlignedTo      = "ALIGNED_TO"
	EdgeReportsTo      = "REPORTS_TO"
)

// MaxCoordinate bounds accepted coordinate magnitudes. Values beyond this are
// rejected at write time rather than poisoning the spatial index.
const MaxCoordinate = 1e9

// Position is a concrete 2-D point. It is always derived from a node's
// (x, y) pair and never writable on its own.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// DistanceTo returns the Euclidean distance to another position.
func (p Position) DistanceTo(other Position) float64 {
	dx := p.X - other.X
	dy := p.Y - other.Y
	return math.Sqrt(dx*dx + dy*dy)
}

// Node is the normalized graph projection of a business entity.
// TenantID is immutable after creation. X and Y are nil for nodes that have
// never been placed on the map; such nodes are excluded from spatial queries
// but remain visible to graph traversal.
type Node struct {
	ID        string         `json:"id"`
	TenantID  string         `json:"tenant_id"`
	Kind      NodeKind       `json:"kind"`
	Label     string         `json:"label"`
	Props     map[string]any `json:"props,omitempty"`
	X         *float64       `json:"x,omitempty"`
	Y         *float64       `json:"y,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// HasPosition reports whether the node has both coordinates set.
func (n *Node) HasPosition() bool {
	return n.X != nil && n.Y != nil
}

// Position returns the derived position and whether it exists.
func (n *Node) Position() (Position, bool) {
	if !n.HasPosition() {
		return Position{}, false
	}
	return Position{X: *n.X, Y: *n.Y}, true
}

// Edge is a directed relationship between two nodes of the same tenant.
type Edge struct {
	ID        string         `json:"id"`
	TenantID  string         `json:"tenant_id"`
	SrcID     string         `json:"src"`
	DstID     string         `json:"dst"`
	Label     string         `json:"label"`
	Props     map[string]any `json:"props,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// OtherEnd returns the opposite endpoint for symmetric traversal, and false
// when the given id is not an endpoint of this edge.
func (e *Edge) OtherEnd(nodeID string) (string, bool) {
	switch nodeID {
	case e.SrcID:
		return e.DstID, true
	case e.DstID:
		return e.SrcID, true
	default:
		return "", false
	}
}

// ValidateCoordinate rejects non-finite or out-of-range coordinate values.
func ValidateCoordinate(v float64) error {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return errors.WrapInvalid(errors.ErrInvalidCoordinates, "graph", "ValidateCoordinate",
			"coordinate must be finite")
	}
	if math.Abs(v) > MaxCoordinate {
		return errors.WrapInvalid(errors.ErrInvalidCoordinates, "graph", "ValidateCoordinate",
			"coordinate out of range")
	}
	return nil
}

// ValidateCoordinates validates an (x, y) pair.
func ValidateCoordinates(x, y float64) error {
	if err := ValidateCoordinate(x); err != nil {
		return err
	}
	return ValidateCoordinate(y)
}

// PropsJSON serializes a props map for storage. A nil map serializes to null.
func PropsJSON(props map[string]any) ([]byte, error) {
	if props == nil {
		return []byte("null"), nil
	}
	return json.Marshal(props)
}

// PropsFromJSON deserializes a stored props column. Null and empty values
// yield a nil map.
func PropsFromJSON(data []byte) (map[string]any, error) {
	if len(data) == 0 || string(data) == "null" {
		return nil, nil
	}
	var props map[string]any
	if err := json.Unmarshal(data, &props); err != nil {
		return nil, err
	}
	return props, nil
}
