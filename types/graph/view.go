package graph

// View models returned by map assembly. These are response-only projections
// and are never persisted.

// MapNode is the display projection of a Node.
type MapNode struct {
	ID           string         `json:"id"`
	Kind         NodeKind       `json:"kind"`
	DisplayLabel string         `json:"display_label"`
	Position     *Position      `json:"position,omitempty"`
	ClusterID    string         `json:"cluster_id,omitempty"`
	Props        map[string]any `json:"props,omitempty"`
}

// MapEdge is the display projection of an Edge.
type MapEdge struct {
	ID    string `json:"id"`
	Src   string `json:"src"`
	Dst   string `json:"dst"`
	Label string `json:"label"`
}

// Pagination carries cursor state for a MapData page.
type Pagination struct {
	HasMore    bool   `json:"has_more"`
	NextCursor string `json:"next_cursor,omitempty"`
}

// MapData is the single payload produced by map assembly: a consistent page
// of nodes, the edges between them, and pagination state. Every edge's
// endpoints are guaranteed present in Nodes.
type MapData struct {
	Nodes      []MapNode  `json:"nodes"`
	Edges      []MapEdge  `json:"edges"`
	Pagination Pagination `json:"pagination"`
}

// NewMapNode projects a Node into its view model.
func NewMapNode(n *Node) MapNode {
	mn := MapNode{
		ID:           n.ID,
		Kind:         n.Kind,
		DisplayLabel: n.Label,
		Props:        n.Props,
	}
	if pos, ok := n.Position(); ok {
		mn.Position = &pos
	}
	return mn
}

// NewMapEdge projects an Edge into its view model.
func NewMapEdge(e *Edge) MapEdge {
	return MapEdge{
		ID:    e.ID,
		Src:   e.SrcID,
		Dst:   e.DstID,
		Label: e.Label,
	}
}
