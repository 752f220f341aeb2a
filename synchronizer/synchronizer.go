// Package synchronizer projects business entities into normalized graph
// Node and Edge records. Business-entity services call Sync on create or
// update; the projection is idempotent, so repeated calls for the same
// entity never duplicate a node.
package synchronizer

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/c360/orgmap/errors"
	"github.com/c360/orgmap/storage"
	"github.com/c360/orgmap/types/graph"
)

// Entity is the source-side shape of a business entity, as handed over by
// the owning service. ID is the entity's stable source id and becomes the
// node id, which is what makes Sync idempotent.
type Entity struct {
	ID            string
	TenantID      string
	Kind          graph.NodeKind
	Label         string
	Props         map[string]any
	X, Y          *float64
	Relationships []Relationship
}

// Relationship points at another entity by kind and source id.
type Relationship struct {
	Label      string
	TargetKind graph.NodeKind
	TargetID   string
}

// EntitySource fetches one entity by id from the service that owns its kind.
// Used to materialize relationship targets that have not been synced yet.
type EntitySource interface {
	Get(ctx context.Context, tenantID, id string) (*Entity, error)
}

// Registry maps node kinds to their entity sources. It is constructed once
// at startup and read-only afterwards; there is no global table to mutate.
type Registry struct {
	sources map[graph.NodeKind]EntitySource
}

// NewRegistry copies the given mapping into a read-only registry.
func NewRegistry(sources map[graph.NodeKind]EntitySource) *Registry {
	copied := make(map[graph.NodeKind]EntitySource, len(sources))
	for kind, src := range sources {
		copied[kind] = src
	}
	return &Registry{sources: copied}
}

// Source returns the entity source for a kind.
func (r *Registry) Source(kind graph.NodeKind) (EntitySource, bool) {
	src, ok := r.sources[kind]
	return src, ok
}

// Synchronizer writes entity projections through the primary store.
type Synchronizer struct {
	store    storage.Store
	registry *Registry
	logger   *slog.Logger
}

// New constructs a Synchronizer. The registry may be empty, in which case
// relationship targets must already exist in the store.
func New(store storage.Store, registry *Registry, logger *slog.Logger) (*Synchronizer, error) {
	if store == nil {
		return nil, errors.WrapInvalid(nil, "Synchronizer", "New", "store cannot be nil")
	}
	if registry == nil {
		registry = NewRegistry(nil)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Synchronizer{store: store, registry: registry, logger: logger}, nil
}

func validateEntity(entity *Entity) error {
	if entity == nil {
		return errors.WrapInvalid(nil, "Synchronizer", "validateEntity", "entity cannot be nil")
	}
	if entity.ID == "" || entity.TenantID == "" {
		return errors.WrapInvalid(nil, "Synchronizer", "validateEntity", "entity id and tenant are required")
	}
	if !entity.Kind.IsValid() {
		return errors.WrapInvalid(nil, "Synchronizer", "validateEntity",
			fmt.Sprintf("unknown entity kind %q", entity.Kind))
	}
	return nil
}

// Sync upserts the node projection of an entity. Calling it again with the
// same entity updates the existing node in place.
func (s *Synchronizer) Sync(ctx context.Context, entity *Entity) (*graph.Node, error) {
	if err := validateEntity(entity); err != nil {
		return nil, err
	}

	node, err := s.store.UpsertNode(ctx, &graph.Node{
		ID:       entity.ID,
		TenantID: entity.TenantID,
		Kind:     entity.Kind,
		Label:    entity.Label,
		Props:    entity.Props,
		X:        entity.X,
		Y:        entity.Y,
	})
	if err != nil {
		return nil, errors.Wrap(err, "Synchronizer", "Sync", "upsert node projection")
	}

	s.logger.Debug("synced entity",
		"tenant", entity.TenantID,
		"node", node.ID,
		"kind", string(node.Kind))
	return node, nil
}

// SyncRelationships upserts the edge projections of an entity's
// relationships and returns them. A target that is not in the store yet is
// pulled from its kind's registered source and synced first; a target whose
// kind has no source fails as not-found.
func (s *Synchronizer) SyncRelationships(ctx context.Context, entity *Entity) ([]*graph.Edge, error) {
	if err := validateEntity(entity); err != nil {
		return nil, err
	}

	edges := make([]*graph.Edge, 0, len(entity.Relationships))
	for _, rel := range entity.Relationships {
		if rel.TargetID == "" || rel.Label == "" {
			return nil, errors.WrapInvalid(nil, "Synchronizer", "SyncRelationships",
				"relationship label and target are required")
		}

		if err := s.ensureTarget(ctx, entity.TenantID, rel); err != nil {
			return nil, err
		}

		edge, err := s.store.UpsertEdge(ctx, &graph.Edge{
			TenantID: entity.TenantID,
			SrcID:    entity.ID,
			DstID:    rel.TargetID,
			Label:    rel.Label,
		})
		if err != nil {
			return nil, errors.Wrap(err, "Synchronizer", "SyncRelationships",
				fmt.Sprintf("upsert edge %s-[%s]->%s", entity.ID, rel.Label, rel.TargetID))
		}
		edges = append(edges, edge)
	}

	return edges, nil
}

func (s *Synchronizer) ensureTarget(ctx context.Context, tenantID string, rel Relationship) error {
	_, err := s.store.GetNode(ctx, tenantID, rel.TargetID)
	if err == nil {
		return nil
	}
	if !errors.IsNotFound(err) {
		return errors.Wrap(err, "Synchronizer", "ensureTarget", "lookup target "+rel.TargetID)
	}

	source, ok := s.registry.Source(rel.TargetKind)
	if !ok {
		return errors.WrapNotFound(errors.ErrNodeNotFound, "Synchronizer", "ensureTarget",
			fmt.Sprintf("target %s has no registered source for kind %q", rel.TargetID, rel.TargetKind))
	}

	target, err := source.Get(ctx, tenantID, rel.TargetID)
	if err != nil {
		return errors.Wrap(err, "Synchronizer", "ensureTarget", "fetch target entity "+rel.TargetID)
	}

	if _, err := s.Sync(ctx, target); err != nil {
		return err
	}
	return nil
}
