package graph

import (
	"context"
	"fmt"

	"github.com/Gobusters/ectologger"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/sorrelhq/sorrel/pkg/tracing"
)

// QueryService answers network questions about canonical entities
type QueryService struct {
	client *Client
	logger ectologger.Logger
}

// NewQueryService creates a new query service
func NewQueryService(client *Client, logger ectologger.Logger) *QueryService {
	return &QueryService{
		client: client,
		logger: logger,
	}
}

// NodeResult is a node from query results
type NodeResult struct {
	ID         string         `json:"id"`
	Labels     []string       `json:"labels"`
	Properties map[string]any `json:"properties"`
}

// RelResult is a relationship from query results
type RelResult struct {
	Type       string         `json:"type"`
	StartID    string         `json:"start_id"`
	EndID      string         `json:"end_id"`
	Properties map[string]any `json:"properties"`
}

// Neighborhood is the connected subgraph around one entity
type Neighborhood struct {
	Nodes         []NodeResult `json:"nodes"`
	Relationships []RelResult  `json:"relationships"`
}

// FetchNeighborhood returns everything within depth hops of an entity.
// Depth is clamped to 3 to keep result sizes sane on dense networks.
func (s *QueryService) FetchNeighborhood(ctx context.Context, entityID string, depth int) (*Neighborhood, error) {
	ctx, span := tracing.StartSpan(ctx, "graph.QueryService.FetchNeighborhood")
	defer span.End()

	if depth < 1 {
		depth = 1
	}
	if depth > 3 {
		depth = 3
	}

	// Variable-length patterns can't take depth as a parameter; it is
	// clamped above so the interpolation is safe.
	cypher := fmt.Sprintf(`
		MATCH (center {id: $id})
		OPTIONAL MATCH path = (center)-[*1..%d]-(other)
		RETURN center, nodes(path) AS ns, relationships(path) AS rs
	`, depth)

	result, err := s.client.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		result, err := tx.Run(ctx, cypher, map[string]any{"id": entityID})
		if err != nil {
			return nil, err
		}

		hood := &Neighborhood{
			Nodes:         make([]NodeResult, 0),
			Relationships: make([]RelResult, 0),
		}
		seenNodes := make(map[string]bool)
		seenRels := make(map[string]bool)

		addNode := func(n neo4j.Node) {
			id, _ := n.Props["id"].(string)
			if id == "" || seenNodes[id] {
				return
			}
			seenNodes[id] = true
			hood.Nodes = append(hood.Nodes, NodeResult{
				ID:         id,
				Labels:     n.Labels,
				Properties: n.Props,
			})
		}

		for result.Next(ctx) {
			record := result.Record()
			if center, ok := record.Get("center"); ok {
				if n, ok := center.(neo4j.Node); ok {
					addNode(n)
				}
			}
			if ns, ok := record.Get("ns"); ok {
				if nodes, ok := ns.([]any); ok {
					for _, raw := range nodes {
						if n, ok := raw.(neo4j.Node); ok {
							addNode(n)
						}
					}
				}
			}
			if rs, ok := record.Get("rs"); ok {
				if rels, ok := rs.([]any); ok {
					for _, raw := range rels {
						rel, ok := raw.(neo4j.Relationship)
						if !ok || seenRels[rel.ElementId] {
							continue
						}
						seenRels[rel.ElementId] = true
						hood.Relationships = append(hood.Relationships, RelResult{
							Type:       rel.Type,
							StartID:    rel.StartElementId,
							EndID:      rel.EndElementId,
							Properties: rel.Props,
						})
					}
				}
			}
		}
		return hood, result.Err()
	})
	if err != nil {
		s.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"entity_id": entityID,
		}).Error("Failed to fetch neighborhood")
		return nil, err
	}

	return result.(*Neighborhood), nil
}
