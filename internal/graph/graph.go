// Package graph owns the knowledge-graph store. The Builder runs as the
// dependency-gated graph-build finalizer; the Store's merge and delete
// operations are also used by the cleaner's sweep phase.
package graph

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/cartograph-io/cartographer/internal/config"
	"github.com/cartograph-io/cartographer/internal/ident"
	"github.com/cartograph-io/cartographer/internal/storage"
)

// Config holds graph store settings.
type Config struct {
	URI       string
	Username  string
	Password  string
	BatchSize int
}

// LoadConfig reads graph settings from the environment.
func LoadConfig() Config {
	return Config{
		URI:       config.GetEnvStr("NEO4J_URI", "bolt://localhost:7687"),
		Username:  config.GetEnvStr("NEO4J_USERNAME", "neo4j"),
		Password:  config.GetEnvStr("NEO4J_PASSWORD", ""),
		BatchSize: config.GetEnvInt("INGEST_BATCH_SIZE", 500),
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.URI == "" {
		return fmt.Errorf("NEO4J_URI must not be empty")
	}

	if c.BatchSize < 1 {
		return fmt.Errorf("INGEST_BATCH_SIZE must be positive")
	}

	return nil
}

// Statement is one Cypher statement with parameters.
type Statement struct {
	Cypher string
	Params map[string]any
}

// Executor runs a group of statements in one write transaction. Extracted so
// the Builder and cleaner are testable without a running Neo4j.
type Executor interface {
	ExecuteWrite(ctx context.Context, statements []Statement) error
	Close(ctx context.Context) error
}

// Neo4jExecutor is the production Executor on the Bolt driver.
type Neo4jExecutor struct {
	driver neo4j.DriverWithContext
}

var _ Executor = (*Neo4jExecutor)(nil)

// Connect opens a Neo4j driver and verifies connectivity.
func Connect(ctx context.Context, cfg Config) (*Neo4jExecutor, error) {
	driver, err := neo4j.NewDriverWithContext(cfg.URI, neo4j.BasicAuth(cfg.Username, cfg.Password, ""))
	if err != nil {
		return nil, fmt.Errorf("failed to create graph driver: %w", err)
	}

	if err := driver.VerifyConnectivity(ctx); err != nil {
		return nil, fmt.Errorf("failed to reach graph store at %s: %w", cfg.URI, err)
	}

	return &Neo4jExecutor{driver: driver}, nil
}

// ExecuteWrite runs statements in a single managed write transaction.
func (e *Neo4jExecutor) ExecuteWrite(ctx context.Context, statements []Statement) error {
	session := e.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})

	defer func() {
		_ = session.Close(ctx)
	}()

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		for _, statement := range statements {
			if _, err := tx.Run(ctx, statement.Cypher, statement.Params); err != nil {
				return nil, err
			}
		}

		return nil, nil
	})
	if err != nil {
		return fmt.Errorf("graph transaction failed: %w", err)
	}

	return nil
}

// Close shuts the driver down.
func (e *Neo4jExecutor) Close(ctx context.Context) error {
	return e.driver.Close(ctx)
}

// Store exposes the graph operations the pipeline needs.
type Store struct {
	exec   Executor
	logger *slog.Logger
}

// NewStore creates a Store on an Executor.
func NewStore(exec Executor) *Store {
	return &Store{
		exec: exec,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
	}
}

// MergePOIs merges one node per POI by stable id. Create sets everything;
// match updates only the mutable subset, since identity properties are part
// of the id itself.
func (s *Store) MergePOIs(ctx context.Context, pois []storage.POIRecord) error {
	if len(pois) == 0 {
		return nil
	}

	rows := make([]map[string]any, 0, len(pois))
	for _, poi := range pois {
		rows = append(rows, map[string]any{
			"id":        poi.ID,
			"name":      poi.Name,
			"type":      poi.Type,
			"file_path": poi.FilePath,
			"line":      poi.StartLine,
		})
	}

	return s.exec.ExecuteWrite(ctx, []Statement{{
		Cypher: `
			UNWIND $pois AS poi
			MERGE (p:POI {id: poi.id})
			ON CREATE SET p.name = poi.name, p.type = poi.type,
			              p.file_path = poi.file_path, p.line = poi.line
			ON MATCH SET p.line = poi.line
		`,
		Params: map[string]any{"pois": rows},
	}})
}

// MergeRelationships merges one batch of validated relationships in a single
// transaction: endpoint nodes first, then one statement per relationship
// type (Cypher cannot parameterize the type).
func (s *Store) MergeRelationships(ctx context.Context, records []storage.RelationshipRecord) error {
	if len(records) == 0 {
		return nil
	}

	endpoints := make(map[string]bool)
	byType := make(map[string][]map[string]any)

	for _, record := range records {
		// The type is interpolated into Cypher below; only registry types
		// may pass.
		if err := ident.ValidateRelationshipType(record.Type); err != nil {
			s.logger.Warn("skipping relationship with unknown type",
				slog.String("relationship_hash", record.RelationshipHash),
				slog.String("type", record.Type))

			continue
		}

		endpoints[record.SourceID] = true
		endpoints[record.TargetID] = true

		byType[record.Type] = append(byType[record.Type], map[string]any{
			"hash":             record.RelationshipHash,
			"source":           record.SourceID,
			"target":           record.TargetID,
			"final_confidence": record.FinalConfidence,
			"evidence_count":   record.EvidenceCount,
			"run_id":           record.RunID,
		})
	}

	ids := make([]string, 0, len(endpoints))
	for id := range endpoints {
		ids = append(ids, id)
	}

	statements := []Statement{{
		Cypher: `
			UNWIND $ids AS id
			MERGE (:POI {id: id})
		`,
		Params: map[string]any{"ids": ids},
	}}

	for relType, rows := range byType {
		statements = append(statements, Statement{
			Cypher: fmt.Sprintf(`
				UNWIND $rels AS rel
				MATCH (s:POI {id: rel.source})
				MATCH (t:POI {id: rel.target})
				MERGE (s)-[r:%s {hash: rel.hash}]->(t)
				SET r.final_confidence = rel.final_confidence,
				    r.evidence_count = rel.evidence_count,
				    r.run_id = rel.run_id
			`, relType),
			Params: map[string]any{"rels": rows},
		})
	}

	return s.exec.ExecuteWrite(ctx, statements)
}

// DeleteByPOIIDs detaches and deletes the nodes with the given ids along
// with every edge touching them. Used by the cleaner's sweep phase.
func (s *Store) DeleteByPOIIDs(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	return s.exec.ExecuteWrite(ctx, []Statement{{
		Cypher: `
			MATCH (p:POI)
			WHERE p.id IN $ids
			DETACH DELETE p
		`,
		Params: map[string]any{"ids": ids},
	}})
}
