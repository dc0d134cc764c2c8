// Package qdrant provides a Qdrant vector database driver implementation.
package qdrant

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
	"go.uber.org/zap"

	"github.com/papercomputeco/engram/pkg/vector"
)

const (
	// DefaultCollectionName is the default collection name for storing engram embeddings.
	DefaultCollectionName = "engram"
)

// pointNamespace derives deterministic point UUIDs from document IDs so that
// re-adding a document overwrites its previous point.
var pointNamespace = uuid.MustParse("9f2c6f5e-1b34-4c8a-9d17-6f3a2e8b4c01")

// QdrantDriver implements vector.Driver using the Qdrant gRPC client.
type QdrantDriver struct {
	client         *qdrant.Client
	collectionName string
	logger         *zap.Logger
}

// Config holds configuration for the Qdrant driver.
type Config struct {
	// Host is the Qdrant server host (e.g., "localhost").
	Host string

	// Port is the Qdrant gRPC port. Defaults to 6334 if zero.
	Port int

	// CollectionName is the name of the collection to use.
	// Defaults to DefaultCollectionName if empty.
	CollectionName string

	// Dimensions is the number of dimensions for the embedding vectors.
	Dimensions uint
}

// NewQdrantDriver creates a new Qdrant vector driver.
func NewQdrantDriver(c Config, logger *zap.Logger) (*QdrantDriver, error) {
	if c.Host == "" {
		return nil, fmt.Errorf("qdrant host is required")
	}
	if c.Dimensions == 0 {
		return nil, fmt.Errorf("qdrant embedding dimensions cannot be 0, must be configured")
	}

	port := c.Port
	if port == 0 {
		port = 6334
	}

	collectionName := c.CollectionName
	if collectionName == "" {
		collectionName = DefaultCollectionName
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host: c.Host,
		Port: port,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: connecting to qdrant: %v", vector.ErrConnection, err)
	}

	d := &QdrantDriver{
		client:         client,
		collectionName: collectionName,
		logger:         logger,
	}

	if err := d.ensureCollection(context.Background(), uint64(c.Dimensions)); err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: ensuring collection %q: %v", vector.ErrConnection, collectionName, err)
	}

	logger.Info("connected to Qdrant",
		zap.String("host", c.Host),
		zap.Int("port", port),
		zap.String("collection", collectionName),
	)

	return d, nil
}

// ensureCollection creates the collection if it does not exist yet.
func (d *QdrantDriver) ensureCollection(ctx context.Context, dimensions uint64) error {
	exists, err := d.client.CollectionExists(ctx, d.collectionName)
	if err != nil {
		return fmt.Errorf("checking collection: %w", err)
	}
	if exists {
		return nil
	}

	err = d.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: d.collectionName,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     dimensions,
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return fmt.Errorf("creating collection: %w", err)
	}

	return nil
}

// pointID converts a document ID into a deterministic Qdrant point ID.
func pointID(docID string) *qdrant.PointId {
	return qdrant.NewIDUUID(uuid.NewSHA1(pointNamespace, []byte(docID)).String())
}

// Add stores documents with their embeddings.
// Points are keyed by a UUID derived from the document ID, so re-adding a
// document overwrites it.
func (d *QdrantDriver) Add(ctx context.Context, docs []vector.Document) error {
	if len(docs) == 0 {
		return nil
	}

	points := make([]*qdrant.PointStruct, len(docs))
	for i, doc := range docs {
		points[i] = &qdrant.PointStruct{
			Id:      pointID(doc.ID),
			Vectors: qdrant.NewVectors(doc.Embedding...),
			Payload: qdrant.NewValueMap(map[string]any{
				"doc_id":  doc.ID,
				"project": doc.Project,
			}),
		}
	}

	_, err := d.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: d.collectionName,
		Points:         points,
	})
	if err != nil {
		return fmt.Errorf("%w: upserting points: %v", vector.ErrConnection, err)
	}

	d.logger.Debug("added documents to qdrant",
		zap.Int("count", len(docs)),
	)

	return nil
}

// Query finds the topK most similar documents to the given embedding.
func (d *QdrantDriver) Query(ctx context.Context, embedding []float32, topK int) ([]vector.QueryResult, error) {
	if topK <= 0 {
		topK = 10
	}

	limit := uint64(topK)
	scored, err := d.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: d.collectionName,
		Query:          qdrant.NewQuery(embedding...),
		Limit:          &limit,
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: querying points: %v", vector.ErrConnection, err)
	}

	results := make([]vector.QueryResult, 0, len(scored))
	for _, sp := range scored {
		result := vector.QueryResult{
			Score: sp.Score,
		}

		// Cosine similarity in [-1, 1]; report the complementary distance so
		// callers get a consistent lower-is-closer reading across backends.
		result.Distance = 1.0 - float64(sp.Score)

		if payload := sp.GetPayload(); payload != nil {
			if v, ok := payload["doc_id"]; ok {
				result.ID = v.GetStringValue()
			}
			if v, ok := payload["project"]; ok {
				result.Project = v.GetStringValue()
			}
		}

		results = append(results, result)
	}

	d.logger.Debug("queried qdrant",
		zap.Int("results", len(results)),
	)

	return results, nil
}

// Get retrieves documents by their IDs.
func (d *QdrantDriver) Get(ctx context.Context, ids []string) ([]vector.Document, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	pointIDs := make([]*qdrant.PointId, len(ids))
	for i, id := range ids {
		pointIDs[i] = pointID(id)
	}

	points, err := d.client.Get(ctx, &qdrant.GetPoints{
		CollectionName: d.collectionName,
		Ids:            pointIDs,
		WithPayload:    qdrant.NewWithPayload(true),
		WithVectors:    qdrant.NewWithVectors(true),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: getting points: %v", vector.ErrConnection, err)
	}

	docs := make([]vector.Document, 0, len(points))
	for _, p := range points {
		doc := vector.Document{}

		if payload := p.GetPayload(); payload != nil {
			if v, ok := payload["doc_id"]; ok {
				doc.ID = v.GetStringValue()
			}
			if v, ok := payload["project"]; ok {
				doc.Project = v.GetStringValue()
			}
		}

		if vectors := p.GetVectors(); vectors != nil {
			if vec := vectors.GetVector(); vec != nil {
				doc.Embedding = vec.GetData()
			}
		}

		docs = append(docs, doc)
	}

	return docs, nil
}

// Delete removes documents by their IDs.
func (d *QdrantDriver) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	pointIDs := make([]*qdrant.PointId, len(ids))
	for i, id := range ids {
		pointIDs[i] = pointID(id)
	}

	_, err := d.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: d.collectionName,
		Points:         qdrant.NewPointsSelector(pointIDs...),
	})
	if err != nil {
		return fmt.Errorf("%w: deleting points: %v", vector.ErrConnection, err)
	}

	d.logger.Debug("deleted documents from qdrant",
		zap.Int("count", len(ids)),
	)

	return nil
}

// Close releases resources held by the driver.
func (d *QdrantDriver) Close() error {
	return d.client.Close()
}

// Ensure QdrantDriver implements vector.Driver
var _ vector.Driver = (*QdrantDriver)(nil)
