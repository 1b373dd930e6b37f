package index

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/qdrant/go-client/qdrant"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/julesdesai/writing-anima/internal/logging"
)

// QdrantConfig configures the external Qdrant-backed store.
type QdrantConfig struct {
	// Host is the Qdrant server hostname or IP address.
	Host string

	// Port is the Qdrant gRPC port (6334 by default, not the 6333 REST port).
	Port int

	// UseTLS enables TLS for the gRPC connection.
	UseTLS bool

	// APIKey is the optional API key for authentication.
	APIKey string

	// RequestTimeout bounds individual requests. Default 30s.
	RequestTimeout time.Duration

	// RetryAttempts is the retry count for transient failures. Default 3.
	RetryAttempts int
}

func (c *QdrantConfig) applyDefaults() {
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.Port == 0 {
		c.Port = 6334
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 30 * time.Second
	}
	if c.RetryAttempts == 0 {
		c.RetryAttempts = 3
	}
}

// QdrantStore is the external index backend over Qdrant gRPC.
//
// Dense search uses Qdrant's cosine-distance query. Lexical search scrolls
// the collection's full-text index for candidates and scores them with BM25
// client-side, which keeps the ranking contract identical across backends.
type QdrantStore struct {
	client *qdrant.Client
	config *QdrantConfig
	logger *logging.Logger

	// writeLeases serializes writes per collection.
	writeLeases sync.Map // collectionID -> *sync.Mutex
}

// NewQdrantStore connects to Qdrant and verifies the connection.
func NewQdrantStore(config *QdrantConfig, logger *logging.Logger) (*QdrantStore, error) {
	if config == nil {
		config = &QdrantConfig{}
	}
	config.applyDefaults()
	if logger == nil {
		logger = logging.NewNop()
	}

	qdrantConfig := &qdrant.Config{
		Host:   config.Host,
		Port:   config.Port,
		UseTLS: config.UseTLS,
		APIKey: config.APIKey,
	}
	if !config.UseTLS {
		qdrantConfig.GrpcOptions = append(qdrantConfig.GrpcOptions,
			grpc.WithTransportCredentials(insecure.NewCredentials()),
		)
	}

	client, err := qdrant.NewClient(qdrantConfig)
	if err != nil {
		return nil, fmt.Errorf("creating qdrant client: %w", err)
	}

	s := &QdrantStore{
		client: client,
		config: config,
		logger: logger.Named("index.qdrant"),
	}

	ctx, cancel := context.WithTimeout(context.Background(), config.RequestTimeout)
	defer cancel()
	if _, err := client.HealthCheck(ctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("qdrant health check failed: %w", err)
	}

	s.logger.Info(ctx, "qdrant connection established",
		zap.String("host", config.Host),
		zap.Int("port", config.Port),
	)
	return s, nil
}

// Create creates the collection with a cosine vector config and a full-text
// payload index over the chunk text. Idempotent.
func (s *QdrantStore) Create(ctx context.Context, collectionID string, dim int) error {
	if dim <= 0 {
		return fmt.Errorf("%w: dimension must be positive, got %d", ErrInvalidEntry, dim)
	}

	ctx, cancel := context.WithTimeout(ctx, s.config.RequestTimeout)
	defer cancel()

	exists, err := s.Exists(ctx, collectionID)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	err = s.retry(ctx, func() error {
		return s.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: collectionID,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     uint64(dim),
				Distance: qdrant.Distance_Cosine,
			}),
		})
	})
	if err != nil {
		return fmt.Errorf("creating collection %s: %w", collectionID, err)
	}

	err = s.retry(ctx, func() error {
		_, err := s.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
			CollectionName: collectionID,
			FieldName:      "text",
			FieldType:      qdrant.FieldType_FieldTypeText.Enum(),
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("creating text index on %s: %w", collectionID, err)
	}

	s.logger.Info(ctx, "collection created",
		zap.String("collection", collectionID),
		zap.Int("dim", dim),
	)
	return nil
}

// Upsert writes entries. Duplicate chunk ids overwrite.
func (s *QdrantStore) Upsert(ctx context.Context, collectionID string, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}

	lease, _ := s.writeLeases.LoadOrStore(collectionID, &sync.Mutex{})
	mu := lease.(*sync.Mutex)
	mu.Lock()
	defer mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, s.config.RequestTimeout)
	defer cancel()

	points := make([]*qdrant.PointStruct, 0, len(entries))
	for _, entry := range entries {
		if entry.ChunkID == "" || entry.Text == "" {
			return fmt.Errorf("%w: chunk id and text required", ErrInvalidEntry)
		}
		points = append(points, &qdrant.PointStruct{
			Id:      qdrant.NewIDUUID(entry.ChunkID),
			Vectors: qdrant.NewVectors(entry.Vector...),
			Payload: map[string]*qdrant.Value{
				"text":            stringValue(entry.Text),
				"document_id":     stringValue(entry.Payload.DocumentID),
				"ordinal":         integerValue(entry.Payload.Ordinal),
				"source_filename": stringValue(entry.Payload.SourceFilename),
				"char_start":      integerValue(entry.Payload.CharStart),
				"char_end":        integerValue(entry.Payload.CharEnd),
			},
		})
	}

	err := s.retry(ctx, func() error {
		_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
			CollectionName: collectionID,
			Points:         points,
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("upserting into %s: %w", collectionID, err)
	}
	return nil
}

// Drop removes the collection and all contents.
func (s *QdrantStore) Drop(ctx context.Context, collectionID string) error {
	ctx, cancel := context.WithTimeout(ctx, s.config.RequestTimeout)
	defer cancel()

	err := s.retry(ctx, func() error {
		return s.client.DeleteCollection(ctx, collectionID)
	})
	if err != nil {
		if st, ok := status.FromError(err); ok && st.Code() == codes.NotFound {
			return fmt.Errorf("%w: %s", ErrIndexMissing, collectionID)
		}
		return fmt.Errorf("dropping collection %s: %w", collectionID, err)
	}
	s.writeLeases.Delete(collectionID)
	return nil
}

// Exists reports whether the collection exists.
func (s *QdrantStore) Exists(ctx context.Context, collectionID string) (bool, error) {
	var exists bool
	err := s.retry(ctx, func() error {
		info, err := s.client.GetCollectionInfo(ctx, collectionID)
		if err != nil {
			if st, ok := status.FromError(err); ok && st.Code() == codes.NotFound {
				exists = false
				return nil
			}
			return err
		}
		exists = info != nil
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("checking collection %s: %w", collectionID, err)
	}
	return exists, nil
}

// Count returns the number of entries in the collection.
func (s *QdrantStore) Count(ctx context.Context, collectionID string) (int, error) {
	info, err := s.client.GetCollectionInfo(ctx, collectionID)
	if err != nil {
		if st, ok := status.FromError(err); ok && st.Code() == codes.NotFound {
			return 0, ErrIndexMissing
		}
		return 0, fmt.Errorf("collection info for %s: %w", collectionID, err)
	}
	return int(info.GetPointsCount()), nil
}

// SearchDense returns up to k hits by cosine similarity descending.
func (s *QdrantStore) SearchDense(ctx context.Context, collectionID string, queryVector []float32, k int) ([]Hit, error) {
	ctx, cancel := context.WithTimeout(ctx, s.config.RequestTimeout)
	defer cancel()

	var results []*qdrant.ScoredPoint
	err := s.retry(ctx, func() error {
		res, err := s.client.Query(ctx, &qdrant.QueryPoints{
			CollectionName: collectionID,
			Query:          qdrant.NewQuery(queryVector...),
			Limit:          qdrant.PtrOf(uint64(k)),
			WithPayload:    qdrant.NewWithPayload(true),
		})
		if err != nil {
			return err
		}
		results = res
		return nil
	})
	if err != nil {
		if st, ok := status.FromError(err); ok && st.Code() == codes.NotFound {
			return []Hit{}, ErrIndexMissing
		}
		return nil, fmt.Errorf("dense search on %s: %w", collectionID, err)
	}

	hits := make([]Hit, 0, len(results))
	for i, point := range results {
		hit := hitFromPayload(point.GetId().GetUuid(), point.GetPayload())
		hit.Score = float64(point.GetScore())
		hit.DenseRank = i + 1
		hits = append(hits, hit)
	}
	return hits, nil
}

// SearchLexical scrolls candidates matched by Qdrant's full-text index and
// ranks them with BM25 client-side.
func (s *QdrantStore) SearchLexical(ctx context.Context, collectionID string, queryText string, k int) ([]Hit, error) {
	ctx, cancel := context.WithTimeout(ctx, s.config.RequestTimeout)
	defer cancel()

	candidates, byID, err := s.lexicalCandidates(ctx, collectionID, queryText, k)
	if err != nil {
		return nil, err
	}
	if candidates == nil {
		return []Hit{}, ErrIndexMissing
	}

	scores := scoreCandidates(queryText, candidates, k)
	hits := make([]Hit, 0, len(scores))
	for i, score := range scores {
		hit := byID[score.ID]
		hit.Score = score.Score
		hit.LexicalRank = i + 1
		hits = append(hits, hit)
	}
	return hits, nil
}

// SearchHybrid fuses the dense and lexical rankings with RRF.
func (s *QdrantStore) SearchHybrid(ctx context.Context, collectionID string, queryText string, queryVector []float32, k int) ([]Hit, error) {
	kSub := subQueryK(k)

	dense, err := s.SearchDense(ctx, collectionID, queryVector, kSub)
	if err != nil {
		return dense, err
	}
	lexical, err := s.SearchLexical(ctx, collectionID, queryText, kSub)
	if err != nil {
		return lexical, err
	}

	return fuseRRF(dense, lexical, k), nil
}

// Chunks returns the indexed chunks of one document, ordered by ordinal.
func (s *QdrantStore) Chunks(ctx context.Context, collectionID string, documentID string) ([]Hit, error) {
	ctx, cancel := context.WithTimeout(ctx, s.config.RequestTimeout)
	defer cancel()

	var points []*qdrant.RetrievedPoint
	err := s.retry(ctx, func() error {
		res, err := s.client.Scroll(ctx, &qdrant.ScrollPoints{
			CollectionName: collectionID,
			Filter: &qdrant.Filter{
				Must: []*qdrant.Condition{fieldCondition("document_id", &qdrant.Match{
					MatchValue: &qdrant.Match_Keyword{Keyword: documentID},
				})},
			},
			Limit:       qdrant.PtrOf(uint32(10000)),
			WithPayload: qdrant.NewWithPayload(true),
		})
		if err != nil {
			return err
		}
		points = res
		return nil
	})
	if err != nil {
		if st, ok := status.FromError(err); ok && st.Code() == codes.NotFound {
			return []Hit{}, ErrIndexMissing
		}
		return nil, fmt.Errorf("listing chunks on %s: %w", collectionID, err)
	}

	hits := make([]Hit, 0, len(points))
	for _, point := range points {
		hits = append(hits, hitFromPayload(point.GetId().GetUuid(), point.GetPayload()))
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].Ordinal < hits[j].Ordinal })
	return hits, nil
}

// Close closes the client connection.
func (s *QdrantStore) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}

// lexicalCandidates returns candidate texts matched by the full-text filter.
// A nil candidates map means the collection does not exist.
func (s *QdrantStore) lexicalCandidates(ctx context.Context, collectionID, queryText string, k int) (map[string]string, map[string]Hit, error) {
	conditions := textMatchConditions(queryText)
	if len(conditions) == 0 {
		return map[string]string{}, map[string]Hit{}, nil
	}

	var points []*qdrant.RetrievedPoint
	err := s.retry(ctx, func() error {
		res, err := s.client.Scroll(ctx, &qdrant.ScrollPoints{
			CollectionName: collectionID,
			Filter: &qdrant.Filter{
				Should: conditions,
			},
			Limit:       qdrant.PtrOf(uint32(subQueryK(k) * 4)),
			WithPayload: qdrant.NewWithPayload(true),
		})
		if err != nil {
			return err
		}
		points = res
		return nil
	})
	if err != nil {
		if st, ok := status.FromError(err); ok && st.Code() == codes.NotFound {
			return nil, nil, nil
		}
		return nil, nil, fmt.Errorf("lexical scroll on %s: %w", collectionID, err)
	}

	candidates := make(map[string]string, len(points))
	byID := make(map[string]Hit, len(points))
	for _, point := range points {
		id := point.GetId().GetUuid()
		hit := hitFromPayload(id, point.GetPayload())
		candidates[id] = hit.Text
		byID[id] = hit
	}
	return candidates, byID, nil
}

// textMatchConditions builds one full-text condition per query term so a
// document matching any term becomes a candidate.
func textMatchConditions(queryText string) []*qdrant.Condition {
	terms := tokenize(queryText)
	conditions := make([]*qdrant.Condition, 0, len(terms))
	for _, term := range terms {
		conditions = append(conditions, fieldCondition("text", &qdrant.Match{
			MatchValue: &qdrant.Match_Text{Text: term},
		}))
	}
	return conditions
}

// fieldCondition builds a payload field condition.
func fieldCondition(key string, match *qdrant.Match) *qdrant.Condition {
	return &qdrant.Condition{
		ConditionOneOf: &qdrant.Condition_Field{
			Field: &qdrant.FieldCondition{
				Key:   key,
				Match: match,
			},
		},
	}
}

func stringValue(s string) *qdrant.Value {
	return &qdrant.Value{Kind: &qdrant.Value_StringValue{StringValue: s}}
}

func integerValue(i int) *qdrant.Value {
	return &qdrant.Value{Kind: &qdrant.Value_IntegerValue{IntegerValue: int64(i)}}
}

func hitFromPayload(id string, payload map[string]*qdrant.Value) Hit {
	hit := Hit{ChunkID: id}
	if v, ok := payload["text"]; ok {
		hit.Text = v.GetStringValue()
	}
	if v, ok := payload["document_id"]; ok {
		hit.DocumentID = v.GetStringValue()
	}
	if v, ok := payload["source_filename"]; ok {
		hit.SourceFilename = v.GetStringValue()
	}
	if v, ok := payload["ordinal"]; ok {
		hit.Ordinal = int(v.GetIntegerValue())
	}
	return hit
}

// retry retries an operation with exponential backoff on transient gRPC
// failures.
func (s *QdrantStore) retry(ctx context.Context, operation func() error) error {
	var lastErr error
	backoff := time.Second

	for attempt := 0; attempt <= s.config.RetryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(backoff):
				backoff *= 2
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		err := operation()
		if err == nil {
			return nil
		}
		lastErr = err

		st, ok := status.FromError(err)
		if !ok {
			return err
		}
		switch st.Code() {
		case codes.Unavailable, codes.ResourceExhausted, codes.DeadlineExceeded, codes.Aborted:
			continue
		default:
			return err
		}
	}
	return lastErr
}
