package vector

import (
	"context"
	"fmt"

	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// QdrantIndex implements Index using Qdrant.
type QdrantIndex struct {
	conn        *grpc.ClientConn
	points      pb.PointsClient
	collections pb.CollectionsClient
	collection  string
}

// NewQdrant connects to Qdrant and ensures the issue collection exists
// with the given vector dimensionality.
func NewQdrant(ctx context.Context, host string, port int, collection string, dimensions uint64) (*QdrantIndex, error) {
	addr := fmt.Sprintf("%s:%d", host, port)
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("qdrant connect: %w", err)
	}
	idx := &QdrantIndex{
		conn:        conn,
		points:      pb.NewPointsClient(conn),
		collections: pb.NewCollectionsClient(conn),
		collection:  collection,
	}
	if err := idx.ensureCollection(ctx, dimensions); err != nil {
		conn.Close()
		return nil, err
	}
	return idx, nil
}

func (q *QdrantIndex) ensureCollection(ctx context.Context, dimensions uint64) error {
	exists, err := q.collections.CollectionExists(ctx, &pb.CollectionExistsRequest{
		CollectionName: q.collection,
	})
	if err != nil {
		return fmt.Errorf("qdrant collection check: %w", err)
	}
	if exists.GetResult().GetExists() {
		return nil
	}
	_, err = q.collections.Create(ctx, &pb.CreateCollection{
		CollectionName: q.collection,
		VectorsConfig: &pb.VectorsConfig{
			Config: &pb.VectorsConfig_Params{
				Params: &pb.VectorParams{
					Size:     dimensions,
					Distance: pb.Distance_Cosine,
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("qdrant create collection: %w", err)
	}
	return nil
}

func (q *QdrantIndex) Upsert(ctx context.Context, points []Point) error {
	pts := make([]*pb.PointStruct, len(points))
	for i, p := range points {
		pts[i] = &pb.PointStruct{
			Id:      &pb.PointId{PointIdOptions: &pb.PointId_Uuid{Uuid: p.IssueID}},
			Vectors: &pb.Vectors{VectorsOptions: &pb.Vectors_Vector{Vector: &pb.Vector{Data: p.Vector}}},
			Payload: map[string]*pb.Value{
				"issue_id": {Kind: &pb.Value_StringValue{StringValue: p.IssueID}},
				"repo_id":  {Kind: &pb.Value_StringValue{StringValue: p.RepoID}},
			},
		}
	}
	_, err := q.points.Upsert(ctx, &pb.UpsertPoints{
		CollectionName: q.collection,
		Points:         pts,
	})
	if err != nil {
		return fmt.Errorf("qdrant upsert: %w", err)
	}
	return nil
}

func (q *QdrantIndex) Search(ctx context.Context, vec []float32, opts SearchOptions) ([]Match, error) {
	req := &pb.SearchPoints{
		CollectionName: q.collection,
		Vector:         vec,
		Limit:          uint64(opts.TopK),
		WithPayload:    &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}},
	}
	if opts.Exact {
		exact := true
		req.Params = &pb.SearchParams{Exact: &exact}
	} else if opts.HnswEf > 0 {
		ef := opts.HnswEf
		req.Params = &pb.SearchParams{HnswEf: &ef}
	}
	if len(opts.RepoIDs) > 0 {
		req.Filter = &pb.Filter{
			Must: []*pb.Condition{{
				ConditionOneOf: &pb.Condition_Field{Field: &pb.FieldCondition{
					Key: "repo_id",
					Match: &pb.Match{MatchValue: &pb.Match_Keywords{
						Keywords: &pb.RepeatedStrings{Strings: opts.RepoIDs},
					}},
				}},
			}},
		}
	}

	resp, err := q.points.Search(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("qdrant search: %w", err)
	}
	matches := make([]Match, len(resp.Result))
	for i, pt := range resp.Result {
		matches[i] = Match{
			IssueID: pt.Id.GetUuid(),
			Score:   pt.Score,
		}
	}
	return matches, nil
}

func (q *QdrantIndex) Close() error {
	return q.conn.Close()
}

var _ Index = (*QdrantIndex)(nil)
