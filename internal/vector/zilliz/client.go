// Package zilliz implements the vector backend on Milvus / Zilliz Cloud.
// Each user collection holds the point id, embedding and payload fields.
package zilliz

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"
	"go.uber.org/zap"

	"github.com/knowledge-assistant/backend/internal/metrics"
	"github.com/knowledge-assistant/backend/internal/vector"
	"github.com/knowledge-assistant/backend/pkg/circuitbreaker"
	"github.com/knowledge-assistant/backend/pkg/logger"
	"github.com/knowledge-assistant/backend/pkg/retry"
)

const (
	fieldID         = "point_id"
	fieldEmbedding  = "embedding"
	fieldText       = "text"
	fieldSource     = "source"
	fieldUserID     = "user_id"
	fieldUploadDate = "upload_date"

	maxTextLength = 8192
	insertBatch   = 512
)

type Config struct {
	Endpoint string
	APIKey   string
	Username string
	Password string
}

type Client struct {
	milvus      client.Client
	cb          *circuitbreaker.CircuitBreaker
	retryConfig retry.Config

	loaded sync.Map
}

func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	c, err := client.NewClient(ctx, client.Config{
		Address:  cfg.Endpoint,
		APIKey:   cfg.APIKey,
		Username: cfg.Username,
		Password: cfg.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create milvus client: %w", err)
	}

	logger.Info("Zilliz/Milvus client initialized", zap.String("endpoint", cfg.Endpoint))

	return newWithClient(c), nil
}

func newWithClient(c client.Client) *Client {
	return &Client{
		milvus: c,
		cb: circuitbreaker.NewCircuitBreaker("milvus", circuitbreaker.Config{
			MaxRequests:      3,
			Interval:         time.Minute,
			Timeout:          30 * time.Second,
			FailureThreshold: 5,
			SuccessThreshold: 2,
			OnStateChange:    metrics.ObserveBreaker,
			Logger:           logger.GetLogger(),
		}),
		retryConfig: retry.Config{
			MaxAttempts:    3,
			InitialDelay:   250 * time.Millisecond,
			MaxDelay:       3 * time.Second,
			Multiplier:     2.0,
			JitterFraction: 0.1,
			Logger:         logger.GetLogger(),
		},
	}
}

func (z *Client) Close() error {
	return z.milvus.Close()
}

func (z *Client) Ping(ctx context.Context) error {
	_, err := z.milvus.ListCollections(ctx)
	return err
}

func (z *Client) call(ctx context.Context, fn func() error) error {
	return z.cb.Execute(ctx, func() error {
		return retry.Do(ctx, z.retryConfig, fn)
	})
}

func (z *Client) CollectionDimension(ctx context.Context, name string) (int, bool, error) {
	var has bool
	err := z.call(ctx, func() error {
		var err error
		has, err = z.milvus.HasCollection(ctx, name)
		return err
	})
	if err != nil {
		return 0, false, fmt.Errorf("failed to check collection: %w", err)
	}
	if !has {
		return 0, false, nil
	}

	var coll *entity.Collection
	err = z.call(ctx, func() error {
		var err error
		coll, err = z.milvus.DescribeCollection(ctx, name)
		return err
	})
	if err != nil {
		return 0, false, fmt.Errorf("failed to describe collection: %w", err)
	}

	dim, err := vectorDim(coll.Schema)
	if err != nil {
		return 0, false, err
	}
	return dim, true, nil
}

func vectorDim(schema *entity.Schema) (int, error) {
	if schema == nil {
		return 0, errors.New("collection has no schema")
	}
	for _, f := range schema.Fields {
		if f.Name == fieldEmbedding {
			dim, err := strconv.Atoi(f.TypeParams[entity.TypeParamDim])
			if err != nil {
				return 0, fmt.Errorf("invalid dim on %s: %w", fieldEmbedding, err)
			}
			return dim, nil
		}
	}
	return 0, fmt.Errorf("collection has no %s field", fieldEmbedding)
}

func collectionSchema(name string, dim int) *entity.Schema {
	return entity.NewSchema().
		WithName(name).
		WithDescription("per-user document chunks").
		WithField(entity.NewField().WithName(fieldID).WithDataType(entity.FieldTypeVarChar).WithIsPrimaryKey(true).WithMaxLength(64)).
		WithField(entity.NewField().WithName(fieldEmbedding).WithDataType(entity.FieldTypeFloatVector).WithDim(int64(dim))).
		WithField(entity.NewField().WithName(fieldText).WithDataType(entity.FieldTypeVarChar).WithMaxLength(maxTextLength)).
		WithField(entity.NewField().WithName(fieldSource).WithDataType(entity.FieldTypeVarChar).WithMaxLength(512)).
		WithField(entity.NewField().WithName(fieldUserID).WithDataType(entity.FieldTypeVarChar).WithMaxLength(256)).
		WithField(entity.NewField().WithName(fieldUploadDate).WithDataType(entity.FieldTypeInt64))
}

func (z *Client) CreateCollection(ctx context.Context, name string, dim int) error {
	has, err := z.milvus.HasCollection(ctx, name)
	if err != nil {
		return fmt.Errorf("failed to check collection: %w", err)
	}

	if !has {
		err = z.call(ctx, func() error {
			return z.milvus.CreateCollection(ctx, collectionSchema(name, dim), entity.DefaultShardNumber)
		})
		if err != nil {
			return fmt.Errorf("failed to create collection: %w", err)
		}

		idx, err := entity.NewIndexHNSW(entity.COSINE, 16, 200)
		if err != nil {
			return fmt.Errorf("failed to build index params: %w", err)
		}
		err = z.call(ctx, func() error {
			return z.milvus.CreateIndex(ctx, name, fieldEmbedding, idx, false)
		})
		if err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}

	return z.ensureLoaded(ctx, name)
}

func (z *Client) ensureLoaded(ctx context.Context, name string) error {
	if _, ok := z.loaded.Load(name); ok {
		return nil
	}
	err := z.call(ctx, func() error {
		return z.milvus.LoadCollection(ctx, name, false)
	})
	if err != nil {
		return fmt.Errorf("failed to load collection: %w", err)
	}
	z.loaded.Store(name, struct{}{})
	logger.Debug("Collection loaded", zap.String("collection", name))
	return nil
}

func (z *Client) Upsert(ctx context.Context, name string, points []vector.Point) error {
	if len(points) == 0 {
		return nil
	}
	dim := len(points[0].Vector)

	for start := 0; start < len(points); start += insertBatch {
		end := start + insertBatch
		if end > len(points) {
			end = len(points)
		}
		batch := points[start:end]

		ids := make([]string, len(batch))
		embeddings := make([][]float32, len(batch))
		texts := make([]string, len(batch))
		sources := make([]string, len(batch))
		users := make([]string, len(batch))
		dates := make([]int64, len(batch))

		for i, p := range batch {
			ids[i] = p.ID
			embeddings[i] = p.Vector
			texts[i] = truncateBytes(p.Payload.Text, maxTextLength)
			sources[i] = p.Payload.Source
			users[i] = p.Payload.UserID
			dates[i] = p.Payload.UploadDate.Unix()
		}

		err := z.call(ctx, func() error {
			_, err := z.milvus.Insert(
				ctx,
				name,
				"",
				entity.NewColumnVarChar(fieldID, ids),
				entity.NewColumnFloatVector(fieldEmbedding, dim, embeddings),
				entity.NewColumnVarChar(fieldText, texts),
				entity.NewColumnVarChar(fieldSource, sources),
				entity.NewColumnVarChar(fieldUserID, users),
				entity.NewColumnInt64(fieldUploadDate, dates),
			)
			return err
		})
		if err != nil {
			return fmt.Errorf("failed to insert points: %w", err)
		}
	}

	// vectors must be durable before the caller records metadata
	if err := z.call(ctx, func() error { return z.milvus.Flush(ctx, name, false) }); err != nil {
		return fmt.Errorf("failed to flush: %w", err)
	}

	logger.Info("Points inserted into milvus", zap.String("collection", name), zap.Int("count", len(points)))
	return nil
}

func (z *Client) Search(ctx context.Context, name string, query []float32, limit int) ([]vector.Hit, error) {
	has, err := z.milvus.HasCollection(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("failed to check collection: %w", err)
	}
	if !has {
		return nil, fmt.Errorf("search %s: %w", name, vector.ErrCollectionNotFound)
	}
	if err := z.ensureLoaded(ctx, name); err != nil {
		return nil, err
	}

	sp, err := entity.NewIndexHNSWSearchParam(64)
	if err != nil {
		return nil, fmt.Errorf("failed to build search params: %w", err)
	}

	var results []client.SearchResult
	err = z.call(ctx, func() error {
		var err error
		results, err = z.milvus.Search(
			ctx,
			name,
			[]string{},
			"",
			[]string{fieldText, fieldSource, fieldUserID, fieldUploadDate},
			[]entity.Vector{entity.FloatVector(query)},
			fieldEmbedding,
			entity.COSINE,
			limit,
			sp,
		)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to search: %w", err)
	}

	return toHits(results)
}

func toHits(results []client.SearchResult) ([]vector.Hit, error) {
	hits := make([]vector.Hit, 0)
	for _, sr := range results {
		textCol := sr.Fields.GetColumn(fieldText)
		sourceCol := sr.Fields.GetColumn(fieldSource)
		userCol := sr.Fields.GetColumn(fieldUserID)
		dateCol := sr.Fields.GetColumn(fieldUploadDate)
		if textCol == nil || sourceCol == nil || userCol == nil || dateCol == nil {
			return nil, errors.New("search result missing payload fields")
		}

		for i := 0; i < sr.ResultCount; i++ {
			id, _ := sr.IDs.GetAsString(i)
			text, _ := textCol.GetAsString(i)
			source, _ := sourceCol.GetAsString(i)
			userID, _ := userCol.GetAsString(i)
			date, _ := dateCol.GetAsInt64(i)

			hits = append(hits, vector.Hit{
				ID:    id,
				Score: sr.Scores[i],
				Payload: vector.Payload{
					Text:       text,
					Source:     source,
					UserID:     userID,
					UploadDate: time.Unix(date, 0).UTC(),
				},
			})
		}
	}
	return hits, nil
}

// truncateBytes keeps s within the VarChar byte limit without splitting a rune.
func truncateBytes(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

func utf8RuneStart(b byte) bool {
	return b&0xC0 != 0x80
}
