package repository

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"gamehub-go/internal/model"
	"io"

	"github.com/elastic/go-elasticsearch/v8"
)

// GameCatalog 是游戏元数据目录（IGDB 类数据源）的查询接口。
type GameCatalog interface {
	Search(ctx context.Context, query string, topK int) ([]model.GameInfo, error)
	SearchByVector(ctx context.Context, vector []float32, topK int) ([]model.GameInfo, error)
}

type esGameCatalog struct {
	client *elasticsearch.Client
	index  string
}

// NewGameCatalog 创建基于 Elasticsearch 的游戏目录。
func NewGameCatalog(client *elasticsearch.Client, index string) GameCatalog {
	return &esGameCatalog{client: client, index: index}
}

// Search 先精确匹配 name.raw，再以 fuzziness=AUTO 匹配名称和别名，容忍拼写错误。
func (c *esGameCatalog) Search(ctx context.Context, query string, topK int) ([]model.GameInfo, error) {
	esQuery := map[string]interface{}{
		"query": map[string]interface{}{
			"bool": map[string]interface{}{
				"should": []map[string]interface{}{
					{"term": map[string]interface{}{"name.raw": map[string]interface{}{"value": query, "boost": 10}}},
					{"match": map[string]interface{}{"name": map[string]interface{}{"query": query, "fuzziness": "AUTO", "operator": "and", "boost": 2}}},
					{"match": map[string]interface{}{"aliases": map[string]interface{}{"query": query, "fuzziness": "AUTO", "operator": "and"}}},
				},
				"minimum_should_match": 1,
			},
		},
		"_source": map[string]interface{}{"excludes": []string{"vector"}},
		"size":    topK,
	}
	return c.do(ctx, esQuery)
}

// SearchByVector 以向量做 knn 检索，用于名称检索无结果时的语义兜底。
func (c *esGameCatalog) SearchByVector(ctx context.Context, vector []float32, topK int) ([]model.GameInfo, error) {
	esQuery := map[string]interface{}{
		"knn": map[string]interface{}{
			"field":          "vector",
			"query_vector":   vector,
			"k":              topK,
			"num_candidates": topK * 10,
		},
		"_source": map[string]interface{}{"excludes": []string{"vector"}},
		"size":    topK,
	}
	return c.do(ctx, esQuery)
}

func (c *esGameCatalog) do(ctx context.Context, esQuery map[string]interface{}) ([]model.GameInfo, error) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(esQuery); err != nil {
		return nil, fmt.Errorf("failed to encode es query: %w", err)
	}

	res, err := c.client.Search(
		c.client.Search.WithContext(ctx),
		c.client.Search.WithIndex(c.index),
		c.client.Search.WithBody(&buf),
	)
	if err != nil {
		return nil, fmt.Errorf("elasticsearch search failed: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		body, _ := io.ReadAll(res.Body)
		return nil, fmt.Errorf("elasticsearch returned an error: %s %s", res.Status(), string(body))
	}

	var esResponse struct {
		Hits struct {
			Hits []struct {
				Source model.GameInfo `json:"_source"`
				Score  float64        `json:"_score"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := json.NewDecoder(res.Body).Decode(&esResponse); err != nil {
		return nil, fmt.Errorf("failed to decode es response: %w", err)
	}

	games := make([]model.GameInfo, 0, len(esResponse.Hits.Hits))
	for _, hit := range esResponse.Hits.Hits {
		g := hit.Source
		g.Score = hit.Score
		games = append(games, g)
	}
	return games, nil
}
