// Package es 提供了与 Elasticsearch 交互的客户端功能，用于游戏目录。
package es

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"gamehub-go/internal/config"
	"gamehub-go/internal/model"
	"gamehub-go/pkg/log"
	"net/http"
	"strings"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
)

var ESClient *elasticsearch.Client

// InitES 初始化 Elasticsearch 客户端并确保游戏目录索引存在
func InitES(esCfg config.ElasticsearchConfig, dims int) error {
	cfg := elasticsearch.Config{
		Addresses: []string{esCfg.Addresses},
		Username:  esCfg.Username,
		Password:  esCfg.Password,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		},
	}
	client, err := elasticsearch.NewClient(cfg)
	if err != nil {
		return err
	}
	ESClient = client
	return createIndexIfNotExists(esCfg.IndexName, dims)
}

// catalogMapping 返回游戏目录的索引结构。name 同时提供 keyword 子字段用于精确匹配。
func catalogMapping(dims int) string {
	if dims <= 0 {
		dims = 1024
	}
	return fmt.Sprintf(`{
		"mappings": {
			"properties": {
				"id": { "type": "keyword" },
				"name": {
					"type": "text",
					"fields": { "raw": { "type": "keyword", "normalizer": "lowercase" } }
				},
				"aliases": { "type": "text" },
				"genre": { "type": "keyword" },
				"cover_url": { "type": "keyword", "index": false },
				"release_date": { "type": "date" },
				"similar": { "type": "keyword" },
				"vector": { "type": "dense_vector", "dims": %d, "index": true, "similarity": "cosine" }
			}
		},
		"settings": {
			"analysis": {
				"normalizer": {
					"lowercase": { "type": "custom", "filter": ["lowercase", "asciifolding"] }
				}
			}
		}
	}`, dims)
}

// createIndexIfNotExists 检查索引是否存在，如果不存在则创建它
func createIndexIfNotExists(indexName string, dims int) error {
	res, err := ESClient.Indices.Exists([]string{indexName})
	if err != nil {
		log.Errorf("检查索引是否存在时出错: %v", err)
		return err
	}
	defer res.Body.Close()
	if !res.IsError() && res.StatusCode == http.StatusOK {
		log.Infof("索引 '%s' 已存在", indexName)
		return nil
	}
	if res.StatusCode != http.StatusNotFound {
		return fmt.Errorf("检查索引是否存在时收到意外的状态码: %d", res.StatusCode)
	}

	res, err = ESClient.Indices.Create(
		indexName,
		ESClient.Indices.Create.WithBody(strings.NewReader(catalogMapping(dims))),
	)
	if err != nil {
		log.Errorf("创建索引 '%s' 失败: %v", indexName, err)
		return err
	}
	defer res.Body.Close()
	if res.IsError() {
		log.Errorf("创建索引 '%s' 时 Elasticsearch 返回错误: %s", indexName, res.String())
		return errors.New("创建索引时 Elasticsearch 返回错误")
	}

	log.Infof("索引 '%s' 创建成功", indexName)
	return nil
}

// IndexGame 将一条游戏目录文档写入索引。
func IndexGame(ctx context.Context, client *elasticsearch.Client, indexName string, game model.GameInfo) error {
	docBytes, err := json.Marshal(game)
	if err != nil {
		return err
	}

	req := esapi.IndexRequest{
		Index:      indexName,
		DocumentID: game.ID,
		Body:       bytes.NewReader(docBytes),
		Refresh:    "true",
	}
	res, err := req.Do(ctx, client)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.IsError() {
		log.Errorf("索引游戏到 Elasticsearch 出错: %s", res.String())
		return errors.New("failed to index game")
	}
	return nil
}
