package main

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/yourusername/doc-lens/internal/index"
)

// indexService は索引系ハンドラーが使う操作です。
type indexService interface {
	List(ctx context.Context) ([]index.Summary, error)
	Stats(ctx context.Context) (index.Stats, error)
	Search(ctx context.Context, id, query string, k int) ([]index.Hit, error)
	Delete(ctx context.Context, id string) error
}

type searchRequest struct {
	Query string `json:"query" binding:"required"`
	K     int    `json:"k"`
}

func listIndexesHandler(is indexService) gin.HandlerFunc {
	return func(c *gin.Context) {
		list, err := is.List(c.Request.Context())
		if err != nil {
			respondIndexError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"indexes": list,
			"total":   len(list),
		})
	}
}

func indexStatsHandler(is indexService) gin.HandlerFunc {
	return func(c *gin.Context) {
		st, err := is.Stats(c.Request.Context())
		if err != nil {
			respondIndexError(c, err)
			return
		}
		c.JSON(http.StatusOK, st)
	}
}

func searchIndexHandler(is indexService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req searchRequest
		if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Query) == "" {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": "query を JSON で指定してください。",
			})
			return
		}
		if req.K < 0 || req.K > 50 {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": "k は0から50の範囲で指定してください。",
			})
			return
		}

		id := c.Param("id")
		hits, err := is.Search(c.Request.Context(), id, req.Query, req.K)
		if err != nil {
			respondIndexError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"indexId": id,
			"query":   req.Query,
			"results": hits,
		})
	}
}

func deleteIndexHandler(is indexService) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		if err := is.Delete(c.Request.Context(), id); err != nil {
			respondIndexError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"indexId": id,
			"message": "インデックスを削除しました。",
		})
	}
}

func respondIndexError(c *gin.Context, err error) {
	if errors.Is(err, index.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{
			"code":    "INDEX_NOT_FOUND",
			"message": "指定されたインデックスは存在しません。",
		})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{
		"code":    "INTERNAL_ERROR",
		"message": "インデックスの操作に失敗しました。",
	})
}
