// Package server exposes the storage wire protocol over HTTP. Namespacing
// is carried by the X-Namespace header; one request touches exactly one
// namespace.
package server

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"loom/internal/store"
	"loom/pkg/logger"

	loomerrors "loom/pkg/errors"
)

const (
	namespaceHeader  = "X-Namespace"
	defaultNamespace = "default"
)

// Server serves the entity/relation store over HTTP.
type Server struct {
	store  store.Store
	logger *zap.Logger
}

// New creates a server around the given store.
func New(st store.Store) *Server {
	return &Server{store: st, logger: logger.Get()}
}

// Router builds the gin engine with all routes and middleware attached.
func (s *Server) Router(production bool) *gin.Engine {
	if production {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(requestLogger(s.logger))
	router.Use(gin.Recovery())

	// CORS middleware
	router.Use(func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With, X-Namespace")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PATCH, DELETE")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	})

	// Health check
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.POST("/data", s.insertData)
	router.GET("/data/:id", s.getData)
	router.PATCH("/data/:id", s.updateData)
	router.DELETE("/data/:id", s.deleteData)
	router.GET("/data", s.listData)

	router.POST("/rels", s.createRelation)
	router.GET("/rels", s.queryRelations)
	router.DELETE("/rels/delete", s.deleteRelation)

	router.GET("/traverse", s.traverse)

	return router
}

func namespace(c *gin.Context) string {
	if ns := c.GetHeader(namespaceHeader); ns != "" {
		return ns
	}
	return defaultNamespace
}

func (s *Server) insertData(c *gin.Context) {
	var req struct {
		ID   string         `json:"id"`
		Type string         `json:"type"`
		Data map[string]any `json:"data"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Type == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "type is required"})
		return
	}
	if req.Data == nil {
		req.Data = map[string]any{}
	}

	rec, err := s.store.Insert(c.Request.Context(), namespace(c), req.ID, req.Type, req.Data)
	if err != nil {
		if loomerrors.IsConflict(err) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		s.logger.Error("insert failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to insert record"})
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (s *Server) getData(c *gin.Context) {
	rec, err := s.store.Get(c.Request.Context(), namespace(c), c.Param("id"))
	if err != nil {
		if loomerrors.IsNotFound(err) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		s.logger.Error("get failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch record"})
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (s *Server) updateData(c *gin.Context) {
	var req struct {
		Data map[string]any `json:"data"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	rec, err := s.store.Update(c.Request.Context(), namespace(c), c.Param("id"), req.Data)
	if err != nil {
		if loomerrors.IsNotFound(err) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		s.logger.Error("update failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update record"})
		return
	}
	c.JSON(http.StatusOK, rec)
}

// deleteData always answers 200; the body says whether anything was removed.
func (s *Server) deleteData(c *gin.Context) {
	deleted, err := s.store.Delete(c.Request.Context(), namespace(c), c.Param("id"))
	if err != nil {
		s.logger.Error("delete failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete record"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": deleted})
}

func (s *Server) listData(c *gin.Context) {
	opts := store.ListOptions{Type: c.Query("type")}
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be an integer"})
			return
		}
		opts.Limit = n
	}
	if v := c.Query("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "offset must be an integer"})
			return
		}
		opts.Offset = n
	}

	recs, err := s.store.List(c.Request.Context(), namespace(c), opts)
	if err != nil {
		s.logger.Error("list failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list records"})
		return
	}
	if recs == nil {
		recs = []*store.Record{}
	}
	c.JSON(http.StatusOK, recs)
}

func (s *Server) createRelation(c *gin.Context) {
	var req struct {
		FromID   string         `json:"from_id" binding:"required"`
		Relation string         `json:"relation" binding:"required"`
		ToID     string         `json:"to_id" binding:"required"`
		Metadata map[string]any `json:"metadata"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	rel, err := s.store.Relate(c.Request.Context(), namespace(c), store.Relation{
		FromID:   req.FromID,
		Relation: req.Relation,
		ToID:     req.ToID,
		Metadata: req.Metadata,
	})
	if err != nil {
		s.logger.Error("relate failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create relation"})
		return
	}
	c.JSON(http.StatusOK, rel)
}

func (s *Server) queryRelations(c *gin.Context) {
	rels, err := s.store.QueryRelations(c.Request.Context(), namespace(c), store.RelationFilter{
		FromID:   c.Query("from_id"),
		ToID:     c.Query("to_id"),
		Relation: c.Query("relation"),
	})
	if err != nil {
		s.logger.Error("relation query failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to query relations"})
		return
	}
	if rels == nil {
		rels = []*store.Relation{}
	}
	c.JSON(http.StatusOK, rels)
}

func (s *Server) deleteRelation(c *gin.Context) {
	var req struct {
		FromID   string `json:"from_id" binding:"required"`
		Relation string `json:"relation" binding:"required"`
		ToID     string `json:"to_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	deleted, err := s.store.Unrelate(c.Request.Context(), namespace(c), req.FromID, req.Relation, req.ToID)
	if err != nil {
		s.logger.Error("unrelate failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete relation"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": deleted})
}

// traverse walks a comma-separated relation path from one endpoint.
func (s *Server) traverse(c *gin.Context) {
	q := store.TraverseQuery{
		FromID: c.Query("from_id"),
		ToID:   c.Query("to_id"),
		Type:   c.Query("type"),
	}
	for _, r := range strings.Split(c.Query("relation"), ",") {
		if r = strings.TrimSpace(r); r != "" {
			q.Relations = append(q.Relations, r)
		}
	}

	if (q.FromID == "") == (q.ToID == "") {
		c.JSON(http.StatusBadRequest, gin.H{"error": "exactly one of from_id/to_id must be set"})
		return
	}
	if len(q.Relations) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "relation is required"})
		return
	}

	recs, err := s.store.Traverse(c.Request.Context(), namespace(c), q)
	if err != nil {
		s.logger.Error("traverse failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to traverse"})
		return
	}
	if recs == nil {
		recs = []*store.Record{}
	}
	c.JSON(http.StatusOK, recs)
}

// requestLogger is a custom logger middleware for Gin
func requestLogger(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		raw := c.Request.URL.RawQuery

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		if raw != "" {
			path = path + "?" + raw
		}

		log.Info("HTTP Request",
			zap.Int("status", status),
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Duration("latency", latency),
			zap.String("ip", c.ClientIP()),
		)
	}
}
