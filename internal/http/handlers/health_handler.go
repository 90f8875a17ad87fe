package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// HealthHandlers exposes liveness and dependency-health endpoints.
type HealthHandlers struct {
	DB  *gorm.DB
	RDB *redis.Client
}

// NewHealthHandlers constructs a HealthHandlers bound to db/rdb.
func NewHealthHandlers(db *gorm.DB, rdb *redis.Client) *HealthHandlers {
	return &HealthHandlers{DB: db, RDB: rdb}
}

// Liveness handles GET /health: a plain process-is-up check with no
// dependency I/O, for orchestrator liveness probes.
func (h *HealthHandlers) Liveness(c *gin.Context) {
	ok(c, http.StatusOK, gin.H{"status": "ok"})
}

// Database handles GET /health/database: pings the durable store.
func (h *HealthHandlers) Database(c *gin.Context) {
	sqlDB, err := h.DB.DB()
	if err != nil {
		fail(c, http.StatusServiceUnavailable, ErrCodeInternal, "database unavailable")
		return
	}
	if err := sqlDB.PingContext(c.Request.Context()); err != nil {
		fail(c, http.StatusServiceUnavailable, ErrCodeInternal, "database ping failed")
		return
	}
	ok(c, http.StatusOK, gin.H{"status": "ok"})
}

// Stream handles GET /health/stream: pings the Redis instance backing
// the stream, idempotency store, bus, presence registry, and replay
// cache, since they all share one client.
func (h *HealthHandlers) Stream(c *gin.Context) {
	if err := h.RDB.Ping(c.Request.Context()).Err(); err != nil {
		fail(c, http.StatusServiceUnavailable, ErrCodeInternal, "redis ping failed")
		return
	}
	ok(c, http.StatusOK, gin.H{"status": "ok"})
}
