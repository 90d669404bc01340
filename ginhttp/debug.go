package ginhttp

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/liangpengcheng/qnetpool/network"
)

// RegisterDebug exposes the pool pressure counters so operators can
// look before pushing more packets.
func RegisterDebug(r *gin.Engine, pool *network.Pool) {
	r.GET("/debug/netpool", func(c *gin.Context) {
		trace := pool.MemoryTrace()
		c.JSON(http.StatusOK, gin.H{
			"memory_bytes": trace.MemoryUsage(),
			"objects":      trace.ObjectCount(),
			"connections":  pool.ConnectionCount(),
			"listeners":    pool.ListenerCount(),
		})
	})
}
