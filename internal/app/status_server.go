package app

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/vk/etlgrid/internal/state"
)

// newStatusRouter builds the HTTP status API. The store may be nil when no
// state directory is configured; run endpoints then report an empty history.
func (a *App) newStatusRouter(store *state.Store) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/health", func(c *gin.Context) {
		c.String(http.StatusOK, "OK")
	})

	router.GET("/runs", func(c *gin.Context) {
		if store == nil {
			c.JSON(http.StatusOK, gin.H{"runs": []state.Run{}})
			return
		}
		ids, err := store.ListRunIDs()
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list runs"})
			return
		}
		runs := make([]state.Run, 0, len(ids))
		for _, id := range ids {
			run, err := store.LoadRun(id)
			if err != nil {
				a.logger.Warn("Skipping unreadable run record.", "run_id", id, "error", err)
				continue
			}
			runs = append(runs, run)
		}
		c.JSON(http.StatusOK, gin.H{"runs": runs})
	})

	router.GET("/runs/:id", func(c *gin.Context) {
		if store == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
			return
		}
		id := c.Param("id")
		run, err := store.LoadRun(id)
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
			return
		}
		checkpoints, err := store.LoadAllCheckpoints(id)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load checkpoints"})
			return
		}
		response := gin.H{"run": run, "checkpoints": checkpoints}
		if failure, ok, err := store.LoadFailure(id); err == nil && ok {
			response["failure"] = failure
		}
		c.JSON(http.StatusOK, response)
	})

	return router
}

// startStatusServer runs the status API in the background. It serves until
// the process exits.
func (a *App) startStatusServer(port int, store *state.Store) {
	router := a.newStatusRouter(store)
	addr := fmt.Sprintf(":%d", port)

	go func() {
		a.logger.Info("Status server starting.", "address", fmt.Sprintf("http://localhost%s/health", addr))
		if err := router.Run(addr); err != nil {
			a.logger.Error("Status server failed.", "error", err)
		}
	}()
}
