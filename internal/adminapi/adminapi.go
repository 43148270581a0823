// Package adminapi exposes the broker's administrative HTTP surface
// (spec §4.9 additions): resource/collection inspection and maintenance
// triggers, separate from the binary wire protocol the regular client
// traffic uses.
package adminapi

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/pimbroker/broker/internal/entity"
	"github.com/pimbroker/broker/internal/scheduler"
	"github.com/pimbroker/broker/internal/storage"
)

// Deps are the admin API's dependencies.
type Deps struct {
	Store     *storage.Store
	Scheduler *scheduler.Scheduler
}

// New builds the admin API's gin router.
func New(deps Deps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/admin/collections/:id", deps.getCollection)
	r.POST("/admin/collections/:id/move", deps.moveCollection)
	r.DELETE("/admin/collections/:id", deps.deleteCollection)
	r.POST("/admin/collections/:id/maintain", deps.triggerMaintenance)
	r.GET("/admin/resources", deps.listResourceUsage)

	return r
}

func (d Deps) getCollection(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	col, err := d.Store.GetCollection(c.Request.Context(), id)
	if err == storage.ErrNotFound {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, toCollectionView(col))
}

type collectionView struct {
	ID         int64  `json:"id"`
	ParentID   int64  `json:"parentId"`
	Name       string `json:"name"`
	ResourceID int64  `json:"resourceId"`
	Revision   int64  `json:"revision"`
}

func toCollectionView(c entity.Collection) collectionView {
	return collectionView{ID: c.ID, ParentID: c.ParentID, Name: c.Name, ResourceID: c.ResourceID, Revision: c.Revision}
}

type moveRequest struct {
	NewParentID int64 `json:"newParentId" binding:"required"`
}

func (d Deps) moveCollection(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	var req moveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := d.Store.MoveCollection(c.Request.Context(), id, req.NewParentID); err != nil {
		status := http.StatusInternalServerError
		if err == storage.ErrCycle {
			status = http.StatusConflict
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

func (d Deps) deleteCollection(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	if err := d.Store.DeleteCollection(c.Request.Context(), id); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

func (d Deps) triggerMaintenance(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	if d.Scheduler != nil {
		d.Scheduler.Trigger(id)
	}
	c.Status(http.StatusAccepted)
}

func (d Deps) listResourceUsage(c *gin.Context) {
	cpuPercent, _ := cpu.Percent(0, false)
	vm, _ := mem.VirtualMemory()
	usage := gin.H{"cpuPercent": cpuPercent}
	if vm != nil {
		usage["memUsedPercent"] = vm.UsedPercent
	}
	c.JSON(http.StatusOK, usage)
}

func parseID(c *gin.Context) (int64, bool) {
	var id int64
	_, err := fmt.Sscan(c.Param("id"), &id)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return 0, false
	}
	return id, true
}
