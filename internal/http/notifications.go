package http

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/parcelworks/assessor-sync/internal/entities"
	"github.com/parcelworks/assessor-sync/internal/notify"
)

type NotificationsController struct {
	router *notify.Router
}

func NewNotificationsController(router *notify.Router) *NotificationsController {
	return &NotificationsController{router: router}
}

func (n *NotificationsController) ListConfigs(c *gin.Context) {
	configs, err := n.router.Configs()
	if err != nil {
		respondInternalError(c, err, "list notification configs")
		return
	}
	c.JSON(http.StatusOK, gin.H{"channels": configs})
}

type notificationConfigRequest struct {
	Channel        string `json:"channel" binding:"required"`
	Enabled        bool   `json:"enabled"`
	Config         string `json:"config,omitempty"`
	SeverityRoutes string `json:"severity_routes,omitempty"`
}

// UpdateConfig upserts one channel's settings; the router reloads its
// cache on success.
func (n *NotificationsController) UpdateConfig(c *gin.Context) {
	var req notificationConfigRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, "channel is required")
		return
	}

	err := n.router.UpdateConfig(entities.Channel(req.Channel), req.Enabled, req.Config, req.SeverityRoutes)
	if err != nil {
		if strings.Contains(err.Error(), entities.ErrKindConfigInvalid) {
			respondBadRequest(c, err.Error())
			return
		}
		respondInternalError(c, err, "update notification config")
		return
	}
	respondSuccess(c, "notification config updated")
}

// SendTest pushes a test message through one channel's real delivery
// path.
func (n *NotificationsController) SendTest(c *gin.Context) {
	channel := entities.Channel(c.Param("channel"))
	if err := n.router.SendTest(channel); err != nil {
		respondBadRequest(c, err.Error())
		return
	}
	respondSuccess(c, "test notification dispatched")
}

// ListDeliveries returns recent delivery attempts, newest first.
func (n *NotificationsController) ListDeliveries(c *gin.Context) {
	limit, _ := parsePagination(c)
	deliveries, err := n.router.Deliveries(limit)
	if err != nil {
		respondInternalError(c, err, "list notification deliveries")
		return
	}
	c.JSON(http.StatusOK, gin.H{"deliveries": deliveries})
}
