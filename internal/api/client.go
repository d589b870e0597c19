package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"awg-admin/internal/audit"
	"awg-admin/internal/auth"
	"awg-admin/internal/provision"
	"awg-admin/internal/registry"
)

// ClientAPI provides the token-protected peer administration routes.
type ClientAPI struct {
	service *provision.Service
	log     logrus.FieldLogger
}

type GetClientsResponse struct {
	Clients []registry.Peer `json:"clients"`
	Total   int             `json:"total"`
	Backend string          `json:"backend"`
}

type MessageResponse struct {
	Message string `json:"message"`
}

type ClientConfigResponse struct {
	Config string `json:"config"`
}

type EventsResponse struct {
	Events []audit.ProvisionEvent `json:"events"`
	Total  int                    `json:"total"`
}

// NewClientAPI creates a new client API instance
func NewClientAPI(service *provision.Service, logger logrus.FieldLogger) *ClientAPI {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &ClientAPI{
		service: service,
		log:     logger,
	}
}

// RegisterRoutes registers the admin routes behind middleware.
func (api *ClientAPI) RegisterRoutes(router gin.IRouter, middleware *auth.AuthMiddleware) {
	vpn := router.Group("/vpn")
	vpn.Use(middleware.RequireAuth())
	{
		vpn.GET("/clients", api.GetClients)
		vpn.GET("/events", api.GetEvents)

		peers := vpn.Group("/peers/:id")
		{
			peers.POST("/enable", api.EnablePeer)
			peers.POST("/disable", api.DisablePeer)
			peers.DELETE("", api.DeletePeer)
			peers.GET("/config", api.GetPeerConfig)
			peers.GET("/qrcode", api.GetPeerQRCode)
		}
	}
}

// GetClients lists every peer the backend knows about.
func (api *ClientAPI) GetClients(c *gin.Context) {
	peers, err := api.service.ListPeers(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}
	if peers == nil {
		peers = []registry.Peer{}
	}

	c.JSON(http.StatusOK, GetClientsResponse{
		Clients: peers,
		Total:   len(peers),
		Backend: api.service.BackendName(),
	})
}

// EnablePeer re-enables a peer.
func (api *ClientAPI) EnablePeer(c *gin.Context) {
	id := c.Param("id")
	if err := api.service.EnablePeer(c.Request.Context(), id); err != nil {
		c.JSON(statusFor(err), ErrorResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, MessageResponse{Message: "Peer enabled"})
}

// DisablePeer disables a peer without deleting it.
func (api *ClientAPI) DisablePeer(c *gin.Context) {
	id := c.Param("id")
	if err := api.service.DisablePeer(c.Request.Context(), id); err != nil {
		c.JSON(statusFor(err), ErrorResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, MessageResponse{Message: "Peer disabled"})
}

// DeletePeer removes a peer.
func (api *ClientAPI) DeletePeer(c *gin.Context) {
	id := c.Param("id")
	if err := api.service.DeletePeer(c.Request.Context(), id); err != nil {
		c.JSON(statusFor(err), ErrorResponse{Error: err.Error()})
		return
	}
	if claims, ok := auth.GetClaims(c); ok {
		api.log.WithFields(logrus.Fields{"peer_id": id, "subject": claims.Subject}).Info("Peer deleted over HTTP")
	}
	c.JSON(http.StatusOK, MessageResponse{Message: "Peer deleted"})
}

// GetPeerConfig returns the backend's configuration export.
func (api *ClientAPI) GetPeerConfig(c *gin.Context) {
	config, err := api.service.ConfigText(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(statusFor(err), ErrorResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, ClientConfigResponse{Config: config})
}

// GetPeerQRCode returns the backend's QR export as an SVG image.
func (api *ClientAPI) GetPeerQRCode(c *gin.Context) {
	svg, err := api.service.QRArtifact(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(statusFor(err), ErrorResponse{Error: err.Error()})
		return
	}
	c.Data(http.StatusOK, "image/svg+xml", svg)
}

// GetEvents returns the latest provisioning journal entries.
func (api *ClientAPI) GetEvents(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit <= 0 {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid limit"})
		return
	}

	events, err := api.service.RecentEvents(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}
	if events == nil {
		events = []audit.ProvisionEvent{}
	}
	c.JSON(http.StatusOK, EventsResponse{Events: events, Total: len(events)})
}
