// Package api provides the JSON HTTP front-end: health and pincode
// endpoints, pincode-gated VPN client creation, and token-protected peer
// administration, all on the Gin web framework.
package api

import (
	"encoding/base64"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"awg-admin/internal/audit"
	"awg-admin/internal/pincode"
	"awg-admin/internal/provision"
	"awg-admin/internal/registry"
)

// ServiceName is reported by the health endpoint.
const ServiceName = "amnezia-vpn-admin-bot"

// defaultUsername is used when a create request names nobody.
const defaultUsername = "TestUser"

// VPNAPI serves the public, pincode-gated routes.
type VPNAPI struct {
	service    *provision.Service
	deriver    *pincode.Deriver
	revealHint bool // Include the current pincode in 403 responses
	log        logrus.FieldLogger
}

// Request/Response structures
type HealthResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
}

type ValidatePincodeRequest struct {
	Pincode *string `json:"pincode"`
}

type ValidatePincodeResponse struct {
	Valid   bool   `json:"valid"`
	Pincode string `json:"pincode"`
}

type CreateClientRequest struct {
	Pincode  *string `json:"pincode"`
	Username string  `json:"username,omitempty"`
}

type CreateClientResponse struct {
	Success        bool   `json:"success"`
	Username       string `json:"username"`
	IP             string `json:"ip"`
	Config         string `json:"config"`
	ConfigFilename string `json:"config_filename"`
	QRCodeBase64   string `json:"qr_code_base64"`
	ServerIP       string `json:"server_ip"`
	ServerPort     int    `json:"server_port"`
	PublicKey      string `json:"public_key"`
}

type InvalidPincodeResponse struct {
	Error          string `json:"error"`
	CurrentPincode string `json:"current_pincode,omitempty"`
}

type PeersResponse struct {
	Success bool   `json:"success"`
	Peers   string `json:"peers"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

// NewVPNAPI creates the public API.
func NewVPNAPI(service *provision.Service, deriver *pincode.Deriver, revealHint bool, logger logrus.FieldLogger) *VPNAPI {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &VPNAPI{
		service:    service,
		deriver:    deriver,
		revealHint: revealHint,
		log:        logger,
	}
}

// RegisterRoutes registers the public routes
func (api *VPNAPI) RegisterRoutes(router gin.IRouter) {
	router.GET("/health", api.Health)

	pin := router.Group("/pincode")
	{
		pin.GET("/current", api.CurrentPincode)
		pin.POST("/validate", api.ValidatePincode)
	}

	vpn := router.Group("/vpn")
	{
		vpn.POST("/create", api.CreateClient)
		vpn.GET("/peers", api.GetPeers)
		vpn.GET("/config/:username", api.DownloadConfig)
	}
}

// Health reports liveness.
func (api *VPNAPI) Health(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{Status: "ok", Service: ServiceName})
}

// CurrentPincode returns the diagnostic pincode snapshot.
func (api *VPNAPI) CurrentPincode(c *gin.Context) {
	c.JSON(http.StatusOK, api.deriver.CurrentInfo())
}

// ValidatePincode checks a candidate pincode.
func (api *VPNAPI) ValidatePincode(c *gin.Context) {
	var req ValidatePincodeRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Pincode == nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Missing pincode"})
		return
	}

	c.JSON(http.StatusOK, ValidatePincodeResponse{
		Valid:   api.deriver.Validate(*req.Pincode),
		Pincode: *req.Pincode,
	})
}

// CreateClient provisions a VPN client once the pincode checks out.
func (api *VPNAPI) CreateClient(c *gin.Context) {
	var req CreateClientRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Pincode == nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Missing pincode"})
		return
	}

	if !api.deriver.Validate(*req.Pincode) {
		api.log.WithField("client_ip", c.ClientIP()).Warn("Rejected client creation with invalid pincode")
		resp := InvalidPincodeResponse{Error: "Invalid pincode"}
		if api.revealHint {
			resp.CurrentPincode = api.deriver.Current()
		}
		c.JSON(http.StatusForbidden, resp)
		return
	}

	username := req.Username
	if username == "" {
		username = defaultUsername
	}

	result, err := api.service.Provision(c.Request.Context(), username, audit.ChannelHTTP)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}

	c.JSON(http.StatusOK, CreateClientResponse{
		Success:        true,
		Username:       result.Label,
		IP:             result.IP,
		Config:         result.Config,
		ConfigFilename: result.ConfigFilename,
		QRCodeBase64:   base64.StdEncoding.EncodeToString(result.QRCode),
		ServerIP:       result.ServerIP,
		ServerPort:     result.ServerPort,
		PublicKey:      result.PublicKey,
	})
}

// GetPeers returns the backend's raw peer status.
func (api *VPNAPI) GetPeers(c *gin.Context) {
	status, err := api.service.PeerStatus(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, PeersResponse{Success: true, Peers: status})
}

// DownloadConfig is not implemented; configurations are only handed out
// at creation time.
func (api *VPNAPI) DownloadConfig(c *gin.Context) {
	c.JSON(http.StatusNotImplemented, ErrorResponse{Error: "Not implemented"})
}

// statusFor maps a registry error to an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, registry.ErrPeerNotFound):
		return http.StatusNotFound
	case errors.Is(err, registry.ErrUnsupported):
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}
