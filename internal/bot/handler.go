// Package bot is the Telegram front-end. A user sends the 6-digit pincode
// and, when it matches, receives a freshly provisioned AmneziaWG client as
// a .conf document plus a QR code.
package bot

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"awg-admin/internal/audit"
	"awg-admin/internal/pincode"
	"awg-admin/internal/provision"
)

const (
	welcomeText = "Welcome to Amnezia VPN Admin Bot!\n\n" +
		"Please enter the 6-digit pincode to create a new VPN configuration."
	usageText        = "Please enter a 6-digit pincode.\nUse /start to begin."
	invalidText      = "Incorrect pincode. Please try again."
	hintText         = "(Current valid code: %s - for debugging)"
	acceptedText     = "Pincode correct! Creating your VPN configuration..."
	assigningText    = "Assigning IP address..."
	assignedText     = "✓ Assigned IP: %s"
	keysText         = "✓ Generated keys"
	peerAddedText    = "✓ Added peer to server"
	documentCaption  = "Configuration for %s"
	photoCaption     = "Scan this QR code with AmneziaWG app"
	successText      = "✅ VPN configuration created successfully!\n\nUsername: %s\nIP: %s\nServer: %s:%d\n\nDownload the .conf file or scan the QR code with AmneziaWG app."
	failureText      = "❌ Error creating configuration:\n%s\n\nPlease contact the administrator."
	defaultFirstName = "User"
)

// Sender delivers replies to a chat.
type Sender interface {
	SendText(ctx context.Context, chatID int64, text string) error
	SendDocument(ctx context.Context, chatID int64, filename string, data []byte, caption string) error
	SendPhoto(ctx context.Context, chatID int64, filename string, data []byte, caption string) error
}

// Handler implements the conversation independently of the transport.
type Handler struct {
	service    *provision.Service
	deriver    *pincode.Deriver
	sender     Sender
	revealHint bool
	log        logrus.FieldLogger
}

// NewHandler creates a Handler replying through sender.
func NewHandler(service *provision.Service, deriver *pincode.Deriver, sender Sender, revealHint bool, logger logrus.FieldLogger) *Handler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Handler{
		service:    service,
		deriver:    deriver,
		sender:     sender,
		revealHint: revealHint,
		log:        logger,
	}
}

// HandleStart answers /start.
func (h *Handler) HandleStart(ctx context.Context, chatID int64) error {
	return h.sender.SendText(ctx, chatID, welcomeText)
}

// HandleText treats a 6-digit message as a pincode attempt and anything
// else as a request for help.
func (h *Handler) HandleText(ctx context.Context, chatID int64, firstName, text string) error {
	text = strings.TrimSpace(text)
	if !pincode.LooksLikePincode(text) {
		return h.sender.SendText(ctx, chatID, usageText)
	}

	logger := h.log.WithField("chat_id", chatID)
	if !h.deriver.Validate(text) {
		logger.WithField("pincode", text).Debug("Pincode rejected")
		reply := invalidText
		if h.revealHint {
			reply += "\n" + fmt.Sprintf(hintText, h.deriver.Current())
		}
		return h.sender.SendText(ctx, chatID, reply)
	}

	if firstName == "" {
		firstName = defaultFirstName
	}
	return h.provision(ctx, chatID, firstName)
}

func (h *Handler) provision(ctx context.Context, chatID int64, requester string) error {
	if err := h.sender.SendText(ctx, chatID, acceptedText); err != nil {
		return err
	}
	if err := h.sender.SendText(ctx, chatID, assigningText); err != nil {
		return err
	}

	result, err := h.service.Provision(ctx, requester, audit.ChannelTelegram)
	if err != nil {
		return h.sender.SendText(ctx, chatID, fmt.Sprintf(failureText, err))
	}

	steps := []string{fmt.Sprintf(assignedText, result.IP), keysText, peerAddedText}
	for _, text := range steps {
		if err := h.sender.SendText(ctx, chatID, text); err != nil {
			return err
		}
	}

	if err := h.sender.SendDocument(ctx, chatID, result.ConfigFilename, []byte(result.Config),
		fmt.Sprintf(documentCaption, result.Label)); err != nil {
		return err
	}
	if err := h.sender.SendPhoto(ctx, chatID, result.Label+".png", result.QRCode, photoCaption); err != nil {
		return err
	}

	return h.sender.SendText(ctx, chatID,
		fmt.Sprintf(successText, result.Label, result.IP, result.ServerIP, result.ServerPort))
}
