package relay

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/ghzmwhdk777/ckpts/internal/config"
)

// Handler saves relayed image pairs into a directory
type Handler struct {
	dir    string
	logger *logrus.Logger
}

// NewHandler creates relay handler
func NewHandler(dir string) *Handler {
	return &Handler{
		dir:    dir,
		logger: config.NewLogger(),
	}
}

// RegisterRoutes registers routes
func (h *Handler) RegisterRoutes(r gin.IRouter) {
	r.POST("/upload", h.upload)
}

// upload decodes both images and saves them as PNG. A later pair replaces
// the previous one.
func (h *Handler) upload(c *gin.Context) {
	var payload Payload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, Response{Status: StatusFail, Message: "No JSON data received"})
		return
	}
	if payload.RGBImage == "" || payload.MaskImage == "" {
		c.JSON(http.StatusBadRequest, Response{Status: StatusFail, Message: "Missing image data"})
		return
	}

	rgb, err := DecodeImage(payload.RGBImage)
	if err != nil {
		c.JSON(http.StatusBadRequest, Response{Status: StatusFail, Message: "rgb_image: " + err.Error()})
		return
	}
	mask, err := DecodeImage(payload.MaskImage)
	if err != nil {
		c.JSON(http.StatusBadRequest, Response{Status: StatusFail, Message: "mask_image: " + err.Error()})
		return
	}

	rgbPath, err := savePNG(h.dir, RGBFile, rgb)
	if err != nil {
		h.logger.WithError(err).Error("Failed to save relayed rgb image")
		c.JSON(http.StatusInternalServerError, Response{Status: StatusError, Message: err.Error()})
		return
	}
	maskPath, err := savePNG(h.dir, MaskFile, mask)
	if err != nil {
		h.logger.WithError(err).Error("Failed to save relayed mask image")
		c.JSON(http.StatusInternalServerError, Response{Status: StatusError, Message: err.Error()})
		return
	}

	h.logger.WithFields(logrus.Fields{
		"rgb":  rgbPath,
		"mask": maskPath,
		"size": rgb.Bounds().Size().String(),
	}).Info("Relayed images saved")

	c.JSON(http.StatusOK, Response{Status: StatusSuccess, Message: "Images received and saved"})
}
