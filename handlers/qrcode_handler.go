package handlers

import (
	"encoding/base64"
	"log"
	"net/http"

	"github.com/skip2/go-qrcode"
)

type QRCodeHandler struct {
	serverURL string
}

func NewQRCodeHandler(serverURL string) *QRCodeHandler {
	return &QRCodeHandler{
		serverURL: serverURL,
	}
}

// GetQRCode returns the server's LAN URL as a PNG data URL so other devices
// can join by scanning instead of typing an address.
func (h *QRCodeHandler) GetQRCode(w http.ResponseWriter, r *http.Request) {
	pngBytes, err := qrcode.Encode(h.serverURL, qrcode.Medium, 256)
	if err != nil {
		log.Printf("QR code generation failed: %v", err)
		respondWithError(w, http.StatusInternalServerError, "Could not generate QR code")
		return
	}

	respondWithJSON(w, http.StatusOK, map[string]string{
		"qrDataUrl": "data:image/png;base64," + base64.StdEncoding.EncodeToString(pngBytes),
		"serverUrl": h.serverURL,
	})
}
