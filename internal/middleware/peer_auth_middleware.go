package middleware

import (
	"context"
	"log"
	"net/http"
	"strings"

	"sketch-sync/pkg/jwt"
	"sketch-sync/pkg/response"
)

type contextKey string

const PeerDeviceKey contextKey = "peerDeviceID"

// PeerAuthMiddleware admits requests carrying a pairing token signed with the
// shared secret. A token naming this device itself is refused.
func PeerAuthMiddleware(pairingSecret, selfID string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				response.Unauthorized(w, "Missing authorization header")
				return
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || parts[0] != "Bearer" {
				response.Unauthorized(w, "Invalid authorization header format")
				return
			}

			claims, err := jwt.ValidateToken(parts[1], pairingSecret)
			if err != nil {
				log.Printf("[PeerAuth] rejected token from %s: %v", r.RemoteAddr, err)
				response.Unauthorized(w, "Invalid or expired pairing token")
				return
			}
			if claims.DeviceID == selfID {
				response.Unauthorized(w, "Pairing token names this device")
				return
			}

			if rw, ok := w.(*responseWriter); ok {
				rw.peerDeviceID = claims.DeviceID
			}
			ctx := context.WithValue(r.Context(), PeerDeviceKey, claims.DeviceID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func GetPeerDeviceID(r *http.Request) string {
	deviceID, ok := r.Context().Value(PeerDeviceKey).(string)
	if !ok {
		return ""
	}
	return deviceID
}
