package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mossy-p/session-relay/config"
	"github.com/pion/webrtc/v4"
)

// ICEServers returns the configured STUN/TURN servers in the shape
// RTCPeerConnection expects.
func ICEServers(servers []config.ICEServer) gin.HandlerFunc {
	out := make([]webrtc.ICEServer, 0, len(servers))
	for _, s := range servers {
		ice := webrtc.ICEServer{URLs: s.URLs, Username: s.Username}
		if s.Credential != "" {
			ice.Credential = s.Credential
			ice.CredentialType = webrtc.ICECredentialTypePassword
		}
		out = append(out, ice)
	}
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"iceServers": out})
	}
}
