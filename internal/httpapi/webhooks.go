package httpapi

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
)

// handleWebhookInbound verifies the HMAC-SHA256 signature over the raw
// body, applies the subscription's optional filter map, and hands the
// decoded payload to the subscribing rule's webhookTrigger.
func (s *Server) handleWebhookInbound(c *gin.Context) {
	path := c.Param("path")

	sub, err := s.store.GetWebhookSubscription(path)
	if err != nil {
		respondError(c, err)
		return
	}
	if sub == nil || !sub.Active {
		c.JSON(http.StatusNotFound, gin.H{"error": "no active webhook subscription for this path"})
		return
	}

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read request body"})
		return
	}

	if sub.Secret != "" {
		signature := c.GetHeader("X-Webhook-Signature")
		if !verifySignature(sub.Secret, body, signature) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid webhook signature"})
			return
		}
	}

	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "body is not valid JSON"})
		return
	}

	if filter, ok := sub.Metadata["filter"].(map[string]any); ok {
		if !matchesFilter(payload, filter) {
			c.JSON(http.StatusOK, gin.H{"status": "filtered"})
			return
		}
	}

	ruleID, _ := sub.Metadata["ruleId"].(string)
	if ruleID == "" {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "subscription is not bound to an automation"})
		return
	}

	webhook, ok := s.triggers.Webhook(ruleID)
	if !ok || !webhook.HandleRequest(payload) {
		c.JSON(http.StatusConflict, gin.H{"error": "automation's webhook trigger is not currently active"})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
}

func verifySignature(secret string, body []byte, signature string) bool {
	if signature == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

// matchesFilter requires every (k, v) pair in filter to match the decoded
// payload exactly. Values are compared via their JSON text so maps/slices
// (not directly comparable in Go) don't panic on ==.
func matchesFilter(payload, filter map[string]any) bool {
	for k, want := range filter {
		got, ok := payload[k]
		if !ok {
			return false
		}
		gotJSON, _ := json.Marshal(got)
		wantJSON, _ := json.Marshal(want)
		if string(gotJSON) != string(wantJSON) {
			return false
		}
	}
	return true
}
