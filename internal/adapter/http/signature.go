package http

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/cwygoda/ytfetch/internal/logger"
)

const maxTimestampSkew = 5 * time.Minute

// Sign returns the X-Signature value for body sent at timestamp:
// hex(SHA256("${timestamp}\n${body}\n${secret}")).
func Sign(timestamp string, body []byte, secret string) string {
	hash := sha256.Sum256([]byte(fmt.Sprintf("%s\n%s\n%s", timestamp, body, secret)))
	return hex.EncodeToString(hash[:])
}

// verifySignature rejects requests without a valid X-Timestamp/X-Signature pair.
func (s *Server) verifySignature(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "failed to read request body"})
		return
	}
	c.Request.Body = io.NopCloser(bytes.NewReader(body))

	if err := s.checkSignature(c.GetHeader("X-Timestamp"), c.GetHeader("X-Signature"), body); err != nil {
		s.log.Warn("signature verification failed", logger.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}
	c.Next()
}

func (s *Server) checkSignature(timestamp, signature string, body []byte) error {
	if timestamp == "" {
		return errors.New("missing X-Timestamp header")
	}
	ts, err := time.Parse(time.RFC3339, timestamp)
	if err != nil {
		return errors.New("invalid X-Timestamp: must be ISO8601/RFC3339 format")
	}

	skew := time.Since(ts)
	if skew < 0 {
		skew = -skew
	}
	if skew > maxTimestampSkew {
		return fmt.Errorf("X-Timestamp too far from current time (skew: %v, max: %v)", skew.Truncate(time.Second), maxTimestampSkew)
	}

	if signature == "" {
		return errors.New("missing X-Signature header")
	}
	if signature != Sign(timestamp, body, s.cfg.Secret) {
		return errors.New("invalid signature")
	}
	return nil
}
