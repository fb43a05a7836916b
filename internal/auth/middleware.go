package auth

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// ContextKeyAddress is the gin context key holding the authenticated caller
const ContextKeyAddress = "user_address"

const messagePrefix = "RenPool Auth"

// AuthMiddleware authenticates callers by a signed, single-use token
type AuthMiddleware struct {
	mu          sync.Mutex
	nonceStore  map[string]time.Time
	nonceWindow time.Duration
	now         func() time.Time
}

// NewAuthMiddleware creates a new authentication middleware
func NewAuthMiddleware() *AuthMiddleware {
	return &AuthMiddleware{
		nonceStore:  make(map[string]time.Time),
		nonceWindow: 5 * time.Minute,
		now:         time.Now,
	}
}

// SignInMessage is the text a caller signs to authenticate
func SignInMessage(nonce string, timestamp int64) string {
	return fmt.Sprintf("%s:%s:%d", messagePrefix, nonce, timestamp)
}

// SignToken builds a bearer token for key. Token format:
// "signature:nonce:timestamp:address".
func SignToken(key *ecdsa.PrivateKey, nonce string, at time.Time) (string, error) {
	if nonce == "" || strings.Contains(nonce, ":") {
		return "", fmt.Errorf("invalid nonce")
	}
	timestamp := at.Unix()
	message := SignInMessage(nonce, timestamp)
	prefixed := fmt.Sprintf("\x19Ethereum Signed Message:\n%d%s", len(message), message)
	sig, err := crypto.Sign(crypto.Keccak256Hash([]byte(prefixed)).Bytes(), key)
	if err != nil {
		return "", fmt.Errorf("sign auth message: %w", err)
	}
	address := crypto.PubkeyToAddress(key.PublicKey)
	return fmt.Sprintf("0x%s:%s:%d:%s", hex.EncodeToString(sig), nonce, timestamp, address.Hex()), nil
}

// RequireAuth middleware that requires authentication
func (am *AuthMiddleware) RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error": "Authorization header required",
				"code":  "AUTH_HEADER_MISSING",
			})
			c.Abort()
			return
		}

		if !strings.HasPrefix(authHeader, "Bearer ") {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error": "Invalid authorization format",
				"code":  "INVALID_AUTH_FORMAT",
			})
			c.Abort()
			return
		}

		address, err := am.verifySignatureToken(strings.TrimPrefix(authHeader, "Bearer "))
		if err != nil {
			logrus.WithError(err).Warn("Authentication failed")
			c.JSON(http.StatusUnauthorized, gin.H{
				"error": "Authentication failed",
				"code":  "AUTH_FAILED",
			})
			c.Abort()
			return
		}

		c.Set(ContextKeyAddress, address)
		c.Next()
	}
}

// CallerAddress returns the authenticated caller set by RequireAuth
func CallerAddress(c *gin.Context) (common.Address, bool) {
	value, exists := c.Get(ContextKeyAddress)
	if !exists {
		return common.Address{}, false
	}
	address, ok := value.(common.Address)
	return address, ok
}

// verifySignatureToken verifies a signature-based authentication token
func (am *AuthMiddleware) verifySignatureToken(token string) (common.Address, error) {
	parts := strings.Split(token, ":")
	if len(parts) != 4 {
		return common.Address{}, fmt.Errorf("invalid token format")
	}
	signature, nonce, timestampStr, address := parts[0], parts[1], parts[2], parts[3]

	if !common.IsHexAddress(address) {
		return common.Address{}, fmt.Errorf("invalid address format")
	}
	if nonce == "" {
		return common.Address{}, fmt.Errorf("empty nonce")
	}

	timestamp, err := strconv.ParseInt(timestampStr, 10, 64)
	if err != nil {
		return common.Address{}, fmt.Errorf("invalid timestamp")
	}

	now := am.now()
	if now.Unix()-timestamp > int64(am.nonceWindow.Seconds()) || timestamp > now.Unix()+60 {
		return common.Address{}, fmt.Errorf("timestamp out of valid range")
	}

	expected := common.HexToAddress(address)
	if err := verifyEthereumSignature(SignInMessage(nonce, timestamp), signature, expected); err != nil {
		return common.Address{}, fmt.Errorf("signature verification failed: %w", err)
	}

	// nonces are scoped to the signer
	key := expected.Hex() + ":" + nonce

	am.mu.Lock()
	defer am.mu.Unlock()
	am.cleanupExpiredNonces(now)
	if _, used := am.nonceStore[key]; used {
		return common.Address{}, fmt.Errorf("nonce already used")
	}
	am.nonceStore[key] = now

	return expected, nil
}

// verifyEthereumSignature verifies a personal_sign signature over message
func verifyEthereumSignature(message, signature string, expected common.Address) error {
	sigBytes, err := hex.DecodeString(strings.TrimPrefix(signature, "0x"))
	if err != nil {
		return fmt.Errorf("invalid signature encoding")
	}
	if len(sigBytes) != 65 {
		return fmt.Errorf("invalid signature length")
	}
	// wallets produce v in {27, 28}
	if sigBytes[64] >= 27 {
		sigBytes[64] -= 27
	}

	prefixedMessage := fmt.Sprintf("\x19Ethereum Signed Message:\n%d%s", len(message), message)
	hash := crypto.Keccak256Hash([]byte(prefixedMessage))

	pubKey, err := crypto.SigToPub(hash.Bytes(), sigBytes)
	if err != nil {
		return fmt.Errorf("failed to recover public key")
	}

	if crypto.PubkeyToAddress(*pubKey) != expected {
		return fmt.Errorf("signature address mismatch")
	}
	return nil
}

// cleanupExpiredNonces removes expired nonces. Callers hold am.mu.
func (am *AuthMiddleware) cleanupExpiredNonces(now time.Time) {
	for nonce, usedAt := range am.nonceStore {
		if now.Sub(usedAt) > am.nonceWindow {
			delete(am.nonceStore, nonce)
		}
	}
}

// SecurityHeaders middleware adds security headers
func SecurityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("X-XSS-Protection", "1; mode=block")
		c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		c.Header("Content-Security-Policy", "default-src 'self'")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Next()
	}
}

// SecureCORS allows cross-origin requests from allowedOrigins only
func SecureCORS(allowedOrigins []string) gin.HandlerFunc {
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		allowed[origin] = struct{}{}
	}
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if _, ok := allowed[origin]; ok {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Vary", "Origin")
		}
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization")
		c.Header("Access-Control-Max-Age", "86400")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
