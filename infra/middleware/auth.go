package middleware

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"encoding/base64"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"mailwatch_server/pkg/logger"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const googleCertsURL = "https://www.googleapis.com/oauth2/v3/certs"

// JWKS represents a JSON Web Key Set
type JWKS struct {
	Keys []JWK `json:"keys"`
}

// JWK represents a JSON Web Key
type JWK struct {
	Kid string `json:"kid"`
	Kty string `json:"kty"`
	Alg string `json:"alg"`
	Use string `json:"use"`
	N   string `json:"n,omitempty"`   // RSA modulus
	E   string `json:"e,omitempty"`   // RSA exponent
	Crv string `json:"crv,omitempty"` // EC curve
	X   string `json:"x,omitempty"`   // EC x coordinate
	Y   string `json:"y,omitempty"`   // EC y coordinate
}

// JWKSCache caches JWKS with TTL
type JWKSCache struct {
	mu        sync.RWMutex
	jwks      *JWKS
	fetchedAt time.Time
	ttl       time.Duration
	url       string
}

func NewJWKSCache(url string) *JWKSCache {
	return &JWKSCache{
		ttl: 10 * time.Minute,
		url: url,
	}
}

// GetKey retrieves a key by kid from JWKS
func (c *JWKSCache) GetKey(kid string) (*JWK, error) {
	c.mu.RLock()
	if c.jwks != nil && time.Since(c.fetchedAt) < c.ttl {
		for _, key := range c.jwks.Keys {
			if key.Kid == kid {
				c.mu.RUnlock()
				return &key, nil
			}
		}
		c.mu.RUnlock()
		return nil, fmt.Errorf("key not found: %s", kid)
	}
	c.mu.RUnlock()

	if err := c.refresh(); err != nil {
		return nil, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, key := range c.jwks.Keys {
		if key.Kid == kid {
			return &key, nil
		}
	}
	return nil, fmt.Errorf("key not found: %s", kid)
}

func (c *JWKSCache) refresh() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.url == "" {
		return fmt.Errorf("JWKS URL not configured")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, "GET", c.url, nil)
	if err != nil {
		return err
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to fetch JWKS: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("JWKS fetch failed with status: %d", resp.StatusCode)
	}

	var jwks JWKS
	if err := json.NewDecoder(resp.Body).Decode(&jwks); err != nil {
		return fmt.Errorf("failed to decode JWKS: %w", err)
	}

	c.jwks = &jwks
	c.fetchedAt = time.Now()
	logger.Info("JWKS refreshed successfully, %d keys loaded", len(jwks.Keys))
	return nil
}

// parseECPublicKey parses EC public key from JWK
func parseECPublicKey(jwk *JWK) (*ecdsa.PublicKey, error) {
	xBytes, err := base64.RawURLEncoding.DecodeString(jwk.X)
	if err != nil {
		return nil, fmt.Errorf("failed to decode x: %w", err)
	}

	yBytes, err := base64.RawURLEncoding.DecodeString(jwk.Y)
	if err != nil {
		return nil, fmt.Errorf("failed to decode y: %w", err)
	}

	var curve elliptic.Curve
	switch jwk.Crv {
	case "P-256":
		curve = elliptic.P256()
	case "P-384":
		curve = elliptic.P384()
	case "P-521":
		curve = elliptic.P521()
	default:
		return nil, fmt.Errorf("unsupported curve: %s", jwk.Crv)
	}

	return &ecdsa.PublicKey{
		Curve: curve,
		X:     new(big.Int).SetBytes(xBytes),
		Y:     new(big.Int).SetBytes(yBytes),
	}, nil
}

// parseRSAPublicKey parses RSA public key from JWK
func parseRSAPublicKey(jwk *JWK) (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(jwk.N)
	if err != nil {
		return nil, fmt.Errorf("failed to decode n: %w", err)
	}

	eBytes, err := base64.RawURLEncoding.DecodeString(jwk.E)
	if err != nil {
		return nil, fmt.Errorf("failed to decode e: %w", err)
	}

	var e int
	for _, b := range eBytes {
		e = e<<8 + int(b)
	}

	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(nBytes),
		E: e,
	}, nil
}

// GooglePushVerifier validates the OIDC token Google attaches to Pub/Sub
// push deliveries when the subscription is configured with authentication.
type GooglePushVerifier struct {
	audience string
	certs    *JWKSCache
}

// NewGooglePushVerifier creates a verifier for the given audience. The
// audience is the push endpoint URL configured on the subscription.
func NewGooglePushVerifier(audience string) *GooglePushVerifier {
	return &GooglePushVerifier{
		audience: audience,
		certs:    NewJWKSCache(googleCertsURL),
	}
}

// Verify checks the bearer token signature, issuer, and audience.
func (v *GooglePushVerifier) Verify(authHeader string) error {
	parts := strings.Split(authHeader, " ")
	if len(parts) != 2 || parts[0] != "Bearer" {
		return fmt.Errorf("missing bearer token")
	}

	token, err := jwt.Parse(parts[1], func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		kid, ok := token.Header["kid"].(string)
		if !ok || kid == "" {
			return nil, fmt.Errorf("missing kid in token header")
		}
		jwk, err := v.certs.GetKey(kid)
		if err != nil {
			return nil, fmt.Errorf("failed to get public key: %w", err)
		}
		return parseRSAPublicKey(jwk)
	})
	if err != nil {
		return err
	}
	if !token.Valid {
		return fmt.Errorf("invalid token")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return fmt.Errorf("invalid claims")
	}

	if iss, _ := claims["iss"].(string); iss != "https://accounts.google.com" && iss != "accounts.google.com" {
		return fmt.Errorf("unexpected issuer: %s", iss)
	}

	if v.audience != "" {
		if aud, _ := claims["aud"].(string); aud != v.audience {
			return fmt.Errorf("unexpected audience: %s", aud)
		}
	}

	return nil
}

// JWTAuth validates bearer tokens on the operational API. Webhook endpoints
// are skipped because Pub/Sub authenticates with its own OIDC token.
func JWTAuth(secret string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if c.Method() == "OPTIONS" {
			return c.Next()
		}

		path := c.Path()
		if strings.Contains(path, "/webhook/") || strings.Contains(path, "/webhooks/") {
			return c.Next()
		}

		var tokenString string

		authHeader := c.Get("Authorization")
		if authHeader != "" {
			parts := strings.Split(authHeader, " ")
			if len(parts) == 2 && parts[0] == "Bearer" {
				tokenString = parts[1]
			}
		}

		if tokenString == "" {
			tokenString = c.Query("token")
		}

		if tokenString == "" {
			return c.Status(401).JSON(fiber.Map{"error": "missing authorization"})
		}

		token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unsupported signing method: %v", token.Header["alg"])
			}
			if secret == "" {
				return nil, fmt.Errorf("JWT secret not configured")
			}
			return []byte(secret), nil
		})

		if err != nil {
			logger.WithError(err).Warn("JWT validation failed")
			return c.Status(401).JSON(fiber.Map{
				"error":  "invalid token",
				"detail": err.Error(),
			})
		}

		if !token.Valid {
			return c.Status(401).JSON(fiber.Map{"error": "invalid token"})
		}

		claims, ok := token.Claims.(jwt.MapClaims)
		if !ok {
			return c.Status(401).JSON(fiber.Map{"error": "invalid claims"})
		}

		if exp, ok := claims["exp"].(float64); ok {
			if time.Now().Unix() > int64(exp) {
				return c.Status(401).JSON(fiber.Map{
					"error": "token expired",
					"code":  "TOKEN_EXPIRED",
				})
			}
		}

		// Reject tokens issued in the future, with a minute of clock skew.
		if iat, ok := claims["iat"].(float64); ok {
			issuedAt := time.Unix(int64(iat), 0)
			if issuedAt.After(time.Now().Add(time.Minute)) {
				return c.Status(401).JSON(fiber.Map{
					"error": "token issued in the future",
					"code":  "INVALID_TOKEN_TIME",
				})
			}
		}

		userIDStr, ok := claims["sub"].(string)
		if !ok {
			return c.Status(401).JSON(fiber.Map{"error": "missing user id in token"})
		}

		userID, err := uuid.Parse(userIDStr)
		if err != nil {
			return c.Status(401).JSON(fiber.Map{"error": "invalid user id format"})
		}

		email := ""
		if emailClaim, ok := claims["email"].(string); ok {
			email = emailClaim
		}

		c.Locals("user_id", userID)
		c.Locals("user_email", email)
		c.Locals("claims", claims)

		return c.Next()
	}
}
