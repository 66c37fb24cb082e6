package http

import (
	"bytes"
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/richardliu001/wallet-bridge/internal/config"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	ctxUserID    = "user_id"
	ctxRequestID = "request_id"

	requestIDHeader = "X-Request-ID"
	userIDHeader    = "X-User-ID"

	idempotencyHeader   = "Idempotency-Key"
	idempotencyTTL      = 24 * time.Hour
	idempotencyPrefix   = "idempotency:"
	idempotencyLockPref = "lock:"
)

// LoggingMiddleware prints request/response metrics.
func LoggingMiddleware(log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Infof("%s %s %d %s rid=%s",
			c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start), c.GetString(ctxRequestID))
	}
}

// RateLimitMiddleware simple token bucket per IP.
func RateLimitMiddleware(rps, burst int) gin.HandlerFunc {
	var mu sync.Mutex
	buckets := make(map[string]*rate.Limiter)
	newLimiter := func() *rate.Limiter { return rate.NewLimiter(rate.Limit(rps), burst) }
	return func(c *gin.Context) {
		ip, _, err := net.SplitHostPort(c.Request.RemoteAddr)
		if err != nil {
			ip = c.Request.RemoteAddr
		}
		mu.Lock()
		lim, ok := buckets[ip]
		if !ok {
			lim = newLimiter()
			buckets[ip] = lim
		}
		mu.Unlock()
		if !lim.Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}

// RequestIDMiddleware keeps the caller's X-Request-ID or assigns one.
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(ctxRequestID, id)
		c.Header(requestIDHeader, id)
		c.Next()
	}
}

// Claims is the bearer token payload; uid names the caller.
type Claims struct {
	UserID string `json:"uid"`
	jwt.RegisteredClaims
}

// UserMiddleware identifies the caller from an HS256 bearer token when a
// secret is configured, otherwise from the X-User-ID header.
func UserMiddleware(cfg config.AuthConfig) gin.HandlerFunc {
	secret := []byte(cfg.JWTSecret)
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if cfg.JWTIssuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.JWTIssuer))
	}
	return func(c *gin.Context) {
		var uid string
		if len(secret) == 0 {
			uid = strings.TrimSpace(c.GetHeader(userIDHeader))
		} else {
			ah := c.GetHeader("Authorization")
			if len(ah) < 7 || !strings.EqualFold(ah[:7], "bearer ") {
				c.AbortWithStatusJSON(http.StatusUnauthorized, apiError{Error: "missing bearer token", Code: "unauthorized"})
				return
			}
			claims := &Claims{}
			_, err := jwt.ParseWithClaims(strings.TrimSpace(ah[7:]), claims, func(*jwt.Token) (interface{}, error) {
				return secret, nil
			}, opts...)
			if err != nil {
				c.AbortWithStatusJSON(http.StatusUnauthorized, apiError{Error: "invalid access token", Code: "unauthorized"})
				return
			}
			uid = claims.UserID
		}
		if uid == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, apiError{Error: "caller not identified", Code: "unauthorized"})
			return
		}
		c.Set(ctxUserID, uid)
		c.Next()
	}
}

type cachedResponse struct {
	Status int    `json:"status"`
	Body   string `json:"body"`
}

type captureWriter struct {
	gin.ResponseWriter
	body bytes.Buffer
}

func (w *captureWriter) Write(b []byte) (int, error) {
	w.body.Write(b)
	return w.ResponseWriter.Write(b)
}

func (w *captureWriter) WriteString(s string) (int, error) {
	w.body.WriteString(s)
	return w.ResponseWriter.WriteString(s)
}

// releaseLock deletes the lock only while it still holds our token, so a
// request never frees a lock another request has since taken.
var releaseLock = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// IdempotencyMiddleware replays the stored response for a repeated
// Idempotency-Key and rejects a concurrent duplicate with 409. Only 2xx
// responses are stored. Keys are scoped to the caller and the route.
// lockTTL must outlive the slowest request on the route.
func IdempotencyMiddleware(rdb *redis.Client, lockTTL time.Duration, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.GetHeader(idempotencyHeader)
		if key == "" || rdb == nil {
			c.Next()
			return
		}
		ctx := c.Request.Context()
		scoped := c.GetString(ctxUserID) + ":" + c.FullPath() + ":" + key
		cacheKey := idempotencyPrefix + scoped
		lockKey := idempotencyLockPref + scoped

		if raw, err := rdb.Get(ctx, cacheKey).Result(); err == nil {
			var cached cachedResponse
			if err := json.Unmarshal([]byte(raw), &cached); err == nil {
				log.Debugw("idempotency cache hit", "key", key)
				c.Header("X-Idempotency-Hit", "true")
				c.Data(cached.Status, "application/json; charset=utf-8", []byte(cached.Body))
				c.Abort()
				return
			}
		}

		token := uuid.NewString()
		acquired, err := rdb.SetNX(ctx, lockKey, token, lockTTL).Result()
		if err != nil {
			log.Errorw("idempotency lock failed", "key", key, "error", err)
			c.AbortWithStatusJSON(http.StatusInternalServerError, apiError{Error: "internal error", Code: "internal_error"})
			return
		}
		if !acquired {
			c.AbortWithStatusJSON(http.StatusConflict, apiError{
				Error: "a request with this idempotency key is currently being processed", Code: "conflict",
			})
			return
		}
		defer func() {
			if err := releaseLock.Run(ctx, rdb, []string{lockKey}, token).Err(); err != nil {
				log.Warnw("idempotency lock release failed", "key", key, "error", err)
			}
		}()

		w := &captureWriter{ResponseWriter: c.Writer}
		c.Writer = w
		c.Next()

		if status := w.Status(); status >= 200 && status < 300 {
			b, _ := json.Marshal(cachedResponse{Status: status, Body: w.body.String()})
			if err := rdb.Set(ctx, cacheKey, string(b), idempotencyTTL).Err(); err != nil {
				log.Warnw("idempotency response not cached", "key", key, "error", err)
			}
		}
	}
}
