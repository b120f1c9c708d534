package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// idleLimiterTTL 超过该时长未访问的 IP 限流器会被回收
const idleLimiterTTL = 10 * time.Minute

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// IPRateLimiter 按客户端 IP 分桶的令牌桶限流器
type IPRateLimiter struct {
	mu        sync.Mutex
	visitors  map[string]*visitor
	qps       rate.Limit
	burst     int
	lastSweep time.Time
}

// NewIPRateLimiter 创建限流器，qps <= 0 表示不限流
func NewIPRateLimiter(qps float64, burst int) *IPRateLimiter {
	if burst < 1 {
		burst = 1
	}
	return &IPRateLimiter{
		visitors:  make(map[string]*visitor),
		qps:       rate.Limit(qps),
		burst:     burst,
		lastSweep: time.Now(),
	}
}

// Allow 检查该 IP 是否还有令牌
func (l *IPRateLimiter) Allow(ip string) bool {
	if l.qps <= 0 {
		return true
	}
	now := time.Now()

	l.mu.Lock()
	if now.Sub(l.lastSweep) > idleLimiterTTL {
		for k, v := range l.visitors {
			if now.Sub(v.lastSeen) > idleLimiterTTL {
				delete(l.visitors, k)
			}
		}
		l.lastSweep = now
	}
	v, ok := l.visitors[ip]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(l.qps, l.burst)}
		l.visitors[ip] = v
	}
	v.lastSeen = now
	l.mu.Unlock()

	return v.limiter.AllowN(now, 1)
}

// RateLimitMiddleware Gin 限流中间件，超限返回 429
func RateLimitMiddleware(limiter *IPRateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !limiter.Allow(c.ClientIP()) {
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "Too many requests",
			})
			return
		}
		c.Next()
	}
}
