package middleware

import (
	"log"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

const (
	// VisitorCookieName - cookie с анонимным идентификатором посетителя
	VisitorCookieName = "visitor_id"
	// VisitorIDKey - ключ идентификатора посетителя в контексте Gin
	VisitorIDKey = "visitor_id"
	// AdminKeyHeader - заголовок с ключом администратора
	AdminKeyHeader = "X-Admin-Key"
)

// VisitorConfig содержит настройки cookie посетителя
type VisitorConfig struct {
	MaxAgeSec int
	Secure    bool
	Domain    string
}

// AuthMiddleware привязывает запросы к анонимному посетителю и проверяет доступ администратора
type AuthMiddleware struct {
	visitor      VisitorConfig
	adminKeyHash []byte
	allowOrigins map[string]bool
}

// NewAuthMiddleware создает middleware. adminKeyHash - bcrypt-хеш ключа администратора;
// пустой хеш отключает админские маршруты.
func NewAuthMiddleware(visitor VisitorConfig, adminKeyHash string, allowOrigins []string) *AuthMiddleware {
	origins := make(map[string]bool, len(allowOrigins))
	for _, o := range allowOrigins {
		origins[strings.TrimRight(o, "/")] = true
	}
	return &AuthMiddleware{
		visitor:      visitor,
		adminKeyHash: []byte(adminKeyHash),
		allowOrigins: origins,
	}
}

// Visitor выдает посетителю cookie с UUID, если её нет, и кладет ID в контекст
func (m *AuthMiddleware) Visitor() gin.HandlerFunc {
	return func(c *gin.Context) {
		visitorID, err := c.Cookie(VisitorCookieName)
		if err != nil || !isUUID(visitorID) {
			visitorID = uuid.New().String()
			c.SetSameSite(http.SameSiteLaxMode)
			c.SetCookie(VisitorCookieName, visitorID, m.visitor.MaxAgeSec, "/", m.visitor.Domain, m.visitor.Secure, true)
		}
		c.Set(VisitorIDKey, visitorID)
		c.Next()
	}
}

// RequireSameOrigin отклоняет изменяющие запросы с чужим Origin.
// Запросы без Origin (не из браузера) пропускаются.
func (m *AuthMiddleware) RequireSameOrigin() gin.HandlerFunc {
	return func(c *gin.Context) {
		method := c.Request.Method
		if method == http.MethodGet || method == http.MethodHead || method == http.MethodOptions {
			c.Next()
			return
		}
		origin := c.GetHeader("Origin")
		if origin == "" || m.allowOrigins[strings.TrimRight(origin, "/")] {
			c.Next()
			return
		}
		log.Printf("[AuthMiddleware] Отклонен запрос %s %s с Origin %s", method, c.Request.URL.Path, origin)
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "Origin not allowed", "error_type": "origin_not_allowed"})
	}
}

// AdminOnly проверяет ключ администратора из заголовка X-Admin-Key
func (m *AuthMiddleware) AdminOnly() gin.HandlerFunc {
	return func(c *gin.Context) {
		if len(m.adminKeyHash) == 0 {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "Admin access is disabled", "error_type": "admin_disabled"})
			return
		}
		key := c.GetHeader(AdminKeyHeader)
		if key == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Admin key is required", "error_type": "token_missing"})
			return
		}
		if err := bcrypt.CompareHashAndPassword(m.adminKeyHash, []byte(key)); err != nil {
			log.Printf("[AuthMiddleware] Неверный ключ администратора с IP %s", c.ClientIP())
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "Admin rights required", "error_type": "permission_denied"})
			return
		}
		c.Next()
	}
}

// VisitorID возвращает ID посетителя, сохраненный middleware Visitor
func VisitorID(c *gin.Context) string {
	return c.GetString(VisitorIDKey)
}

func isUUID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}
