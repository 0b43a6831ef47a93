package middleware

import (
	"net/http"

	"allocation-service/internal/dto"
	"allocation-service/internal/models"
	"allocation-service/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Заголовки, которые проставляет api-gateway после интроспекции токена.
const (
	HeaderUserID   = "X-User-ID"
	HeaderUserRole = "X-User-Role"
)

var knownRoles = map[models.UserRole]struct{}{
	models.RoleAdmin:   {},
	models.RoleManager: {},
	models.RoleSales:   {},
	models.RoleViewer:  {},
}

// ActorRequired проверяет заголовки актора и кладёт их в контекст запроса.
// Фактическое существование/активность пользователя перепроверяется
// внутри транзакции сервисного слоя, здесь только форма.
func ActorRequired(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		rawID := c.GetHeader(HeaderUserID)
		if rawID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, dto.NewUnauthorizedError("missing "+HeaderUserID+" header"))
			return
		}
		userID, err := uuid.Parse(rawID)
		if err != nil {
			log.Warn("Некорректный идентификатор актора", zap.String("user_id", rawID))
			c.AbortWithStatusJSON(http.StatusUnauthorized, dto.NewUnauthorizedError("invalid "+HeaderUserID+" header"))
			return
		}

		role := models.UserRole(c.GetHeader(HeaderUserRole))
		if _, ok := knownRoles[role]; !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, dto.NewUnauthorizedError("missing or unknown "+HeaderUserRole+" header"))
			return
		}

		ctx := service.WithUserID(c.Request.Context(), userID)
		ctx = service.WithRole(ctx, role)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}
