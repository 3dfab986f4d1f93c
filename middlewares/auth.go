package middlewares

import (
	"advisor/models"

	"github.com/gin-gonic/gin"
)

const (
	userKey  = "authenticated_user"
	tokenKey = "user_access_token"

	// EasyAuth が無いローカル開発時のユーザー
	DevelopmentUserID   = "00000000-0000-0000-0000-000000000000"
	DevelopmentUserName = "testusername@constoso.com"
)

// Auth は App Service 認証 (EasyAuth) のヘッダーからユーザーを取り出して gin.Context に置きます。
// トークンの検証はしない
func Auth() gin.HandlerFunc {
	return func(c *gin.Context) {
		user := models.AuthenticatedUser{
			PrincipalID:        c.GetHeader("X-Ms-Client-Principal-Id"),
			PrincipalName:      c.GetHeader("X-Ms-Client-Principal-Name"),
			AuthProvider:       c.GetHeader("X-Ms-Client-Principal-Idp"),
			AADIDToken:         c.GetHeader("X-Ms-Token-Aad-Id-Token"),
			ClientPrincipalB64: c.GetHeader("X-Ms-Client-Principal"),
		}
		if user.PrincipalID == "" {
			user = models.AuthenticatedUser{
				PrincipalID:   DevelopmentUserID,
				PrincipalName: DevelopmentUserName,
				AuthProvider:  "aad",
			}
		}

		c.Set(userKey, user)
		c.Set(tokenKey, c.GetHeader("X-Ms-Token-Aad-Access-Token"))
		c.Next()
	}
}

// CurrentUser は Auth が置いたユーザーを返します
func CurrentUser(c *gin.Context) models.AuthenticatedUser {
	if user, ok := c.Get(userKey); ok {
		if u, ok := user.(models.AuthenticatedUser); ok {
			return u
		}
	}
	return models.AuthenticatedUser{PrincipalID: DevelopmentUserID, PrincipalName: DevelopmentUserName}
}

// UserAccessToken は Graph 呼び出し用のユーザーアクセストークン。無ければ空文字
func UserAccessToken(c *gin.Context) string {
	return c.GetString(tokenKey)
}
