package jwt

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// JWTConfig JWT 配置
type JWTConfig struct {
	Secret      string
	TokenExpiry time.Duration // 管理 Token 有效期
}

// 全局配置，由 Init 函数初始化
var jwtConfig *JWTConfig

// Init 初始化 JWT 配置
// 运维接口只有管理员一个身份，单一短期 Token 即可
func Init(secret string, expiryHours int) {
	jwtConfig = &JWTConfig{
		Secret:      secret,
		TokenExpiry: time.Duration(expiryHours) * time.Hour,
	}
}

// Claims 自定义 JWT 声明
type Claims struct {
	Wxid string `json:"wxid"`
	jwt.RegisteredClaims
}

// GenerateAdminToken 为管理员签发运维接口 Token
func GenerateAdminToken(wxid string) (string, error) {
	claims := Claims{
		Wxid: wxid,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(jwtConfig.TokenExpiry)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			Issuer:    "claude_bridge",
			Subject:   "ops_token",
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(jwtConfig.Secret))
}

// ParseToken 解析并验证 Token
func ParseToken(tokenString string) (*Claims, error) {
	if jwtConfig == nil {
		return nil, jwt.ErrInvalidKey
	}
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return []byte(jwtConfig.Secret), nil
	})
	if err != nil {
		return nil, err
	}
	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return claims, nil
	}
	return nil, jwt.ErrSignatureInvalid
}
