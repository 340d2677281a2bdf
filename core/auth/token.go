package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Identity 连接身份：由连接层带外附加到每个动作上
type Identity struct {
	UserID   string
	Username string
}

// Claims 连接令牌的载荷
type Claims struct {
	Name string `json:"name"`
	jwt.RegisteredClaims
}

var ErrInvalidToken = errors.New("invalid token")

// IssueToken 签发 HS256 令牌，sub=用户 ID，name=用户名
func IssueToken(secret []byte, id Identity, ttl time.Duration) (string, error) {
	if len(secret) == 0 {
		return "", fmt.Errorf("jwt secret is empty")
	}
	now := time.Now()
	claims := Claims{
		Name: id.Username,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  id.UserID,
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// ParseToken 校验令牌并取出身份；过期的会话在这里被拒绝
func ParseToken(secret []byte, token string) (Identity, error) {
	var claims Claims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (interface{}, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !parsed.Valid || claims.Subject == "" {
		return Identity{}, ErrInvalidToken
	}
	name := claims.Name
	if name == "" {
		name = claims.Subject
	}
	return Identity{UserID: claims.Subject, Username: name}, nil
}
