package token

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

const adminSubject = "admin"

var ErrInvalidToken = errors.New("token is not valid")

// Claims - утверждения сессионного токена администратора
type Claims struct {
	jwt.RegisteredClaims
	SessionID string `json:"sid"`
}

// BuildJWTString создаёт подписанный токен сессии администратора
func BuildJWTString(secret string, sessionID string, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", ErrInvalidToken
	}
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   adminSubject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		SessionID: sessionID,
	})

	tokenString, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", err
	}
	return tokenString, nil
}

// GetSessionID проверяет подпись и срок действия, возвращает идентификатор сессии
func GetSessionID(secret string, tokenString string) (string, error) {
	if secret == "" {
		return "", ErrInvalidToken
	}
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims,
		func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, ErrInvalidToken
			}
			return []byte(secret), nil
		})
	if err != nil {
		return "", err
	}
	if !token.Valid || claims.Subject != adminSubject {
		return "", ErrInvalidToken
	}
	return claims.SessionID, nil
}
