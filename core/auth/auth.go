// Package auth 房间密码哈希与连接身份令牌
package auth

import (
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// HashPassword 生成房间密码的 bcrypt 哈希
func HashPassword(password string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(bytes), nil
}

// CheckPasswordHash 校验明文密码；未设置密码的房间任何输入都通过
func CheckPasswordHash(password, hash string) bool {
	if hash == "" {
		return true
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}
