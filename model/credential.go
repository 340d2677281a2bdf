package model

import "time"

// ServiceAuthentication 用户在第三方服务上的凭证（MySQL 持久化）
type ServiceAuthentication struct {
	ID           int64     `json:"id" gorm:"primaryKey;autoIncrement"`
	UserID       string    `json:"userId" gorm:"size:64;not null;uniqueIndex:idx_user_service"`
	Service      string    `json:"service" gorm:"size:32;not null;uniqueIndex:idx_user_service"`
	AccessToken  string    `json:"-" gorm:"type:text"`
	RefreshToken string    `json:"-" gorm:"type:text"`
	ExpiresAt    time.Time `json:"expiresAt"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// TableName 指定表名
func (ServiceAuthentication) TableName() string {
	return "service_authentications"
}

// NeedsRefresh 没有 access token 但有 refresh token 时必须刷新
func (s *ServiceAuthentication) NeedsRefresh() bool {
	return s != nil && s.AccessToken == "" && s.RefreshToken != ""
}
