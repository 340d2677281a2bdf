package repository

import (
	"context"
	"errors"

	"roomcast/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// CredentialRepository 第三方服务凭证数据访问接口
type CredentialRepository interface {
	GetCredentials(ctx context.Context, userID, service string) (*model.ServiceAuthentication, error)
	SaveCredentials(ctx context.Context, cred *model.ServiceAuthentication) error
	ListByUser(ctx context.Context, userID string) ([]*model.ServiceAuthentication, error)
	Delete(ctx context.Context, userID, service string) error
}

// gormCredentialRepository GORM 实现
type gormCredentialRepository struct {
	db *gorm.DB
}

// NewGormCredentialRepository 创建 GORM 凭证仓库
func NewGormCredentialRepository(db *gorm.DB) CredentialRepository {
	return &gormCredentialRepository{db: db}
}

// GetCredentials 不存在时返回 nil, nil
func (r *gormCredentialRepository) GetCredentials(ctx context.Context, userID, service string) (*model.ServiceAuthentication, error) {
	var cred model.ServiceAuthentication
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND service = ?", userID, service).
		First(&cred).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &cred, nil
}

// SaveCredentials 按 (user_id, service) upsert
func (r *gormCredentialRepository) SaveCredentials(ctx context.Context, cred *model.ServiceAuthentication) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}, {Name: "service"}},
			DoUpdates: clause.AssignmentColumns([]string{"access_token", "refresh_token", "expires_at", "updated_at"}),
		}).
		Create(cred).Error
}

// ListByUser 用户的全部凭证
func (r *gormCredentialRepository) ListByUser(ctx context.Context, userID string) ([]*model.ServiceAuthentication, error) {
	var creds []*model.ServiceAuthentication
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("service ASC").
		Find(&creds).Error
	return creds, err
}

// Delete 删除凭证（用户解绑服务）
func (r *gormCredentialRepository) Delete(ctx context.Context, userID, service string) error {
	return r.db.WithContext(ctx).
		Where("user_id = ? AND service = ?", userID, service).
		Delete(&model.ServiceAuthentication{}).Error
}
