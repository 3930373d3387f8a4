package persistence

import (
	"context"

	"gorm.io/gorm"

	"github.com/pocketpaw/pocketpaw/gateway/internal/domain/entity"
	"github.com/pocketpaw/pocketpaw/gateway/internal/domain/repository"
	"github.com/pocketpaw/pocketpaw/gateway/internal/infrastructure/persistence/models"
)

// GormTurnRepository GORM 会话轮次仓储实现
type GormTurnRepository struct {
	db *gorm.DB
}

// NewGormTurnRepository 创建 GORM 轮次仓储
func NewGormTurnRepository(db *gorm.DB) *GormTurnRepository {
	return &GormTurnRepository{db: db}
}

var _ repository.TurnRepository = (*GormTurnRepository)(nil)

// Append 追加若干轮次
func (r *GormTurnRepository) Append(ctx context.Context, key entity.SessionKey, turns []entity.Turn) error {
	if len(turns) == 0 {
		return nil
	}

	rows := make([]models.TurnModel, 0, len(turns))
	for _, t := range turns {
		rows = append(rows, models.TurnModel{
			Channel:   key.Channel,
			ChatID:    key.ChatID,
			Role:      string(t.Role),
			Content:   t.Content,
			CreatedAt: t.CreatedAt,
		})
	}

	return r.db.WithContext(ctx).Create(&rows).Error
}

// History 按插入顺序返回会话全部轮次
func (r *GormTurnRepository) History(ctx context.Context, key entity.SessionKey) ([]entity.Turn, error) {
	var rows []models.TurnModel
	err := r.db.WithContext(ctx).
		Where("channel = ? AND chat_id = ?", key.Channel, key.ChatID).
		Order("id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}

	turns := make([]entity.Turn, 0, len(rows))
	for _, row := range rows {
		turns = append(turns, entity.Turn{
			Role:      entity.TurnRole(row.Role),
			Content:   row.Content,
			CreatedAt: row.CreatedAt,
		})
	}
	return turns, nil
}

// Sessions 返回所有已知会话键
func (r *GormTurnRepository) Sessions(ctx context.Context) ([]entity.SessionKey, error) {
	var rows []models.TurnModel
	err := r.db.WithContext(ctx).
		Distinct("channel", "chat_id").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}

	keys := make([]entity.SessionKey, 0, len(rows))
	for _, row := range rows {
		keys = append(keys, entity.SessionKey{Channel: row.Channel, ChatID: row.ChatID})
	}
	return keys, nil
}
