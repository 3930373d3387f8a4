package models

import (
	"time"
)

// TurnModel 数据库会话轮次模型
type TurnModel struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	Channel   string `gorm:"index:idx_session;size:32;not null"`
	ChatID    string `gorm:"index:idx_session;size:64;not null"`
	Role      string `gorm:"size:16;not null"` // user, assistant, system
	Content   string `gorm:"type:text"`
	CreatedAt time.Time
}

// TableName 指定表名
func (TurnModel) TableName() string {
	return "turns"
}
