package repository

import (
	"context"

	"github.com/pocketpaw/pocketpaw/gateway/internal/domain/entity"
)

// TurnRepository 会话轮次仓储接口
// The memory store is the single writer; adapters only read.
type TurnRepository interface {
	// Append 追加若干轮次到会话历史
	Append(ctx context.Context, key entity.SessionKey, turns []entity.Turn) error

	// History 按时间顺序返回会话的全部轮次
	History(ctx context.Context, key entity.SessionKey) ([]entity.Turn, error)

	// Sessions 返回所有已知会话键
	Sessions(ctx context.Context) ([]entity.SessionKey, error)
}
