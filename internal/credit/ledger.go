package credit

import "context"

// Ledger 抽象了跨链信用记录的持久化接口。
type Ledger interface {
	// Create 保存新记录并返回其 ID；ID 为空时由实现生成。
	Create(ctx context.Context, record *Record) (string, error)
	Get(ctx context.Context, id string) (*Record, error)
	// Update 合并 patch；状态只能前进，否则返回 ErrStatusRegression。
	Update(ctx context.Context, id string, patch Patch) (*Record, error)
	FindByStatus(ctx context.Context, statuses []Status, limit int) ([]*Record, error)
	List(ctx context.Context, opts ListOptions) ([]*Record, error)
	Stats(ctx context.Context, opts ListOptions) (Stats, error)
	Close() error
}
