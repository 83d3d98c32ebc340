package service

import (
	"context"
	"testing"
	"time"

	"linkplace/internal/model"
	"linkplace/internal/repository"
)

// TestGetBalance_LazyCreate 新用户首次查询懒创建零账户
func TestGetBalance_LazyCreate(t *testing.T) {
	env := newTestEnv(t)

	balance := env.mustBalance(t, 2001)

	if balance.UserID != 2001 {
		t.Errorf("user_id = %d, want 2001", balance.UserID)
	}
	if balance.TotalPoints != 0 || balance.AvailablePoints != 0 || balance.PendingPoints != 0 {
		t.Errorf("新账户不为零: total=%d, available=%d, pending=%d",
			balance.TotalPoints, balance.AvailablePoints, balance.PendingPoints)
	}
}

// TestGetHistory_FilterAndPaging 过滤与分页
func TestGetHistory_FilterAndPaging(t *testing.T) {
	env := newTestEnv(t)

	env.mustEarnApproved(t, 1001, 100, model.SourceReview)
	env.mustEarnApproved(t, 1001, 200, model.SourceCampaign)
	if _, err := env.spend.Spend(context.Background(), &SpendRequest{
		RequestID: nextRequestID(),
		UserID:    1001,
		Points:    50,
		Source:    model.SourcePurchase,
	}); err != nil {
		t.Fatalf("Spend() error = %v", err)
	}

	// 全量
	result, err := env.balance.GetHistory(context.Background(), 1001, nil, 1, 20)
	if err != nil {
		t.Fatalf("GetHistory() error = %v", err)
	}
	if result.Total != 3 {
		t.Errorf("total = %d, want 3", result.Total)
	}

	// 按类型过滤
	result, err = env.balance.GetHistory(context.Background(), 1001,
		&repository.TransactionFilter{Type: model.TransactionTypeSpent}, 1, 20)
	if err != nil {
		t.Fatalf("GetHistory() error = %v", err)
	}
	if result.Total != 1 {
		t.Errorf("spent total = %d, want 1", result.Total)
	}

	// 按来源过滤
	result, err = env.balance.GetHistory(context.Background(), 1001,
		&repository.TransactionFilter{Source: model.SourceCampaign}, 1, 20)
	if err != nil {
		t.Fatalf("GetHistory() error = %v", err)
	}
	if result.Total != 1 {
		t.Errorf("campaign total = %d, want 1", result.Total)
	}

	// 分页
	result, err = env.balance.GetHistory(context.Background(), 1001, nil, 1, 2)
	if err != nil {
		t.Fatalf("GetHistory() error = %v", err)
	}
	if len(result.Transactions) != 2 {
		t.Errorf("第一页条数 = %d, want 2", len(result.Transactions))
	}
	if result.Pages != 2 {
		t.Errorf("pages = %d, want 2", result.Pages)
	}

	// 其他用户的流水不可见
	result, err = env.balance.GetHistory(context.Background(), 9999, nil, 1, 20)
	if err != nil {
		t.Fatalf("GetHistory() error = %v", err)
	}
	if result.Total != 0 {
		t.Errorf("其他用户 total = %d, want 0", result.Total)
	}
}

// TestGetExpiring 查询窗口内到期的积分
func TestGetExpiring(t *testing.T) {
	env := newTestEnv(t)

	id := env.mustEarnApproved(t, 1001, 300, model.SourceReview)

	// 把过期时间改到 10 天后
	soon := time.Now().AddDate(0, 0, 10)
	if err := env.db.Model(&model.PointTransaction{}).
		Where("id = ?", id).
		Update("expires_at", soon).Error; err != nil {
		t.Fatalf("更新过期时间失败: %v", err)
	}

	result, err := env.balance.GetExpiring(context.Background(), 1001, 30)
	if err != nil {
		t.Fatalf("GetExpiring() error = %v", err)
	}
	if result.TotalExpiringPoints != 300 {
		t.Errorf("total_expiring_points = %d, want 300", result.TotalExpiringPoints)
	}
	if len(result.ExpiringTransactions) != 1 {
		t.Errorf("到期流水条数 = %d, want 1", len(result.ExpiringTransactions))
	}

	// 窗口外（5 天）查不到
	result, err = env.balance.GetExpiring(context.Background(), 1001, 5)
	if err != nil {
		t.Fatalf("GetExpiring() error = %v", err)
	}
	if result.TotalExpiringPoints != 0 {
		t.Errorf("5 天窗口 total_expiring_points = %d, want 0", result.TotalExpiringPoints)
	}
}

// TestGetStats 按月和按来源统计
func TestGetStats(t *testing.T) {
	env := newTestEnv(t)

	env.mustEarnApproved(t, 1001, 100, model.SourceReview)
	env.mustEarnApproved(t, 1001, 200, model.SourceReview)
	env.mustEarnApproved(t, 1001, 50, model.SourceSignup)
	if _, err := env.spend.Spend(context.Background(), &SpendRequest{
		RequestID: nextRequestID(),
		UserID:    1001,
		Points:    120,
		Source:    model.SourcePurchase,
	}); err != nil {
		t.Fatalf("Spend() error = %v", err)
	}

	result, err := env.balance.GetStats(context.Background(), 1001)
	if err != nil {
		t.Fatalf("GetStats() error = %v", err)
	}

	if result.SourceStats[model.SourceReview] != 300 {
		t.Errorf("review 来源积分 = %d, want 300", result.SourceStats[model.SourceReview])
	}
	if result.SourceStats[model.SourceSignup] != 50 {
		t.Errorf("signup 来源积分 = %d, want 50", result.SourceStats[model.SourceSignup])
	}

	monthKey := time.Now().Format("2006-01")
	stat, ok := result.MonthlyStats[monthKey]
	if !ok {
		t.Fatalf("缺少当月统计: %s", monthKey)
	}
	if stat.Earned != 350 {
		t.Errorf("当月获取 = %d, want 350", stat.Earned)
	}
	if stat.Used != 120 {
		t.Errorf("当月消费 = %d, want 120", stat.Used)
	}
}
