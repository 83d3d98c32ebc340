package service

import (
	"context"
	"fmt"
	"time"

	"linkplace/internal/model"
	"linkplace/internal/repository"

	"gorm.io/gorm"
)

// BalanceService 积分账户查询与统计（只读）
type BalanceService struct {
	db              *gorm.DB
	balanceRepo     *repository.BalanceRepository
	transactionRepo *repository.TransactionRepository
}

func NewBalanceService(db *gorm.DB) *BalanceService {
	return &BalanceService{
		db:              db,
		balanceRepo:     repository.NewBalanceRepository(db),
		transactionRepo: repository.NewTransactionRepository(db),
	}
}

// GetBalance 查询用户积分账户，新用户懒创建零账户
func (s *BalanceService) GetBalance(ctx context.Context, userID int64) (*model.PointBalance, error) {
	return s.balanceRepo.GetOrCreate(ctx, userID)
}

type HistoryResult struct {
	Transactions []*model.PointTransaction `json:"transactions"`
	Total        int64                     `json:"total"`
	Page         int                       `json:"page"`
	PageSize     int                       `json:"page_size"`
	Pages        int64                     `json:"pages"`
}

// GetHistory 分页查询积分流水，最新在前
func (s *BalanceService) GetHistory(ctx context.Context, userID int64, filter *repository.TransactionFilter, page, pageSize int) (*HistoryResult, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}

	transactions, total, err := s.transactionRepo.List(ctx, userID, filter, page, pageSize)
	if err != nil {
		return nil, fmt.Errorf("查询流水失败: %w", err)
	}

	return &HistoryResult{
		Transactions: transactions,
		Total:        total,
		Page:         page,
		PageSize:     pageSize,
		Pages:        (total + int64(pageSize) - 1) / int64(pageSize),
	}, nil
}

type ExpiringResult struct {
	TotalExpiringPoints  int64                     `json:"total_expiring_points"`
	ExpiringTransactions []*model.PointTransaction `json:"expiring_transactions"`
	ExpiresWithinDays    int                       `json:"expires_within_days"`
}

// GetExpiring 查询 days 天内到期的积分
func (s *BalanceService) GetExpiring(ctx context.Context, userID int64, days int) (*ExpiringResult, error) {
	cutoff := time.Now().AddDate(0, 0, days)

	transactions, err := s.transactionRepo.GetExpiring(ctx, userID, cutoff)
	if err != nil {
		return nil, fmt.Errorf("查询到期积分失败: %w", err)
	}

	var total int64
	for _, t := range transactions {
		total += t.Points
	}

	return &ExpiringResult{
		TotalExpiringPoints:  total,
		ExpiringTransactions: transactions,
		ExpiresWithinDays:    days,
	}, nil
}

type MonthlyStat struct {
	Earned int64 `json:"earned"`
	Used   int64 `json:"used"`
}

type StatsResult struct {
	MonthlyStats      map[string]*MonthlyStat `json:"monthly_stats"` // key: YYYY-MM
	SourceStats       map[string]int64        `json:"source_stats"`  // 各来源累计获得积分
	TotalTransactions int                     `json:"total_transactions"`
}

// GetStats 积分统计：按月的获取/消费和按来源的获取汇总
func (s *BalanceService) GetStats(ctx context.Context, userID int64) (*StatsResult, error) {
	transactions, err := s.transactionRepo.ListAllByUserID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("查询流水失败: %w", err)
	}

	result := &StatsResult{
		MonthlyStats:      make(map[string]*MonthlyStat),
		SourceStats:       make(map[string]int64),
		TotalTransactions: len(transactions),
	}

	for _, t := range transactions {
		monthKey := t.CreatedAt.Format("2006-01")
		stat, ok := result.MonthlyStats[monthKey]
		if !ok {
			stat = &MonthlyStat{}
			result.MonthlyStats[monthKey] = stat
		}

		switch {
		case t.IsCredit() && t.IsCompleted():
			stat.Earned += t.Points
			result.SourceStats[t.Source] += t.Points
		case t.Type == model.TransactionTypeSpent && t.IsCompleted():
			stat.Used += t.AbsolutePoints()
		}
	}

	return result, nil
}
