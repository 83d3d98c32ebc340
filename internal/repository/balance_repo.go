package repository

import (
	"context"
	"errors"

	"linkplace/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrBalanceNotFound    = errors.New("积分账户不存在")
	ErrInsufficientPoints = errors.New("可用积分不足")
	ErrPendingNotEnough   = errors.New("待审核积分不足")
	ErrOptimisticLock     = errors.New("乐观锁冲突，请重试")
)

type BalanceRepository struct {
	db *gorm.DB
}

func NewBalanceRepository(db *gorm.DB) *BalanceRepository {
	return &BalanceRepository{db: db}
}

func (r *BalanceRepository) GetByUserID(ctx context.Context, userID int64) (*model.PointBalance, error) {
	var balance model.PointBalance
	err := r.db.WithContext(ctx).Where("user_id = ?", userID).First(&balance).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrBalanceNotFound
		}
		return nil, err
	}
	return &balance, nil
}

// GetOrCreate 查询账户，不存在时懒创建
func (r *BalanceRepository) GetOrCreate(ctx context.Context, userID int64) (*model.PointBalance, error) {
	balance, err := r.GetByUserID(ctx, userID)
	if err == nil {
		return balance, nil
	}

	if !errors.Is(err, ErrBalanceNotFound) {
		return nil, err
	}

	newBalance := &model.PointBalance{
		UserID: userID,
	}

	// 并发创建时以先插入者为准
	err = r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoNothing: true,
		}).
		Create(newBalance).Error

	if err != nil {
		return nil, err
	}

	return r.GetByUserID(ctx, userID)
}

// AddPending 登记待审核积分：pending += points
func (r *BalanceRepository) AddPending(ctx context.Context, tx *gorm.DB, userID int64, points int64) error {
	if tx == nil {
		tx = r.db
	}

	result := tx.WithContext(ctx).
		Model(&model.PointBalance{}).
		Where("user_id = ?", userID).
		Updates(map[string]interface{}{
			"pending_points": gorm.Expr("pending_points + ?", points),
			"version":        gorm.Expr("version + 1"),
		})

	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		return ErrBalanceNotFound
	}

	return nil
}

// ConfirmPending 审核通过入账：available += points, pending -= points, total += points
func (r *BalanceRepository) ConfirmPending(ctx context.Context, tx *gorm.DB, userID int64, points int64) error {
	if tx == nil {
		tx = r.db
	}

	result := tx.WithContext(ctx).
		Model(&model.PointBalance{}).
		Where("user_id = ? AND pending_points >= ?", userID, points).
		Updates(map[string]interface{}{
			"available_points": gorm.Expr("available_points + ?", points),
			"pending_points":   gorm.Expr("pending_points - ?", points),
			"total_points":     gorm.Expr("total_points + ?", points),
			"version":          gorm.Expr("version + 1"),
		})

	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		return r.explainPendingFailure(ctx, userID, points)
	}

	return nil
}

// ReleasePending 审核拒绝，撤回待审核积分：pending -= points
func (r *BalanceRepository) ReleasePending(ctx context.Context, tx *gorm.DB, userID int64, points int64) error {
	if tx == nil {
		tx = r.db
	}

	result := tx.WithContext(ctx).
		Model(&model.PointBalance{}).
		Where("user_id = ? AND pending_points >= ?", userID, points).
		Updates(map[string]interface{}{
			"pending_points": gorm.Expr("pending_points - ?", points),
			"version":        gorm.Expr("version + 1"),
		})

	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		return r.explainPendingFailure(ctx, userID, points)
	}

	return nil
}

// Deduct 消费扣减：available -= points, used += points
//
// 【关键点】WHERE 条件同时校验余额充足和乐观锁版本，
// 可用积分在任何并发交错下都不会被扣成负数
func (r *BalanceRepository) Deduct(ctx context.Context, tx *gorm.DB, userID int64, points int64, version int) error {
	if tx == nil {
		tx = r.db
	}

	result := tx.WithContext(ctx).
		Model(&model.PointBalance{}).
		Where("user_id = ? AND available_points >= ? AND version = ?", userID, points, version).
		Updates(map[string]interface{}{
			"available_points": gorm.Expr("available_points - ?", points),
			"used_points":      gorm.Expr("used_points + ?", points),
			"version":          gorm.Expr("version + 1"),
		})

	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		balance, err := r.GetByUserID(ctx, userID)
		if err != nil {
			return err
		}
		if balance.AvailablePoints < points {
			return ErrInsufficientPoints
		}
		return ErrOptimisticLock
	}

	return nil
}

// Expire 过期扣减：available -= points, expired += points
func (r *BalanceRepository) Expire(ctx context.Context, tx *gorm.DB, userID int64, points int64) error {
	if tx == nil {
		tx = r.db
	}

	result := tx.WithContext(ctx).
		Model(&model.PointBalance{}).
		Where("user_id = ? AND available_points >= ?", userID, points).
		Updates(map[string]interface{}{
			"available_points": gorm.Expr("available_points - ?", points),
			"expired_points":   gorm.Expr("expired_points + ?", points),
			"version":          gorm.Expr("version + 1"),
		})

	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		return ErrInsufficientPoints
	}

	return nil
}

// RevokeCredit 冲正入账流水：available -= points, total -= points
// 用户已把这笔积分花掉时可用积分不足，冲正失败
func (r *BalanceRepository) RevokeCredit(ctx context.Context, tx *gorm.DB, userID int64, points int64) error {
	if tx == nil {
		tx = r.db
	}

	result := tx.WithContext(ctx).
		Model(&model.PointBalance{}).
		Where("user_id = ? AND available_points >= ?", userID, points).
		Updates(map[string]interface{}{
			"available_points": gorm.Expr("available_points - ?", points),
			"total_points":     gorm.Expr("total_points - ?", points),
			"version":          gorm.Expr("version + 1"),
		})

	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		return ErrInsufficientPoints
	}

	return nil
}

// RestoreDebit 冲正出账流水：available += points, used -= points
func (r *BalanceRepository) RestoreDebit(ctx context.Context, tx *gorm.DB, userID int64, points int64) error {
	if tx == nil {
		tx = r.db
	}

	result := tx.WithContext(ctx).
		Model(&model.PointBalance{}).
		Where("user_id = ?", userID).
		Updates(map[string]interface{}{
			"available_points": gorm.Expr("available_points + ?", points),
			"used_points":      gorm.Expr("used_points - ?", points),
			"version":          gorm.Expr("version + 1"),
		})

	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		return ErrBalanceNotFound
	}

	return nil
}

func (r *BalanceRepository) explainPendingFailure(ctx context.Context, userID int64, points int64) error {
	balance, err := r.GetByUserID(ctx, userID)
	if err != nil {
		return err
	}
	if balance.PendingPoints < points {
		return ErrPendingNotEnough
	}
	return ErrOptimisticLock
}
