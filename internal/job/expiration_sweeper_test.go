package job

import (
	"context"
	"fmt"
	"testing"
	"time"

	"linkplace/internal/config"
	"linkplace/internal/infrastructure/lock"
	"linkplace/internal/model"
	"linkplace/internal/repository"
	"linkplace/internal/service"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		t.Fatalf("打开测试数据库失败: %v", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("获取底层 DB 失败: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	err = db.AutoMigrate(
		&model.PointBalance{},
		&model.PointTransaction{},
		&model.OutboxMessage{},
	)
	if err != nil {
		t.Fatalf("迁移表结构失败: %v", err)
	}

	return db
}

func newTestConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Points.DefaultExpireDays = 365
	cfg.Points.SweepIntervalSeconds = 60
	cfg.Points.SweepBatchSize = 100
	cfg.Points.MaxRetryCount = 3
	cfg.Kafka.Topic.PointEvents = "point.events"
	return cfg
}

type sweeperEnv struct {
	db       *gorm.DB
	cfg      *config.Config
	locker   lock.BalanceLocker
	sweeper  *ExpirationSweeper
	earn     *service.EarnService
	spend    *service.SpendService
	reversal *service.ReversalService
}

func newSweeperEnv(t *testing.T) *sweeperEnv {
	t.Helper()

	db := newTestDB(t)
	cfg := newTestConfig()
	locker := lock.NewKeyedMutex()

	return &sweeperEnv{
		db:       db,
		cfg:      cfg,
		locker:   locker,
		sweeper:  NewExpirationSweeper(db, locker, cfg),
		earn:     service.NewEarnService(db, locker, cfg),
		spend:    service.NewSpendService(db, locker, cfg),
		reversal: service.NewReversalService(db, locker, cfg),
	}
}

var sweeperReqSeq int

func (e *sweeperEnv) earnApprovedExpired(t *testing.T, userID, points int64) int64 {
	t.Helper()

	sweeperReqSeq++
	resp, err := e.earn.Earn(context.Background(), &service.EarnRequest{
		RequestID: fmt.Sprintf("sweep-earn-%d", sweeperReqSeq),
		UserID:    userID,
		Points:    points,
		Source:    model.SourceReview,
	})
	if err != nil {
		t.Fatalf("Earn() error = %v", err)
	}
	if _, err := e.earn.Approve(context.Background(), resp.TransactionID, 999); err != nil {
		t.Fatalf("Approve() error = %v", err)
	}

	// 把过期时间改到过去，模拟已到期的入账流水
	past := time.Now().Add(-time.Hour)
	if err := e.db.Model(&model.PointTransaction{}).
		Where("id = ?", resp.TransactionID).
		Update("expires_at", past).Error; err != nil {
		t.Fatalf("更新过期时间失败: %v", err)
	}

	return resp.TransactionID
}

func (e *sweeperEnv) balance(t *testing.T, userID int64) *model.PointBalance {
	t.Helper()

	balance, err := repository.NewBalanceRepository(e.db).GetByUserID(context.Background(), userID)
	if err != nil {
		t.Fatalf("查询账户失败: %v", err)
	}
	return balance
}

// TestSweep_ExpiresOnce 到期积分被扣减并落 expired 流水
func TestSweep_ExpiresOnce(t *testing.T) {
	env := newSweeperEnv(t)

	id := env.earnApprovedExpired(t, 1001, 300)

	env.sweeper.SweepOnce(context.Background())

	var original model.PointTransaction
	if err := env.db.First(&original, id).Error; err != nil {
		t.Fatalf("查询原流水失败: %v", err)
	}
	if !original.IsExpired {
		t.Error("is_expired = false, want true")
	}

	var expireTrans model.PointTransaction
	err := env.db.Where("related_transaction_id = ? AND type = ?", id, model.TransactionTypeExpired).
		First(&expireTrans).Error
	if err != nil {
		t.Fatalf("查询过期流水失败: %v", err)
	}
	if expireTrans.Points != -300 {
		t.Errorf("过期流水积分 = %d, want -300", expireTrans.Points)
	}
	if expireTrans.Status != model.TransactionStatusCompleted {
		t.Errorf("过期流水状态 = %s, want completed", expireTrans.Status)
	}
	if expireTrans.BalanceAfter != expireTrans.BalanceBefore+expireTrans.Points {
		t.Errorf("balance_after = %d, want balance_before(%d) + points(%d)",
			expireTrans.BalanceAfter, expireTrans.BalanceBefore, expireTrans.Points)
	}

	balance := env.balance(t, 1001)
	if balance.AvailablePoints != 0 {
		t.Errorf("available_points = %d, want 0", balance.AvailablePoints)
	}
	if balance.ExpiredPoints != 300 {
		t.Errorf("expired_points = %d, want 300", balance.ExpiredPoints)
	}
}

// TestSweep_SecondRunNoop 第二轮扫描对已处理流水是空操作
func TestSweep_SecondRunNoop(t *testing.T) {
	env := newSweeperEnv(t)

	id := env.earnApprovedExpired(t, 1001, 300)

	env.sweeper.SweepOnce(context.Background())
	env.sweeper.SweepOnce(context.Background())

	var count int64
	if err := env.db.Model(&model.PointTransaction{}).
		Where("related_transaction_id = ? AND type = ?", id, model.TransactionTypeExpired).
		Count(&count).Error; err != nil {
		t.Fatalf("统计过期流水失败: %v", err)
	}
	if count != 1 {
		t.Errorf("过期流水条数 = %d, want 1", count)
	}

	balance := env.balance(t, 1001)
	if balance.ExpiredPoints != 300 {
		t.Errorf("expired_points = %d, want 300", balance.ExpiredPoints)
	}
}

// TestSweep_CapsAtAvailable 积分已被部分消费时只过期剩余可用部分
func TestSweep_CapsAtAvailable(t *testing.T) {
	env := newSweeperEnv(t)

	id := env.earnApprovedExpired(t, 1001, 100)

	sweeperReqSeq++
	if _, err := env.spend.Spend(context.Background(), &service.SpendRequest{
		RequestID: fmt.Sprintf("sweep-spend-%d", sweeperReqSeq),
		UserID:    1001,
		Points:    80,
		Source:    model.SourcePurchase,
	}); err != nil {
		t.Fatalf("Spend() error = %v", err)
	}

	env.sweeper.SweepOnce(context.Background())

	var expireTrans model.PointTransaction
	err := env.db.Where("related_transaction_id = ? AND type = ?", id, model.TransactionTypeExpired).
		First(&expireTrans).Error
	if err != nil {
		t.Fatalf("查询过期流水失败: %v", err)
	}
	if expireTrans.Points != -20 {
		t.Errorf("过期流水积分 = %d, want -20", expireTrans.Points)
	}

	balance := env.balance(t, 1001)
	if balance.AvailablePoints != 0 {
		t.Errorf("available_points = %d, want 0", balance.AvailablePoints)
	}
	if balance.ExpiredPoints != 20 {
		t.Errorf("expired_points = %d, want 20", balance.ExpiredPoints)
	}
}

// TestSweep_FullyConsumed 积分全部被消费时只做标记，不落流水
func TestSweep_FullyConsumed(t *testing.T) {
	env := newSweeperEnv(t)

	id := env.earnApprovedExpired(t, 1001, 100)

	sweeperReqSeq++
	if _, err := env.spend.Spend(context.Background(), &service.SpendRequest{
		RequestID: fmt.Sprintf("sweep-spend-%d", sweeperReqSeq),
		UserID:    1001,
		Points:    100,
		Source:    model.SourcePurchase,
	}); err != nil {
		t.Fatalf("Spend() error = %v", err)
	}

	env.sweeper.SweepOnce(context.Background())

	var original model.PointTransaction
	if err := env.db.First(&original, id).Error; err != nil {
		t.Fatalf("查询原流水失败: %v", err)
	}
	if !original.IsExpired {
		t.Error("is_expired = false, want true")
	}

	var count int64
	if err := env.db.Model(&model.PointTransaction{}).
		Where("related_transaction_id = ? AND type = ?", id, model.TransactionTypeExpired).
		Count(&count).Error; err != nil {
		t.Fatalf("统计过期流水失败: %v", err)
	}
	if count != 0 {
		t.Errorf("过期流水条数 = %d, want 0", count)
	}

	balance := env.balance(t, 1001)
	if balance.ExpiredPoints != 0 {
		t.Errorf("expired_points = %d, want 0", balance.ExpiredPoints)
	}
}

// TestSweep_SkipsReversedEntry 批量查询和逐条处理之间被冲正的流水不再做过期扣减
//
// 冲正已经把积分扣回，过期处理再扣一次会重复扣减。
// 用查询快照直接调用单条处理，模拟扫描后流水被冲正的交错
func TestSweep_SkipsReversedEntry(t *testing.T) {
	env := newSweeperEnv(t)

	expiredID := env.earnApprovedExpired(t, 1001, 300)

	// 第二笔未到期入账，保证冲正时可用积分充足
	sweeperReqSeq++
	resp, err := env.earn.Earn(context.Background(), &service.EarnRequest{
		RequestID: fmt.Sprintf("sweep-earn-%d", sweeperReqSeq),
		UserID:    1001,
		Points:    300,
		Source:    model.SourceReview,
	})
	if err != nil {
		t.Fatalf("Earn() error = %v", err)
	}
	if _, err := env.earn.Approve(context.Background(), resp.TransactionID, 999); err != nil {
		t.Fatalf("Approve() error = %v", err)
	}

	// 查询快照（模拟 GetExpirable 的批量结果）
	stale, err := repository.NewTransactionRepository(env.db).GetByID(context.Background(), expiredID)
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}

	// 处理前流水被冲正，积分已被扣回
	if _, err := env.reversal.Reverse(context.Background(), expiredID, 999, "重复发放"); err != nil {
		t.Fatalf("Reverse() error = %v", err)
	}

	if err := env.sweeper.expireTransaction(context.Background(), stale); err != nil {
		t.Fatalf("expireTransaction() error = %v", err)
	}

	balance := env.balance(t, 1001)
	if balance.AvailablePoints != 300 {
		t.Errorf("available_points = %d, want 300", balance.AvailablePoints)
	}
	if balance.ExpiredPoints != 0 {
		t.Errorf("expired_points = %d, want 0", balance.ExpiredPoints)
	}

	var count int64
	if err := env.db.Model(&model.PointTransaction{}).
		Where("related_transaction_id = ? AND type = ?", expiredID, model.TransactionTypeExpired).
		Count(&count).Error; err != nil {
		t.Fatalf("统计过期流水失败: %v", err)
	}
	if count != 0 {
		t.Errorf("过期流水条数 = %d, want 0", count)
	}
}

// TestSweep_UnexpiredUntouched 未到期流水不被处理
func TestSweep_UnexpiredUntouched(t *testing.T) {
	env := newSweeperEnv(t)

	sweeperReqSeq++
	resp, err := env.earn.Earn(context.Background(), &service.EarnRequest{
		RequestID: fmt.Sprintf("sweep-earn-%d", sweeperReqSeq),
		UserID:    1001,
		Points:    100,
		Source:    model.SourceReview,
	})
	if err != nil {
		t.Fatalf("Earn() error = %v", err)
	}
	if _, err := env.earn.Approve(context.Background(), resp.TransactionID, 999); err != nil {
		t.Fatalf("Approve() error = %v", err)
	}

	env.sweeper.SweepOnce(context.Background())

	balance := env.balance(t, 1001)
	if balance.AvailablePoints != 100 {
		t.Errorf("available_points = %d, want 100", balance.AvailablePoints)
	}
	if balance.ExpiredPoints != 0 {
		t.Errorf("expired_points = %d, want 0", balance.ExpiredPoints)
	}
}
