package service

import (
	"context"
	"fmt"
	"testing"

	"linkplace/internal/config"
	"linkplace/internal/infrastructure/lock"
	"linkplace/internal/model"
	"linkplace/internal/repository"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// newTestDB 内存 SQLite，限制单连接保证串行访问
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

type testEnv struct {
	db       *gorm.DB
	cfg      *config.Config
	locker   lock.BalanceLocker
	earn     *EarnService
	spend    *SpendService
	reversal *ReversalService
	balance  *BalanceService
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	db := newTestDB(t)
	cfg := newTestConfig()
	locker := lock.NewKeyedMutex()

	return &testEnv{
		db:       db,
		cfg:      cfg,
		locker:   locker,
		earn:     NewEarnService(db, locker, cfg),
		spend:    NewSpendService(db, locker, cfg),
		reversal: NewReversalService(db, locker, cfg),
		balance:  NewBalanceService(db),
	}
}

var requestSeq int

func nextRequestID() string {
	requestSeq++
	return fmt.Sprintf("test-req-%d", requestSeq)
}

// mustEarn 申请积分并返回流水ID
func (e *testEnv) mustEarn(t *testing.T, userID, points int64, source string) int64 {
	t.Helper()

	resp, err := e.earn.Earn(context.Background(), &EarnRequest{
		RequestID:   nextRequestID(),
		UserID:      userID,
		Points:      points,
		Source:      source,
		Description: "测试积分获取",
	})
	if err != nil {
		t.Fatalf("Earn() error = %v", err)
	}
	return resp.TransactionID
}

// mustEarnApproved 申请并审核通过，返回流水ID
func (e *testEnv) mustEarnApproved(t *testing.T, userID, points int64, source string) int64 {
	t.Helper()

	id := e.mustEarn(t, userID, points, source)
	if _, err := e.earn.Approve(context.Background(), id, 999); err != nil {
		t.Fatalf("Approve() error = %v", err)
	}
	return id
}

func (e *testEnv) mustBalance(t *testing.T, userID int64) *model.PointBalance {
	t.Helper()

	balance, err := e.balance.GetBalance(context.Background(), userID)
	if err != nil {
		t.Fatalf("GetBalance() error = %v", err)
	}
	return balance
}

func (e *testEnv) mustTransaction(t *testing.T, id int64) *model.PointTransaction {
	t.Helper()

	trans, err := repository.NewTransactionRepository(e.db).GetByID(context.Background(), id)
	if err != nil {
		t.Fatalf("GetByID(%d) error = %v", id, err)
	}
	return trans
}
