package job

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"linkplace/internal/config"
	"linkplace/internal/infrastructure/lock"
	"linkplace/internal/model"
	"linkplace/internal/repository"
	"linkplace/pkg/idgen"

	"gorm.io/gorm"
)

// ExpirationSweeper 积分过期任务
//
// 周期扫描已到期的入账流水，逐条生成 expired 出账流水并扣减可用积分。
// 每条流水的过期处理是一个独立事务（标记 + 落流水 + 扣余额），
// 任务中途失败后整体重跑是安全的：已标记 is_expired 的流水会被跳过
type ExpirationSweeper struct {
	db              *gorm.DB
	locker          lock.BalanceLocker
	cfg             *config.Config
	transactionRepo *repository.TransactionRepository
	balanceRepo     *repository.BalanceRepository
	outboxRepo      *repository.OutboxRepository
	stopCh          chan struct{}
	interval        time.Duration
	batchSize       int
}

func NewExpirationSweeper(db *gorm.DB, locker lock.BalanceLocker, cfg *config.Config) *ExpirationSweeper {
	interval := time.Duration(cfg.Points.SweepIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = time.Minute
	}
	batchSize := cfg.Points.SweepBatchSize
	if batchSize <= 0 {
		batchSize = 100
	}

	return &ExpirationSweeper{
		db:              db,
		locker:          locker,
		cfg:             cfg,
		transactionRepo: repository.NewTransactionRepository(db),
		balanceRepo:     repository.NewBalanceRepository(db),
		outboxRepo:      repository.NewOutboxRepository(db),
		stopCh:          make(chan struct{}),
		interval:        interval,
		batchSize:       batchSize,
	}
}

func (j *ExpirationSweeper) Start(ctx context.Context) {
	log.Println("[ExpirationSweeper] 积分过期任务启动")

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[ExpirationSweeper] 收到停止信号，任务退出")
			return
		case <-j.stopCh:
			log.Println("[ExpirationSweeper] 任务停止")
			return
		case <-ticker.C:
			j.SweepOnce(ctx)
		}
	}
}

func (j *ExpirationSweeper) Stop() {
	close(j.stopCh)
}

// SweepOnce 执行一轮过期扫描
func (j *ExpirationSweeper) SweepOnce(ctx context.Context) {
	transactions, err := j.transactionRepo.GetExpirable(ctx, time.Now(), j.batchSize)
	if err != nil {
		log.Printf("[ExpirationSweeper] 查询到期流水失败: %v", err)
		return
	}

	if len(transactions) == 0 {
		return
	}

	log.Printf("[ExpirationSweeper] 发现 %d 条到期流水", len(transactions))

	expiredCount := 0
	for _, trans := range transactions {
		if err := j.expireTransaction(ctx, trans); err != nil {
			log.Printf("[ExpirationSweeper] 过期处理失败: transactionNo=%s, err=%v", trans.TransactionNo, err)
			continue
		}
		expiredCount++
	}

	log.Printf("[ExpirationSweeper] 本轮处理 %d 条到期流水", expiredCount)
}

// expireTransaction 处理单条到期流水
//
// 消费扣的是账户而不是具体某条入账流水，无法精确知道这笔入账还剩多少未消费，
// 这里采用账户级近似：过期金额 = min(入账积分数, 当前可用积分)，
// 保证不会把可用积分扣成负数
func (j *ExpirationSweeper) expireTransaction(ctx context.Context, trans *model.PointTransaction) error {
	unlock, err := j.locker.Lock(ctx, trans.UserID)
	if err != nil {
		return fmt.Errorf("获取账户锁失败: %w", err)
	}
	defer unlock()

	balance, err := j.balanceRepo.GetByUserID(ctx, trans.UserID)
	if err != nil {
		return fmt.Errorf("查询积分账户失败: %w", err)
	}

	amount := trans.Points
	if balance.AvailablePoints < amount {
		amount = balance.AvailablePoints
	}

	now := time.Now()

	return j.db.Transaction(func(tx *gorm.DB) error {
		// 条件更新保证每条流水只过期一次；已处理过或在扫描后被冲正的流水直接跳过
		if err := j.transactionRepo.MarkExpired(ctx, tx, trans.ID); err != nil {
			if errors.Is(err, repository.ErrAlreadyExpired) {
				return nil
			}
			return fmt.Errorf("标记过期失败: %w", err)
		}

		// 积分已全部被消费时只做标记，不落 0 积分流水
		if amount <= 0 {
			return nil
		}

		expireTrans := &model.PointTransaction{
			TransactionNo:        idgen.GenerateTransactionNo(),
			RequestID:            fmt.Sprintf("expire-%d", trans.ID),
			UserID:               trans.UserID,
			Type:                 model.TransactionTypeExpired,
			Source:               model.SourceExpiration,
			Status:               model.TransactionStatusCompleted,
			Points:               -amount,
			BalanceBefore:        balance.AvailablePoints,
			BalanceAfter:         balance.AvailablePoints - amount,
			Description:          fmt.Sprintf("积分过期，原流水 %s", trans.TransactionNo),
			RelatedTransactionID: &trans.ID,
			ProcessedAt:          &now,
		}

		if err := j.transactionRepo.Create(ctx, tx, expireTrans); err != nil {
			return fmt.Errorf("创建过期流水失败: %w", err)
		}

		if err := j.balanceRepo.Expire(ctx, tx, trans.UserID, amount); err != nil {
			return fmt.Errorf("扣减过期积分失败: %w", err)
		}

		msgPayload := map[string]interface{}{
			"transaction_no":          expireTrans.TransactionNo,
			"original_transaction_no": trans.TransactionNo,
			"user_id":                 trans.UserID,
			"points":                  expireTrans.Points,
			"expired_at":              now.Format(time.RFC3339),
		}
		payloadBytes, _ := json.Marshal(msgPayload)

		outboxMsg := &model.OutboxMessage{
			MessageKey: expireTrans.TransactionNo,
			EventType:  model.PointEventExpired,
			Topic:      j.cfg.Kafka.Topic.PointEvents,
			Payload:    string(payloadBytes),
			Status:     model.OutboxStatusPending,
		}
		if err := j.outboxRepo.Create(ctx, tx, outboxMsg); err != nil {
			return fmt.Errorf("写入消息失败: %w", err)
		}

		return nil
	})
}
