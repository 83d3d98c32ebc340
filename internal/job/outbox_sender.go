package job

import (
	"context"
	"log"
	"time"

	"linkplace/internal/config"
	"linkplace/internal/infrastructure/mq"
	"linkplace/internal/repository"

	"gorm.io/gorm"
)

// OutboxSender 积分事件投递任务
// 轮询发件箱中的 PENDING 消息并发送到 Kafka，发送成功后标记 SENT
type OutboxSender struct {
	db         *gorm.DB
	outboxRepo *repository.OutboxRepository
	cfg        *config.Config
	stopCh     chan struct{}
	interval   time.Duration
	batchSize  int
}

func NewOutboxSender(db *gorm.DB, cfg *config.Config) *OutboxSender {
	return &OutboxSender{
		db:         db,
		outboxRepo: repository.NewOutboxRepository(db),
		cfg:        cfg,
		stopCh:     make(chan struct{}),
		interval:   100 * time.Millisecond,
		batchSize:  100,
	}
}

func (s *OutboxSender) Start(ctx context.Context) {
	log.Println("[OutboxSender] 消息发送任务启动")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[OutboxSender] 收到停止信号，任务退出")
			return
		case <-s.stopCh:
			log.Println("[OutboxSender] 任务停止")
			return
		case <-ticker.C:
			s.processPendingMessages(ctx)
		}
	}
}

func (s *OutboxSender) Stop() {
	close(s.stopCh)
}

func (s *OutboxSender) processPendingMessages(ctx context.Context) {
	messages, err := s.outboxRepo.GetPendingMessages(ctx, s.batchSize)
	if err != nil {
		log.Printf("[OutboxSender] 查询待发送消息失败: %v", err)
		return
	}

	for _, msg := range messages {
		if err := mq.SendMessage(msg.Topic, msg.MessageKey, msg.Payload); err != nil {
			log.Printf("[OutboxSender] 发送消息失败: id=%d, eventType=%s, err=%v", msg.ID, msg.EventType, err)
			if err := s.outboxRepo.RecordFailure(ctx, msg.ID, msg.RetryCount, s.cfg.Points.MaxRetryCount); err != nil {
				log.Printf("[OutboxSender] 更新重试次数失败: id=%d, err=%v", msg.ID, err)
			}
			continue
		}

		if err := s.outboxRepo.MarkSent(ctx, msg.ID); err != nil {
			// 标记失败会导致消息重发，下游按 message_key 幂等消费
			log.Printf("[OutboxSender] 标记消息已发送失败: id=%d, err=%v", msg.ID, err)
		}
	}
}
