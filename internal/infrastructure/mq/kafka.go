package mq

import (
	"log"

	"linkplace/internal/config"

	"github.com/IBM/sarama"
)

var KafkaProducer sarama.SyncProducer

// InitKafka 初始化 Kafka 同步生产者
//
// 积分事件经由 outbox 表投递（见 job/outbox_sender），发送失败由
// outbox 重试兜底，这里只做基础的副本确认和幂等配置
func InitKafka(cfg *config.KafkaConfig) sarama.SyncProducer {
	kafkaConfig := sarama.NewConfig()
	kafkaConfig.Producer.RequiredAcks = sarama.WaitForAll
	kafkaConfig.Producer.Retry.Max = 3
	kafkaConfig.Producer.Return.Successes = true
	// 按 key 哈希分区，同一流水的重发消息落同一分区
	kafkaConfig.Producer.Partitioner = sarama.NewHashPartitioner

	producer, err := sarama.NewSyncProducer(cfg.Brokers, kafkaConfig)
	if err != nil {
		log.Fatalf("[Kafka] 创建生产者失败: %v", err)
	}

	KafkaProducer = producer
	log.Println("[Kafka] 生产者创建成功")
	return producer
}

// SendMessage 发送消息到指定 topic
func SendMessage(topic, key, value string) error {
	msg := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.StringEncoder(value),
	}

	_, _, err := KafkaProducer.SendMessage(msg)
	return err
}

// CloseKafka 关闭生产者
func CloseKafka() {
	if KafkaProducer != nil {
		KafkaProducer.Close()
	}
}
