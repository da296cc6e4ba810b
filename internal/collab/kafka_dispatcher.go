package collab

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/IBM/sarama"
)

// KafkaDispatcher：本地有界队列 + worker 异步发送 + 有限重试。
// - 主链路只负责入队，不被 Kafka 阻塞
// - Kafka 短暂抖动靠队列吸收，后台慢慢补发
// - 队列满时降级丢弃，避免内存无限增长
type KafkaDispatcher struct {
	producer sarama.SyncProducer
	topic    string

	queue chan DocEvent

	// sem 限制并发的 SendMessage 数量
	sem *SemaphoreControl

	workers     int
	maxRetry    int
	baseBackoff time.Duration
	maxBackoff  time.Duration
}

type KafkaDispatcherOptions struct {
	QueueSize   int
	Workers     int
	MaxRetry    int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

func NewKafkaDispatcher(producer sarama.SyncProducer, topic string, sem *SemaphoreControl, opt KafkaDispatcherOptions) *KafkaDispatcher {
	d := &KafkaDispatcher{
		producer:    producer,
		topic:       topic,
		queue:       make(chan DocEvent, opt.QueueSize),
		sem:         sem,
		workers:     opt.Workers,
		maxRetry:    opt.MaxRetry,
		baseBackoff: opt.BaseBackoff,
		maxBackoff:  opt.MaxBackoff,
	}

	d.Start()
	return d
}

// Enqueue 非阻塞入队：队列满直接丢弃（审计流不要求每条必达）
func (d *KafkaDispatcher) Enqueue(evt DocEvent) {
	select {
	case d.queue <- evt:
	default:
		log.Printf("kafka queue full, drop event doc=%s type=%s", evt.DocID, evt.EventType)
	}
}

func (d *KafkaDispatcher) Start() {
	for i := 0; i < d.workers; i++ {
		go d.workerLoop(i)
	}
}

func (d *KafkaDispatcher) workerLoop(workerID int) {
	for evt := range d.queue {
		d.sendWithRetry(workerID, evt)
	}
}

func (d *KafkaDispatcher) sendWithRetry(workerID int, evt DocEvent) {
	for attempt := 0; attempt <= d.maxRetry; attempt++ {
		if d.sem != nil {
			// worker 允许一直等（不影响主链路）
			_ = d.sem.Acquire(context.Background())
		}

		err := d.sendOnce(evt)

		if d.sem != nil {
			_ = d.sem.Release()
		}

		if err == nil {
			return
		}

		if attempt == d.maxRetry {
			log.Printf("kafka send failed, drop event doc=%s type=%s worker=%d err=%v",
				evt.DocID, evt.EventType, workerID, err)
			return
		}

		// 退避，每次 X2
		backoff := d.baseBackoff * time.Duration(1<<attempt)
		if backoff > d.maxBackoff {
			backoff = d.maxBackoff
		}
		time.Sleep(backoff)
	}
}

func (d *KafkaDispatcher) sendOnce(evt DocEvent) error {
	if d.producer == nil || d.topic == "" {
		return nil
	}
	b, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{
		Topic: d.topic,
		Key:   sarama.StringEncoder(evt.DocID), // 以 docId 做 key，按文档分区
		Value: sarama.ByteEncoder(b),
	}
	_, _, err = d.producer.SendMessage(msg)
	return err
}
