// 包 events：领地草稿就绪事件的 Kafka 发布
// 背景：下游（审核、分配、报表）订阅草稿就绪事件；发布失败只记日志，不影响检测结果。
package events

import (
	"context"
	"encoding/json"
	"time"

	"territory-api/internal/logger"

	"github.com/segmentio/kafka-go"
)

// Ready：检测完成时发布的事件体
type Ready struct {
	SessionID    string    `json:"session_id"`
	Area         string    `json:"area"`
	Municipality string    `json:"municipality"`
	Community    string    `json:"community"`
	Streets      []string  `json:"streets"`
	Buildings    int       `json:"buildings"`
	Synthesized  int       `json:"synthesized"`
	AreaM2       float64   `json:"area_m2"`
	DensityPerHa float64   `json:"density_per_ha"`
	Warnings     []string  `json:"warnings,omitempty"`
	At           time.Time `json:"at"`
}

// writer 抽象 kafka.Writer，便于测试替换
type writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Publisher struct {
	w     writer
	topic string
}

// NewPublisher：brokers 为空时返回 nil（nil Publisher 的方法均为空操作）
func NewPublisher(brokers []string, topic string) *Publisher {
	if len(brokers) == 0 {
		return nil
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 50 * time.Millisecond,
		WriteTimeout: 10 * time.Second,
	}
	return &Publisher{w: w, topic: topic}
}

// PublishReady：以社区名为 key，保证同社区事件有序
func (p *Publisher) PublishReady(ctx context.Context, ev Ready) error {
	if p == nil {
		return nil
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	val, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	msg := kafka.Message{
		Key:   []byte(ev.Community),
		Value: val,
		Headers: []kafka.Header{
			{Key: "event", Value: []byte("territory.ready")},
			{Key: "session_id", Value: []byte(ev.SessionID)},
		},
	}
	if err := p.w.WriteMessages(ctx, msg); err != nil {
		logger.L().Warn("event_publish_error", "topic", p.topic, "session", ev.SessionID, "err", err)
		return err
	}
	logger.L().Debug("event_published", "topic", p.topic, "session", ev.SessionID)
	return nil
}

func (p *Publisher) Close() error {
	if p == nil {
		return nil
	}
	return p.w.Close()
}
