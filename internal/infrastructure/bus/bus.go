package bus

import (
	"context"
	"sync"

	"github.com/pocketpaw/pocketpaw/gateway/internal/domain/entity"
	"go.uber.org/zap"
)

// Bus 进程内消息总线：三条独立的类型化通道
//
//	inbound  — 渠道适配器 → Agent Loop（单消费者，满时发布方阻塞）
//	outbound — Agent Loop → 渠道适配器（多订阅者，尽力投递）
//	system   — 带外事件 → 仪表盘等（多订阅者，尽力投递）
//
// Ordering: messages from one publisher reach every subscriber in publish
// order. There is no total order across publishers.
//
// Shutdown is signalled through the done channel rather than by closing
// the publish channels, so a publisher racing Close can never hit a
// closed channel.
type Bus struct {
	inbound chan entity.InboundMessage

	outboundCh chan entity.OutboundMessage
	systemCh   chan entity.SystemEvent

	mu           sync.RWMutex
	outboundSubs []chan entity.OutboundMessage
	systemSubs   []chan entity.SystemEvent

	done      chan struct{}
	closeOnce sync.Once

	logger *zap.Logger
	wg     sync.WaitGroup
}

// New 创建消息总线。bufferSize 同时决定入站队列与订阅者缓冲大小。
func New(logger *zap.Logger, bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	b := &Bus{
		inbound:    make(chan entity.InboundMessage, bufferSize),
		outboundCh: make(chan entity.OutboundMessage, bufferSize),
		systemCh:   make(chan entity.SystemEvent, bufferSize),
		done:       make(chan struct{}),
		logger:     logger.With(zap.String("component", "bus")),
	}

	// 每条多订阅者通道一个分发协程，保证单发布者顺序
	b.wg.Add(2)
	go b.dispatchOutbound()
	go b.dispatchSystem()

	return b
}

// PublishInbound 发布入站消息。队列满时阻塞发布方（背压），除非 ctx 取消。
// Never drops a message.
func (b *Bus) PublishInbound(ctx context.Context, msg entity.InboundMessage) error {
	select {
	case <-b.done:
		return ErrBusClosed
	default:
	}

	select {
	case b.inbound <- msg:
		b.logger.Debug("Inbound published",
			zap.String("session", msg.Session.String()),
			zap.String("trace_id", msg.TraceID),
		)
		return nil
	case <-b.done:
		return ErrBusClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ConsumeInbound 返回入站消息序列。单消费者契约：只有 Agent Loop 应调用。
func (b *Bus) ConsumeInbound() <-chan entity.InboundMessage {
	return b.inbound
}

// PublishOutbound 发布出站消息（流式分片或终止标记）
func (b *Bus) PublishOutbound(msg entity.OutboundMessage) {
	select {
	case <-b.done:
		return
	default:
	}

	select {
	case b.outboundCh <- msg:
	default:
		b.logger.Warn("Outbound buffer full, dropping message",
			zap.String("session", msg.Session.String()),
		)
	}
}

// PublishSystem 发布系统事件
func (b *Bus) PublishSystem(ev entity.SystemEvent) {
	select {
	case <-b.done:
		return
	default:
	}

	select {
	case b.systemCh <- ev:
	default:
		b.logger.Warn("System buffer full, dropping event",
			zap.String("session", ev.Session.String()),
			zap.String("type", string(ev.Type)),
		)
	}
}

// SubscribeOutbound 注册一个出站消息订阅者
func (b *Bus) SubscribeOutbound() <-chan entity.OutboundMessage {
	ch := make(chan entity.OutboundMessage, cap(b.outboundCh))
	select {
	case <-b.done:
		close(ch)
		return ch
	default:
	}
	b.mu.Lock()
	b.outboundSubs = append(b.outboundSubs, ch)
	b.mu.Unlock()
	return ch
}

// SubscribeSystem 注册一个系统事件订阅者
func (b *Bus) SubscribeSystem() <-chan entity.SystemEvent {
	ch := make(chan entity.SystemEvent, cap(b.systemCh))
	select {
	case <-b.done:
		close(ch)
		return ch
	default:
	}
	b.mu.Lock()
	b.systemSubs = append(b.systemSubs, ch)
	b.mu.Unlock()
	return ch
}

// Close 关闭总线并等待分发协程退出。已缓冲的消息先投递完再关闭订阅者通道。
func (b *Bus) Close() {
	b.closeOnce.Do(func() {
		close(b.done)
		b.wg.Wait()

		b.mu.Lock()
		for _, ch := range b.outboundSubs {
			close(ch)
		}
		for _, ch := range b.systemSubs {
			close(ch)
		}
		b.outboundSubs = nil
		b.systemSubs = nil
		b.mu.Unlock()

		b.logger.Info("Message bus closed")
	})
}

// dispatchOutbound 出站分发循环
func (b *Bus) dispatchOutbound() {
	defer b.wg.Done()
	for {
		select {
		case msg := <-b.outboundCh:
			b.fanOutOutbound(msg)
		case <-b.done:
			// 排空已缓冲的消息后退出
			for {
				select {
				case msg := <-b.outboundCh:
					b.fanOutOutbound(msg)
				default:
					return
				}
			}
		}
	}
}

// dispatchSystem 系统事件分发循环
func (b *Bus) dispatchSystem() {
	defer b.wg.Done()
	for {
		select {
		case ev := <-b.systemCh:
			b.fanOutSystem(ev)
		case <-b.done:
			for {
				select {
				case ev := <-b.systemCh:
					b.fanOutSystem(ev)
				default:
					return
				}
			}
		}
	}
}

func (b *Bus) fanOutOutbound(msg entity.OutboundMessage) {
	b.mu.RLock()
	subs := make([]chan entity.OutboundMessage, len(b.outboundSubs))
	copy(subs, b.outboundSubs)
	b.mu.RUnlock()

	for _, sub := range subs {
		// 尽力投递：慢订阅者丢分片，不阻塞其他订阅者
		select {
		case sub <- msg:
		default:
			b.logger.Warn("Outbound subscriber full, dropping chunk",
				zap.String("session", msg.Session.String()),
			)
		}
	}
}

func (b *Bus) fanOutSystem(ev entity.SystemEvent) {
	b.mu.RLock()
	subs := make([]chan entity.SystemEvent, len(b.systemSubs))
	copy(subs, b.systemSubs)
	b.mu.RUnlock()

	for _, sub := range subs {
		select {
		case sub <- ev:
		default:
			b.logger.Warn("System subscriber full, dropping event",
				zap.String("type", string(ev.Type)),
			)
		}
	}
}
