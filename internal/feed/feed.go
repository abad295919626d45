// Package feed 提供鍵控即時訂閱的共享扇出：
// 同一個鍵無論有多少訂閱者，底層連線最多只開一條，
// 最後一個訂閱者取消後立即拆除連線。
package feed

import (
	"context"
	"sync"

	"chat-sync/internal/chaterrors"

	"github.com/google/uuid"
)

// OpenFunc 開啟某個鍵的底層即時連線。
// values 依遠端發送順序傳遞快照；errs 傳遞終止錯誤。
// 取消 ctx 表示拆除連線，實作應關閉 values。
type OpenFunc[T any] func(ctx context.Context, key string) (values <-chan T, errs <-chan error, err error)

// Event 訂閱者收到的單筆事件。Err 非 nil 時為終止事件，之後不會再有值.
type Event[T any] struct {
	Value T
	Err   error
}

// Subscription 一個訂閱者的句柄.
type Subscription[T any] struct {
	// ID 訂閱句柄，取消訂閱時使用.
	ID string
	// C 事件通道。終止錯誤後不再發送.
	C <-chan Event[T]

	key string
	ch  chan Event[T]
}

// Hub 鍵控扇出中心。所有方法皆可併發呼叫.
type Hub[T any] struct {
	mu     sync.Mutex
	open   OpenFunc[T]
	buffer int
	conns  map[string]*feedConn[T]
}

type feedConn[T any] struct {
	cancel context.CancelFunc
	subs   map[string]*subscriber[T]
	latest *T // 最新快照，供後加入的訂閱者重播
	torn   bool
}

// subscriber 單個訂閱者的投遞端。done 在取消訂閱時關閉，
// 讓阻塞在該訂閱者上的投遞立即解除，不拖垮同鍵的其他訂閱者.
type subscriber[T any] struct {
	ch   chan Event[T]
	done chan struct{}
}

// NewHub 創建扇出中心。buffer 為每個訂閱者的通道緩衝大小.
func NewHub[T any](open OpenFunc[T], buffer int) *Hub[T] {
	if buffer < 1 {
		buffer = 1
	}
	return &Hub[T]{
		open:   open,
		buffer: buffer,
		conns:  make(map[string]*feedConn[T]),
	}
}

// Subscribe 訂閱某個鍵。該鍵的第一個訂閱者會觸發底層連線開啟；
// 之後的訂閱者掛載到既有連線上，並立即收到最新快照的重播.
func (h *Hub[T]) Subscribe(key string) (*Subscription[T], error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	conn, ok := h.conns[key]
	if !ok {
		ctx, cancel := context.WithCancel(context.Background())
		values, errs, err := h.open(ctx, key)
		if err != nil {
			cancel()
			return nil, chaterrors.Wrap(chaterrors.CodeFeedUnavailable, "開啟即時連線失敗", err)
		}
		conn = &feedConn[T]{
			cancel: cancel,
			subs:   make(map[string]*subscriber[T]),
		}
		h.conns[key] = conn
		go h.pump(key, conn, values, errs)
	}

	sub := &Subscription[T]{
		ID:  uuid.New().String(),
		key: key,
		ch:  make(chan Event[T], h.buffer),
	}
	sub.C = sub.ch
	conn.subs[sub.ID] = &subscriber[T]{ch: sub.ch, done: make(chan struct{})}

	// 重播最新快照
	if conn.latest != nil {
		sub.ch <- Event[T]{Value: *conn.latest}
	}

	return sub, nil
}

// Unsubscribe 取消訂閱；冪等。該鍵的最後一個訂閱者離開時拆除底層連線.
func (h *Hub[T]) Unsubscribe(sub *Subscription[T]) {
	if sub == nil {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	conn, ok := h.conns[sub.key]
	if !ok {
		return
	}
	entry, ok := conn.subs[sub.ID]
	if !ok {
		return
	}
	// 解除可能阻塞在該訂閱者上的投遞
	close(entry.done)
	delete(conn.subs, sub.ID)

	if len(conn.subs) == 0 {
		conn.torn = true
		conn.cancel()
		delete(h.conns, sub.key)
	}
}

// SubscriberCount 返回某個鍵目前的訂閱者數量（測試與診斷用）.
func (h *Hub[T]) SubscriberCount(key string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if conn, ok := h.conns[key]; ok {
		return len(conn.subs)
	}
	return 0
}

// pump 從底層連線讀取並扇出給所有訂閱者，依到達順序傳遞.
func (h *Hub[T]) pump(key string, conn *feedConn[T], values <-chan T, errs <-chan error) {
	for {
		select {
		case v, ok := <-values:
			if !ok {
				// 連線結束：錯誤通道可能與關閉同時就緒，先取真正的原因
				select {
				case err, eok := <-errs:
					if eok && err != nil {
						h.fail(key, conn, chaterrors.Wrap(chaterrors.CodeFeedUnavailable, "即時連線中斷", err))
						return
					}
				default:
				}
				h.fail(key, conn, chaterrors.New(chaterrors.CodeFeedClosed, "即時連線已關閉"))
				return
			}
			h.broadcast(conn, v)

		case err, ok := <-errs:
			if !ok {
				continue
			}
			h.fail(key, conn, chaterrors.Wrap(chaterrors.CodeFeedUnavailable, "即時連線中斷", err))
			return
		}
	}
}

// broadcast 更新快取並發送給當前所有訂閱者。
// 對單個訂閱者的發送以其 done 為界：訂閱者離開後阻塞立即解除.
func (h *Hub[T]) broadcast(conn *feedConn[T], v T) {
	h.mu.Lock()
	conn.latest = &v
	targets := make([]*subscriber[T], 0, len(conn.subs))
	for _, entry := range conn.subs {
		targets = append(targets, entry)
	}
	h.mu.Unlock()

	for _, entry := range targets {
		select {
		case entry.ch <- Event[T]{Value: v}:
		case <-entry.done:
		}
	}
}

// fail 將終止錯誤發送給所有訂閱者並移除連線。
// 主動拆除（最後一個訂閱者離開）不產生錯誤事件.
func (h *Hub[T]) fail(key string, conn *feedConn[T], err error) {
	h.mu.Lock()
	if conn.torn {
		h.mu.Unlock()
		return
	}
	targets := make([]*subscriber[T], 0, len(conn.subs))
	for _, entry := range conn.subs {
		targets = append(targets, entry)
	}
	conn.subs = make(map[string]*subscriber[T])
	if h.conns[key] == conn {
		delete(h.conns, key)
	}
	conn.cancel()
	h.mu.Unlock()

	for _, entry := range targets {
		select {
		case entry.ch <- Event[T]{Err: err}:
		case <-entry.done:
		}
	}
}
