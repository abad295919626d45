// Package realtimedb 即時鍵值庫的 websocket 客戶端。
// 訂閱一個子樹路徑後，每次變更都會收到該子樹的完整值；
// 寫入為 fire-and-forget 的葉節點覆寫.
package realtimedb

import (
	"context"
	"fmt"
	"time"

	"chat-sync/internal/chaterrors"
	"chat-sync/internal/platform/config"
	"chat-sync/internal/platform/logger"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// Subtree 子樹完整值，以子節點鍵索引.
type Subtree map[string]interface{}

// command 客戶端發送的指令封包.
type command struct {
	Action  string      `json:"action"` // "subscribe" | "put"
	Path    string      `json:"path"`
	Payload interface{} `json:"payload,omitempty"`
}

// serverEnvelope 服務端推送的事件封包.
type serverEnvelope struct {
	Path string  `json:"path"`
	Data Subtree `json:"data"`
}

// Client 即時鍵值庫客戶端.
type Client struct {
	cfg config.RealtimeConfig
}

// NewClient 創建即時鍵值庫客戶端.
func NewClient(cfg config.RealtimeConfig) *Client {
	return &Client{cfg: cfg}
}

// Subscribe 訂閱一個子樹路徑。返回值通道依服務端推送順序傳遞完整子樹；
// 連線錯誤經由 errs 通道送出後不再有值。取消 ctx 即拆除連線.
func (c *Client) Subscribe(ctx context.Context, path string) (<-chan Subtree, <-chan error, error) {
	dialCtx, cancel := context.WithTimeout(ctx, time.Duration(c.cfg.DialTimeout)*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, c.cfg.URL, nil)
	if err != nil {
		return nil, nil, chaterrors.Wrap(chaterrors.CodeFeedUnavailable, "連接即時資料庫失敗", err)
	}

	if err := wsjson.Write(dialCtx, conn, command{Action: "subscribe", Path: path}); err != nil {
		conn.Close(websocket.StatusInternalError, "subscribe failed")
		return nil, nil, chaterrors.Wrap(chaterrors.CodeFeedUnavailable, "發送訂閱指令失敗", err)
	}

	values := make(chan Subtree, c.cfg.MessageBuffer)
	errs := make(chan error, 1)

	// 取消時關閉連線，讀取循環隨之結束
	go func() {
		<-ctx.Done()
		conn.Close(websocket.StatusNormalClosure, "unsubscribed")
	}()

	go func() {
		defer close(values)
		for {
			var env serverEnvelope
			if err := wsjson.Read(ctx, conn, &env); err != nil {
				if ctx.Err() != nil {
					// 主動拆除，安靜退出
					return
				}
				errs <- err
				return
			}
			if env.Path != path {
				continue
			}
			select {
			case values <- env.Data:
			case <-ctx.Done():
				return
			}
		}
	}()

	logger.Info(ctx, "即時子樹訂閱已建立", logger.WithFeedKey(path))
	return values, errs, nil
}

// Write 覆寫一個葉節點路徑的值。fire-and-forget：
// 失敗只記錄日誌，呼叫方不得假設寫入已生效.
func (c *Client) Write(ctx context.Context, path string, value interface{}) {
	writeCtx, cancel := context.WithTimeout(ctx, time.Duration(c.cfg.WriteTimeout)*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(writeCtx, c.cfg.URL, nil)
	if err != nil {
		logger.Error(ctx, fmt.Sprintf("即時資料庫寫入連線失敗: %v",
			chaterrors.Wrap(chaterrors.CodeWriteFailed, "dial", err)),
			logger.WithFeedKey(path), logger.WithAction("realtimedb.write"))
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "write done")

	if err := wsjson.Write(writeCtx, conn, command{Action: "put", Path: path, Payload: value}); err != nil {
		logger.Error(ctx, fmt.Sprintf("即時資料庫寫入失敗: %v", err),
			logger.WithFeedKey(path), logger.WithAction("realtimedb.write"))
	}
}
