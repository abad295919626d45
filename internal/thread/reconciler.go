package thread

import (
	"context"
	"fmt"
	"sort"

	"chat-sync/internal/platform/logger"
	"chat-sync/internal/storage/docstore"
)

// Store 訊息串需要的文檔庫操作.
type Store interface {
	PageMessages(ctx context.Context, channelID string, limit int, beforeCursor string) ([]docstore.Document, string, bool, error)
	AddMessage(ctx context.Context, channelID string, data map[string]interface{}) (string, error)
}

// ByteStore 圖片位元組的上傳與受上限保護的抓取.
type ByteStore interface {
	Upload(ctx context.Context, channelID string, data []byte, contentType string) (string, error)
	DownloadURL(ctx context.Context, path string) (string, error)
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// ImageCache 以 URL 為鍵的本地圖片位元組快取.
type ImageCache interface {
	Get(url string) ([]byte, bool)
	Put(url string, data []byte) error
}

// ReadStates 讀取回執的重置入口.
type ReadStates interface {
	ResetUnreadCount(ctx context.Context, userID, channelID string)
}

// Sink 訊息串的顯示回呼.
type Sink interface {
	// Reload 全串重繪.
	Reload()
	// ReloadRow 單列刷新（圖片解析完成）.
	ReloadRow(row int)
}

// Options 訊息串調停器的依賴與策略.
type Options struct {
	ChannelID string
	// UserID 當前用戶的聊天 ID.
	UserID string
	// SenderName 當前用戶的顯示名稱，寫入發出的訊息文檔.
	SenderName string
	// Participants 頻道參與者。恰好兩人時啟用逐訊息讀取回執.
	Participants []string
	// PageSize 分頁大小，預設 20.
	PageSize int
	// Exec 宿主的序列化執行器，所有非同步續延經由它進入.
	Exec func(func())

	Store      Store
	Bytes      ByteStore
	Cache      ImageCache
	ReadStates ReadStates
	Sink       Sink
}

// Reconciler 訊息串調停器。非併發安全：
// 所有方法都必須在 Options.Exec 的序列化上下文上呼叫.
type Reconciler struct {
	opts Options

	// messages 按 sentAt 遞增排序（相同時以 ID 字典序決勝）.
	messages []Message
	// oldestCursor 已知最舊一筆的服務端游標，載入舊頁的下界.
	oldestCursor string
	hasMore      bool
	loading      bool
	closed       bool

	// pendingImages 解析中的圖片訊息 ID，避免重複抓取.
	pendingImages map[string]bool
}

// NewReconciler 創建訊息串調停器.
func NewReconciler(opts Options) *Reconciler {
	if opts.PageSize <= 0 {
		opts.PageSize = 20
	}
	return &Reconciler{
		opts:          opts,
		hasMore:       true,
		pendingImages: make(map[string]bool),
	}
}

// Close 標記調停器已拆除。在途的位元組傳輸不取消，
// 其完成續延會先檢查存活再決定丟棄.
func (r *Reconciler) Close() {
	r.closed = true
}

// Messages 當前串快照（供顯示層讀取）.
func (r *Reconciler) Messages() []Message {
	return append([]Message(nil), r.messages...)
}

// HasMore 是否還有更舊的頁可載入.
func (r *Reconciler) HasMore() bool {
	return r.hasMore
}

// LoadNewestPage 載入最新一頁（協議層按游標遞減取回）.
func (r *Reconciler) LoadNewestPage(ctx context.Context) {
	r.loadPage(ctx, "")
}

// LoadOlderPage 以已知最舊游標為界載入更舊的一頁，
// 避免併發插入造成缺漏或重複.
func (r *Reconciler) LoadOlderPage(ctx context.Context) {
	if !r.hasMore || r.oldestCursor == "" {
		return
	}
	r.loadPage(ctx, r.oldestCursor)
}

func (r *Reconciler) loadPage(ctx context.Context, before string) {
	if r.loading || r.closed {
		return
	}
	r.loading = true

	go func() {
		docs, nextCursor, hasMore, err := r.opts.Store.PageMessages(ctx, r.opts.ChannelID, r.opts.PageSize, before)
		r.opts.Exec(func() {
			if r.closed {
				return
			}
			r.loading = false
			if err != nil {
				logger.Error(ctx, fmt.Sprintf("訊息分頁載入失敗: %v", err),
					logger.WithChannelID(r.opts.ChannelID))
				return
			}
			r.hasMore = hasMore
			if nextCursor != "" {
				r.oldestCursor = nextCursor
			} else if len(docs) > 0 {
				r.oldestCursor = docs[len(docs)-1].ID
			}

			for _, doc := range docs {
				msg, decErr := DecodeMessage(doc)
				if decErr != nil {
					logger.Error(ctx, fmt.Sprintf("訊息解碼失敗，已跳過: %v", decErr),
						logger.WithChannelID(r.opts.ChannelID), logger.WithMessageID(doc.ID))
					continue
				}
				r.upsert(msg)
			}
			r.opts.Sink.Reload()

			for _, msg := range r.messages {
				if msg.Kind == KindImage && msg.IsProvisionalImage {
					r.resolveImage(msg.ID, msg.URL)
				}
			}
		})
	}()
}

// Apply 套用一筆訊息變更事件。遠端刪除不在範圍內，removed 事件忽略.
func (r *Reconciler) Apply(change docstore.Change) {
	if r.closed || change.Kind == docstore.Removed {
		return
	}

	msg, err := DecodeMessage(change.Doc)
	if err != nil {
		// 單筆事件解碼失敗：跳過，同批其餘事件照常處理
		logger.Error(context.Background(), fmt.Sprintf("訊息解碼失敗，已跳過: %v", err),
			logger.WithChannelID(r.opts.ChannelID), logger.WithMessageID(change.Doc.ID))
		return
	}

	_, known := r.locate(msg.ID)
	r.upsert(msg)
	r.opts.Sink.Reload()

	if msg.Kind == KindImage {
		if row, ok := r.locate(msg.ID); ok && r.messages[row].IsProvisionalImage {
			r.resolveImage(msg.ID, msg.URL)
		}
	}

	// 讀取回執：僅一對一頻道，且是對方發來的新訊息
	if change.Kind == docstore.Added && !known &&
		len(r.opts.Participants) == 2 && msg.SenderID != r.opts.UserID {
		r.opts.ReadStates.ResetUnreadCount(context.Background(), r.opts.UserID, r.opts.ChannelID)
	}
}

// upsert 以 ID 冪等更新插入並維持排序。
// 已解析的圖片遇到暫置形式的回聲時保留位元組，不退回暫置狀態
// （Provisional -> Resolved 是唯一合法轉換）.
func (r *Reconciler) upsert(msg Message) {
	if row, ok := r.locate(msg.ID); ok {
		existing := r.messages[row]
		if existing.Kind == KindImage && msg.Kind == KindImage &&
			!existing.IsProvisionalImage && msg.IsProvisionalImage &&
			existing.URL == msg.URL {
			msg.Image = existing.Image
			msg.IsProvisionalImage = false
		}
		r.messages[row] = msg
	} else {
		r.messages = append(r.messages, msg)
	}
	sort.SliceStable(r.messages, func(i, j int) bool {
		return r.messages[i].before(r.messages[j])
	})
}

// resolveImage 解析圖片位元組：快取命中直接升級，
// 否則受上限保護地抓取並回填快取。完成續延檢查存活後才觸碰狀態.
func (r *Reconciler) resolveImage(id, url string) {
	if r.pendingImages[id] {
		return
	}
	r.pendingImages[id] = true

	if data, ok := r.opts.Cache.Get(url); ok {
		r.finishImage(id, data)
		return
	}

	go func() {
		data, err := r.opts.Bytes.Fetch(context.Background(), url)
		r.opts.Exec(func() {
			if r.closed {
				return
			}
			if err != nil {
				// 保持暫置狀態；之後的事件可重試
				delete(r.pendingImages, id)
				logger.Error(context.Background(), fmt.Sprintf("圖片抓取失敗: %v", err),
					logger.WithChannelID(r.opts.ChannelID), logger.WithMessageID(id))
				return
			}
			if err := r.opts.Cache.Put(url, data); err != nil {
				logger.Warning(context.Background(), fmt.Sprintf("圖片快取寫入失敗: %v", err))
			}
			r.finishImage(id, data)
		})
	}()
}

// finishImage 以同一個 ID 原地升級：位元組就位、清除暫置旗標、單列刷新.
func (r *Reconciler) finishImage(id string, data []byte) {
	delete(r.pendingImages, id)
	row, ok := r.locate(id)
	if !ok {
		return
	}
	r.messages[row].Image = data
	r.messages[row].IsProvisionalImage = false
	r.opts.Sink.ReloadRow(row)
}

// locate 以 ID 定位訊息.
func (r *Reconciler) locate(id string) (int, bool) {
	for i, msg := range r.messages {
		if msg.ID == id {
			return i, true
		}
	}
	return 0, false
}
