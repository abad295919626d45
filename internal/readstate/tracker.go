// Package readstate 追蹤每個（頻道, 用戶）的未讀計數與最後讀取時間。
// 整個進程共享一個顯式建構的 Tracker 實例，由組合根注入給所有消費方.
package readstate

import (
	"context"
	"fmt"
	"sync"
	"time"

	"chat-sync/internal/chaterrors"
	"chat-sync/internal/feed"
	"chat-sync/internal/platform/logger"
	"chat-sync/internal/storage/realtimedb"

	"github.com/google/uuid"
)

// State 一個（頻道, 用戶）鍵的讀取狀態快照.
type State struct {
	ChannelID string
	UserID    string
	// Count 該用戶在該頻道的未讀訊息數，由權威存儲計算.
	Count int
	// Date 服務端最後一次計算計數的時刻（非客戶端觀察時刻）.
	Date time.Time
}

type stateKey struct {
	channelID string
	userID    string
}

// Update 追蹤訂閱者收到的一筆更新.
type Update struct {
	// States 該用戶完整的讀取狀態集合快照，每次遠端更新都會發出.
	States []State
	// Total 跨頻道未讀總和.
	Total int
	// TotalChanged 僅當總和相對前一次實際改變時為 true，
	// 避免單頻道記錄刷新但淨總和不變時的多餘 UI 更新.
	TotalChanged bool
	// Err 終止錯誤；之後不再有更新.
	Err error
}

// Subscription 一個追蹤訂閱的句柄.
type Subscription struct {
	ID      string
	Updates <-chan Update

	userID string
	ch     chan Update
}

// Store 讀取狀態的遠端寫入端.
type Store interface {
	Write(ctx context.Context, path string, value interface{})
}

// Tracker 讀取狀態追蹤器。所有方法皆可併發呼叫.
type Tracker struct {
	mu     sync.Mutex
	hub    *feed.Hub[realtimedb.Subtree]
	store  Store
	prefix string
	buffer int
	states map[stateKey]State
	users  map[string]*userTracking
}

// userTracking 單一用戶的追蹤狀態：{idle} -> 首個訂閱者 -> {listening}；
// 訂閱者歸零後回到 {idle} 並拆除底層訂閱.
type userTracking struct {
	feedSub   *feed.Subscription[realtimedb.Subtree]
	subs      map[string]chan Update
	lastTotal int
	// done 拆除信號，讓消費 goroutine 退出（底層通道不會被關閉）.
	done chan struct{}
}

// NewTracker 創建追蹤器。hub 負責底層子樹訂閱的共享扇出，store 承接重置寫入.
func NewTracker(hub *feed.Hub[realtimedb.Subtree], store Store, prefix string, buffer int) *Tracker {
	if buffer < 1 {
		buffer = 1
	}
	return &Tracker{
		hub:    hub,
		store:  store,
		prefix: prefix,
		buffer: buffer,
		states: make(map[stateKey]State),
		users:  make(map[string]*userTracking),
	}
}

// Track 開始追蹤某個用戶的讀取狀態。
// 該用戶的第一個訂閱者觸發底層訂閱；之後的訂閱者共享同一條流.
func (t *Tracker) Track(userID string) (*Subscription, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	ut, ok := t.users[userID]
	if !ok {
		feedSub, err := t.hub.Subscribe(userID)
		if err != nil {
			return nil, err
		}
		ut = &userTracking{
			feedSub: feedSub,
			subs:    make(map[string]chan Update),
			done:    make(chan struct{}),
		}
		t.users[userID] = ut
		go t.run(userID, ut)
	}

	sub := &Subscription{
		ID:     uuid.New().String(),
		userID: userID,
		ch:     make(chan Update, t.buffer),
	}
	sub.Updates = sub.ch
	ut.subs[sub.ID] = sub.ch

	return sub, nil
}

// Untrack 取消追蹤；冪等。最後一個訂閱者離開時拆除底層訂閱.
func (t *Tracker) Untrack(sub *Subscription) {
	if sub == nil {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	ut, ok := t.users[sub.userID]
	if !ok {
		return
	}
	if _, ok := ut.subs[sub.ID]; !ok {
		return
	}
	delete(ut.subs, sub.ID)

	if len(ut.subs) == 0 {
		t.hub.Unsubscribe(ut.feedSub)
		close(ut.done)
		delete(t.users, sub.userID)
	}
}

// UnreadCount 同步讀取某個（頻道, 用戶）鍵的未讀計數快照；
// 從未觀測過該鍵時 ok 為 false.
func (t *Tracker) UnreadCount(channelID, userID string) (int, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.states[stateKey{channelID: channelID, userID: userID}]
	if !ok {
		return 0, false
	}
	return s.Count, true
}

// ResetUnreadCount 請求把某個鍵的未讀計數歸零。fire-and-forget：
// 本地狀態不會同步更新，只在存儲把變更經由即時流回送後才更新；
// 呼叫方不得假設計數已立即歸零.
func (t *Tracker) ResetUnreadCount(ctx context.Context, userID, channelID string) {
	path := fmt.Sprintf("%s/%s/%s", t.prefix, userID, channelID)
	value := map[string]interface{}{
		"value":     0,
		"timestamp": float64(time.Now().UnixMilli()),
	}
	go t.store.Write(ctx, path, value)
}

// run 消費底層子樹流，維護內部狀態集合並扇出給追蹤訂閱者.
func (t *Tracker) run(userID string, ut *userTracking) {
	for {
		select {
		case ev, ok := <-ut.feedSub.C:
			if !ok {
				return
			}
			if ev.Err != nil {
				// 移除該用戶的追蹤記錄，讓之後的 Track 重新開啟底層訂閱，
				// 而不是掛載到一條已死的流上
				t.mu.Lock()
				if t.users[userID] == ut {
					delete(t.users, userID)
				}
				t.mu.Unlock()
				t.fanOut(ut, Update{Err: ev.Err})
				return
			}
			t.apply(userID, ut, ev.Value)
		case <-ut.done:
			return
		}
	}
}

// apply 解碼子樹並以鍵為單位整筆替換內部記錄，然後發出更新.
func (t *Tracker) apply(userID string, ut *userTracking, subtree realtimedb.Subtree) {
	t.mu.Lock()

	for channelID, raw := range subtree {
		state, err := decodeState(channelID, userID, raw)
		if err != nil {
			// 單筆記錄解碼失敗：跳過，不中斷其餘記錄
			logger.Error(context.Background(), fmt.Sprintf("讀取狀態解碼失敗，已跳過: %v", err),
				logger.WithUserID(userID), logger.WithChannelID(channelID))
			continue
		}
		t.states[stateKey{channelID: channelID, userID: userID}] = state
	}

	states := make([]State, 0)
	total := 0
	for key, s := range t.states {
		if key.userID != userID {
			continue
		}
		states = append(states, s)
		total += s.Count
	}

	changed := total != ut.lastTotal
	ut.lastTotal = total
	t.mu.Unlock()

	t.fanOut(ut, Update{States: states, Total: total, TotalChanged: changed})
}

// fanOut 發送給該用戶目前所有的追蹤訂閱者.
func (t *Tracker) fanOut(ut *userTracking, update Update) {
	t.mu.Lock()
	targets := make([]chan Update, 0, len(ut.subs))
	for _, ch := range ut.subs {
		targets = append(targets, ch)
	}
	t.mu.Unlock()

	for _, ch := range targets {
		// 訂閱者停止消費時丟棄最舊的快照，保留最新狀態（快照自含，後者覆蓋前者）
		select {
		case ch <- update:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- update:
			default:
			}
		}
	}
}

// decodeState 解碼一筆遠端讀取狀態記錄 {value, timestamp}.
// 時間戳契約：原始值先除以 1000，再視為 epoch 秒解讀（小數截斷，秒級精度）。
// 這個截斷是既有系統的線上格式契約，讀取回執顯示只需日期/時間粒度.
func decodeState(channelID, userID string, raw interface{}) (State, error) {
	entry, ok := raw.(map[string]interface{})
	if !ok {
		return State{}, chaterrors.New(chaterrors.CodeDecode, "讀取狀態記錄不是物件")
	}

	count, ok := asNumber(entry["value"])
	if !ok {
		return State{}, chaterrors.New(chaterrors.CodeMissingField, "讀取狀態缺少 value 欄位")
	}
	if count < 0 {
		return State{}, chaterrors.New(chaterrors.CodeDecode, "未讀計數不可為負")
	}

	rawTS, ok := asNumber(entry["timestamp"])
	if !ok {
		return State{}, chaterrors.New(chaterrors.CodeMissingField, "讀取狀態缺少 timestamp 欄位")
	}

	seconds := int64(rawTS / 1000)

	return State{
		ChannelID: channelID,
		UserID:    userID,
		Count:     int(count),
		Date:      time.Unix(seconds, 0),
	}, nil
}

// asNumber 寬鬆數字轉換（JSON 解碼為 float64，測試可能直接給 int）.
func asNumber(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
