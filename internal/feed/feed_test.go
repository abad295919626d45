package feed

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"chat-sync/internal/chaterrors"
)

// fakeSource 測試用底層連線來源，記錄開啟與拆除次數
type fakeSource struct {
	mu        sync.Mutex
	opens     int
	teardowns int
	values    chan string
	errs      chan error
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		values: make(chan string, 16),
		errs:   make(chan error, 1),
	}
}

func (f *fakeSource) open(ctx context.Context, key string) (<-chan string, <-chan error, error) {
	f.mu.Lock()
	f.opens++
	f.mu.Unlock()

	out := make(chan string, 16)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				f.mu.Lock()
				f.teardowns++
				f.mu.Unlock()
				return
			case v := <-f.values:
				out <- v
			}
		}
	}()
	return out, f.errs, nil
}

func (f *fakeSource) counts() (opens, teardowns int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opens, f.teardowns
}

func waitForTeardowns(t *testing.T, f *fakeSource, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, td := f.counts(); td == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	_, td := f.counts()
	t.Fatalf("等待拆除超時：期望 %d 次，實際 %d 次", want, td)
}

func recvValue(t *testing.T, sub *Subscription[string]) string {
	t.Helper()
	select {
	case ev := <-sub.C:
		if ev.Err != nil {
			t.Fatalf("收到非預期的終止錯誤: %v", ev.Err)
		}
		return ev.Value
	case <-time.After(2 * time.Second):
		t.Fatal("等待事件超時")
		return ""
	}
}

// TestSharedConnectionFanOut 場景：同一個鍵訂閱兩次，推送一筆快照，
// 兩個訂閱者都收到；兩者都取消後，拆除恰好發生一次
func TestSharedConnectionFanOut(t *testing.T) {
	src := newFakeSource()
	hub := NewHub(src.open, 4)

	sub1, err := hub.Subscribe("u1")
	if err != nil {
		t.Fatalf("第一次訂閱失敗: %v", err)
	}
	sub2, err := hub.Subscribe("u1")
	if err != nil {
		t.Fatalf("第二次訂閱失敗: %v", err)
	}

	if opens, _ := src.counts(); opens != 1 {
		t.Fatalf("期望只開啟一條連線，實際 %d 條", opens)
	}

	src.values <- "snapshot-1"

	if got := recvValue(t, sub1); got != "snapshot-1" {
		t.Errorf("訂閱者 1 收到 %q，期望 %q", got, "snapshot-1")
	}
	if got := recvValue(t, sub2); got != "snapshot-1" {
		t.Errorf("訂閱者 2 收到 %q，期望 %q", got, "snapshot-1")
	}

	// 取消第一個訂閱者後連線必須保持開啟
	hub.Unsubscribe(sub1)
	if _, td := src.counts(); td != 0 {
		t.Fatalf("仍有訂閱者時不應拆除連線")
	}

	hub.Unsubscribe(sub2)
	waitForTeardowns(t, src, 1)

	if opens, td := src.counts(); opens != 1 || td != 1 {
		t.Errorf("期望開啟/拆除各一次，實際開啟 %d 次、拆除 %d 次", opens, td)
	}
}

// TestReplayLatestSnapshot 後加入的訂閱者必須立即收到最新快照的重播
func TestReplayLatestSnapshot(t *testing.T) {
	src := newFakeSource()
	hub := NewHub(src.open, 4)

	sub1, err := hub.Subscribe("u1")
	if err != nil {
		t.Fatalf("訂閱失敗: %v", err)
	}
	src.values <- "old"
	src.values <- "latest"
	if got := recvValue(t, sub1); got != "old" {
		t.Fatalf("收到 %q，期望 %q", got, "old")
	}
	if got := recvValue(t, sub1); got != "latest" {
		t.Fatalf("收到 %q，期望 %q", got, "latest")
	}

	sub2, err := hub.Subscribe("u1")
	if err != nil {
		t.Fatalf("第二次訂閱失敗: %v", err)
	}
	if got := recvValue(t, sub2); got != "latest" {
		t.Errorf("重播收到 %q，期望最新快照 %q", got, "latest")
	}

	hub.Unsubscribe(sub1)
	hub.Unsubscribe(sub2)
}

// TestUnsubscribeIdempotent 重複取消同一個訂閱不應造成二次拆除
func TestUnsubscribeIdempotent(t *testing.T) {
	src := newFakeSource()
	hub := NewHub(src.open, 4)

	sub1, _ := hub.Subscribe("u1")
	sub2, _ := hub.Subscribe("u1")

	hub.Unsubscribe(sub1)
	hub.Unsubscribe(sub1) // 重複取消
	hub.Unsubscribe(sub1)

	if hub.SubscriberCount("u1") != 1 {
		t.Fatalf("重複取消後剩餘訂閱者數量錯誤: %d", hub.SubscriberCount("u1"))
	}
	if _, td := src.counts(); td != 0 {
		t.Fatal("重複取消不應拆除仍有訂閱者的連線")
	}

	hub.Unsubscribe(sub2)
	waitForTeardowns(t, src, 1)
}

// TestKeysAreIndependent 不同鍵各自獨立開啟連線
func TestKeysAreIndependent(t *testing.T) {
	src := newFakeSource()
	hub := NewHub(src.open, 4)

	subA, _ := hub.Subscribe("a")
	subB, _ := hub.Subscribe("b")

	if opens, _ := src.counts(); opens != 2 {
		t.Fatalf("兩個鍵應各開一條連線，實際 %d 條", opens)
	}

	hub.Unsubscribe(subA)
	waitForTeardowns(t, src, 1)

	// 鍵 b 的連線不受影響
	if hub.SubscriberCount("b") != 1 {
		t.Error("取消鍵 a 不應影響鍵 b 的訂閱")
	}
	hub.Unsubscribe(subB)
	waitForTeardowns(t, src, 2)
}

// TestTerminalErrorReachesAllSubscribers 連線錯誤必須以終止事件送達所有訂閱者
func TestTerminalErrorReachesAllSubscribers(t *testing.T) {
	src := newFakeSource()
	hub := NewHub(src.open, 4)

	sub1, _ := hub.Subscribe("u1")
	sub2, _ := hub.Subscribe("u1")

	src.errs <- errors.New("connection reset")

	for i, sub := range []*Subscription[string]{sub1, sub2} {
		select {
		case ev := <-sub.C:
			if ev.Err == nil {
				t.Fatalf("訂閱者 %d 期望終止錯誤，收到值 %q", i+1, ev.Value)
			}
			if !chaterrors.IsFeedError(ev.Err) {
				t.Errorf("訂閱者 %d 的錯誤缺少連線錯誤代碼: %v", i+1, ev.Err)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("訂閱者 %d 等待終止錯誤超時", i+1)
		}
	}

	// 錯誤後連線已移除；重新訂閱會開啟新連線
	if _, err := hub.Subscribe("u1"); err != nil {
		t.Fatalf("錯誤後重新訂閱失敗: %v", err)
	}
	if opens, _ := src.counts(); opens != 2 {
		t.Errorf("終止錯誤後重新訂閱應開啟新連線，實際開啟 %d 次", opens)
	}
}

// TestUnsubscribeFreesBlockedPump 場景：緩衝為 1，訂閱者 A 從不讀取，
// 訂閱者 B 正常讀取。A 塞滿後投遞阻塞在 A 上；A 取消訂閱必須立即解除阻塞，
// 讓 B 繼續收到後續快照
func TestUnsubscribeFreesBlockedPump(t *testing.T) {
	src := newFakeSource()
	hub := NewHub(src.open, 1)

	subA, err := hub.Subscribe("u1")
	if err != nil {
		t.Fatalf("訂閱 A 失敗: %v", err)
	}
	subB, err := hub.Subscribe("u1")
	if err != nil {
		t.Fatalf("訂閱 B 失敗: %v", err)
	}

	src.values <- "v1"
	if got := recvValue(t, subB); got != "v1" {
		t.Fatalf("B 收到 %q，期望 %q", got, "v1")
	}

	// A 的緩衝仍塞著 v1；v2 的投遞會阻塞在 A 上
	src.values <- "v2"
	hub.Unsubscribe(subA)

	if got := recvValue(t, subB); got != "v2" {
		t.Fatalf("A 取消訂閱後 B 收到 %q，期望 %q", got, "v2")
	}

	src.values <- "v3"
	if got := recvValue(t, subB); got != "v3" {
		t.Fatalf("B 收到 %q，期望 %q", got, "v3")
	}

	hub.Unsubscribe(subB)
	waitForTeardowns(t, src, 1)
}

// TestClosureReportsPendingError 連線關閉與錯誤同時發生時，
// 終止事件必須帶出真正的錯誤原因，而不是籠統的「已關閉」
func TestClosureReportsPendingError(t *testing.T) {
	cause := errors.New("stream torn down by server")
	hub := NewHub(func(ctx context.Context, key string) (<-chan string, <-chan error, error) {
		values := make(chan string)
		close(values)
		errs := make(chan error, 1)
		errs <- cause
		return values, errs, nil
	}, 4)

	sub, err := hub.Subscribe("u1")
	if err != nil {
		t.Fatalf("訂閱失敗: %v", err)
	}

	select {
	case ev := <-sub.C:
		if ev.Err == nil {
			t.Fatalf("期望終止錯誤，收到值 %q", ev.Value)
		}
		if chaterrors.CodeOf(ev.Err) != chaterrors.CodeFeedUnavailable {
			t.Errorf("錯誤代碼不正確: %v", ev.Err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("等待終止錯誤超時")
	}
}

// TestSubscribeOpenFailure 開啟底層連線失敗時 Subscribe 返回錯誤
func TestSubscribeOpenFailure(t *testing.T) {
	openErr := errors.New("dial refused")
	hub := NewHub(func(ctx context.Context, key string) (<-chan int, <-chan error, error) {
		return nil, nil, openErr
	}, 4)

	if _, err := hub.Subscribe("u1"); err == nil {
		t.Fatal("期望訂閱失敗")
	} else if chaterrors.CodeOf(err) != chaterrors.CodeFeedUnavailable {
		t.Errorf("錯誤代碼不正確: %v", err)
	}
}
