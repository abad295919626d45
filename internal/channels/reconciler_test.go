package channels

import (
	"context"
	"sync"
	"testing"
	"time"

	"chat-sync/internal/readstate"
	"chat-sync/internal/storage/docstore"

	"github.com/pkg/errors"
)

// fakeSink 記錄顯示回呼
type fakeSink struct {
	reloads    int
	rowReloads [][2]int
	rowDeletes [][2]int
}

func (s *fakeSink) Reload()                { s.reloads++ }
func (s *fakeSink) ReloadRow(sec, row int) { s.rowReloads = append(s.rowReloads, [2]int{sec, row}) }
func (s *fakeSink) DeleteRow(sec, row int) { s.rowDeletes = append(s.rowDeletes, [2]int{sec, row}) }

// fakeProber 可控的空集探測
type fakeProber struct {
	mu     sync.Mutex
	result map[string]bool
	err    error
	probes int
}

func (p *fakeProber) HasMessages(ctx context.Context, channelID string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.probes++
	if p.err != nil {
		return false, p.err
	}
	return p.result[channelID], nil
}

// execQueue 模擬宿主的序列化執行器：續延排入佇列，由測試逐一執行
type execQueue chan func()

func (q execQueue) exec(f func()) { q <- f }

func (q execQueue) step(t *testing.T) {
	t.Helper()
	select {
	case f := <-q:
		f()
	case <-time.After(2 * time.Second):
		t.Fatal("等待序列化續延超時")
	}
}

func added(id, name string, users ...string) docstore.Change {
	data := map[string]interface{}{"name": name}
	if users != nil {
		raw := make([]interface{}, len(users))
		for i, u := range users {
			raw[i] = u
		}
		data["user"] = raw
	}
	return docstore.Change{Kind: docstore.Added, Doc: docstore.Document{ID: id, Data: data}}
}

func newTestReconciler(sink *fakeSink, prober *fakeProber, exec func(func())) *Reconciler {
	if exec == nil {
		exec = func(f func()) { f() }
	}
	return NewReconciler(Options{
		UserID:      "u1",
		Role:        RolePassenger,
		AlertGroups: map[string]bool{"alert1": true},
		Exec:        exec,
		Prober:      prober,
		Sink:        sink,
	})
}

// TestAddedIdempotent 同一個 ID 的 added 事件重複投遞只產生一列
func TestAddedIdempotent(t *testing.T) {
	sink := &fakeSink{}
	r := newTestReconciler(sink, &fakeProber{}, nil)

	r.Apply(added("c1", "Course du 01/05/2026"))
	r.Apply(added("c1", "Course du 01/05/2026"))

	sections := r.Sections()
	if len(sections) != 1 || len(sections[0].Channels) != 1 {
		t.Fatalf("重複 added 後應只有一列，實際分區 %d、列數不符", len(sections))
	}
	if sink.reloads != 1 {
		t.Errorf("重繪次數 = %d，期望 1（重複事件不觸發重繪）", sink.reloads)
	}
}

// TestOrderingByDisplayName 分區內按角色解析後的顯示名稱排序，不分大小寫
func TestOrderingByDisplayName(t *testing.T) {
	sink := &fakeSink{}
	r := newTestReconciler(sink, &fakeProber{}, nil)

	// 乘客視角：%name% 替換為司機名稱
	docB := docstore.Change{Kind: docstore.Added, Doc: docstore.Document{ID: "c1", Data: map[string]interface{}{
		"name": "%name%", "driverName": "bernard",
	}}}
	docA := docstore.Change{Kind: docstore.Added, Doc: docstore.Document{ID: "c2", Data: map[string]interface{}{
		"name": "%name%", "driverName": "Alice",
	}}}
	r.Apply(docB)
	r.Apply(docA)

	channels := r.Sections()[0].Channels
	if channels[0].ID != "c2" || channels[1].ID != "c1" {
		t.Errorf("排序 = [%s, %s]，期望 [c2, c1]（Alice < bernard，不分大小寫）",
			channels[0].ID, channels[1].ID)
	}
}

// TestSectionPlacementAndOrder 告警分區在一般行程分區之前；標題依角色解析
func TestSectionPlacementAndOrder(t *testing.T) {
	sink := &fakeSink{}
	r := newTestReconciler(sink, &fakeProber{}, nil)

	r.Apply(added("c1", "Course du 01/05/2026"))
	r.Apply(added("alert1", "Alerte conducteur"))

	sections := r.Sections()
	if len(sections) != 2 {
		t.Fatalf("分區數 = %d，期望 2", len(sections))
	}
	if sections[0].Category != CategoryAlert || sections[1].Category != CategoryDefault {
		t.Errorf("分區順序 = [%s, %s]，期望告警在前", sections[0].Category, sections[1].Category)
	}
	if sections[0].Title != "Alerte" {
		t.Errorf("告警分區標題 = %q，期望 %q", sections[0].Title, "Alerte")
	}
	if sections[1].Title != "Mes courses" {
		t.Errorf("乘客視角一般分區標題 = %q，期望 %q", sections[1].Title, "Mes courses")
	}
}

// TestWebChannelSuppression 場景：web 前綴且訊息子集合為空的頻道不顯示；
// 之後有訊息時，重試的 added 事件會顯示
func TestWebChannelSuppression(t *testing.T) {
	sink := &fakeSink{}
	prober := &fakeProber{result: map[string]bool{}}
	queue := make(execQueue, 4)
	r := newTestReconciler(sink, prober, queue.exec)

	r.Apply(added("web_c1", "Réservation internet"))
	queue.step(t)

	if len(r.Sections()) != 0 {
		t.Fatal("無訊息的 web 頻道在探測完成後不應顯示")
	}

	// 首則訊息出現後重試 added
	prober.mu.Lock()
	prober.result["web_c1"] = true
	prober.mu.Unlock()

	r.Apply(added("web_c1", "Réservation internet"))
	queue.step(t)

	sections := r.Sections()
	if len(sections) != 1 || sections[0].Category != CategoryWeb {
		t.Fatal("有訊息後重試的 added 應產生 web 分區的一列")
	}
	if sections[0].Channels[0].ID != "web_c1" {
		t.Errorf("頻道 ID = %s，期望 web_c1", sections[0].Channels[0].ID)
	}
}

// TestProbeErrorShowsChannel 探測失敗時預設顯示，不隱藏本該出現的頻道
func TestProbeErrorShowsChannel(t *testing.T) {
	sink := &fakeSink{}
	prober := &fakeProber{err: errors.New("探測超時")}
	queue := make(execQueue, 4)
	r := newTestReconciler(sink, prober, queue.exec)

	r.Apply(added("web_c1", "Réservation internet"))
	queue.step(t)

	if len(r.Sections()) != 1 {
		t.Fatal("探測失敗時頻道應照常顯示")
	}
}

// TestCloseDiscardsProbeCompletion 拆除後抵達的探測續延被丟棄
func TestCloseDiscardsProbeCompletion(t *testing.T) {
	sink := &fakeSink{}
	prober := &fakeProber{result: map[string]bool{"web_c1": true}}
	queue := make(execQueue, 4)
	r := newTestReconciler(sink, prober, queue.exec)

	r.Apply(added("web_c1", "Réservation internet"))
	r.Close()
	queue.step(t)

	if len(r.Sections()) != 0 {
		t.Error("拆除後的探測完成不應再變更狀態")
	}
	if sink.reloads != 0 {
		t.Error("拆除後不應觸發重繪")
	}
}

// TestModifiedReplacesAndResorts modified 整筆替換、重排並全清單重繪；
// 本地疊加的未讀計數保留
func TestModifiedReplacesAndResorts(t *testing.T) {
	sink := &fakeSink{}
	r := newTestReconciler(sink, &fakeProber{}, nil)

	r.Apply(added("c1", "Aaa"))
	r.Apply(added("c2", "Bbb"))
	r.ApplyReadStates([]readstate.State{{ChannelID: "c1", UserID: "u1", Count: 3}})

	reloadsBefore := sink.reloads
	r.Apply(docstore.Change{Kind: docstore.Modified, Doc: docstore.Document{
		ID: "c1", Data: map[string]interface{}{"name": "Zzz"},
	}})

	channels := r.Sections()[0].Channels
	if channels[0].ID != "c2" || channels[1].ID != "c1" {
		t.Errorf("改名後排序 = [%s, %s]，期望 [c2, c1]", channels[0].ID, channels[1].ID)
	}
	if channels[1].Name != "Zzz" {
		t.Errorf("名稱 = %q，期望整筆替換為 %q", channels[1].Name, "Zzz")
	}
	if channels[1].UnreadCount != 3 {
		t.Errorf("未讀計數 = %d，替換後應保留本地疊加值 3", channels[1].UnreadCount)
	}
	if sink.reloads != reloadsBefore+1 {
		t.Errorf("modified 應觸發一次全清單重繪")
	}
}

// TestRemovedNotifiesRow removed 刪除該列並通知具體列；分區清空時移除分區
func TestRemovedNotifiesRow(t *testing.T) {
	sink := &fakeSink{}
	r := newTestReconciler(sink, &fakeProber{}, nil)

	r.Apply(added("c1", "Aaa"))
	r.Apply(added("c2", "Bbb"))

	r.Apply(docstore.Change{Kind: docstore.Removed, Doc: docstore.Document{ID: "c2"}})
	if len(sink.rowDeletes) != 1 || sink.rowDeletes[0] != [2]int{0, 1} {
		t.Errorf("列刪除通知 = %v，期望 [[0 1]]", sink.rowDeletes)
	}
	if len(r.Sections()[0].Channels) != 1 {
		t.Error("刪除後分區應剩一列")
	}

	r.Apply(docstore.Change{Kind: docstore.Removed, Doc: docstore.Document{ID: "c1"}})
	if len(r.Sections()) != 0 {
		t.Error("分區清空後應一併移除分區")
	}
}

// TestUnreadOverlayRowRefresh 讀取狀態變更只疊加當前用戶的計數並逐列刷新
func TestUnreadOverlayRowRefresh(t *testing.T) {
	sink := &fakeSink{}
	r := newTestReconciler(sink, &fakeProber{}, nil)

	r.Apply(added("c1", "Aaa"))

	r.ApplyReadStates([]readstate.State{
		{ChannelID: "c1", UserID: "u1", Count: 2},
		{ChannelID: "c1", UserID: "other", Count: 9}, // 非當前用戶：忽略
		{ChannelID: "ghost", UserID: "u1", Count: 1}, // 頻道事件尚未抵達：忽略
	})

	if got := r.Sections()[0].Channels[0].UnreadCount; got != 2 {
		t.Errorf("未讀計數 = %d，期望 2", got)
	}
	if len(sink.rowReloads) != 1 || sink.rowReloads[0] != [2]int{0, 0} {
		t.Errorf("列刷新 = %v，期望 [[0 0]]", sink.rowReloads)
	}

	// 計數未變不重繪
	r.ApplyReadStates([]readstate.State{{ChannelID: "c1", UserID: "u1", Count: 2}})
	if len(sink.rowReloads) != 1 {
		t.Error("計數未變時不應再次刷新該列")
	}
}

// TestDecodeSkipsMalformedChannel 缺少 name 的頻道事件被跳過
func TestDecodeSkipsMalformedChannel(t *testing.T) {
	sink := &fakeSink{}
	r := newTestReconciler(sink, &fakeProber{}, nil)

	r.Apply(docstore.Change{Kind: docstore.Added, Doc: docstore.Document{
		ID: "c1", Data: map[string]interface{}{"user": []interface{}{"a", "b"}},
	}})

	if len(r.Sections()) != 0 {
		t.Error("解碼失敗的事件不應產生任何列")
	}
}

// TestDisplayNameRoleSubstitution 角色佔位符替換方向與預設名稱
func TestDisplayNameRoleSubstitution(t *testing.T) {
	ch, err := DecodeChannel(docstore.Document{ID: "c1", Data: map[string]interface{}{
		"name": "Course avec %name%", "driverName": "Marc", "passengerName": "Julie",
	}})
	if err != nil {
		t.Fatalf("解碼失敗: %v", err)
	}

	if got := ch.DisplayName(RolePassenger); got != "Course avec Marc" {
		t.Errorf("乘客視角 = %q，期望司機名稱替換", got)
	}
	if got := ch.DisplayName(RoleDriver); got != "Course avec Julie" {
		t.Errorf("司機視角 = %q，期望乘客名稱替換", got)
	}

	// 名稱缺失時的預設值
	ch, err = DecodeChannel(docstore.Document{ID: "c2", Data: map[string]interface{}{"name": "%name%"}})
	if err != nil {
		t.Fatalf("解碼失敗: %v", err)
	}
	if got := ch.DisplayName(RolePassenger); got != "DriverName" {
		t.Errorf("司機名稱缺失時 = %q，期望預設值 DriverName", got)
	}
}
