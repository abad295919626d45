package channels

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"chat-sync/internal/localization"
	"chat-sync/internal/platform/logger"
	"chat-sync/internal/readstate"
	"chat-sync/internal/storage/docstore"
)

// Sink 頻道清單的顯示回呼，由宿主畫面實作.
type Sink interface {
	// Reload 結構性變更後的全清單重繪.
	Reload()
	// ReloadRow 單列刷新（未讀計數疊加）.
	ReloadRow(section, row int)
	// DeleteRow 單列刪除通知.
	DeleteRow(section, row int)
}

// Prober 訊息子集合空集探測.
type Prober interface {
	HasMessages(ctx context.Context, channelID string) (bool, error)
}

// Section 一個分區：同分類的頻道按顯示名稱排序.
type Section struct {
	Category string
	Title    string
	Channels []Channel

	sortIndex int
}

// Options 清單調停器的依賴與策略.
type Options struct {
	// UserID 當前用戶的聊天 ID，未讀疊加按此過濾.
	UserID string
	// Role 觀看者角色，決定顯示名稱與預設分區標題.
	Role Role
	// WebPrefix web 分類的頻道 ID 前綴.
	WebPrefix string
	// AlertGroups 告警群組成員資格（頻道 ID 集合），由宿主提供.
	AlertGroups map[string]bool
	// SectionIndex 分類的分區排序索引；nil 時使用 DefaultSectionIndex.
	SectionIndex func(category string) int
	// Exec 宿主的序列化執行器。調停器自身不做併發保護，
	// 所有變更（含非同步續延）都必須經由它進入.
	Exec func(func())

	Localizer localization.Localizer
	Prober    Prober
	Sink      Sink
}

// DefaultSectionIndex 預設分區順序：告警在前，web 其次，一般行程最後.
func DefaultSectionIndex(category string) int {
	switch category {
	case CategoryAlert:
		return 0
	case CategoryWeb:
		return 1
	default:
		return 2
	}
}

// Reconciler 頻道清單調停器。非併發安全：
// 所有方法都必須在 Options.Exec 的序列化上下文上呼叫.
type Reconciler struct {
	opts     Options
	sections []*Section
	closed   bool
}

// NewReconciler 創建清單調停器.
func NewReconciler(opts Options) *Reconciler {
	if opts.WebPrefix == "" {
		opts.WebPrefix = "web_"
	}
	if opts.SectionIndex == nil {
		opts.SectionIndex = DefaultSectionIndex
	}
	if opts.Localizer == nil {
		opts.Localizer = localization.Default()
	}
	return &Reconciler{opts: opts}
}

// Close 標記調停器已拆除。之後抵達的非同步續延（探測完成）會被丟棄.
func (r *Reconciler) Close() {
	r.closed = true
}

// Apply 套用一筆頻道變更事件.
func (r *Reconciler) Apply(change docstore.Change) {
	if r.closed {
		return
	}

	if change.Kind == docstore.Removed {
		r.remove(change.Doc.ID)
		return
	}

	ch, err := DecodeChannel(change.Doc)
	if err != nil {
		// 單筆事件解碼失敗：跳過，不影響同批其餘事件
		logger.Error(context.Background(), fmt.Sprintf("頻道解碼失敗，已跳過: %v", err),
			logger.WithChannelID(change.Doc.ID))
		return
	}

	switch change.Kind {
	case docstore.Added:
		r.add(ch)
	case docstore.Modified:
		r.modify(ch)
	}
}

// add 冪等新增。底層協議重連後可能重複投遞 added，已存在的 ID 直接忽略。
// web 分類的頻道要先通過非同步空集探測才能加入：
// 尚無訊息的網路預約頻道在首則訊息出現前不顯示.
func (r *Reconciler) add(ch Channel) {
	if _, _, ok := r.locate(ch.ID); ok {
		return
	}

	category := r.categorize(ch.ID)
	if category != CategoryWeb {
		r.insert(category, ch)
		return
	}

	go func() {
		has, err := r.opts.Prober.HasMessages(context.Background(), ch.ID)
		r.opts.Exec(func() {
			if r.closed {
				return
			}
			if err != nil {
				// 探測模糊時寧可顯示，不隱藏本該出現的頻道
				logger.Warning(context.Background(), fmt.Sprintf("頻道空集探測失敗，預設顯示: %v", err),
					logger.WithChannelID(ch.ID))
				has = true
			}
			if !has {
				return
			}
			if _, _, ok := r.locate(ch.ID); ok {
				return
			}
			r.insert(CategoryWeb, ch)
		})
	}()
}

// modify 以 ID 定位後整筆替換並重排；找不到時退回新增路徑
// （被探測抑制的 web 頻道之後可能以 modified 形式再次出現）.
func (r *Reconciler) modify(ch Channel) {
	si, ri, ok := r.locate(ch.ID)
	if !ok {
		r.add(ch)
		return
	}

	// 保留本地疊加的未讀計數
	ch.UnreadCount = r.sections[si].Channels[ri].UnreadCount
	r.sections[si].Channels[ri] = ch
	r.sortSection(r.sections[si])
	r.opts.Sink.Reload()
}

// remove 以 ID 定位後刪除並通知該列；分區清空時一併移除分區.
func (r *Reconciler) remove(id string) {
	si, ri, ok := r.locate(id)
	if !ok {
		return
	}

	sec := r.sections[si]
	sec.Channels = append(sec.Channels[:ri], sec.Channels[ri+1:]...)

	if len(sec.Channels) == 0 {
		r.sections = append(r.sections[:si], r.sections[si+1:]...)
		r.opts.Sink.Reload()
		return
	}
	r.opts.Sink.DeleteRow(si, ri)
}

// ApplyReadStates 疊加讀取狀態追蹤器發出的未讀計數，逐列刷新.
func (r *Reconciler) ApplyReadStates(states []readstate.State) {
	if r.closed {
		return
	}
	for _, s := range states {
		if s.UserID != r.opts.UserID {
			continue
		}
		si, ri, ok := r.locate(s.ChannelID)
		if !ok {
			// 讀取狀態可能先於頻道事件抵達，屬正常跨鍵時序
			continue
		}
		if r.sections[si].Channels[ri].UnreadCount == s.Count {
			continue
		}
		r.sections[si].Channels[ri].UnreadCount = s.Count
		r.opts.Sink.ReloadRow(si, ri)
	}
}

// Sections 當前視圖快照（供顯示層讀取）.
func (r *Reconciler) Sections() []Section {
	out := make([]Section, len(r.sections))
	for i, sec := range r.sections {
		out[i] = Section{
			Category: sec.Category,
			Title:    sec.Title,
			Channels: append([]Channel(nil), sec.Channels...),
		}
	}
	return out
}

// categorize 計算頻道分類：ID 前綴優先於群組成員資格.
func (r *Reconciler) categorize(id string) string {
	if strings.HasPrefix(id, r.opts.WebPrefix) {
		return CategoryWeb
	}
	if r.opts.AlertGroups[id] {
		return CategoryAlert
	}
	return CategoryDefault
}

// insert 插入頻道到其分類的分區（必要時建立分區），重排後全清單重繪.
func (r *Reconciler) insert(category string, ch Channel) {
	sec := r.section(category)
	sec.Channels = append(sec.Channels, ch)
	r.sortSection(sec)
	sort.SliceStable(r.sections, func(i, j int) bool {
		return r.sections[i].sortIndex < r.sections[j].sortIndex
	})
	r.opts.Sink.Reload()
}

// section 找到或建立某分類的分區.
func (r *Reconciler) section(category string) *Section {
	for _, sec := range r.sections {
		if sec.Category == category {
			return sec
		}
	}
	sec := &Section{
		Category:  category,
		Title:     r.sectionTitle(category),
		sortIndex: r.opts.SectionIndex(category),
	}
	r.sections = append(r.sections, sec)
	return sec
}

// sectionTitle 分區標題：告警與 web 用固定鍵，一般行程分區依角色命名.
func (r *Reconciler) sectionTitle(category string) string {
	switch category {
	case CategoryAlert:
		return r.opts.Localizer.Localize("channels.section.alert")
	case CategoryWeb:
		return r.opts.Localizer.Localize("channels.section.web")
	default:
		if r.opts.Role == RoleDriver {
			return r.opts.Localizer.Localize("driverRideChannelsTitle")
		}
		return r.opts.Localizer.Localize("passengerRideChannelsTitle")
	}
}

// sortSection 分區內按角色解析後的顯示名稱排序（不分大小寫）.
func (r *Reconciler) sortSection(sec *Section) {
	role := r.opts.Role
	sort.SliceStable(sec.Channels, func(i, j int) bool {
		return strings.ToLower(sec.Channels[i].DisplayName(role)) <
			strings.ToLower(sec.Channels[j].DisplayName(role))
	})
}

// locate 以 ID 跨分區定位頻道.
func (r *Reconciler) locate(id string) (section, row int, ok bool) {
	for si, sec := range r.sections {
		for ri, ch := range sec.Channels {
			if ch.ID == id {
				return si, ri, true
			}
		}
	}
	return 0, 0, false
}
