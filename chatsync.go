// Package chatsync 行動叫車應用的聊天同步庫：頻道清單與訊息串的即時調停、
// 未讀計數追蹤、圖片附件與行程頻道生命週期。
// 宿主應用從組合根 Coordinator 取得各畫面的調停器句柄.
package chatsync

import (
	"context"
	"fmt"

	"chat-sync/internal/channels"
	"chat-sync/internal/feed"
	"chat-sync/internal/localization"
	"chat-sync/internal/platform/config"
	"chat-sync/internal/platform/driver"
	"chat-sync/internal/platform/logger"
	"chat-sync/internal/readstate"
	"chat-sync/internal/storage/bytestore"
	"chat-sync/internal/storage/docstore"
	"chat-sync/internal/storage/imagecache"
	"chat-sync/internal/storage/realtimedb"
	"chat-sync/internal/thread"

	"github.com/pkg/errors"
)

// Options 組合根的啟動選項.
type Options struct {
	// Config 直接注入配置（主要用於測試）；nil 時從配置檔案載入.
	Config *config.Config
	// Localizer 宿主的本地化查找；nil 時使用內建字串表.
	Localizer localization.Localizer
}

// Coordinator 組合根：持有所有存儲連線與共享的讀取狀態追蹤器，
// 為每個畫面建構調停器.
type Coordinator struct {
	cfg       *config.Config
	store     *docstore.Store
	realtime  *realtimedb.Client
	bytes     *bytestore.Client
	cache     *imagecache.Cache
	localizer localization.Localizer
	creator   *channels.Creator

	channelHub *feed.Hub[docstore.Change]
	messageHub *feed.Hub[docstore.Change]
	tracker    *readstate.Tracker
}

// New 載入配置、建立存儲連線並構建組合根.
func New(opts Options) (*Coordinator, error) {
	if err := config.Load(opts.Config); err != nil {
		return nil, errors.Wrap(err, "load config")
	}
	cfg := config.Get()

	if err := logger.InitLogger(); err != nil {
		return nil, errors.Wrap(err, "init logger")
	}

	if err := driver.ConnectMongo(); err != nil {
		return nil, errors.Wrap(err, "connect mongo")
	}

	cache, err := imagecache.Open(cfg.Cache.Path)
	if err != nil {
		return nil, errors.Wrap(err, "open image cache")
	}

	localizer := opts.Localizer
	if localizer == nil {
		localizer = localization.Default()
	}

	store := docstore.NewStore(driver.GetMongoDatabase())
	realtime := realtimedb.NewClient(cfg.Realtime)

	co := &Coordinator{
		cfg:       cfg,
		store:     store,
		realtime:  realtime,
		bytes:     bytestore.NewClient(cfg.Storage),
		cache:     cache,
		localizer: localizer,
		creator:   channels.NewCreator(store, localizer),
	}

	co.channelHub = feed.NewHub(func(ctx context.Context, userID string) (<-chan docstore.Change, <-chan error, error) {
		return store.WatchChannels(ctx, userID)
	}, cfg.Chat.FeedBuffer)
	co.messageHub = feed.NewHub(func(ctx context.Context, channelID string) (<-chan docstore.Change, <-chan error, error) {
		return store.WatchMessages(ctx, channelID)
	}, cfg.Chat.FeedBuffer)

	readHub := feed.NewHub(func(ctx context.Context, userID string) (<-chan realtimedb.Subtree, <-chan error, error) {
		return realtime.Subscribe(ctx, cfg.Realtime.SubtreePrefix+"/"+userID)
	}, cfg.Realtime.MessageBuffer)
	co.tracker = readstate.NewTracker(readHub, realtime, cfg.Realtime.SubtreePrefix, cfg.Realtime.MessageBuffer)

	logger.Info(context.Background(), "聊天同步組合根已就緒")
	return co, nil
}

// Tracker 進程共享的讀取狀態追蹤器.
func (co *Coordinator) Tracker() *readstate.Tracker {
	return co.tracker
}

// Localize 本地化字串查找.
func (co *Coordinator) Localize(key string) string {
	return co.localizer.Localize(key)
}

// CreateRideChannel 為一筆行程建立頻道，返回確定性頻道 ID.
func (co *Coordinator) CreateRideChannel(ctx context.Context, ride channels.Ride) (string, error) {
	return co.creator.CreateRideChannel(ctx, ride)
}

// DeleteRideChannel 行程結束時刪除頻道.
func (co *Coordinator) DeleteRideChannel(ctx context.Context, channelID string) {
	co.creator.DeleteRideChannel(ctx, channelID)
}

// UpdateNotificationToken 把推播 token 併入用戶文檔的 token 陣列。
// fire-and-forget：失敗記錄後丟棄.
func (co *Coordinator) UpdateNotificationToken(userID, token string) {
	go func() {
		if err := co.store.AddNotificationToken(context.Background(), userID, token); err != nil {
			logger.Error(context.Background(), fmt.Sprintf("通知 token 更新失敗，已丟棄: %v", err),
				logger.WithUserID(userID))
		}
	}()
}

// Close 關閉所有存儲連線.
func (co *Coordinator) Close() error {
	var firstErr error
	if err := co.cache.Close(); err != nil {
		firstErr = err
	}
	if err := driver.CloseMongo(); err != nil && firstErr == nil {
		firstErr = err
	}
	logger.CloseLogger()
	return firstErr
}

// ChannelListOptions 頻道清單畫面的構建參數.
type ChannelListOptions struct {
	UserID      string
	Role        channels.Role
	AlertGroups map[string]bool
	// SectionIndex 分區排序索引；nil 時告警在前、web 其次、一般行程最後.
	SectionIndex func(category string) int
	// Exec 畫面的序列化執行器（UI 主佇列）.
	Exec func(func())
	Sink channels.Sink
}

// ChannelList 一個頻道清單畫面的句柄：調停器加上其訂閱的生命週期.
type ChannelList struct {
	Reconciler *channels.Reconciler

	co       *Coordinator
	exec     func(func())
	feedSub  *feed.Subscription[docstore.Change]
	trackSub *readstate.Subscription
	done     chan struct{}
}

// ChannelList 構建頻道清單畫面：訂閱頻道變更流與讀取狀態，
// 所有事件經由畫面的序列化執行器進入調停器.
func (co *Coordinator) ChannelList(opts ChannelListOptions) (*ChannelList, error) {
	rec := channels.NewReconciler(channels.Options{
		UserID:       opts.UserID,
		Role:         opts.Role,
		WebPrefix:    co.cfg.Chat.WebChannelPrefix,
		AlertGroups:  opts.AlertGroups,
		SectionIndex: opts.SectionIndex,
		Exec:         opts.Exec,
		Localizer:    co.localizer,
		Prober:       co.store,
		Sink:         opts.Sink,
	})

	feedSub, err := co.channelHub.Subscribe(opts.UserID)
	if err != nil {
		return nil, err
	}
	trackSub, err := co.tracker.Track(opts.UserID)
	if err != nil {
		co.channelHub.Unsubscribe(feedSub)
		return nil, err
	}

	list := &ChannelList{
		Reconciler: rec,
		co:         co,
		exec:       opts.Exec,
		feedSub:    feedSub,
		trackSub:   trackSub,
		done:       make(chan struct{}),
	}

	go func() {
		for {
			select {
			case ev, ok := <-feedSub.C:
				if !ok {
					return
				}
				opts.Exec(func() {
					if ev.Err != nil {
						logger.Error(context.Background(), fmt.Sprintf("頻道變更流中斷: %v", ev.Err),
							logger.WithUserID(opts.UserID))
						return
					}
					rec.Apply(ev.Value)
				})
			case <-list.done:
				return
			}
		}
	}()

	go func() {
		for {
			select {
			case u, ok := <-trackSub.Updates:
				if !ok {
					return
				}
				opts.Exec(func() {
					if u.Err != nil {
						logger.Error(context.Background(), fmt.Sprintf("讀取狀態流中斷: %v", u.Err),
							logger.WithUserID(opts.UserID))
						return
					}
					rec.ApplyReadStates(u.States)
				})
			case <-list.done:
				return
			}
		}
	}()

	return list, nil
}

// Close 拆除畫面：取消訂閱並丟棄之後抵達的事件。
// 調停器的關閉經由畫面的序列化執行器進入，排在已入列的延續之後.
func (l *ChannelList) Close() {
	close(l.done)
	l.exec(l.Reconciler.Close)
	l.co.channelHub.Unsubscribe(l.feedSub)
	l.co.tracker.Untrack(l.trackSub)
}

// MessageThreadOptions 訊息串畫面的構建參數.
type MessageThreadOptions struct {
	ChannelID    string
	UserID       string
	SenderName   string
	Participants []string
	// Exec 畫面的序列化執行器（UI 主佇列）.
	Exec func(func())
	Sink thread.Sink
}

// MessageThread 一個訊息串畫面的句柄.
type MessageThread struct {
	Reconciler *thread.Reconciler

	co      *Coordinator
	exec    func(func())
	feedSub *feed.Subscription[docstore.Change]
	done    chan struct{}
}

// MessageThread 構建訊息串畫面：訂閱該頻道的訊息變更流並載入最新一頁.
func (co *Coordinator) MessageThread(opts MessageThreadOptions) (*MessageThread, error) {
	rec := thread.NewReconciler(thread.Options{
		ChannelID:    opts.ChannelID,
		UserID:       opts.UserID,
		SenderName:   opts.SenderName,
		Participants: opts.Participants,
		PageSize:     co.cfg.Chat.PageSize,
		Exec:         opts.Exec,
		Store:        co.store,
		Bytes:        co.bytes,
		Cache:        co.cache,
		ReadStates:   co.tracker,
		Sink:         opts.Sink,
	})

	feedSub, err := co.messageHub.Subscribe(opts.ChannelID)
	if err != nil {
		return nil, err
	}

	mt := &MessageThread{
		Reconciler: rec,
		co:         co,
		exec:       opts.Exec,
		feedSub:    feedSub,
		done:       make(chan struct{}),
	}

	go func() {
		for {
			select {
			case ev, ok := <-feedSub.C:
				if !ok {
					return
				}
				opts.Exec(func() {
					if ev.Err != nil {
						logger.Error(context.Background(), fmt.Sprintf("訊息變更流中斷: %v", ev.Err),
							logger.WithChannelID(opts.ChannelID))
						return
					}
					rec.Apply(ev.Value)
				})
			case <-mt.done:
				return
			}
		}
	}()

	opts.Exec(func() {
		rec.LoadNewestPage(context.Background())
	})

	return mt, nil
}

// Close 拆除畫面：取消訂閱；在途的位元組傳輸完成後會自行丟棄結果。
// 調停器的關閉經由畫面的序列化執行器進入，排在已入列的延續之後.
func (mt *MessageThread) Close() {
	close(mt.done)
	mt.exec(mt.Reconciler.Close)
	mt.co.messageHub.Unsubscribe(mt.feedSub)
}
