package channels

import (
	"context"
	"fmt"
	"time"

	"chat-sync/internal/chaterrors"
	"chat-sync/internal/localization"
	"chat-sync/internal/platform/logger"
)

// 頻道文檔的 createdAt 字串格式（與既有存量文檔一致）.
const createdAtLayout = "2006-01-02 15:04:05"

// 行程日期在頻道名稱中的顯示格式.
const rideDateLayout = "02/01/2006"

// Ride 一筆行程的頻道建立參數.
type Ride struct {
	DriverID      int
	PassengerID   int
	DriverName    string
	PassengerName string
	StartDate     time.Time
}

// Writer 頻道建立/刪除需要的文檔庫寫入端.
type Writer interface {
	ChatIDs(ctx context.Context, appUserIDs []int) (map[int]string, error)
	PutChannel(ctx context.Context, id string, data map[string]interface{}) error
	DeleteChannel(ctx context.Context, id string) error
}

// Creator 行程頻道的建立與刪除.
type Creator struct {
	store Writer
	loc   localization.Localizer
}

// NewCreator 創建頻道建立器.
func NewCreator(store Writer, loc localization.Localizer) *Creator {
	if loc == nil {
		loc = localization.Default()
	}
	return &Creator{store: store, loc: loc}
}

// CreateRideChannel 為一筆行程建立一對一頻道。
// 頻道 ID 為確定性的 "<司機聊天ID>#<乘客聊天ID>"，同一行程重複建立會覆寫同一文檔。
// 文檔寫入為 fire-and-forget：失敗記錄後丟棄，不重試不排隊.
func (c *Creator) CreateRideChannel(ctx context.Context, ride Ride) (string, error) {
	ids, err := c.store.ChatIDs(ctx, []int{ride.DriverID, ride.PassengerID})
	if err != nil {
		return "", chaterrors.Wrap(chaterrors.CodeWriteFailed, "聊天 ID 查找失敗", err)
	}
	driverChatID, ok := ids[ride.DriverID]
	if !ok {
		return "", chaterrors.New(chaterrors.CodeMissingField, "司機沒有聊天 ID")
	}
	passengerChatID, ok := ids[ride.PassengerID]
	if !ok {
		return "", chaterrors.New(chaterrors.CodeMissingField, "乘客沒有聊天 ID")
	}

	channelID := fmt.Sprintf("%s#%s", driverChatID, passengerChatID)
	name := fmt.Sprintf(c.loc.Localize("channel.ride.name"), ride.StartDate.Format(rideDateLayout))

	data := map[string]interface{}{
		"name":          name,
		"user":          []string{driverChatID, passengerChatID},
		"createdAt":     time.Now().Format(createdAtLayout),
		"driverName":    ride.DriverName,
		"passengerName": ride.PassengerName,
	}

	if err := c.store.PutChannel(ctx, channelID, data); err != nil {
		logger.Error(ctx, fmt.Sprintf("頻道寫入失敗，已丟棄: %v", err),
			logger.WithChannelID(channelID))
	}
	return channelID, nil
}

// DeleteRideChannel 行程結束時刪除其頻道.
func (c *Creator) DeleteRideChannel(ctx context.Context, channelID string) {
	if err := c.store.DeleteChannel(ctx, channelID); err != nil {
		logger.Error(ctx, fmt.Sprintf("頻道刪除失敗，已丟棄: %v", err),
			logger.WithChannelID(channelID))
	}
}
