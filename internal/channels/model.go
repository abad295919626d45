// Package channels 維護分區、去重、排序的頻道清單視圖：
// 消費文檔庫的頻道變更流，疊加讀取狀態的未讀計數，並通知宿主重繪.
package channels

import (
	"strings"

	"chat-sync/internal/chaterrors"
	"chat-sync/internal/storage/docstore"
)

// Role 觀看者在行程中的角色，決定顯示名稱的替換方向.
type Role int

const (
	// RolePassenger 乘客視角：%name% 替換為司機名稱.
	RolePassenger Role = iota
	// RoleDriver 司機視角：%name% 替換為乘客名稱.
	RoleDriver
)

// 頻道分類。分區位置用，不落地到頻道文檔.
const (
	// CategoryAlert 告警頻道（外部群組成員資格決定）.
	CategoryAlert = "alert"
	// CategoryWeb 網路預約頻道（ID 前綴決定，優先於群組成員資格）.
	CategoryWeb = "web"
	// CategoryDefault 一般行程頻道.
	CategoryDefault = "default"
)

// 顯示名稱中的角色佔位符.
const namePlaceholder = "%name%"

// 名稱缺失時的角色預設值（與既有客戶端字串一致）.
const (
	defaultDriverName    = "DriverName"
	defaultPassengerName = "PassengerName"
)

// Channel 一個會話頻道。兩個頻道相等若且唯若 ID 相等.
type Channel struct {
	ID   string
	Name string
	// Participants 參與者聊天 ID 集合。兩人為一對一頻道，啟用逐訊息讀取回執.
	Participants  []string
	CreatedAt     string
	DriverName    string
	PassengerName string
	// UnreadCount 本地疊加的未讀計數，非服務端欄位.
	UnreadCount int
}

// DecodeChannel 解碼頻道文檔。name 為必要欄位.
func DecodeChannel(doc docstore.Document) (Channel, error) {
	name, ok := doc.String("name")
	if !ok {
		return Channel{}, chaterrors.New(chaterrors.CodeMissingField, "頻道文檔缺少 name 欄位")
	}

	ch := Channel{
		ID:           doc.ID,
		Name:         name,
		Participants: doc.StringSlice("user"),
	}
	if createdAt, ok := doc.String("createdAt"); ok {
		ch.CreatedAt = createdAt
	}

	ch.DriverName = defaultDriverName
	if v, ok := doc.String("driverName"); ok && v != "" {
		ch.DriverName = v
	}
	ch.PassengerName = defaultPassengerName
	if v, ok := doc.String("passengerName"); ok && v != "" {
		ch.PassengerName = v
	}

	return ch, nil
}

// DisplayName 解析觀看者視角的顯示名稱：
// 乘客看到司機名稱，司機看到乘客名稱.
func (c Channel) DisplayName(role Role) string {
	if !strings.Contains(c.Name, namePlaceholder) {
		return c.Name
	}
	if role == RolePassenger {
		return strings.ReplaceAll(c.Name, namePlaceholder, c.DriverName)
	}
	return strings.ReplaceAll(c.Name, namePlaceholder, c.PassengerName)
}

// IsDirect 是否為一對一頻道.
func (c Channel) IsDirect() bool {
	return len(c.Participants) == 2
}
