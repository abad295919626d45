// Package thread 維護單一頻道的訊息串視圖：
// 去重、按發送時間排序、游標分頁載入舊頁、樂觀發送與權威回聲的比對，
// 以及圖片訊息的暫置插入與位元組解析升級.
package thread

import (
	"time"

	"chat-sync/internal/chaterrors"
	"chat-sync/internal/storage/docstore"
)

// Kind 訊息負載種類。標記變體：同一時間只有一種負載.
type Kind int

const (
	// KindText 文字訊息.
	KindText Kind = iota
	// KindImage 圖片訊息，負載為儲存路徑，位元組另行解析.
	KindImage
	// KindCustom 宿主自定義種類，負載原樣透傳.
	KindCustom
)

// 發送者名稱缺失時的預設值.
const defaultSenderName = "unknown"

// Message 一則訊息。串內唯一性與識別皆以 ID 為準.
type Message struct {
	ID         string
	SenderID   string
	SenderName string
	// SentAt 權威時間來自服務端回聲；樂觀插入的訊息先帶暫定時間.
	SentAt time.Time

	Kind Kind
	Text string
	// URL 圖片訊息的儲存路徑.
	URL string
	// CustomKind 自定義種類名稱（Kind 為 KindCustom 時有效）.
	CustomKind string
	// CustomData 自定義負載.
	CustomData map[string]interface{}

	// Image 已解析的圖片位元組.
	Image []byte
	// IsProvisionalImage 圖片位元組尚在下載中。
	// 解析完成後以同一個 ID 原地升級，外部以 ID 為鍵的觀察者不會看到重複列.
	IsProvisionalImage bool
}

// DecodeMessage 解碼訊息文檔。sentAt 與 sentBy 為必要欄位；
// text 與 url 恰有其一，否則視為自定義種類（需帶 kind 欄位）.
func DecodeMessage(doc docstore.Document) (Message, error) {
	sentBy, ok := doc.String("sentBy")
	if !ok {
		return Message{}, chaterrors.New(chaterrors.CodeMissingField, "訊息文檔缺少 sentBy 欄位")
	}
	sentAt, ok := decodeSentAt(doc.Data["sentAt"])
	if !ok {
		return Message{}, chaterrors.New(chaterrors.CodeMissingField, "訊息文檔缺少 sentAt 欄位")
	}

	msg := Message{
		ID:         doc.ID,
		SenderID:   sentBy,
		SenderName: defaultSenderName,
		SentAt:     sentAt,
	}
	if name, ok := doc.String("senderName"); ok && name != "" {
		msg.SenderName = name
	}

	text, hasText := doc.String("text")
	url, hasURL := doc.String("url")
	switch {
	case hasText && hasURL:
		return Message{}, chaterrors.New(chaterrors.CodeDecode, "訊息不可同時攜帶 text 與 url")
	case hasText:
		msg.Kind = KindText
		msg.Text = text
	case hasURL:
		msg.Kind = KindImage
		msg.URL = url
		msg.IsProvisionalImage = true
	default:
		kind, ok := doc.String("kind")
		if !ok {
			return Message{}, chaterrors.New(chaterrors.CodeMissingField, "訊息文檔缺少負載欄位")
		}
		msg.Kind = KindCustom
		msg.CustomKind = kind
		if payload, ok := doc.Data["payload"].(map[string]interface{}); ok {
			msg.CustomData = payload
		}
	}

	return msg, nil
}

// decodeSentAt 時間欄位可能是原生時間或 epoch 毫秒數.
func decodeSentAt(v interface{}) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case float64:
		return time.UnixMilli(int64(t)), true
	case int64:
		return time.UnixMilli(t), true
	default:
		return time.Time{}, false
	}
}

// before 串內排序鍵：sentAt 遞增，相同時以 ID 字典序決勝，保證確定性.
func (m Message) before(other Message) bool {
	if m.SentAt.Equal(other.SentAt) {
		return m.ID < other.ID
	}
	return m.SentAt.Before(other.SentAt)
}
