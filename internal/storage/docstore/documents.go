// Package docstore 文檔庫適配層：把遠端文檔庫的即時變更流、
// 游標分頁查詢與文檔寫入映射為本模組使用的純數據型別.
package docstore

import "time"

// ChangeKind 變更事件種類.
type ChangeKind int

const (
	// Added 新增文檔。底層協議在重連後可能重複投遞，消費方必須冪等處理.
	Added ChangeKind = iota
	// Modified 文檔內容變更.
	Modified
	// Removed 文檔被刪除.
	Removed
)

func (k ChangeKind) String() string {
	switch k {
	case Added:
		return "added"
	case Modified:
		return "modified"
	case Removed:
		return "removed"
	default:
		return "unknown"
	}
}

// Document 一份遠端文檔：穩定 ID 加上鍵值內容.
type Document struct {
	ID   string
	Data map[string]interface{}
}

// Change 一筆變更事件.
type Change struct {
	Kind ChangeKind
	Doc  Document
}

// String 讀取字串欄位.
func (d Document) String(key string) (string, bool) {
	v, ok := d.Data[key].(string)
	return v, ok
}

// StringSlice 讀取字串陣列欄位，缺失時返回空切片.
func (d Document) StringSlice(key string) []string {
	raw, ok := d.Data[key].([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// Time 讀取時間欄位.
func (d Document) Time(key string) (time.Time, bool) {
	v, ok := d.Data[key].(time.Time)
	return v, ok
}
