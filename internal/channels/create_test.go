package channels

import (
	"context"
	"testing"
	"time"

	"chat-sync/internal/chaterrors"

	"github.com/pkg/errors"
)

// fakeWriter 記錄文檔寫入
type fakeWriter struct {
	chatIDs    map[int]string
	chatIDsErr error
	putErr     error

	putID   string
	putData map[string]interface{}
	deleted []string
}

func (w *fakeWriter) ChatIDs(ctx context.Context, appUserIDs []int) (map[int]string, error) {
	if w.chatIDsErr != nil {
		return nil, w.chatIDsErr
	}
	return w.chatIDs, nil
}

func (w *fakeWriter) PutChannel(ctx context.Context, id string, data map[string]interface{}) error {
	w.putID = id
	w.putData = data
	return w.putErr
}

func (w *fakeWriter) DeleteChannel(ctx context.Context, id string) error {
	w.deleted = append(w.deleted, id)
	return nil
}

// TestCreateRideChannel 行程頻道：確定性 ID、本地化名稱、參與者與角色名稱
func TestCreateRideChannel(t *testing.T) {
	w := &fakeWriter{chatIDs: map[int]string{10: "drv1", 20: "pax1"}}
	c := NewCreator(w, nil)

	start := time.Date(2026, 5, 1, 9, 30, 0, 0, time.UTC)
	id, err := c.CreateRideChannel(context.Background(), Ride{
		DriverID: 10, PassengerID: 20,
		DriverName: "Marc", PassengerName: "Julie",
		StartDate: start,
	})
	if err != nil {
		t.Fatalf("建立失敗: %v", err)
	}

	if id != "drv1#pax1" {
		t.Errorf("頻道 ID = %q，期望 %q", id, "drv1#pax1")
	}
	if w.putID != id {
		t.Errorf("寫入文檔 ID = %q，期望與頻道 ID 一致", w.putID)
	}
	if w.putData["name"] != "Course du 01/05/2026" {
		t.Errorf("頻道名稱 = %v，期望 %q", w.putData["name"], "Course du 01/05/2026")
	}
	users, ok := w.putData["user"].([]string)
	if !ok || len(users) != 2 || users[0] != "drv1" || users[1] != "pax1" {
		t.Errorf("參與者 = %v，期望 [drv1 pax1]", w.putData["user"])
	}
	if w.putData["driverName"] != "Marc" || w.putData["passengerName"] != "Julie" {
		t.Errorf("角色名稱 = %v / %v", w.putData["driverName"], w.putData["passengerName"])
	}
	if _, ok := w.putData["createdAt"].(string); !ok {
		t.Error("createdAt 應為字串格式")
	}
}

// TestCreateRideChannelMissingChatID 任一方沒有聊天 ID 時返回錯誤
func TestCreateRideChannelMissingChatID(t *testing.T) {
	w := &fakeWriter{chatIDs: map[int]string{10: "drv1"}}
	c := NewCreator(w, nil)

	_, err := c.CreateRideChannel(context.Background(), Ride{DriverID: 10, PassengerID: 20})
	if err == nil {
		t.Fatal("乘客沒有聊天 ID 時應返回錯誤")
	}
	if chaterrors.CodeOf(err) != chaterrors.CodeMissingField {
		t.Errorf("錯誤代碼 = %d，期望 %d", chaterrors.CodeOf(err), chaterrors.CodeMissingField)
	}
}

// TestCreateRideChannelWriteFailureDropped 文檔寫入失敗記錄後丟棄，不回傳錯誤
func TestCreateRideChannelWriteFailureDropped(t *testing.T) {
	w := &fakeWriter{
		chatIDs: map[int]string{10: "drv1", 20: "pax1"},
		putErr:  errors.New("寫入超時"),
	}
	c := NewCreator(w, nil)

	id, err := c.CreateRideChannel(context.Background(), Ride{DriverID: 10, PassengerID: 20})
	if err != nil {
		t.Fatalf("寫入失敗應為 log-and-drop，不回傳錯誤: %v", err)
	}
	if id != "drv1#pax1" {
		t.Errorf("頻道 ID = %q，期望照常返回", id)
	}
}

// TestDeleteRideChannel 行程結束刪除頻道
func TestDeleteRideChannel(t *testing.T) {
	w := &fakeWriter{}
	c := NewCreator(w, nil)

	c.DeleteRideChannel(context.Background(), "drv1#pax1")
	if len(w.deleted) != 1 || w.deleted[0] != "drv1#pax1" {
		t.Errorf("刪除紀錄 = %v，期望 [drv1#pax1]", w.deleted)
	}
}
