package thread

import (
	"context"
	"fmt"
	"time"

	"chat-sync/internal/platform/logger"

	"github.com/google/uuid"
)

// 樂觀插入的本地 ID 前綴，服務端 ID 抵達後替換.
const localIDPrefix = "local:"

// SendText 發送文字訊息：先以暫定時間樂觀插入本地列，
// 文檔寫入成功後把列改掛到服務端 ID 上，權威回聲再以該 ID 比對收斂。
// 寫入失敗記錄後丟棄：樂觀列不被修正是已接受的限制.
func (r *Reconciler) SendText(ctx context.Context, text string) {
	if r.closed || text == "" {
		return
	}

	local := Message{
		ID:         localIDPrefix + uuid.New().String(),
		SenderID:   r.opts.UserID,
		SenderName: r.opts.SenderName,
		SentAt:     time.Now(),
		Kind:       KindText,
		Text:       text,
	}
	r.upsert(local)
	r.opts.Sink.Reload()

	data := map[string]interface{}{
		"sentAt":     local.SentAt,
		"sentBy":     local.SenderID,
		"senderName": local.SenderName,
		"text":       text,
	}

	go func() {
		serverID, err := r.opts.Store.AddMessage(ctx, r.opts.ChannelID, data)
		r.opts.Exec(func() {
			if r.closed {
				return
			}
			if err != nil {
				logger.Error(ctx, fmt.Sprintf("訊息寫入失敗，已丟棄: %v", err),
					logger.WithChannelID(r.opts.ChannelID))
				return
			}
			r.adoptServerID(local.ID, serverID)
		})
	}()
}

// SendImage 發送圖片訊息：位元組先就位地樂觀插入，
// 再走上傳、解析下載 URL、寫入訊息文檔的管線；下載 URL 同步回填快取，
// 讓權威回聲的圖片解析直接命中.
func (r *Reconciler) SendImage(ctx context.Context, data []byte, contentType string) {
	if r.closed || len(data) == 0 {
		return
	}

	local := Message{
		ID:         localIDPrefix + uuid.New().String(),
		SenderID:   r.opts.UserID,
		SenderName: r.opts.SenderName,
		SentAt:     time.Now(),
		Kind:       KindImage,
		Image:      data,
	}
	r.upsert(local)
	r.opts.Sink.Reload()

	go func() {
		path, err := r.opts.Bytes.Upload(ctx, r.opts.ChannelID, data, contentType)
		if err != nil {
			r.dropSend(ctx, fmt.Sprintf("圖片上傳失敗，已丟棄: %v", err))
			return
		}

		url, err := r.opts.Bytes.DownloadURL(ctx, path)
		if err != nil {
			r.dropSend(ctx, fmt.Sprintf("圖片下載 URL 解析失敗，已丟棄: %v", err))
			return
		}
		if cacheErr := r.opts.Cache.Put(url, data); cacheErr != nil {
			logger.Warning(ctx, fmt.Sprintf("圖片快取寫入失敗: %v", cacheErr))
		}

		doc := map[string]interface{}{
			"sentAt":     local.SentAt,
			"sentBy":     local.SenderID,
			"senderName": local.SenderName,
			"url":        url,
		}
		serverID, err := r.opts.Store.AddMessage(ctx, r.opts.ChannelID, doc)
		if err != nil {
			r.dropSend(ctx, fmt.Sprintf("圖片訊息寫入失敗，已丟棄: %v", err))
			return
		}

		r.opts.Exec(func() {
			if r.closed {
				return
			}
			if row, ok := r.locate(local.ID); ok {
				r.messages[row].URL = url
			}
			r.adoptServerID(local.ID, serverID)
		})
	}()
}

// dropSend 發送管線失敗的統一收尾：記錄後丟棄.
func (r *Reconciler) dropSend(ctx context.Context, message string) {
	logger.Error(ctx, message, logger.WithChannelID(r.opts.ChannelID))
}

// adoptServerID 把樂觀列改掛到服務端 ID。
// 回聲若已先一步以服務端 ID 插入，本地列作廢移除.
func (r *Reconciler) adoptServerID(localID, serverID string) {
	localRow, ok := r.locate(localID)
	if !ok {
		return
	}
	if _, exists := r.locate(serverID); exists {
		r.messages = append(r.messages[:localRow], r.messages[localRow+1:]...)
		r.opts.Sink.Reload()
		return
	}
	r.messages[localRow].ID = serverID
	r.opts.Sink.Reload()
}
