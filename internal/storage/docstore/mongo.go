package docstore

import (
	"context"

	"chat-sync/internal/chaterrors"
	"chat-sync/internal/platform/logger"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// Store 文檔庫存儲實作.
type Store struct {
	channels *mongo.Collection
	messages *mongo.Collection
	users    *mongo.Collection
}

// NewStore 創建文檔庫存儲.
func NewStore(db *mongo.Database) *Store {
	return &Store{
		channels: db.Collection("channels"),
		messages: db.Collection("messages"),
		users:    db.Collection("users"),
	}
}

// WatchChannels 訂閱某個用戶可見頻道的變更流.
// 新增/修改/刪除以 Change 事件依服務端投遞順序送出；
// 連線錯誤經由 errs 通道送出後流即終止。取消 ctx 即拆除.
func (s *Store) WatchChannels(ctx context.Context, userID string) (<-chan Change, <-chan error, error) {
	pipeline := mongo.Pipeline{
		bson.D{{Key: "$match", Value: bson.M{
			"$or": bson.A{
				bson.M{"fullDocument.user": userID},
				bson.M{"operationType": "delete"},
			},
		}}},
	}
	return s.watch(ctx, s.channels, pipeline)
}

// WatchMessages 訂閱單一頻道訊息的變更流.
func (s *Store) WatchMessages(ctx context.Context, channelID string) (<-chan Change, <-chan error, error) {
	pipeline := mongo.Pipeline{
		bson.D{{Key: "$match", Value: bson.M{
			"$or": bson.A{
				bson.M{"fullDocument.channel_id": channelID},
				bson.M{"operationType": "delete"},
			},
		}}},
	}
	return s.watch(ctx, s.messages, pipeline)
}

// watch 開啟變更流並轉換為 Change 事件.
func (s *Store) watch(ctx context.Context, coll *mongo.Collection, pipeline mongo.Pipeline) (<-chan Change, <-chan error, error) {
	opts := options.ChangeStream().SetFullDocument(options.UpdateLookup)
	stream, err := coll.Watch(ctx, pipeline, opts)
	if err != nil {
		return nil, nil, chaterrors.Wrap(chaterrors.CodeFeedUnavailable, "開啟變更流失敗", err)
	}

	changes := make(chan Change, 16)
	errs := make(chan error, 1)

	go func() {
		defer close(changes)
		defer stream.Close(context.Background())

		for stream.Next(ctx) {
			var event changeEvent
			if err := stream.Decode(&event); err != nil {
				// 單筆事件解碼失敗：跳過，不中斷流
				logger.Error(ctx, "變更事件解碼失敗，已跳過",
					logger.WithAction("docstore.watch"))
				continue
			}
			change, ok := event.toChange()
			if !ok {
				continue
			}
			select {
			case changes <- change:
			case <-ctx.Done():
				return
			}
		}
		if err := stream.Err(); err != nil && ctx.Err() == nil {
			errs <- err
		}
	}()

	return changes, errs, nil
}

// changeEvent MongoDB 變更流事件的原始形狀.
type changeEvent struct {
	OperationType string `bson:"operationType"`
	FullDocument  bson.M `bson:"fullDocument"`
	DocumentKey   struct {
		ID interface{} `bson:"_id"`
	} `bson:"documentKey"`
}

// toChange 轉換為模組的 Change 事件；無法映射的操作種類返回 false.
func (e changeEvent) toChange() (Change, bool) {
	id := idToString(e.DocumentKey.ID)
	if id == "" {
		return Change{}, false
	}

	switch e.OperationType {
	case "insert":
		return Change{Kind: Added, Doc: Document{ID: id, Data: normalizeMap(e.FullDocument)}}, true
	case "update", "replace":
		return Change{Kind: Modified, Doc: Document{ID: id, Data: normalizeMap(e.FullDocument)}}, true
	case "delete":
		return Change{Kind: Removed, Doc: Document{ID: id}}, true
	default:
		return Change{}, false
	}
}

// PageMessages 取最新一頁訊息，協議層按 _id 遞減排序.
// beforeCursor 為上一頁最舊一筆的服務端游標（文檔 ID），避免併發插入造成缺漏或重複.
// 多取一筆用於判斷是否還有更舊的頁.
func (s *Store) PageMessages(
	ctx context.Context, channelID string, limit int, beforeCursor string,
) (
	docs []Document, nextCursor string, hasMore bool, err error,
) {
	filter := bson.M{"channel_id": channelID}
	if beforeCursor != "" {
		oid, parseErr := bson.ObjectIDFromHex(beforeCursor)
		if parseErr != nil {
			return nil, "", false, errors.Wrap(parseErr, "invalid page cursor")
		}
		filter["_id"] = bson.M{"$lt": oid}
	}

	opts := options.Find()
	opts.SetLimit(int64(limit + 1))
	opts.SetSort(bson.D{{Key: "_id", Value: -1}})

	cursor, err := s.messages.Find(ctx, filter, opts)
	if err != nil {
		return nil, "", false, errors.Wrap(err, "page messages query failed")
	}
	defer cursor.Close(ctx)

	docs = []Document{}
	for cursor.Next(ctx) {
		var raw bson.M
		if err := cursor.Decode(&raw); err != nil {
			return nil, "", false, errors.Wrap(err, "page messages decode failed")
		}
		id := idToString(raw["_id"])
		delete(raw, "_id")
		docs = append(docs, Document{ID: id, Data: normalizeMap(raw)})
	}

	hasMore = len(docs) > limit
	if hasMore {
		docs = docs[:limit]
	}
	if hasMore && len(docs) > 0 {
		nextCursor = docs[len(docs)-1].ID
	}

	return docs, nextCursor, hasMore, nil
}

// HasMessages 探測頻道訊息子集合是否為空.
// 探測失敗以獨立錯誤代碼回報，讓呼叫方套用「模糊時顯示」的保守策略.
func (s *Store) HasMessages(ctx context.Context, channelID string) (bool, error) {
	opts := options.Count().SetLimit(1)
	count, err := s.messages.CountDocuments(ctx, bson.M{"channel_id": channelID}, opts)
	if err != nil {
		return false, chaterrors.Wrap(chaterrors.CodeProbeFailed, "頻道訊息探測失敗", err)
	}
	return count > 0, nil
}

// AddMessage 新增訊息文檔，返回服務端分配的 ID.
func (s *Store) AddMessage(ctx context.Context, channelID string, data map[string]interface{}) (string, error) {
	doc := bson.M{"channel_id": channelID}
	for k, v := range data {
		doc[k] = v
	}
	oid := bson.NewObjectID()
	doc["_id"] = oid

	if _, err := s.messages.InsertOne(ctx, doc); err != nil {
		return "", chaterrors.Wrap(chaterrors.CodeWriteFailed, "新增訊息失敗", err)
	}
	return oid.Hex(), nil
}

// PutChannel 以指定 ID 寫入（或覆寫）頻道文檔.
// 頻道 ID 由呼叫方決定（一對一頻道使用確定性 ID）.
func (s *Store) PutChannel(ctx context.Context, id string, data map[string]interface{}) error {
	opts := options.Replace().SetUpsert(true)
	doc := bson.M{}
	for k, v := range data {
		doc[k] = v
	}
	if _, err := s.channels.ReplaceOne(ctx, bson.M{"_id": id}, doc, opts); err != nil {
		return chaterrors.Wrap(chaterrors.CodeWriteFailed, "寫入頻道失敗", err)
	}
	return nil
}

// DeleteChannel 刪除頻道文檔（行程結束時由外部協作方觸發）.
func (s *Store) DeleteChannel(ctx context.Context, id string) error {
	if _, err := s.channels.DeleteOne(ctx, bson.M{"_id": id}); err != nil {
		return chaterrors.Wrap(chaterrors.CodeWriteFailed, "刪除頻道失敗", err)
	}
	return nil
}

// ChatIDs 以宿主應用的用戶 ID 查找聊天 ID（用戶文檔的文檔 ID）.
func (s *Store) ChatIDs(ctx context.Context, appUserIDs []int) (map[int]string, error) {
	cursor, err := s.users.Find(ctx, bson.M{"id": bson.M{"$in": appUserIDs}})
	if err != nil {
		return nil, errors.Wrap(err, "chat id lookup failed")
	}
	defer cursor.Close(ctx)

	out := make(map[int]string, len(appUserIDs))
	for cursor.Next(ctx) {
		var raw bson.M
		if err := cursor.Decode(&raw); err != nil {
			return nil, errors.Wrap(err, "chat id decode failed")
		}
		chatID := idToString(raw["_id"])
		appID, ok := asInt(raw["id"])
		if !ok || chatID == "" {
			continue
		}
		out[appID] = chatID
	}
	return out, nil
}

// AddNotificationToken 把通知 token 加入用戶文檔的 token 陣列（去重聯集）.
func (s *Store) AddNotificationToken(ctx context.Context, userID, token string) error {
	update := bson.M{"$addToSet": bson.M{"notificationTokens": token}}
	if _, err := s.users.UpdateOne(ctx, bson.M{"_id": userID}, update); err != nil {
		return chaterrors.Wrap(chaterrors.CodeWriteFailed, "更新通知 token 失敗", err)
	}
	return nil
}

// idToString 把文檔 ID 轉為字串（ObjectID 取十六進制）.
func idToString(v interface{}) string {
	switch id := v.(type) {
	case string:
		return id
	case bson.ObjectID:
		return id.Hex()
	default:
		return ""
	}
}

// asInt 寬鬆整數轉換（BSON 數字可能以多種寬度解碼）.
func asInt(v interface{}) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}

// normalizeMap 把 BSON 值正規化為純 Go 值，讓上層與存儲實作解耦.
func normalizeMap(m bson.M) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		if k == "_id" {
			continue
		}
		out[k] = normalizeValue(v)
	}
	return out
}

func normalizeValue(v interface{}) interface{} {
	switch val := v.(type) {
	case bson.M:
		return normalizeMap(val)
	case bson.D:
		m := make(map[string]interface{}, len(val))
		for _, e := range val {
			m[e.Key] = normalizeValue(e.Value)
		}
		return m
	case bson.A:
		arr := make([]interface{}, len(val))
		for i, item := range val {
			arr[i] = normalizeValue(item)
		}
		return arr
	case bson.DateTime:
		return val.Time()
	case bson.ObjectID:
		return val.Hex()
	default:
		return v
	}
}
