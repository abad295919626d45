// Package imagecache 以 URL 為鍵的本地圖片位元組快取.
package imagecache

import (
	"github.com/cockroachdb/pebble"
	"github.com/pkg/errors"
)

// Cache 圖片位元組快取，底層為本地 pebble 存儲.
type Cache struct {
	db *pebble.DB
}

// Open 開啟（或創建）指定路徑的快取.
func Open(path string) (*Cache, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, errors.Wrap(err, "open image cache")
	}
	return &Cache{db: db}, nil
}

// Get 取出 URL 對應的位元組；未命中返回 false.
func (c *Cache) Get(url string) ([]byte, bool) {
	v, closer, err := c.db.Get([]byte(url))
	if err != nil {
		return nil, false
	}
	defer closer.Close()

	out := make([]byte, len(v))
	copy(out, v)
	return out, true
}

// Put 寫入 URL 對應的位元組。快取寫入失敗不影響主流程，錯誤由呼叫方決定是否記錄.
func (c *Cache) Put(url string, data []byte) error {
	if err := c.db.Set([]byte(url), data, pebble.NoSync); err != nil {
		return errors.Wrap(err, "put image cache")
	}
	return nil
}

// Close 關閉快取.
func (c *Cache) Close() error {
	return c.db.Close()
}
