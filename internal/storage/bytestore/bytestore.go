// Package bytestore 位元組儲存的 HTTP 客戶端：
// 上傳圖片位元組、解析下載 URL、受上限保護的位元組抓取.
package bytestore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"chat-sync/internal/chaterrors"
	"chat-sync/internal/platform/config"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Client 位元組儲存客戶端.
type Client struct {
	baseURL  string
	maxBytes int64
	http     *http.Client
}

// NewClient 創建位元組儲存客戶端.
func NewClient(cfg config.StorageConfig) *Client {
	return &Client{
		baseURL:  cfg.BaseURL,
		maxBytes: cfg.MaxDownloadBytes,
		http: &http.Client{
			Timeout: time.Duration(cfg.RequestTimeout) * time.Second,
		},
	}
}

// uploadResponse 上傳接口的響應形狀.
type uploadResponse struct {
	Path string `json:"path"`
}

// resolveResponse URL 解析接口的響應形狀.
type resolveResponse struct {
	URL string `json:"url"`
}

// Upload 上傳位元組到頻道目錄下，返回儲存路徑。
// 物件名稱由 uuid 加上當前 unix 時間組成，與既有儲存桶命名一致.
func (c *Client) Upload(ctx context.Context, channelID string, data []byte, contentType string) (string, error) {
	name := fmt.Sprintf("%s%d", uuid.New().String(), time.Now().Unix())
	target := fmt.Sprintf("%s/objects/%s/%s", c.baseURL, url.PathEscape(channelID), url.PathEscape(name))

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, target, bytes.NewReader(data))
	if err != nil {
		return "", errors.Wrap(err, "build upload request")
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", chaterrors.Wrap(chaterrors.CodeWriteFailed, "上傳位元組失敗", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", chaterrors.New(chaterrors.CodeWriteFailed, fmt.Sprintf("上傳返回狀態 %d", resp.StatusCode))
	}

	var out uploadResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", chaterrors.Wrap(chaterrors.CodeDecode, "上傳響應解碼失敗", err)
	}
	if out.Path == "" {
		return "", chaterrors.New(chaterrors.CodeDecode, "上傳響應缺少路徑")
	}
	return out.Path, nil
}

// DownloadURL 把儲存路徑解析為可抓取的 URL.
func (c *Client) DownloadURL(ctx context.Context, path string) (string, error) {
	target := fmt.Sprintf("%s/resolve?path=%s", c.baseURL, url.QueryEscape(path))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return "", errors.Wrap(err, "build resolve request")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", errors.Wrap(err, "resolve download url")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", errors.Errorf("resolve returned status %d", resp.StatusCode)
	}

	var out resolveResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", chaterrors.Wrap(chaterrors.CodeDecode, "解析響應解碼失敗", err)
	}
	if out.URL == "" {
		return "", chaterrors.New(chaterrors.CodeDecode, "解析響應缺少 URL")
	}
	return out.URL, nil
}

// Fetch 抓取 URL 指向的位元組，超過大小上限即拒絕.
func (c *Client) Fetch(ctx context.Context, fetchURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fetchURL, nil)
	if err != nil {
		return nil, errors.Wrap(err, "build fetch request")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "fetch bytes")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("fetch returned status %d", resp.StatusCode)
	}
	if resp.ContentLength > c.maxBytes {
		return nil, errors.Errorf("response size %d exceeds cap %d", resp.ContentLength, c.maxBytes)
	}

	// ContentLength 可能未知，讀取時仍以上限截斷檢查
	data, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBytes+1))
	if err != nil {
		return nil, errors.Wrap(err, "read fetch body")
	}
	if int64(len(data)) > c.maxBytes {
		return nil, errors.Errorf("response exceeds cap %d", c.maxBytes)
	}
	return data, nil
}
