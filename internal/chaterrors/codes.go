package chaterrors

// 錯誤代碼常數.
const (
	// 1000-1999: 即時連線相關錯誤（可恢復，由上層決定重試策略）.
	CodeFeedUnavailable = 1001
	CodeFeedClosed      = 1002

	// 2000-2999: 解碼相關錯誤（單筆事件跳過，不中斷批次）.
	CodeDecode       = 2001
	CodeMissingField = 2002

	// 3000-3999: 寫入相關錯誤（fire-and-forget，記錄後丟棄）.
	CodeWriteFailed = 3001

	// 4000-4999: 探測相關錯誤（預設採保守策略，不隱藏頻道）.
	CodeProbeFailed = 4001
)
