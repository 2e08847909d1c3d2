package protocol

import (
	"encoding/json"
	"strings"

	"github.com/serenvia/voicebridge/types"
)

// submitUserText 是客户端向代理发送文字输入的唯一出站消息。
type submitUserText struct {
	Type      string `json:"type"`
	Text      string `json:"text"`
	SessionID string `json:"sessionId,omitempty"`
}

// EncodeUserText 把用户文字输入编码为出站数据通道载荷。
// 文本去除首尾空白后为空时返回错误，不产生载荷。
func EncodeUserText(text, sessionID string) ([]byte, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil, types.NewProtocolError(types.ErrMalformedPayload, "user text is empty")
	}
	return json.Marshal(submitUserText{
		Type:      "submit_user_text",
		Text:      trimmed,
		SessionID: sessionID,
	})
}
