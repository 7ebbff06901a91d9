package mcp

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/mark3labs/mcp-go/mcp"
)

// Normalize 将提供方的任意响应转换为规范文本。
//
// 取值优先级：content 列表首项的 text，其次是顶层 text 字段，最后是整个响应的
// JSON。若结果本身是 JSON，则按键排序、紧凑输出、不转义非 ASCII 字符重新序列化；
// 否则原样返回。该函数不会失败，内部异常时退化为 fmt.Sprint。
func Normalize(raw any) (out string) {
	defer func() {
		if r := recover(); r != nil {
			out = fmt.Sprint(raw)
		}
	}()

	text, err := extractText(raw)
	if err != nil {
		return fmt.Sprint(raw)
	}
	return Canonicalize(text)
}

// Canonicalize 对 JSON 文本做规范化；非 JSON 文本原样返回。数字保持原始写法。
func Canonicalize(text string) string {
	dec := json.NewDecoder(bytes.NewReader([]byte(text)))
	dec.UseNumber()

	var value any
	if err := dec.Decode(&value); err != nil {
		return text
	}
	if _, err := dec.Token(); err != io.EOF {
		return text
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(value); err != nil {
		return text
	}
	return string(unescapeLineSeparators(bytes.TrimRight(buf.Bytes(), "\n")))
}

// unescapeLineSeparators 把 encoding/json 强制转义的 \u2028、\u2029 还原为原字符。
// 只处理未被转义的反斜杠，字面量 "\\u2028" 保持不变。
func unescapeLineSeparators(b []byte) []byte {
	if !bytes.Contains(b, []byte(`\u202`)) {
		return b
	}
	out := make([]byte, 0, len(b))
	for i := 0; i < len(b); i++ {
		if b[i] != '\\' || i+1 >= len(b) {
			out = append(out, b[i])
			continue
		}
		if b[i+1] == 'u' && i+6 <= len(b) {
			switch string(b[i+2 : i+6]) {
			case "2028":
				out = append(out, "\u2028"...)
				i += 5
				continue
			case "2029":
				out = append(out, "\u2029"...)
				i += 5
				continue
			}
		}
		out = append(out, b[i], b[i+1])
		i++
	}
	return out
}

func extractText(raw any) (string, error) {
	switch v := raw.(type) {
	case nil:
		return "null", nil
	case string:
		return v, nil
	case json.RawMessage:
		return extractFromJSON(v)
	case []byte:
		return extractFromJSON(v)
	case *mcp.CallToolResult:
		if v == nil {
			return "null", nil
		}
		if len(v.Content) > 0 {
			if tc, ok := mcp.AsTextContent(v.Content[0]); ok {
				return tc.Text, nil
			}
		}
		return marshal(v)
	case mcp.CallToolResult:
		return extractText(&v)
	case map[string]any:
		if text, ok := textFromMap(v); ok {
			return text, nil
		}
		return marshal(v)
	default:
		return marshal(v)
	}
}

func extractFromJSON(data []byte) (string, error) {
	var obj map[string]any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&obj); err != nil {
		// 不是 JSON 对象时直接按文本处理。
		return string(data), nil
	}
	if text, ok := textFromMap(obj); ok {
		return text, nil
	}
	return string(data), nil
}

func textFromMap(obj map[string]any) (string, bool) {
	if items, ok := obj["content"].([]any); ok && len(items) > 0 {
		if first, ok := items[0].(map[string]any); ok {
			if text, ok := first["text"].(string); ok {
				return text, true
			}
		}
	}
	if text, ok := obj["text"].(string); ok {
		return text, true
	}
	return "", false
}

func marshal(v any) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return "", err
	}
	return string(bytes.TrimRight(buf.Bytes(), "\n")), nil
}
