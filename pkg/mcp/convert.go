package mcp

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"maps"
)

func toToolResult(v any) *ToolResult {
	switch v := v.(type) {
	case *ToolResult:
		if v == nil {
			return &ToolResult{Content: []ContentBlock{}}
		}
		out := *v
		out.Meta = maps.Clone(v.Meta)
		return &out
	case ToolResult:
		v.Meta = maps.Clone(v.Meta)
		return &v
	case []any:
		out := &ToolResult{Content: make([]ContentBlock, 0, len(v))}
		for _, item := range v {
			out.Content = append(out.Content, toContent(item))
		}
		return out
	case []ContentBlock:
		return &ToolResult{Content: v}
	case nil:
		return &ToolResult{Content: []ContentBlock{}}
	default:
		return &ToolResult{Content: []ContentBlock{toContent(v)}}
	}
}

func toContent(v any) ContentBlock {
	switch v := v.(type) {
	case ContentBlock:
		return v
	case *ContentBlock:
		return *v
	case string:
		return TextContent(v)
	default:
		return TextContent(jsonText(v))
	}
}

func toReadResult(uri, mimeType string, v any) *ReadResourceResult {
	switch v := v.(type) {
	case *ReadResourceResult:
		out := *v
		out.Meta = maps.Clone(v.Meta)
		return &out
	case []any:
		out := &ReadResourceResult{Contents: make([]ResourceContents, 0, len(v))}
		for _, item := range v {
			out.Contents = append(out.Contents, toContents(uri, mimeType, item))
		}
		return out
	default:
		return &ReadResourceResult{Contents: []ResourceContents{toContents(uri, mimeType, v)}}
	}
}

func toContents(uri, mimeType string, v any) ResourceContents {
	switch v := v.(type) {
	case ResourceContents:
		return v
	case string:
		if mimeType == "" {
			mimeType = "text/plain"
		}
		return ResourceContents{URI: uri, MimeType: mimeType, Text: v}
	case []byte:
		if mimeType == "" {
			mimeType = "application/octet-stream"
		}
		return ResourceContents{URI: uri, MimeType: mimeType, Blob: base64.StdEncoding.EncodeToString(v)}
	default:
		return ResourceContents{URI: uri, MimeType: "application/json", Text: jsonText(v)}
	}
}

func toPromptResult(description string, v any) *GetPromptResult {
	switch v := v.(type) {
	case *GetPromptResult:
		out := *v
		out.Meta = maps.Clone(v.Meta)
		if out.Description == "" {
			out.Description = description
		}
		return &out
	case []PromptMessage:
		return &GetPromptResult{Description: description, Messages: v}
	case []any:
		out := &GetPromptResult{Description: description, Messages: make([]PromptMessage, 0, len(v))}
		for _, item := range v {
			out.Messages = append(out.Messages, toMessage(item))
		}
		return out
	default:
		return &GetPromptResult{Description: description, Messages: []PromptMessage{toMessage(v)}}
	}
}

func toMessage(v any) PromptMessage {
	if m, ok := v.(PromptMessage); ok {
		return m
	}
	return PromptMessage{Role: "user", Content: toContent(v)}
}

func jsonText(v any) string {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(raw)
}
