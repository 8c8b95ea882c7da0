package mcp

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/coderag/coderag/internal/docs"
)

// Tool errors carry a machine-readable kind and a human-readable message,
// nothing else. Internal paths, raw wrapped errors, and identifiers stay in
// the server log.

// errorResult builds an error tool result as "[kind] message".
func errorResult(kind docs.Kind, message string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{
			Text: fmt.Sprintf("[%s] %s", kind, message),
		}},
		IsError: true,
	}
}

// jsonResult marshals data into a single JSON text content.
func jsonResult(data any) *mcp.CallToolResult {
	b, err := json.Marshal(data)
	if err != nil {
		return errorResult(docs.KindInternal, "encoding response failed")
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(b)}},
	}
}

// snippet truncates chunk text for search results, cutting at a word
// boundary and keeping the string valid UTF-8.
func snippet(text string) string {
	text = strings.TrimSpace(text)
	if len(text) <= snippetLength {
		return text
	}
	cut := text[:snippetLength]
	for !utf8.ValidString(cut) && len(cut) > 0 {
		cut = cut[:len(cut)-1]
	}
	if i := strings.LastIndexByte(cut, ' '); i > snippetLength/2 {
		cut = cut[:i]
	}
	return cut + "..."
}
