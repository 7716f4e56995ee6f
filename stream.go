package dazee

// ChunkType identifies the kind of provider stream chunk.
type ChunkType string

const (
	// ChunkMessageStart opens the assistant message; carries Model and, when
	// the provider reports it up front, input-token Usage.
	ChunkMessageStart ChunkType = "message_start"
	// ChunkContentStart opens a content block; Block holds the shell (type,
	// and for tool_use the id and name).
	ChunkContentStart ChunkType = "content_start"
	// ChunkContentDelta appends to the open block at Index. For text and
	// thinking blocks Delta is display text; for tool_use blocks it is a
	// fragment of the input JSON, concatenated verbatim and parsed only when
	// the block closes.
	ChunkContentDelta ChunkType = "content_delta"
	// ChunkContentStop closes the block at Index.
	ChunkContentStop ChunkType = "content_stop"
	// ChunkMessageStop closes the message; carries StopReason and final Usage.
	ChunkMessageStop ChunkType = "message_stop"
)

// StreamChunk is one unit of a provider's streaming response. Providers emit
// chunks in block order: message_start, then for each block start/delta*/stop,
// then message_stop. The channel is closed by the provider after the final
// chunk or on error.
type StreamChunk struct {
	Type       ChunkType     `json:"type"`
	Index      int           `json:"index,omitempty"`
	Block      *ContentBlock `json:"block,omitempty"`
	Delta      string        `json:"delta,omitempty"`
	Model      string        `json:"model,omitempty"`
	StopReason string        `json:"stop_reason,omitempty"`
	Usage      *Usage        `json:"usage,omitempty"`
}
