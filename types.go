package dazee

import "encoding/json"

// --- Domain types (database records) ---

type Conversation struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	AgentID   string `json:"agent_id,omitempty"`
	Title     string `json:"title,omitempty"`
	CreatedAt int64  `json:"created_at"`
	UpdatedAt int64  `json:"updated_at"`
}

// ScheduledTask is a stored prompt fired at NextRun through the chat façade.
type ScheduledTask struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	Prompt    string `json:"prompt"`
	Schedule  string `json:"schedule"` // "once" or an interval like "24h"
	NextRun   int64  `json:"next_run"`
	Enabled   bool   `json:"enabled"`
	CreatedAt int64  `json:"created_at"`
}

// --- Message model ---

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Stop reasons recorded on assistant messages.
const (
	StopEndTurn     = "end_turn"
	StopToolUse     = "tool_use"
	StopMaxTokens   = "max_tokens"
	StopHITLPending = "hitl_pending"
	StopAborted     = "aborted"
)

// Message is one entry in a session's working context. Assistant messages may
// be partial while streaming.
type Message struct {
	ID             string         `json:"id"`
	ConversationID string         `json:"conversation_id,omitempty"`
	Role           Role           `json:"role"`
	Content        []ContentBlock `json:"content"`
	Model          string         `json:"model,omitempty"`
	Usage          *Usage         `json:"usage,omitempty"`
	StopReason     string         `json:"stop_reason,omitempty"`
	CreatedAt      int64          `json:"created_at,omitempty"`
}

// Text concatenates the message's text blocks.
func (m *Message) Text() string {
	var s string
	for _, b := range m.Content {
		if b.Type == BlockText {
			s += b.Text
		}
	}
	return s
}

// ToolUses returns the message's tool_use blocks in index order.
func (m *Message) ToolUses() []ContentBlock {
	var uses []ContentBlock
	for _, b := range m.Content {
		if b.Type == BlockToolUse {
			uses = append(uses, b)
		}
	}
	return uses
}

// BlockType discriminates ContentBlock variants.
type BlockType string

const (
	BlockText       BlockType = "text"
	BlockThinking   BlockType = "thinking"
	BlockToolUse    BlockType = "tool_use"
	BlockToolResult BlockType = "tool_result"
	BlockImage      BlockType = "image"
)

// ContentBlock is a tagged variant: exactly the fields for its Type are set.
// Index is dense from 0 within the owning message.
type ContentBlock struct {
	Type  BlockType `json:"type"`
	Index int       `json:"index"`

	// text
	Text string `json:"text,omitempty"`

	// thinking
	Thinking  string `json:"thinking,omitempty"`
	Signature string `json:"signature,omitempty"`

	// tool_use
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// tool_result
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`

	// image
	Source *ImageSource `json:"source,omitempty"`
}

type ImageSource struct {
	MediaType string `json:"media_type"`
	Data      string `json:"data"` // base64
}

type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Add accumulates u2 into u.
func (u *Usage) Add(u2 Usage) {
	u.InputTokens += u2.InputTokens
	u.OutputTokens += u2.OutputTokens
}

// --- Intent ---

type Complexity string

const (
	ComplexitySimple  Complexity = "simple"
	ComplexityMedium  Complexity = "medium"
	ComplexityComplex Complexity = "complex"
)

// IntentResult classifies an incoming user message before the session starts.
type IntentResult struct {
	Complexity          Complexity `json:"complexity"`
	SkipMemory          bool       `json:"skip_memory"`
	IsFollowUp          bool       `json:"is_follow_up"`
	WantsToStop         bool       `json:"wants_to_stop"`
	WantsRollback       bool       `json:"wants_rollback"`
	RelevantSkillGroups []string   `json:"relevant_skill_groups"`
}

// NeedsPlan reports whether the executor should maintain a todo plan.
func (r IntentResult) NeedsPlan() bool {
	return r.Complexity != ComplexitySimple
}

// --- Tool invocations and file operations ---

// ToolInvocation tracks one tool_use from dispatch to result.
type ToolInvocation struct {
	ToolUseID      string               `json:"tool_use_id"`
	Name           string               `json:"name"`
	Input          json.RawMessage      `json:"input"`
	StartedAt      int64                `json:"started_at"`
	FinishedAt     int64                `json:"finished_at,omitempty"`
	ResultBlocks   []ContentBlock       `json:"result_blocks,omitempty"`
	Classification *ErrorClassification `json:"classification,omitempty"`
	SnapshotIDs    []string             `json:"snapshot_ids,omitempty"`
}

// OperationKind labels a reversible file mutation.
type OperationKind string

const (
	OpFileWrite  OperationKind = "file_write"
	OpFileCreate OperationKind = "file_create"
	OpFileDelete OperationKind = "file_delete"
	OpFileRename OperationKind = "file_rename"
)

// OperationRecord is one reversible mutation in a session's operation log.
// Inverse holds whatever the kind needs to undo itself: the snapshot blob id
// for writes and deletes, the created path for creates, both paths for renames.
type OperationRecord struct {
	ID        string          `json:"id"`
	SessionID string          `json:"session_id"`
	ToolUseID string          `json:"tool_use_id"`
	Kind      OperationKind   `json:"kind"`
	Targets   []string        `json:"targets"`
	Inverse   json.RawMessage `json:"inverse"`
	Committed bool            `json:"committed"`
	CreatedAt int64           `json:"created_at"`
}

// --- Message constructors ---

func UserMessage(text string) Message {
	return Message{
		ID:        NewID(),
		Role:      RoleUser,
		Content:   []ContentBlock{{Type: BlockText, Index: 0, Text: text}},
		CreatedAt: NowUnix(),
	}
}

func AssistantMessage(text string) Message {
	return Message{
		ID:         NewID(),
		Role:       RoleAssistant,
		Content:    []ContentBlock{{Type: BlockText, Index: 0, Text: text}},
		StopReason: StopEndTurn,
		CreatedAt:  NowUnix(),
	}
}

// ToolResultMessage wraps tool results in a user-role message, matching the
// provider convention for returning results to the model.
func ToolResultMessage(blocks ...ContentBlock) Message {
	for i := range blocks {
		blocks[i].Index = i
	}
	return Message{
		ID:        NewID(),
		Role:      RoleUser,
		Content:   blocks,
		CreatedAt: NowUnix(),
	}
}

// ToolResultBlock builds a tool_result content block.
func ToolResultBlock(toolUseID, content string, isError bool) ContentBlock {
	return ContentBlock{
		Type:      BlockToolResult,
		ToolUseID: toolUseID,
		Content:   content,
		IsError:   isError,
	}
}
