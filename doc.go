// Package dazee is the agent execution core of a desktop AI assistant.
//
// It receives a chat request, drives a multi-turn reason-act-validate-backtrack
// loop against a language model, dispatches tool invocations, and streams
// structured progress events to the client over a persistent transport. File
// mutations are guarded by pre-execution snapshots with byte-exact rollback,
// risky tools are gated behind human-in-the-loop confirmation, and every turn
// passes through a multi-dimensional terminator with tiered cost alerts.
//
// # Quick Start
//
// Compose the core around a model provider and a tool registry:
//
//	registry := dazee.NewToolRegistry()
//	registry.Add(file.New(workspaceDir))
//	registry.Add(web.New())
//
//	snapshots, _ := dazee.NewSnapshotStore(snapshotDir)
//	broadcaster := dazee.NewBroadcaster()
//
//	svc := dazee.NewChatService(dazee.ChatConfig{
//		Provider:    dazee.WithRetry(provider),
//		Tools:       registry,
//		Broadcaster: broadcaster,
//		Snapshots:   snapshots,
//	})
//
//	sessionID, events, err := svc.Send(ctx, dazee.ChatRequest{
//		UserID:  "local",
//		Message: "rename every .txt in ./notes to .md",
//	})
//
// Events arrive ordered by sequence number; the stream ends with a terminal
// session_end (optionally preceded by session_stopped or error).
//
// # Core Interfaces
//
// The root package defines the contracts all components implement:
//
//   - [Provider]: LLM backend (chat, tool calling, chunked streaming)
//   - [Tool]: pluggable capability with schema, mutation and confirmation flags
//   - [Injector]: prompt fragment source with a phase and cache strategy
//   - [Store]: conversation, message and event persistence
//   - [MemoryStore], [SkillSource], [KnowledgeSource]: capability contracts
//     the executor calls into
//   - [EmbeddingProvider]: text-to-vector embedding for the intent cache
//
// # Included Implementations
//
// Storage: store/sqlite (WAL, local) and store/postgres.
// Tools: tools/file, tools/web, tools/search, tools/shell, tools/remember,
// tools/skill, tools/schedule, tools/data.
// Transport: internal/gateway (WebSocket control plane, SSE, HTTP).
// Telemetry: observer (OpenTelemetry tracing, metrics, cost accounting).
//
// See cmd/dazee for the daemon that wires everything together.
package dazee
