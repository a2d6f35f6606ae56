package toolhub

import (
	"encoding/json"
	"fmt"
	"time"
)

// MustString is a type that enforces string representation for fields that can be either string or integer
// on the wire, such as request IDs and progress tokens. It handles automatic conversion during JSON
// marshaling/unmarshaling.
type MustString string

// JSONRPCMessage represents a JSON-RPC 2.0 message exchanged with a tool server.
// It can represent either a request, response, or notification depending on which fields are populated:
//   - Request: JSONRPC, ID, Method, and Params are set
//   - Response: JSONRPC, ID, and either Result or Error are set
//   - Notification: JSONRPC and Method are set (no ID)
type JSONRPCMessage struct {
	// JSONRPC must always be "2.0" per the JSON-RPC specification
	JSONRPC string `json:"jsonrpc"`
	// ID uniquely identifies request-response pairs and must be a string or number
	ID MustString `json:"id,omitempty"`
	// Method contains the RPC method name for requests and notifications
	Method string `json:"method,omitempty"`
	// Params contains the parameters for the method call as a raw JSON message
	Params json.RawMessage `json:"params,omitempty"`
	// Result contains the successful response data as a raw JSON message
	Result json.RawMessage `json:"result,omitempty"`
	// Error contains error details if the request failed
	Error *JSONRPCError `json:"error,omitempty"`
}

// JSONRPCError represents an error response in the JSON-RPC 2.0 protocol.
type JSONRPCError struct {
	// Code indicates the error type that occurred.
	// Must use standard JSON-RPC error codes or custom codes outside the reserved range.
	Code int `json:"code"`

	// Message provides a short description of the error.
	Message string `json:"message"`

	// Data contains additional information about the error.
	// The value is unstructured and may be omitted.
	Data map[string]any `json:"data,omitempty"`
}

// Info contains metadata about a peer, including its name and version.
type Info struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ClientCapabilities is the capability set this engine advertises during the handshake.
// A nil field means the corresponding feature is not supported; presence alone signals support.
type ClientCapabilities struct {
	Tasks       *TasksCapability       `json:"tasks,omitempty"`
	Elicitation *ElicitationCapability `json:"elicitation,omitempty"`
	Sampling    *SamplingCapability    `json:"sampling,omitempty"`
}

// ServerCapabilities is the capability set a tool server declares during the handshake.
// A nil field means the corresponding feature is not supported.
type ServerCapabilities struct {
	Tools     *ToolsCapability     `json:"tools,omitempty"`
	Prompts   *PromptsCapability   `json:"prompts,omitempty"`
	Resources *ResourcesCapability `json:"resources,omitempty"`
	Logging   *LoggingCapability   `json:"logging,omitempty"`
	Tasks     *TasksCapability     `json:"tasks,omitempty"`
}

// TasksCapability declares support for task-augmented calls. When a peer declares it,
// calls may be augmented with task semantics and the tasks/* methods become available.
type TasksCapability struct {
	// ListChanged indicates the peer pushes tasks/status notifications on every transition.
	ListChanged bool `json:"listChanged,omitempty"`
}

// ElicitationCapability declares that this engine can answer elicitation requests
// (form/approval prompts forwarded to the host's interactor).
type ElicitationCapability struct{}

// SamplingCapability declares that this engine can answer sampling requests.
type SamplingCapability struct{}

// ToolsCapability declares tool support on a server.
type ToolsCapability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

// PromptsCapability declares prompt support on a server.
type PromptsCapability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

// ResourcesCapability declares resource support on a server.
type ResourcesCapability struct {
	Subscribe   bool `json:"subscribe,omitempty"`
	ListChanged bool `json:"listChanged,omitempty"`
}

// LoggingCapability declares log-message streaming support on a server.
type LoggingCapability struct{}

// ParamsMeta contains optional metadata carried alongside request parameters.
// It is used to opt an operation into progress reporting, task augmentation, or both.
type ParamsMeta struct {
	// ProgressToken uniquely identifies an operation for progress tracking.
	// When provided, the peer can emit notifications/progress updates for it.
	ProgressToken MustString `json:"progressToken,omitempty"`

	// Task opts the request into task semantics. The peer answers immediately
	// with a TaskDescriptor instead of blocking until the work finishes.
	Task *TaskMeta `json:"task,omitempty"`
}

// TaskMeta carries the task augmentation options of a request.
type TaskMeta struct {
	// TTL is the requested lifetime of the task record in milliseconds.
	// The peer may declare a different value in the returned descriptor.
	TTL int64 `json:"ttl,omitempty"`
}

// TaskStatus is the lifecycle state of a task. Statuses only move forward;
// completed, failed, and cancelled are terminal.
type TaskStatus string

// Task lifecycle states.
const (
	TaskStatusWorking       TaskStatus = "working"
	TaskStatusInputRequired TaskStatus = "input_required"
	TaskStatusCompleted     TaskStatus = "completed"
	TaskStatusFailed        TaskStatus = "failed"
	TaskStatusCancelled     TaskStatus = "cancelled"
)

// Terminal reports whether no further transition is possible from s.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	default:
		return false
	}
}

// TaskDescriptor is the wire representation of a task. It is returned by augmented
// calls and tasks/get, and carried verbatim by tasks/status push notifications.
type TaskDescriptor struct {
	TaskID        string     `json:"taskId"`
	Status        TaskStatus `json:"status"`
	StatusMessage string     `json:"statusMessage,omitempty"`
	// PollInterval is the peer-declared polling interval hint in milliseconds.
	PollInterval int64 `json:"pollInterval,omitempty"`
	// TTL is the record lifetime in milliseconds, counted from CreatedAt.
	TTL       int64     `json:"ttl,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// CreateTaskResult is the immediate response to a task-augmented call.
type CreateTaskResult struct {
	Task TaskDescriptor `json:"task"`
}

// GetTaskParams identifies the task for tasks/get, tasks/result and tasks/cancel.
type GetTaskParams struct {
	TaskID string `json:"taskId"`
}

// ListTasksParams contains the pagination cursor for tasks/list.
// Empty cursor requests the first page.
type ListTasksParams struct {
	Cursor string `json:"cursor,omitempty"`
}

// ListTasksResult is a paginated page of task descriptors.
type ListTasksResult struct {
	Tasks      []TaskDescriptor `json:"tasks"`
	NextCursor string           `json:"nextCursor,omitempty"`
}

// ProgressParams represents a progress update for a long-running operation.
type ProgressParams struct {
	// ProgressToken identifies the operation this update relates to.
	ProgressToken MustString `json:"progressToken"`
	// Progress is the current progress value. The protocol recommends, but does
	// not require, that it increase monotonically.
	Progress float64 `json:"progress"`
	// Total is the expected final value when known. When non-zero, completion
	// percentage can be calculated as (Progress/Total)*100.
	Total float64 `json:"total,omitempty"`
	// Message is an optional human-readable status line.
	Message string `json:"message,omitempty"`
}

// CancelledParams is the payload of a notifications/cancelled message.
type CancelledParams struct {
	RequestID string `json:"requestId"`
	Reason    string `json:"reason,omitempty"`
}

// LogParams represents a log message pushed by a server.
type LogParams struct {
	// Level indicates the severity level of the message.
	Level LogLevel `json:"level"`
	// Logger identifies the source/component that generated the message.
	Logger string `json:"logger"`
	// Data contains the message content and any structured metadata.
	Data json.RawMessage `json:"data"`
}

// ResourceUpdatedParams identifies the resource a content-updated notification refers to.
type ResourceUpdatedParams struct {
	URI string `json:"uri"`
}

// LogLevel represents the severity level of log messages.
type LogLevel int

// LogLevel values, ordered by increasing severity.
const (
	LogLevelDebug LogLevel = iota
	LogLevelInfo
	LogLevelNotice
	LogLevelWarning
	LogLevelError
	LogLevelCritical
	LogLevelAlert
	LogLevelEmergency
)

type initializeParams struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ClientCapabilities `json:"capabilities"`
	ClientInfo      Info               `json:"clientInfo"`
}

type initializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ServerCapabilities `json:"capabilities"`
	ServerInfo      Info               `json:"serverInfo"`
	Instructions    string             `json:"instructions,omitempty"`
}

const (
	// JSONRPCVersion specifies the JSON-RPC protocol version used for communication.
	JSONRPCVersion = "2.0"

	// MethodTasksGet is the method name for retrieving a task descriptor by id.
	MethodTasksGet = "tasks/get"
	// MethodTasksResult is the method name for retrieving the deferred payload of a
	// task. The call blocks until the task reaches a terminal status.
	MethodTasksResult = "tasks/result"
	// MethodTasksList is the method name for listing task descriptors, cursor-paginated.
	MethodTasksList = "tasks/list"
	// MethodTasksCancel is the method name for requesting cooperative task cancellation.
	MethodTasksCancel = "tasks/cancel"

	// MethodElicitationCreate is the method name servers use to request structured
	// input from the host through this engine.
	MethodElicitationCreate = "elicitation/create"
	// MethodSamplingCreateMessage is the method name servers use to request a model
	// completion from the host through this engine.
	MethodSamplingCreateMessage = "sampling/createMessage"

	protocolVersion = "2025-03-26"

	errMsgUnsupportedProtocolVersion = "Unsupported protocol version"

	methodPing       = "ping"
	methodInitialize = "initialize"

	methodNotificationsInitialized = "notifications/initialized"
	methodNotificationsCancelled   = "notifications/cancelled"
	methodNotificationsProgress    = "notifications/progress"
	methodNotificationsTasksStatus = "notifications/tasks/status"
	methodNotificationsMessage     = "notifications/message"

	methodNotificationsToolsListChanged     = "notifications/tools/list_changed"
	methodNotificationsPromptsListChanged   = "notifications/prompts/list_changed"
	methodNotificationsResourcesListChanged = "notifications/resources/list_changed"
	methodNotificationsResourcesUpdated     = "notifications/resources/updated"

	userCancelledReason = "User requested cancellation"

	jsonRPCParseErrorCode     = -32700
	jsonRPCInvalidRequestCode = -32600
	jsonRPCMethodNotFoundCode = -32601
	jsonRPCInvalidParamsCode  = -32602
	jsonRPCInternalErrorCode  = -32603

	// Implementation-defined codes for the task surface, outside the reserved range.
	jsonRPCTaskNotFoundCode          = -32002
	jsonRPCInvalidTaskTransitionCode = -32003
)

func (l LogLevel) String() string {
	switch l {
	case LogLevelDebug:
		return "debug"
	case LogLevelInfo:
		return "info"
	case LogLevelNotice:
		return "notice"
	case LogLevelWarning:
		return "warning"
	case LogLevelError:
		return "error"
	case LogLevelCritical:
		return "critical"
	case LogLevelAlert:
		return "alert"
	case LogLevelEmergency:
		return "emergency"
	default:
		return "unknown"
	}
}

// UnmarshalJSON implements json.Unmarshaler to convert JSON data into MustString,
// handling both string and numeric input formats.
func (m *MustString) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}

	switch v := v.(type) {
	case string:
		*m = MustString(v)
	case float64:
		*m = MustString(fmt.Sprintf("%d", int(v)))
	case int:
		*m = MustString(fmt.Sprintf("%d", v))
	default:
		return fmt.Errorf("invalid type: %T", v)
	}

	return nil
}

// MarshalJSON implements json.Marshaler to convert MustString into its JSON representation,
// always encoding as a string value.
func (m MustString) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(m))
}

func (j JSONRPCError) Error() string {
	return fmt.Sprintf("request error, code: %d, message: %s, data %v", j.Code, j.Message, j.Data)
}

// metaCarrier is used to peek at the _meta field of arbitrary request params
// without knowing their full shape.
type metaCarrier struct {
	Meta ParamsMeta `json:"_meta,omitempty"`
}

func extractMeta(params json.RawMessage) ParamsMeta {
	if len(params) == 0 {
		return ParamsMeta{}
	}
	var mc metaCarrier
	if err := json.Unmarshal(params, &mc); err != nil {
		return ParamsMeta{}
	}
	return mc.Meta
}
