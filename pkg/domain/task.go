package domain

import (
	"encoding"
	"time"
)

type Provider string

const (
	ProviderKIS    Provider = "KIS"
	ProviderKiwoom Provider = "KIWOOM"
)

type Priority string

const (
	PriorityHigh   Priority = "HIGH"
	PriorityNormal Priority = "NORMAL"
)

// Task is the unit of work pushed by the SDK and consumed by exactly one
// worker. Params carry caller-level names (symbol, time, timeframe); the
// provider client maps them into provider field names at dispatch time.
type Task struct {
	TaskID      string         `json:"task_id"`
	Priority    Priority       `json:"priority"`
	Provider    Provider       `json:"provider"`
	OperationID string         `json:"operation_id"`
	Params      map[string]any `json:"params,omitempty"`
	EnqueuedAt  time.Time      `json:"enqueued_at"`
	CallbackKey string         `json:"callback_key,omitempty"`
	// TraceParent/TraceState carry W3C trace context so the worker can
	// correlate the dispatch with the caller that enqueued the task.
	TraceParent string `json:"traceParent,omitempty"`
	TraceState  string `json:"traceState,omitempty"`
}

var (
	_ encoding.BinaryMarshaler = Provider("")
	_ encoding.TextMarshaler   = Provider("")
	_ encoding.BinaryMarshaler = Priority("")
	_ encoding.TextMarshaler   = Priority("")
)

func (p Provider) MarshalBinary() ([]byte, error) { return []byte(string(p)), nil }
func (p Provider) MarshalText() ([]byte, error)   { return []byte(string(p)), nil }

func (p Priority) MarshalBinary() ([]byte, error) { return []byte(string(p)), nil }
func (p Priority) MarshalText() ([]byte, error)   { return []byte(string(p)), nil }

func (p Provider) Valid() bool {
	return p == ProviderKIS || p == ProviderKiwoom
}

func (p Priority) Valid() bool {
	return p == PriorityHigh || p == PriorityNormal
}

func AllProviders() []Provider {
	return []Provider{ProviderKIS, ProviderKiwoom}
}
