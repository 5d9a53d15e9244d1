// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package envelope

// VocabularyVersion identifies the (type, request) vocabulary below.
// Bump it when a type or request is added or removed.
const VocabularyVersion = 1

// Envelope types understood by the relay.
const (
	TypeGet    = "get"
	TypeSet    = "set"
	TypeDelete = "delete"
	TypeOpen   = "open"
	TypeSend   = "send"
	TypeToApp  = "toApp"
	TypeLog    = "log"
	TypeKey    = "key"
	TypeAction = "action"
)

// Envelope types used on device traffic.
const (
	TypeData         = "data"
	TypeConfig       = "config"
	TypeSettings     = "settings"
	TypeInput        = "input"
	TypeMusic        = "music"
	TypeSong         = "song"
	TypeApps         = "apps"
	TypeManifest     = "manifest"
	TypeTime         = "time"
	TypeClientStatus = "client_status"
)

// Route is the classified form of an envelope. The concrete types are
// Get, Set, Delete, Open, Send, ToApp, Log, Key, Action, and Unhandled.
type Route interface {
	route()
}

// GetTarget selects what a get envelope reads.
type GetTarget string

const (
	GetData      GetTarget = "data"
	GetConfig    GetTarget = "config"
	GetSettings  GetTarget = "settings"
	GetInput     GetTarget = "input"
	GetUnhandled GetTarget = ""
)

// SetTarget selects what a set envelope writes. SetMixed splits the
// payload: its "settings" key goes to settings, all other keys to data.
type SetTarget string

const (
	SetData     SetTarget = "data"
	SetSettings SetTarget = "settings"
	SetMixed    SetTarget = ""
)

// DeleteTarget selects what a delete envelope removes from.
type DeleteTarget string

const (
	DeleteData      DeleteTarget = "data"
	DeleteSettings  DeleteTarget = "settings"
	DeleteUnhandled DeleteTarget = ""
)

// LogLevel is the level of an application log line.
type LogLevel string

const (
	LogMessage   LogLevel = "message"
	LogLog       LogLevel = "log"
	LogWarning   LogLevel = "warning"
	LogError     LogLevel = "error"
	LogDebug     LogLevel = "debugging"
	LogFatal     LogLevel = "fatal"
	LogUnhandled LogLevel = ""
)

// KeyOp is a key-mapping operation.
type KeyOp string

const (
	KeyAdd       KeyOp = "add"
	KeyRemove    KeyOp = "remove"
	KeyTrigger   KeyOp = "trigger"
	KeyUnhandled KeyOp = ""
)

// ActionOp is an action-registry operation.
type ActionOp string

const (
	ActionAdd       ActionOp = "add"
	ActionRemove    ActionOp = "remove"
	ActionUpdate    ActionOp = "update"
	ActionRun       ActionOp = "run"
	ActionUnhandled ActionOp = ""
)

type (
	Get    struct{ Target GetTarget }
	Set    struct{ Target SetTarget }
	Delete struct{ Target DeleteTarget }
	Open   struct{}
	Send   struct{}
	ToApp  struct{}
	Log    struct{ Level LogLevel }
	Key    struct{ Op KeyOp }
	Action struct{ Op ActionOp }

	// Unhandled is any envelope whose type is outside the vocabulary.
	Unhandled struct{}
)

func (Get) route()       {}
func (Set) route()       {}
func (Delete) route()    {}
func (Open) route()      {}
func (Send) route()      {}
func (ToApp) route()     {}
func (Log) route()       {}
func (Key) route()       {}
func (Action) route()    {}
func (Unhandled) route() {}

// Classify maps an envelope to its Route. It never fails: unknown
// types become Unhandled and unknown requests become the type's
// unhandled arm.
func Classify(e Envelope) Route {
	switch e.Type {
	case TypeGet:
		return Get{Target: oneOf(GetTarget(e.Request), GetUnhandled, GetData, GetConfig, GetSettings, GetInput)}
	case TypeSet:
		return Set{Target: oneOf(SetTarget(e.Request), SetMixed, SetData, SetSettings)}
	case TypeDelete:
		return Delete{Target: oneOf(DeleteTarget(e.Request), DeleteUnhandled, DeleteData, DeleteSettings)}
	case TypeOpen:
		return Open{}
	case TypeSend:
		return Send{}
	case TypeToApp:
		return ToApp{}
	case TypeLog:
		return Log{Level: ParseLogLevel(e.Request)}
	case TypeKey:
		return Key{Op: oneOf(KeyOp(e.Request), KeyUnhandled, KeyAdd, KeyRemove, KeyTrigger)}
	case TypeAction:
		return Action{Op: oneOf(ActionOp(e.Request), ActionUnhandled, ActionAdd, ActionRemove, ActionUpdate, ActionRun)}
	default:
		return Unhandled{}
	}
}

// ParseLogLevel maps a log request to its level, or LogUnhandled.
func ParseLogLevel(request string) LogLevel {
	return oneOf(LogLevel(request), LogUnhandled, LogMessage, LogLog, LogWarning, LogError, LogDebug, LogFatal)
}

// oneOf returns value if it is one of known, otherwise fallback.
func oneOf[T ~string](value, fallback T, known ...T) T {
	for _, candidate := range known {
		if value == candidate {
			return value
		}
	}
	return fallback
}
