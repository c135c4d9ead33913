package eventbus

import (
	"fmt"
	"time"

	"filtersync/model"
)

// EventType 事件类型，集合是封闭的
type EventType int

const (
	EventUnknown EventType = iota

	// 规则内容与启用状态变更
	RuleAdded
	RulesAdded
	RuleRemoved
	RulesReplaced
	FilterEnabled
	FilterDisabled
	GroupEnabled
	GroupDisabled

	// 对外通知
	StartDownloadFilter
	SuccessDownloadFilter
	ErrorDownloadFilter
	RequestFilterUpdated
	EngineBuildFailed
	FilterAdded
	FilterRemoved

	eventTypeCount
)

var eventTypeNames = [eventTypeCount]string{
	EventUnknown:          "UNKNOWN",
	RuleAdded:             "RULE_ADDED",
	RulesAdded:            "RULES_ADDED",
	RuleRemoved:           "RULE_REMOVED",
	RulesReplaced:         "RULES_REPLACED",
	FilterEnabled:         "FILTER_ENABLED",
	FilterDisabled:        "FILTER_DISABLED",
	GroupEnabled:          "GROUP_ENABLED",
	GroupDisabled:         "GROUP_DISABLED",
	StartDownloadFilter:   "START_DOWNLOAD_FILTER",
	SuccessDownloadFilter: "SUCCESS_DOWNLOAD_FILTER",
	ErrorDownloadFilter:   "ERROR_DOWNLOAD_FILTER",
	RequestFilterUpdated:  "REQUEST_FILTER_UPDATED",
	EngineBuildFailed:     "ENGINE_BUILD_FAILED",
	FilterAdded:           "FILTER_ADDED",
	FilterRemoved:         "FILTER_REMOVED",
}

// String implements fmt.Stringer.
func (t EventType) String() string {
	if t < 0 || t >= eventTypeCount {
		return fmt.Sprintf("EventType(%d)", int(t))
	}
	return eventTypeNames[t]
}

// Valid reports whether t is a registered event type.
func (t EventType) Valid() bool {
	return t > EventUnknown && t < eventTypeCount
}

// ParseEventType 将外部来源的事件名转换为 EventType，未注册的名字返回错误
func ParseEventType(name string) (EventType, error) {
	for t := EventUnknown + 1; t < eventTypeCount; t++ {
		if eventTypeNames[t] == name {
			return t, nil
		}
	}
	return EventUnknown, fmt.Errorf("%w: %q", ErrUnknownEventType, name)
}

// Event 一次事件及其负载
type Event struct {
	Type   EventType
	Filter *model.FilterRecord
	Group  *model.GroupRecord
	// 规则增量；RuleAdded/RuleRemoved 只有一条，RulesReplaced 为完整列表
	Rules []string
	Err   error
	Time  time.Time
}

// Handler 事件处理函数
type Handler func(Event)
