package state

import (
	"context"
	"errors"
	"fmt"

	"github.com/looplab/fsm"
)

// 账户关联状态常量
const (
	StateUnlinked = "unlinked"
	StateActive   = "active"
	StateInactive = "inactive"
)

// 事件常量
const (
	EventLink         = "link"
	EventUpdateTokens = "update_tokens"
	EventUnlink       = "unlink"
	EventReactivate   = "reactivate"
)

// 错误定义
var (
	ErrAlreadyLinked   = errors.New("account already linked")
	ErrNoAccountLinked = errors.New("no account linked")
	ErrNotActive       = errors.New("account link is not active")
	ErrAlreadyActive   = errors.New("account link is already active")
)

var linkEvents = fsm.Events{
	// 首次关联或停用后关联新账户
	{Name: EventLink, Src: []string{StateUnlinked, StateInactive}, Dst: StateActive},

	// 从 active 状态
	{Name: EventUpdateTokens, Src: []string{StateActive}, Dst: StateActive},
	{Name: EventUnlink, Src: []string{StateActive}, Dst: StateInactive},

	// 从 inactive 状态
	{Name: EventReactivate, Src: []string{StateInactive}, Dst: StateActive},
}

// rejections 非法转换对应的错误
var rejections = map[string]map[string]error{
	EventLink: {
		StateActive: ErrAlreadyLinked,
	},
	EventUpdateTokens: {
		StateUnlinked: ErrNoAccountLinked,
		StateInactive: ErrNotActive,
	},
	EventUnlink: {
		StateUnlinked: ErrNoAccountLinked,
		StateInactive: ErrNotActive,
	},
	EventReactivate: {
		StateUnlinked: ErrNoAccountLinked,
		StateActive:   ErrAlreadyActive,
	},
}

// Transition 校验并执行一次关联状态转换，返回目标状态
// 前置条件不满足时返回对应的领域错误，调用方不应重试
func Transition(current, event string) (string, error) {
	m := fsm.NewFSM(current, linkEvents, fsm.Callbacks{})

	if !m.Can(event) {
		return current, rejection(event, current)
	}

	if err := m.Event(context.Background(), event); err != nil {
		// update_tokens 是自环转换
		var noTransition fsm.NoTransitionError
		if !errors.As(err, &noTransition) {
			return current, fmt.Errorf("trigger event %s: %w", event, err)
		}
	}

	return m.Current(), nil
}

// CanTransition 检查是否可以转换
func CanTransition(current, event string) bool {
	return fsm.NewFSM(current, linkEvents, fsm.Callbacks{}).Can(event)
}

func rejection(event, current string) error {
	if byState, ok := rejections[event]; ok {
		if err, ok := byState[current]; ok {
			return err
		}
	}
	return fmt.Errorf("event %s not allowed in state %s", event, current)
}
