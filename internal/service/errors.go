package service

import "errors"

// 积分生命周期业务错误，同步返回给调用方，不做重试
var (
	ErrInvalidAmount = errors.New("积分数必须大于0")
	ErrNotPending    = errors.New("流水不是待审核状态")
	ErrNotCompleted  = errors.New("流水不是已完成状态")
)
