package config

import "errors"

// 配置相关错误
var (
	ErrInvalidPort      = errors.New("服务器端口无效")
	ErrEmptyEndpoint    = errors.New("Voice Live 服务地址不能为空")
	ErrEmptyAgentID     = errors.New("智能体ID不能为空")
	ErrEmptyProjectName = errors.New("项目名不能为空")
	ErrEmptyAPIVersion  = errors.New("API版本不能为空")
	ErrInvalidInterval  = errors.New("时间间隔配置无效")
	ErrInvalidLogLevel  = errors.New("日志级别无效")
	ErrInvalidLogFormat = errors.New("日志格式无效")
)
