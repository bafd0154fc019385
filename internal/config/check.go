package config

import "strings"

// CheckItem 单项必填配置的检查结果
type CheckItem struct {
	Name  string // 环境变量名
	Value string // 脱敏后的值
	OK    bool
}

// Check 检查必填的 Voice Live 配置是否已提供
//
// 以 "<" 开头的值视为模板占位符，按未设置处理。
func (c *Config) Check() []CheckItem {
	items := []struct {
		name  string
		value string
	}{
		{EnvEndpoint, c.VoiceLive.Endpoint},
		{EnvAgentID, c.VoiceLive.AgentID},
		{EnvProjectName, c.VoiceLive.ProjectName},
		{EnvAPIVersion, c.VoiceLive.APIVersion},
	}

	result := make([]CheckItem, 0, len(items))
	for _, it := range items {
		ok := it.value != "" && !strings.HasPrefix(it.value, "<")
		result = append(result, CheckItem{
			Name:  it.name,
			Value: mask(it.value),
			OK:    ok,
		})
	}
	return result
}

// mask 只保留前若干字符
func mask(v string) string {
	const keep = 12
	if len(v) <= keep {
		return v
	}
	return v[:keep] + "..."
}
