package handler

import "github.com/mileusna/useragent"

// agentView 是 User-Agent 解析后的摘要，用于事件列表展示。
type agentView struct {
	Browser string `json:"browser"`
	OS      string `json:"os"`
	Device  string `json:"device"`
}

func parseAgent(raw string) *agentView {
	if raw == "" {
		return nil
	}
	ua := useragent.Parse(raw)
	out := &agentView{Browser: ua.Name, OS: ua.OS}
	if out.Browser == "" {
		out.Browser = "Unknown"
	}
	if out.OS == "" {
		out.OS = "Unknown"
	}
	switch {
	case ua.Bot:
		out.Device = "bot"
	case ua.Tablet:
		out.Device = "tablet"
	case ua.Mobile:
		out.Device = "mobile"
	default:
		out.Device = "desktop"
	}
	return out
}
