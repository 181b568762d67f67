package audit

import (
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// Principal 描述一个宿主用户。
type Principal struct {
	ID       uint64   `json:"id"`
	Username string   `json:"username"`
	Roles    []string `json:"roles"`
}

// RequestContext 是一次宿主请求中与审计相关的全部环境信息，由调用方显式传入。
type RequestContext struct {
	RequestID    string
	RemoteAddr   string
	Header       http.Header
	UserAgent    string
	User         *Principal
	SwitchedUser *Principal
	SessionID    string
}

// proxyHeaders 按优先级列出可能携带真实客户端地址的请求头。
var proxyHeaders = []string{
	"X-Forwarded-For",
	"X-Real-Ip",
	"Client-Ip",
	"X-Client-Ip",
	"X-Cluster-Client-Ip",
	"Cf-Connecting-Ip",
	"True-Client-Ip",
	"Forwarded-For",
	"Forwarded",
}

// ClientIPs 返回主客户端地址及代理头中出现的其他地址。
// trustProxy 为 false 时只使用套接字地址。
func (rc RequestContext) ClientIPs(trustProxy bool) (string, []string) {
	remote := normalizeIP(rc.RemoteAddr)
	if !trustProxy {
		return remote, nil
	}

	seen := make(map[string]struct{})
	var all []string
	for _, name := range proxyHeaders {
		for _, raw := range rc.Header.Values(name) {
			for _, part := range strings.Split(raw, ",") {
				ip := normalizeIP(forwardedFor(part))
				if ip == "" {
					continue
				}
				if _, ok := seen[ip]; ok {
					continue
				}
				seen[ip] = struct{}{}
				all = append(all, ip)
			}
		}
	}
	if len(all) == 0 {
		return remote, nil
	}
	return all[0], all
}

// forwardedFor 从 RFC 7239 的 for=... 片段中取出地址，其他格式原样返回。
func forwardedFor(part string) string {
	part = strings.TrimSpace(part)
	for _, kv := range strings.Split(part, ";") {
		key, value, ok := strings.Cut(strings.TrimSpace(kv), "=")
		if ok && strings.EqualFold(key, "for") {
			value = strings.Trim(value, `"`)
			return strings.TrimSuffix(strings.TrimPrefix(value, "["), "]")
		}
	}
	return part
}

// normalizeIP 去掉端口并校验地址，非法输入返回空串。
func normalizeIP(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if host, _, err := net.SplitHostPort(raw); err == nil {
		raw = host
	}
	raw = strings.TrimSuffix(strings.TrimPrefix(raw, "["), "]")
	addr, err := netip.ParseAddr(raw)
	if err != nil {
		return ""
	}
	return addr.Unmap().String()
}

func (rc RequestContext) userAgent() string {
	if rc.UserAgent != "" {
		return rc.UserAgent
	}
	return rc.Header.Get("User-Agent")
}
