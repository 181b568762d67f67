package audit

import (
	"fmt"
	"net/netip"
	"strings"
)

// ipMatcher 匹配单个地址、CIDR 或地址区间。
type ipMatcher struct {
	prefix   netip.Prefix
	from, to netip.Addr
	isRange  bool
}

func (m ipMatcher) match(addr netip.Addr) bool {
	if m.isRange {
		return addr.BitLen() == m.from.BitLen() && addr.Compare(m.from) >= 0 && addr.Compare(m.to) <= 0
	}
	return m.prefix.Contains(addr)
}

// parseIPMatcher 支持 10.0.0.1、10.0.0.0/8、10.0.0.1-20 与 10.0.0.1-10.0.0.20 四种写法。
func parseIPMatcher(raw string) (ipMatcher, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ipMatcher{}, fmt.Errorf("empty ip rule")
	}
	if strings.Contains(raw, "/") {
		prefix, err := netip.ParsePrefix(raw)
		if err != nil {
			return ipMatcher{}, fmt.Errorf("parse cidr %q: %w", raw, err)
		}
		return ipMatcher{prefix: prefix.Masked()}, nil
	}
	if left, right, ok := strings.Cut(raw, "-"); ok {
		from, err := netip.ParseAddr(strings.TrimSpace(left))
		if err != nil {
			return ipMatcher{}, fmt.Errorf("parse range start %q: %w", raw, err)
		}
		right = strings.TrimSpace(right)
		to, err := netip.ParseAddr(right)
		if err != nil && from.Is4() {
			// 10.0.0.1-20 形式：只替换最后一段。
			lastDot := strings.LastIndexByte(left, '.')
			to, err = netip.ParseAddr(strings.TrimSpace(left[:lastDot+1]) + right)
		}
		if err != nil {
			return ipMatcher{}, fmt.Errorf("parse range end %q: %w", raw, err)
		}
		if to.Less(from) {
			from, to = to, from
		}
		return ipMatcher{from: from.Unmap(), to: to.Unmap(), isRange: true}, nil
	}
	addr, err := netip.ParseAddr(raw)
	if err != nil {
		return ipMatcher{}, fmt.Errorf("parse ip %q: %w", raw, err)
	}
	addr = addr.Unmap()
	return ipMatcher{prefix: netip.PrefixFrom(addr, addr.BitLen())}, nil
}

// Filter 判断事件是否应在写入前被排除。
type Filter struct {
	users        map[string]struct{}
	roles        map[string]struct{}
	postTypes    map[string]struct{}
	postStatuses map[string]struct{}
	ips          []ipMatcher
}

// NewFilter 根据配置构建过滤器，IP 规则无法解析时返回错误。
func NewFilter(cfg Config) (*Filter, error) {
	f := &Filter{
		users:        toSet(cfg.ExcludedUsers),
		roles:        toSet(cfg.ExcludedRoles),
		postTypes:    toSet(cfg.ExcludedPostTypes),
		postStatuses: toSet(cfg.ExcludedPostStatuses),
	}
	for _, rule := range cfg.ExcludedIPs {
		if strings.TrimSpace(rule) == "" {
			continue
		}
		m, err := parseIPMatcher(rule)
		if err != nil {
			return nil, err
		}
		f.ips = append(f.ips, m)
	}
	return f, nil
}

// IPExcluded 判断地址是否命中排除规则，无法解析的地址视为未命中。
func (f *Filter) IPExcluded(ip string) bool {
	if f == nil || len(f.ips) == 0 {
		return false
	}
	addr, err := netip.ParseAddr(strings.TrimSpace(ip))
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, m := range f.ips {
		if m.match(addr) {
			return true
		}
	}
	return false
}

// UserExcluded 判断用户名或任一角色是否被排除。
func (f *Filter) UserExcluded(username string, roles []string) bool {
	if f == nil {
		return false
	}
	if username != "" && contains(f.users, username) {
		return true
	}
	for _, role := range roles {
		if contains(f.roles, role) {
			return true
		}
	}
	return false
}

// PostExcluded 判断载荷中的文章类型或状态是否被排除。
func (f *Filter) PostExcluded(postType, postStatus string) bool {
	if f == nil {
		return false
	}
	return (postType != "" && contains(f.postTypes, postType)) ||
		(postStatus != "" && contains(f.postStatuses, postStatus))
}

func toSet(values []string) map[string]struct{} {
	out := make(map[string]struct{}, len(values))
	for _, v := range values {
		if trimmed := strings.ToLower(strings.TrimSpace(v)); trimmed != "" {
			out[trimmed] = struct{}{}
		}
	}
	return out
}

func contains(set map[string]struct{}, value string) bool {
	_, ok := set[strings.ToLower(strings.TrimSpace(value))]
	return ok
}
