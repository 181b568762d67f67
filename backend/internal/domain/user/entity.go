/*
 * @Author: NEFU AB-IN
 * @Date: 2025-10-08 20:38:45
 * @FilePath: \audit-trail-app\backend\internal\domain\user\entity.go
 * @LastEditTime: 2026-10-16 10:35:35
 */
package user

import (
	"sort"
	"strings"
	"time"
)

// User 是宿主应用的用户记录，审计管道只读取 id、用户名与角色。
type User struct {
	ID           uint64     `gorm:"primaryKey" json:"id"`
	Username     string     `gorm:"size:64;uniqueIndex" json:"username"`
	Email        string     `gorm:"size:255" json:"email"`
	PasswordHash string     `gorm:"size:255" json:"-"`
	Roles        string     `gorm:"size:255" json:"roles"` // 逗号分隔的角色列表
	IsAdmin      bool       `gorm:"default:false" json:"is_admin"`
	LastLoginAt  *time.Time `json:"last_login_at"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// RoleList 返回去重、排序后的角色，管理员总是带有 administrator 角色。
func (u User) RoleList() []string {
	seen := map[string]struct{}{}
	var out []string
	add := func(role string) {
		role = strings.TrimSpace(role)
		if role == "" {
			return
		}
		if _, ok := seen[role]; ok {
			return
		}
		seen[role] = struct{}{}
		out = append(out, role)
	}
	for _, role := range strings.Split(u.Roles, ",") {
		add(role)
	}
	if u.IsAdmin {
		add(RoleAdministrator)
	}
	sort.Strings(out)
	return out
}

// RoleAdministrator 是可以访问审计管理接口的角色。
const RoleAdministrator = "administrator"

// JoinRoles 把角色列表编码为 Roles 字段的存储格式。
func JoinRoles(roles []string) string {
	return strings.Join(User{Roles: strings.Join(roles, ",")}.RoleList(), ",")
}
