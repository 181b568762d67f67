// Package registry 维护进程内的事件定义目录。
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"audit-trail-app/backend/internal/domain/audit"

	"go.uber.org/zap"
)

// ErrDuplicateCode 表示事件代码已被注册，先注册者保留。
var ErrDuplicateCode = errors.New("alert code already registered")

// ErrInvalidDefinition 表示定义缺少必填字段。
var ErrInvalidDefinition = errors.New("invalid alert definition")

// Property 标识 AlertProperty 可读取的字段。
type Property int

const (
	PropCode Property = iota + 1
	PropSeverity
	PropCategory
	PropSubcategory
	PropDescription
	PropMessage
	PropMetadata
	PropLinks
	PropObject
	PropEventType
)

// Loader 向注册表批量注册一组定义，Reload 时会被重新执行。
type Loader func(r *Registry) error

// Duplicate 记录一次被拒绝的重复注册，供管理端提示。
type Duplicate struct {
	Code        int    `json:"code"`
	Category    string `json:"category"`
	Subcategory string `json:"subcategory"`
}

// GroupEntry 是批量注册中的一个 category/subcategory 分组。
// Tuples 用于仍在使用旧版元组格式的集成。
type GroupEntry struct {
	Category    string
	Subcategory string
	Definitions []audit.Definition
	Tuples      [][]any
}

// Group 是有序的批量注册描述。
type Group []GroupEntry

type catalog struct {
	mu          sync.RWMutex
	defs        map[int]audit.Definition
	deactivated map[int]audit.Definition
	duplicates  []Duplicate
	loaders     []Loader
	logger      *zap.SugaredLogger
}

// Registry 是事件定义目录，进程启动时填充，之后只读。
// Reload 传给加载函数的是 silent 视图，重复代码在该视图上静默跳过。
type Registry struct {
	*catalog
	silent bool
}

// New 创建空注册表。
func New(logger *zap.SugaredLogger) *Registry {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Registry{catalog: &catalog{
		defs:        make(map[int]audit.Definition),
		deactivated: make(map[int]audit.Definition),
		logger:      logger,
	}}
}

// Register 注册一个事件定义，重复代码返回 ErrDuplicateCode 且不覆盖已有定义。
func (r *Registry) Register(category, subcategory string, def audit.Definition) error {
	if def.Description == "" && def.Message == "" {
		return fmt.Errorf("%w: code %d has neither description nor message", ErrInvalidDefinition, def.Code)
	}
	def.Category = category
	def.Subcategory = subcategory
	if def.Severity == "" {
		def.Severity = audit.SeverityUnknown
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.defs[def.Code]; exists {
		if r.silent {
			return nil
		}
		r.duplicates = append(r.duplicates, Duplicate{Code: def.Code, Category: category, Subcategory: subcategory})
		r.logger.Warnw("duplicate alert code ignored", "code", def.Code, "category", category, "subcategory", subcategory)
		return fmt.Errorf("%w: %d", ErrDuplicateCode, def.Code)
	}
	r.defs[def.Code] = def
	return nil
}

// RegisterTuple 通过旧版元组格式注册。
func (r *Registry) RegisterTuple(category, subcategory string, tuple []any) error {
	def, err := FromTuple(tuple)
	if err != nil {
		r.logger.Warnw("invalid alert tuple", "category", category, "subcategory", subcategory, "error", err)
		return err
	}
	return r.Register(category, subcategory, def)
}

// RegisterGroup 按顺序注册整组定义，单个失败不会中断其余定义，返回合并后的错误。
func (r *Registry) RegisterGroup(group Group) error {
	var errs []error
	for _, entry := range group {
		for _, def := range entry.Definitions {
			if err := r.Register(entry.Category, entry.Subcategory, def); err != nil {
				errs = append(errs, err)
			}
		}
		for _, tuple := range entry.Tuples {
			if err := r.RegisterTuple(entry.Category, entry.Subcategory, tuple); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// AddLoader 保存并立即执行一个加载函数。
func (r *Registry) AddLoader(loader Loader) error {
	if loader == nil {
		return nil
	}
	r.mu.Lock()
	r.loaders = append(r.loaders, loader)
	r.mu.Unlock()
	return loader(r)
}

// Reload 重新执行全部加载函数，补齐后注册的集成；已存在的代码静默跳过。
func (r *Registry) Reload() {
	r.mu.Lock()
	loaders := append([]Loader(nil), r.loaders...)
	r.mu.Unlock()

	view := &Registry{catalog: r.catalog, silent: true}
	for _, loader := range loaders {
		if err := loader(view); err != nil {
			r.logger.Warnw("alert loader failed during reload", "error", err)
		}
	}
}

// Alert 返回代码对应的定义，未注册时 ok=false。
func (r *Registry) Alert(code int) (audit.Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[code]
	return def, ok
}

// IsRegistered 判断代码是否已注册。
func (r *Registry) IsRegistered(code int) bool {
	_, ok := r.Alert(code)
	return ok
}

// AlertProperty 读取定义上的单个字段。
func (r *Registry) AlertProperty(code int, prop Property) (any, bool) {
	def, ok := r.Alert(code)
	if !ok {
		return nil, false
	}
	switch prop {
	case PropCode:
		return def.Code, true
	case PropSeverity:
		return def.Severity, true
	case PropCategory:
		return def.Category, true
	case PropSubcategory:
		return def.Subcategory, true
	case PropDescription:
		return def.Description, true
	case PropMessage:
		return def.Message, true
	case PropMetadata:
		return def.Metadata, true
	case PropLinks:
		return def.Links, true
	case PropObject:
		return def.Object, true
	case PropEventType:
		return def.EventType, true
	default:
		return nil, false
	}
}

// Alerts 返回按代码排序的全部定义。
func (r *Registry) Alerts() []audit.Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]audit.Definition, 0, len(r.defs))
	for _, def := range r.defs {
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out
}

// Duplicates 返回启动以来被拒绝的重复注册。
func (r *Registry) Duplicates() []Duplicate {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Duplicate(nil), r.duplicates...)
}

// Deactivate 把所属集成已停用的定义移入停用目录，只追加不覆盖。
func (r *Registry) Deactivate(defs ...audit.Definition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, def := range defs {
		if _, exists := r.deactivated[def.Code]; exists {
			continue
		}
		r.deactivated[def.Code] = def
	}
}

// DeactivatedAlert 从停用目录读取定义。
func (r *Registry) DeactivatedAlert(code int) (audit.Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.deactivated[code]
	return def, ok
}

// Lookup 先查活动目录，再查停用目录，用于渲染历史事件。
func (r *Registry) Lookup(code int) (audit.Definition, bool) {
	if def, ok := r.Alert(code); ok {
		return def, true
	}
	return r.DeactivatedAlert(code)
}

// IsDeprecated 判断代码是否已废弃，废弃代码仍允许触发。
func (r *Registry) IsDeprecated(code int) bool {
	_, ok := deprecated[code]
	return ok
}
