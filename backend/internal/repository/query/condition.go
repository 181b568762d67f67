// Package query 负责把结构化的查询描述渲染成带位置参数的 SQL。
package query

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"sort"
	"strings"
)

// ErrInvalidIdentifier 表示列名或表名包含非法字符。
var ErrInvalidIdentifier = errors.New("invalid sql identifier")

// ErrInvalidOperator 表示比较运算符不在允许列表内。
var ErrInvalidOperator = errors.New("invalid comparison operator")

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_*][A-Za-z0-9_]*)?$`)

var allowedOps = map[string]struct{}{
	"=": {}, "!=": {}, "<>": {}, ">": {}, ">=": {}, "<": {}, "<=": {}, "LIKE": {}, "NOT LIKE": {},
}

// Condition 是条件语法树的节点。
type Condition interface {
	render(w *writer) error
}

// Eq 渲染 column = ?。
type Eq struct {
	Column string
	Value  any
}

// Cmp 渲染 column <op> ?。
type Cmp struct {
	Column string
	Op     string
	Value  any
}

// In 渲染 column IN (?, ?, ...)，Values 为空时恒假。
type In struct {
	Column string
	Values []any
}

// NotIn 渲染 column NOT IN (...)，Values 为空时恒真。
type NotIn struct {
	Column string
	Values []any
}

// Raw 是以 ? 作为占位符的原始表达式。
type Raw struct {
	Expr string
	Args []any
}

// And 把子条件用 AND 连接。
type And []Condition

// Or 把子条件用 OR 连接。
type Or []Condition

type writer struct {
	sb   strings.Builder
	args []any
}

func (w *writer) placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func (c Eq) render(w *writer) error {
	if !identPattern.MatchString(c.Column) {
		return fmt.Errorf("%w: %q", ErrInvalidIdentifier, c.Column)
	}
	w.sb.WriteString(c.Column)
	w.sb.WriteString(" = ?")
	w.args = append(w.args, c.Value)
	return nil
}

func (c Cmp) render(w *writer) error {
	if !identPattern.MatchString(c.Column) {
		return fmt.Errorf("%w: %q", ErrInvalidIdentifier, c.Column)
	}
	op := strings.ToUpper(strings.TrimSpace(c.Op))
	if _, ok := allowedOps[op]; !ok {
		return fmt.Errorf("%w: %q", ErrInvalidOperator, c.Op)
	}
	fmt.Fprintf(&w.sb, "%s %s ?", c.Column, op)
	w.args = append(w.args, c.Value)
	return nil
}

func (c In) render(w *writer) error {
	if !identPattern.MatchString(c.Column) {
		return fmt.Errorf("%w: %q", ErrInvalidIdentifier, c.Column)
	}
	if len(c.Values) == 0 {
		w.sb.WriteString("1 = 0")
		return nil
	}
	fmt.Fprintf(&w.sb, "%s IN (%s)", c.Column, w.placeholders(len(c.Values)))
	w.args = append(w.args, c.Values...)
	return nil
}

func (c NotIn) render(w *writer) error {
	if !identPattern.MatchString(c.Column) {
		return fmt.Errorf("%w: %q", ErrInvalidIdentifier, c.Column)
	}
	if len(c.Values) == 0 {
		w.sb.WriteString("1 = 1")
		return nil
	}
	fmt.Fprintf(&w.sb, "%s NOT IN (%s)", c.Column, w.placeholders(len(c.Values)))
	w.args = append(w.args, c.Values...)
	return nil
}

func (c Raw) render(w *writer) error {
	if strings.Count(c.Expr, "?") != len(c.Args) {
		return fmt.Errorf("raw condition %q expects %d args, got %d", c.Expr, strings.Count(c.Expr, "?"), len(c.Args))
	}
	w.sb.WriteString(c.Expr)
	w.args = append(w.args, c.Args...)
	return nil
}

func (c And) render(w *writer) error {
	return renderGroup(w, []Condition(c), " AND ", "1 = 1")
}

func (c Or) render(w *writer) error {
	return renderGroup(w, []Condition(c), " OR ", "1 = 0")
}

func renderGroup(w *writer, items []Condition, sep, empty string) error {
	items = compact(items)
	if len(items) == 0 {
		w.sb.WriteString(empty)
		return nil
	}
	if len(items) == 1 {
		return items[0].render(w)
	}
	w.sb.WriteString("(")
	for i, item := range items {
		if i > 0 {
			w.sb.WriteString(sep)
		}
		if err := item.render(w); err != nil {
			return err
		}
	}
	w.sb.WriteString(")")
	return nil
}

func compact(items []Condition) []Condition {
	out := items[:0:0]
	for _, item := range items {
		if item != nil {
			out = append(out, item)
		}
	}
	return out
}

// Render 单独渲染一个条件，返回表达式与参数。
func Render(c Condition) (string, []any, error) {
	if c == nil {
		return "", nil, nil
	}
	w := &writer{}
	if err := c.render(w); err != nil {
		return "", nil, err
	}
	return w.sb.String(), w.args, nil
}

// FromConditionMap 把旧式的 {"alert_id = %d": 1003, "site_id IN (%s)": [1, 2]} 条件映射转换为语法树。
// 切片值遇到 IN 模板时展开为占位符列表，遇到标量模板时生成 OR 分组；键按字典序渲染以保证输出稳定。
func FromConditionMap(conditions map[string]any) (And, error) {
	keys := make([]string, 0, len(conditions))
	for key := range conditions {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	out := make(And, 0, len(keys))
	for _, key := range keys {
		cond, err := templateCondition(key, conditions[key])
		if err != nil {
			return nil, err
		}
		out = append(out, cond)
	}
	return out, nil
}

var verbPattern = regexp.MustCompile(`%[dsf]`)

func templateCondition(template string, value any) (Condition, error) {
	verbs := len(verbPattern.FindAllStringIndex(template, -1))
	if verbs != 1 {
		return nil, fmt.Errorf("condition template %q must contain exactly one placeholder", template)
	}
	values, isList := toList(value)
	isIn := strings.Contains(strings.ToUpper(template), " IN (")
	switch {
	case isIn:
		if !isList {
			values = []any{value}
		}
		if len(values) == 0 {
			return Raw{Expr: "1 = 0"}, nil
		}
		w := &writer{}
		expr := verbPattern.ReplaceAllString(template, w.placeholders(len(values)))
		return Raw{Expr: expr, Args: values}, nil
	case isList:
		group := make(Or, 0, len(values))
		for _, v := range values {
			group = append(group, Raw{Expr: verbPattern.ReplaceAllString(template, "?"), Args: []any{v}})
		}
		return group, nil
	default:
		return Raw{Expr: verbPattern.ReplaceAllString(template, "?"), Args: []any{value}}, nil
	}
}

func toList(value any) ([]any, bool) {
	if value == nil {
		return nil, false
	}
	if list, ok := value.([]any); ok {
		return list, true
	}
	rv := reflect.ValueOf(value)
	if rv.Kind() != reflect.Slice || rv.Type().Elem().Kind() == reflect.Uint8 {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := 0; i < rv.Len(); i++ {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}
