package query

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// 查询中固定使用的表别名。
const (
	OccurrenceAlias = "occ"
	MetadataAlias   = "meta"
)

var alertCodeSearch = regexp.MustCompile(`^\d{4}$`)

// Order 描述一个排序字段。
type Order struct {
	Column string
	Desc   bool
}

// OrderFromMap 把 {column: "ASC"|"DESC"} 转换为有序的 Order 列表，按列名排序。
func OrderFromMap(orderBy map[string]string) []Order {
	columns := make([]string, 0, len(orderBy))
	for column := range orderBy {
		columns = append(columns, column)
	}
	sort.Strings(columns)
	out := make([]Order, 0, len(columns))
	for _, column := range columns {
		out = append(out, Order{Column: column, Desc: strings.EqualFold(strings.TrimSpace(orderBy[column]), "DESC")})
	}
	return out
}

// Query 是列表页、报表等调用方传入的结构化查询描述。
// From[0] 为 occurrences 表（别名 occ），From[1] 为 metadata 表（别名 meta）。
type Query struct {
	Conditions []Condition
	From       []string
	Columns    []string
	OrderBy    []Order
	Limit      int
	Offset     int
	Search     string
	MetaJoin   bool
}

// HasMetaJoin 判断是否需要 LEFT JOIN metadata 表。
func (q Query) HasMetaJoin() bool {
	return q.MetaJoin
}

func (q Query) tables() (string, string, error) {
	if len(q.From) == 0 {
		return "", "", fmt.Errorf("query requires at least the occurrences table")
	}
	occ := q.From[0]
	if !identPattern.MatchString(occ) {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidIdentifier, occ)
	}
	meta := ""
	if len(q.From) > 1 {
		meta = q.From[1]
		if !identPattern.MatchString(meta) {
			return "", "", fmt.Errorf("%w: %q", ErrInvalidIdentifier, meta)
		}
	}
	if (q.MetaJoin || q.searchShape() == searchMetadata) && meta == "" {
		return "", "", fmt.Errorf("query requires the metadata table for join or search")
	}
	return occ, meta, nil
}

type searchKind int

const (
	searchNone searchKind = iota
	searchAlertCode
	searchMetadata
)

func (q Query) searchShape() searchKind {
	term := strings.TrimSpace(q.Search)
	switch {
	case term == "":
		return searchNone
	case alertCodeSearch.MatchString(term):
		return searchAlertCode
	default:
		return searchMetadata
	}
}

// where 渲染 WHERE 子句（不含关键字），withSearch 为 false 时忽略全文搜索分支。
func (q Query) where(w *writer, meta string, withSearch bool) error {
	conds := make(And, 0, len(q.Conditions)+1)
	conds = append(conds, q.Conditions...)
	if withSearch {
		term := strings.TrimSpace(q.Search)
		switch q.searchShape() {
		case searchAlertCode:
			conds = append(conds, Raw{Expr: OccurrenceAlias + ".alert_id LIKE ?", Args: []any{term + "%"}})
		case searchMetadata:
			expr := fmt.Sprintf("%s.id IN (SELECT occurrence_id FROM %s WHERE REPLACE(value, '\"', '') LIKE ?)", OccurrenceAlias, meta)
			conds = append(conds, Raw{Expr: expr, Args: []any{"%" + term + "%"}})
		}
	}
	if len(compact(conds)) == 0 {
		return nil
	}
	w.sb.WriteString(" WHERE ")
	return conds.render(w)
}

func (q Query) from(w *writer, occ, meta string) {
	fmt.Fprintf(&w.sb, " FROM %s %s", occ, OccurrenceAlias)
	if q.MetaJoin {
		fmt.Fprintf(&w.sb, " LEFT JOIN %s %s ON %s.occurrence_id = %s.id", meta, MetadataAlias, MetadataAlias, OccurrenceAlias)
	}
}

func (q Query) tail(w *writer) error {
	if len(q.OrderBy) > 0 {
		w.sb.WriteString(" ORDER BY ")
		for i, o := range q.OrderBy {
			if !identPattern.MatchString(o.Column) {
				return fmt.Errorf("%w: %q", ErrInvalidIdentifier, o.Column)
			}
			if i > 0 {
				w.sb.WriteString(", ")
			}
			w.sb.WriteString(o.Column)
			if o.Desc {
				w.sb.WriteString(" DESC")
			} else {
				w.sb.WriteString(" ASC")
			}
		}
	}
	if q.Limit > 0 {
		fmt.Fprintf(&w.sb, " LIMIT %d", q.Limit)
		if q.Offset > 0 {
			fmt.Fprintf(&w.sb, " OFFSET %d", q.Offset)
		}
	}
	return nil
}

func (q Query) columns() (string, error) {
	if len(q.Columns) == 0 {
		return OccurrenceAlias + ".*", nil
	}
	for _, column := range q.Columns {
		if !identPattern.MatchString(column) {
			return "", fmt.Errorf("%w: %q", ErrInvalidIdentifier, column)
		}
	}
	return strings.Join(q.Columns, ", "), nil
}

// Build 渲染完整的 SELECT 语句及其位置参数。
func (q Query) Build() (string, []any, error) {
	occ, meta, err := q.tables()
	if err != nil {
		return "", nil, err
	}
	cols, err := q.columns()
	if err != nil {
		return "", nil, err
	}
	w := &writer{}
	w.sb.WriteString("SELECT ")
	if q.MetaJoin {
		w.sb.WriteString("DISTINCT ")
	}
	w.sb.WriteString(cols)
	q.from(w, occ, meta)
	if err := q.where(w, meta, true); err != nil {
		return "", nil, err
	}
	if err := q.tail(w); err != nil {
		return "", nil, err
	}
	return w.sb.String(), w.args, nil
}

// BuildCount 复用同一套条件生成 COUNT 语句，忽略排序与分页。
func (q Query) BuildCount() (string, []any, error) {
	count := q
	count.OrderBy = nil
	count.Limit = 0
	count.Offset = 0
	occ, meta, err := count.tables()
	if err != nil {
		return "", nil, err
	}
	w := &writer{}
	if count.MetaJoin {
		fmt.Fprintf(&w.sb, "SELECT COUNT(DISTINCT %s.id)", OccurrenceAlias)
	} else {
		w.sb.WriteString("SELECT COUNT(*)")
	}
	count.from(w, occ, meta)
	if err := count.where(w, meta, true); err != nil {
		return "", nil, err
	}
	return w.sb.String(), w.args, nil
}

// BuildIDs 生成删除前解析匹配 occurrence id 的语句，不包含全文搜索分支。
func (q Query) BuildIDs() (string, []any, error) {
	occ, meta, err := q.tables()
	if err != nil {
		return "", nil, err
	}
	w := &writer{}
	if q.MetaJoin {
		fmt.Fprintf(&w.sb, "SELECT DISTINCT %s.id", OccurrenceAlias)
	} else {
		fmt.Fprintf(&w.sb, "SELECT %s.id", OccurrenceAlias)
	}
	q.from(w, occ, meta)
	if err := q.where(w, meta, false); err != nil {
		return "", nil, err
	}
	if err := q.tail(w); err != nil {
		return "", nil, err
	}
	return w.sb.String(), w.args, nil
}
