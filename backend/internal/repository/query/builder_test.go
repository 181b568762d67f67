package query

import (
	"errors"
	"reflect"
	"strings"
	"testing"
)

func TestBuildComposesConditionMap(t *testing.T) {
	conds, err := FromConditionMap(map[string]any{
		"alert_id = %d":    1003,
		"site_id IN (%s)": []int{1, 2},
	})
	if err != nil {
		t.Fatalf("from condition map: %v", err)
	}
	q := Query{
		Conditions: []Condition{conds},
		From:       []string{"wp_audit_occurrences", "wp_audit_metadata"},
		OrderBy:    OrderFromMap(map[string]string{"created_on": "DESC"}),
		Limit:      10,
	}
	sql, args, err := q.Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	expected := "SELECT occ.* FROM wp_audit_occurrences occ WHERE (alert_id = ? AND site_id IN (?, ?)) ORDER BY created_on DESC LIMIT 10"
	if sql != expected {
		t.Fatalf("unexpected sql:\n got %s\nwant %s", sql, expected)
	}
	if !reflect.DeepEqual(args, []any{1003, 1, 2}) {
		t.Fatalf("unexpected args: %#v", args)
	}
	if strings.Count(sql, "?") != len(args) {
		t.Fatalf("placeholders not aligned with args")
	}
}

func TestConditionMapScalarTemplateWithListBecomesOrGroup(t *testing.T) {
	conds, err := FromConditionMap(map[string]any{
		"alert_id = %d": []any{1000, 1001},
	})
	if err != nil {
		t.Fatalf("from condition map: %v", err)
	}
	sql, args, err := Render(conds)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if sql != "(alert_id = ? OR alert_id = ?)" {
		t.Fatalf("unexpected sql: %s", sql)
	}
	if !reflect.DeepEqual(args, []any{1000, 1001}) {
		t.Fatalf("unexpected args: %#v", args)
	}
}

func TestConditionMapRejectsTemplateWithoutPlaceholder(t *testing.T) {
	if _, err := FromConditionMap(map[string]any{"alert_id = 1": 1}); err == nil {
		t.Fatalf("expected template error")
	}
}

func TestASTNestedGroups(t *testing.T) {
	cond := And{
		Eq{Column: "occ.site_id", Value: 0},
		Or{
			In{Column: "occ.alert_id", Values: []any{1000, 1002}},
			Cmp{Column: "occ.severity", Op: ">=", Value: 400},
		},
		NotIn{Column: "occ.alert_id", Values: nil},
	}
	sql, args, err := Render(cond)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	expected := "(occ.site_id = ? AND (occ.alert_id IN (?, ?) OR occ.severity >= ?) AND 1 = 1)"
	if sql != expected {
		t.Fatalf("unexpected sql:\n got %s\nwant %s", sql, expected)
	}
	if !reflect.DeepEqual(args, []any{0, 1000, 1002, 400}) {
		t.Fatalf("unexpected args: %#v", args)
	}
}

func TestRenderRejectsBadIdentifierAndOperator(t *testing.T) {
	if _, _, err := Render(Eq{Column: "id; DROP TABLE x", Value: 1}); !errors.Is(err, ErrInvalidIdentifier) {
		t.Fatalf("expected identifier error, got %v", err)
	}
	if _, _, err := Render(Cmp{Column: "id", Op: "OR 1=1 --", Value: 1}); !errors.Is(err, ErrInvalidOperator) {
		t.Fatalf("expected operator error, got %v", err)
	}
}

func TestSearchAlertCodeShape(t *testing.T) {
	q := Query{
		From:   []string{"occ_t", "meta_t"},
		Search: "1003",
	}
	sql, args, err := q.Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if !strings.Contains(sql, "occ.alert_id LIKE ?") || strings.Contains(sql, "meta_t WHERE") {
		t.Fatalf("expected alert code search, got %s", sql)
	}
	if !reflect.DeepEqual(args, []any{"1003%"}) {
		t.Fatalf("unexpected args: %#v", args)
	}
}

func TestSearchMetadataShape(t *testing.T) {
	q := Query{
		From:   []string{"occ_t", "meta_t"},
		Search: "admin",
	}
	sql, args, err := q.Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	want := "occ.id IN (SELECT occurrence_id FROM meta_t WHERE REPLACE(value, '\"', '') LIKE ?)"
	if !strings.Contains(sql, want) {
		t.Fatalf("expected metadata sub-select, got %s", sql)
	}
	if !reflect.DeepEqual(args, []any{"%admin%"}) {
		t.Fatalf("unexpected args: %#v", args)
	}
}

func TestBuildMetaJoinAndCount(t *testing.T) {
	q := Query{
		Conditions: []Condition{Eq{Column: "meta.name", Value: "PostTitle"}},
		From:       []string{"occ_t", "meta_t"},
		Columns:    []string{"occ.id", "occ.alert_id"},
		MetaJoin:   true,
		OrderBy:    []Order{{Column: "occ.id", Desc: true}},
		Limit:      5,
		Offset:     10,
	}
	sql, _, err := q.Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if !strings.HasPrefix(sql, "SELECT DISTINCT occ.id, occ.alert_id FROM occ_t occ LEFT JOIN meta_t meta ON meta.occurrence_id = occ.id") {
		t.Fatalf("unexpected join sql: %s", sql)
	}
	if !strings.HasSuffix(sql, "LIMIT 5 OFFSET 10") {
		t.Fatalf("expected pagination: %s", sql)
	}

	countSQL, countArgs, err := q.BuildCount()
	if err != nil {
		t.Fatalf("build count: %v", err)
	}
	if countSQL != "SELECT COUNT(DISTINCT occ.id) FROM occ_t occ LEFT JOIN meta_t meta ON meta.occurrence_id = occ.id WHERE meta.name = ?" {
		t.Fatalf("unexpected count sql: %s", countSQL)
	}
	if len(countArgs) != 1 {
		t.Fatalf("unexpected count args: %#v", countArgs)
	}
	if len(q.Columns) != 2 || q.Limit != 5 {
		t.Fatalf("count must not mutate the original query")
	}
}

func TestBuildIDsDropsSearch(t *testing.T) {
	q := Query{
		Conditions: []Condition{Eq{Column: "occ.alert_id", Value: 1000}},
		From:       []string{"occ_t", "meta_t"},
		Search:     "something",
	}
	sql, args, err := q.BuildIDs()
	if err != nil {
		t.Fatalf("build ids: %v", err)
	}
	if sql != "SELECT occ.id FROM occ_t occ WHERE occ.alert_id = ?" {
		t.Fatalf("unexpected ids sql: %s", sql)
	}
	if len(args) != 1 {
		t.Fatalf("unexpected args: %#v", args)
	}
}
