package queryshape

import "testing"

type fakeRow struct {
	fields    map[string]any
	relations map[string][]RowAccessor
}

func (r fakeRow) Field(name string) (any, bool) {
	v, ok := r.fields[name]
	return v, ok
}

func (r fakeRow) Relation(name string) ([]RowAccessor, bool) {
	v, ok := r.relations[name]
	return v, ok
}

func TestEvaluateWhereEqualityShorthand(t *testing.T) {
	row := fakeRow{fields: map[string]any{"name": "Ana"}}
	ok, err := EvaluateWhere(Where{"name": "Ana"}, row)
	if err != nil || !ok {
		t.Fatalf("expected match, got ok=%v err=%v", ok, err)
	}
	ok, err = EvaluateWhere(Where{"name": "Bea"}, row)
	if err != nil || ok {
		t.Fatalf("expected no match, got ok=%v err=%v", ok, err)
	}
}

func TestEvaluateWhereOperators(t *testing.T) {
	row := fakeRow{fields: map[string]any{"age": float64(30)}}
	cases := []struct {
		where Where
		want  bool
	}{
		{Where{"age": map[string]any{"$gt": float64(20)}}, true},
		{Where{"age": map[string]any{"$gt": float64(30)}}, false},
		{Where{"age": map[string]any{"$gte": float64(30)}}, true},
		{Where{"age": map[string]any{"$lt": float64(30)}}, false},
		{Where{"age": map[string]any{"$lte": float64(30)}}, true},
		{Where{"age": map[string]any{"$in": []any{float64(10), float64(30)}}}, true},
		{Where{"age": map[string]any{"$in": []any{float64(10), float64(40)}}}, false},
	}
	for _, c := range cases {
		ok, err := EvaluateWhere(c.where, row)
		if err != nil {
			t.Fatal(err)
		}
		if ok != c.want {
			t.Fatalf("where %+v: expected %v got %v", c.where, c.want, ok)
		}
	}
}

func TestEvaluateWhereAndOrNot(t *testing.T) {
	row := fakeRow{fields: map[string]any{"name": "Ana", "age": float64(30)}}
	ok, err := EvaluateWhere(Where{"$and": []Where{
		{"name": "Ana"},
		{"age": map[string]any{"$gte": float64(18)}},
	}}, row)
	if err != nil || !ok {
		t.Fatalf("expected $and match, got ok=%v err=%v", ok, err)
	}

	ok, err = EvaluateWhere(Where{"$or": []Where{
		{"name": "Bea"},
		{"age": float64(30)},
	}}, row)
	if err != nil || !ok {
		t.Fatalf("expected $or match, got ok=%v err=%v", ok, err)
	}

	ok, err = EvaluateWhere(Where{"$not": Where{"name": "Ana"}}, row)
	if err != nil || ok {
		t.Fatalf("expected $not to exclude match, got ok=%v err=%v", ok, err)
	}
}

func TestEvaluateWhereReferenceJoinedPredicate(t *testing.T) {
	org := fakeRow{fields: map[string]any{"name": "Acme"}}
	post := fakeRow{
		fields:    map[string]any{"title": "hello"},
		relations: map[string][]RowAccessor{"org": {org}},
	}
	ok, err := EvaluateWhere(Where{"org": Where{"name": "Acme"}}, post)
	if err != nil || !ok {
		t.Fatalf("expected reference-joined match, got ok=%v err=%v", ok, err)
	}
	ok, err = EvaluateWhere(Where{"org": Where{"name": "Other"}}, post)
	if err != nil || ok {
		t.Fatalf("expected reference-joined mismatch, got ok=%v err=%v", ok, err)
	}
}

func TestEvaluateWhereUnknownKeyErrors(t *testing.T) {
	row := fakeRow{fields: map[string]any{"name": "Ana"}}
	if _, err := EvaluateWhere(Where{"bogus": "x"}, row); err == nil {
		t.Fatal("expected error for unknown field/relation key")
	}
}

func TestSortRowsMixedTypesAndNulls(t *testing.T) {
	rows := []Row{
		{ID: "a", Fields: map[string]any{"v": "x"}},
		{ID: "b", Fields: map[string]any{"v": float64(1)}},
		{ID: "c", Fields: map[string]any{"v": nil}},
		{ID: "d", Fields: map[string]any{"v": true}},
	}
	SortRows(rows, []Sort{{Key: "v"}})
	got := []string{rows[0].ID, rows[1].ID, rows[2].ID, rows[3].ID}
	want := []string{"b", "a", "d", "c"} // number < string < bool, null last ascending
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected order %v, got %v", want, got)
		}
	}
}

func TestSortRowsStableTieBreak(t *testing.T) {
	rows := []Row{
		{ID: "first", Fields: map[string]any{"v": float64(1)}},
		{ID: "second", Fields: map[string]any{"v": float64(1)}},
	}
	SortRows(rows, []Sort{{Key: "v"}})
	if rows[0].ID != "first" || rows[1].ID != "second" {
		t.Fatalf("expected insertion order preserved on tie, got %v then %v", rows[0].ID, rows[1].ID)
	}
}
