package reporting

import (
	"reflect"
	"testing"

	"titertrack/pkg/domain"
)

func TestBuildFacets(t *testing.T) {
	store, _, _ := seedStore(t,
		sampleFixture{label: "A", date: "2024-01-10", plate: intPtr(3), run: "RUN-2",
			metadata: []map[string]any{{"Cell_Line": "Vero", "Infection": "wMel", "Initials": "JD"}}},
		sampleFixture{label: "B", date: "2024-01-10", plate: intPtr(1), run: "RUN-1",
			metadata: []map[string]any{{"Cell_Line": "HeLa", "Infection": "wMel"}}},
		sampleFixture{label: "C", date: "2024-01-10", plate: intPtr(3)},
	)
	var f Facets
	view(t, store, func(v domain.TransactionView) {
		f = BuildFacets(v)
	})
	if !reflect.DeepEqual(f.Experiments, []string{"Exp-A"}) {
		t.Fatalf("unexpected experiments %v", f.Experiments)
	}
	if !reflect.DeepEqual(f.CellLines, []string{"HeLa", "Vero"}) || !reflect.DeepEqual(f.Infections, []string{"wMel"}) {
		t.Fatalf("unexpected metadata facets %+v", f)
	}
	if !reflect.DeepEqual(f.Users, []string{"JD"}) {
		t.Fatalf("unexpected users %v", f.Users)
	}
	if !reflect.DeepEqual(f.PlateNumbers, []int{1, 3}) || !reflect.DeepEqual(f.SeqRuns, []string{"RUN-1", "RUN-2"}) {
		t.Fatalf("unexpected plate/run facets %+v", f)
	}
}
