package domain

import "testing"

func TestSortItemsStableOrdering(t *testing.T) {
	items := []CriteriaItem{
		{ID: "B", Order: 20},
		{ID: "C", Order: 10},
		{ID: "A", Order: 20},
		{ID: "D", Order: 10},
	}
	SortItems(items)
	want := []string{"C", "D", "A", "B"}
	for i, id := range want {
		if items[i].ID != id {
			t.Fatalf("items[%d] = %s, want %s", i, items[i].ID, id)
		}
	}
}

func TestParentPath(t *testing.T) {
	cases := []struct {
		path string
		want string
	}{
		{"MAIN/PROJECT-A/TASK-10", "MAIN/PROJECT-A"},
		{"MAIN/PROJECT-A", "MAIN"},
		{"MAIN", ""},
		{"/leading", ""},
		{"", ""},
	}
	for _, tc := range cases {
		if got := ParentPath(tc.path); got != tc.want {
			t.Errorf("ParentPath(%q) = %q, want %q", tc.path, got, tc.want)
		}
	}
}

func TestCommitClassified(t *testing.T) {
	if (CommitInformation{}).Classified() {
		t.Fatalf("no metadata should not be classified")
	}
	info := CommitInformation{Metadata: map[string]map[string]string{"internal": {"classified": "false"}}}
	if info.Classified() {
		t.Fatalf("classified=false should not be classified")
	}
	info.Metadata["internal"]["classified"] = "true"
	if !info.Classified() {
		t.Fatalf("classified=true should be classified")
	}
}
