package harness

import "testing"

func TestCellTestName(t *testing.T) {
	cell := Cell{
		Client:  Binary{Name: "go"},
		Server:  Binary{Name: "python"},
		TLSMode: "auto",
		Curve:   "P-384",
		KeyType: "ec",
	}
	want := "go_python_auto_P-384"
	if got := cell.TestName(); got != want {
		t.Errorf("TestName() = %q, want %q", got, want)
	}
}

func TestCellTestNameRSAUsesKeyType(t *testing.T) {
	cell := Cell{
		Client:  Binary{Name: "go"},
		Server:  Binary{Name: "go"},
		TLSMode: "auto",
		KeyType: "rsa",
	}
	want := "go_go_auto_rsa"
	if got := cell.TestName(); got != want {
		t.Errorf("TestName() = %q, want %q", got, want)
	}
}

func TestCompatibleSkipsStaticTableEntries(t *testing.T) {
	cell := Cell{Client: Binary{Name: "legacy-ecdsa"}, Curve: "P-521"}
	if Compatible(cell) {
		t.Error("expected legacy-ecdsa/P-521 to be documented-incompatible")
	}
}

func TestCompatibleAllowsUnlistedPairs(t *testing.T) {
	cell := Cell{Client: Binary{Name: "go"}, Curve: "P-521"}
	if !Compatible(cell) {
		t.Error("expected go/P-521 to be compatible")
	}
}

func TestBuildMatrixSkipsIncompatibleCells(t *testing.T) {
	clients := []Binary{{Name: "legacy-ecdsa"}, {Name: "go"}}
	servers := []Binary{{Name: "go"}}

	cells := BuildMatrix(clients, servers, []string{"auto"}, []string{"P-521"}, []string{"ec"})

	for _, cell := range cells {
		if cell.Client.Name == "legacy-ecdsa" && cell.Curve == "P-521" {
			t.Errorf("BuildMatrix included documented-incompatible cell %s", cell.TestName())
		}
	}
	if len(cells) != 1 {
		t.Errorf("len(cells) = %d, want 1 (only go/P-521 should survive)", len(cells))
	}
}

func TestBuildMatrixRSASkipsCurveDimension(t *testing.T) {
	clients := []Binary{{Name: "go"}}
	servers := []Binary{{Name: "go"}}

	cells := BuildMatrix(clients, servers, []string{"auto"}, []string{"P-256", "P-384"}, []string{"rsa"})

	if len(cells) != 1 {
		t.Fatalf("len(cells) = %d, want 1 (rsa should not be crossed with curves)", len(cells))
	}
	if cells[0].Curve != "" {
		t.Errorf("rsa cell has Curve = %q, want empty", cells[0].Curve)
	}
}

func TestBuildMatrixCrossesAllDimensions(t *testing.T) {
	clients := []Binary{{Name: "go"}}
	servers := []Binary{{Name: "go"}, {Name: "python"}}

	cells := BuildMatrix(clients, servers, []string{"disabled", "auto"}, []string{"P-256", "P-384"}, []string{"ec"})

	// 1 client * 2 servers * 2 tls modes * 2 curves = 8
	if len(cells) != 8 {
		t.Errorf("len(cells) = %d, want 8", len(cells))
	}
}
