package mapping

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoad_WTOColumns(t *testing.T) {
	in := "code,statVar,svObsUnit,multiplier\n" +
		"TP_A_0010,Amount_Tariff,Percent,1\n" +
		"ITS_MTV_AM,Amount_Import,USDollar,1000000\n" +
		"HS_X,Amount_Misc,,\n"

	entries, err := Load(strings.NewReader(in), WTOColumns)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("Load() returned %d entries, want 3", len(entries))
	}

	want := []Entry{
		{Code: "TP_A_0010", VariableID: "Amount_Tariff", Unit: "Percent", Multiplier: 1},
		{Code: "ITS_MTV_AM", VariableID: "Amount_Import", Unit: "USDollar", Multiplier: 1e6},
		{Code: "HS_X", VariableID: "Amount_Misc", Unit: "", Multiplier: 1},
	}
	for i := range want {
		if entries[i] != want[i] {
			t.Errorf("entries[%d] = %+v, want %+v", i, entries[i], want[i])
		}
	}
}

func TestLoad_USDAColumns(t *testing.T) {
	in := "name,sv,unit\n" +
		"CORN - ACRES PLANTED,Area_Farm_Corn,Acre\n" +
		"CATTLE - INVENTORY%%INVENTORY: (1 TO 9 HEAD),Count_Cattle_1To9,\n"

	entries, err := Load(strings.NewReader(in), USDAColumns)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("Load() returned %d entries, want 2", len(entries))
	}
	if entries[1].Code != "CATTLE - INVENTORY%%INVENTORY: (1 TO 9 HEAD)" {
		t.Errorf("entries[1].Code = %q", entries[1].Code)
	}
	for _, e := range entries {
		if e.Multiplier != 1 {
			t.Errorf("%s multiplier = %v, want 1", e.Code, e.Multiplier)
		}
	}
}

func TestLoad_ColumnOrderAndExtras(t *testing.T) {
	in := "\ufeffunit,comment,sv,name\nAcre,ignored,Area_Corn,CORN\n"

	entries, err := Load(strings.NewReader(in), USDAColumns)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	want := Entry{Code: "CORN", VariableID: "Area_Corn", Unit: "Acre", Multiplier: 1}
	if len(entries) != 1 || entries[0] != want {
		t.Errorf("Load() = %+v, want [%+v]", entries, want)
	}
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		wantErr error
	}{
		{
			name:    "missing code column",
			in:      "statVar,svObsUnit,multiplier\nA,B,1\n",
			wantErr: ErrMissingColumn,
		},
		{
			name: "non-numeric multiplier",
			in:   "code,statVar,svObsUnit,multiplier\nA,B,C,lots\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(strings.NewReader(tt.in), WTOColumns)
			if err == nil {
				t.Fatal("Load() error = nil, want error")
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("Load() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoad_Empty(t *testing.T) {
	entries, err := Load(strings.NewReader(""), WTOColumns)
	if err != nil || len(entries) != 0 {
		t.Errorf("Load(empty) = %v, %v; want no entries, nil", entries, err)
	}
}

func TestNewTable_DuplicatesLastWins(t *testing.T) {
	table, err := NewTable([]Entry{
		{Code: "X1", VariableID: "first", Multiplier: 1},
		{Code: "X2", VariableID: "other", Multiplier: 1},
		{Code: "X1", VariableID: "second", Multiplier: 1},
	}, Options{})
	if err != nil {
		t.Fatalf("NewTable() error = %v", err)
	}

	e, ok := table.Lookup("X1")
	if !ok || e.VariableID != "second" {
		t.Errorf("Lookup(X1) = %+v, %v; want second", e, ok)
	}
	if table.Len() != 2 {
		t.Errorf("Len() = %d, want 2", table.Len())
	}
	if d := table.Duplicates(); len(d) != 1 || d[0] != "X1" {
		t.Errorf("Duplicates() = %v, want [X1]", d)
	}
}

func TestNewTable_Strict(t *testing.T) {
	_, err := NewTable([]Entry{
		{Code: "X1", VariableID: "first"},
		{Code: "X1", VariableID: "second"},
	}, Options{Strict: true})
	if !errors.Is(err, ErrDuplicateCode) {
		t.Errorf("NewTable(strict) error = %v, want ErrDuplicateCode", err)
	}
}

func TestTable_LookupMissing(t *testing.T) {
	table, err := NewTable(nil, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := table.Lookup("nope"); ok {
		t.Error("Lookup(nope) found an entry")
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "statvars.csv")
	if err := os.WriteFile(path, []byte("code,statVar,svObsUnit,multiplier\nA,SV_A,Unit,0.5\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	table, err := LoadFile(path, WTOColumns, Options{Strict: true})
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}
	e, ok := table.Lookup("A")
	if !ok || e.Multiplier != 0.5 || e.VariableID != "SV_A" {
		t.Errorf("Lookup(A) = %+v, %v", e, ok)
	}

	if _, err := LoadFile(filepath.Join(t.TempDir(), "missing.csv"), WTOColumns, Options{}); err == nil {
		t.Error("LoadFile(missing) error = nil")
	}
}
