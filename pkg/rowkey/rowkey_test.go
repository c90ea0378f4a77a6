package rowkey

import (
	"bytes"
	"errors"
	"testing"
)

func TestRowIDOrder(t *testing.T) {
	tbl, err := NewTable("", "users")
	if err != nil {
		t.Fatal(err)
	}

	ids := []uint64{0, 1, 255, 256, 1 << 32, 1<<64 - 1}
	for i := 1; i < len(ids); i++ {
		a, b := EncodeRowID(tbl, ids[i-1]), EncodeRowID(tbl, ids[i])
		if bytes.Compare(a, b) >= 0 {
			t.Fatalf("row %d does not sort before row %d", ids[i-1], ids[i])
		}
		if !TableRange(tbl).Contains(b) {
			t.Fatalf("row %d outside the table range", ids[i])
		}
	}

	for _, id := range ids {
		got, err := DecodeRowID(tbl, EncodeRowID(tbl, id))
		if err != nil || got != id {
			t.Fatalf("DecodeRowID(%d) = %d, %v", id, got, err)
		}
	}
}

func TestLayout(t *testing.T) {
	plain := Table{Name: "orders"}
	tenant := Table{Tenant: "acme", Name: "orders"}

	if got := string(Encode(plain, []byte("pk"))); got != "orders|pk" {
		t.Fatalf("Encode = %q", got)
	}
	if got := string(Encode(tenant, []byte("pk"))); got != "acme|orders|pk" {
		t.Fatalf("tenant Encode = %q", got)
	}
	if got := EncodeRowID(plain, 1); !bytes.Equal(got, []byte("orders|\x00\x00\x00\x00\x00\x00\x00\x01")) {
		t.Fatalf("EncodeRowID = %q", got)
	}
}

func TestTablesDoNotOverlap(t *testing.T) {
	a := Table{Name: "t"}
	b := Table{Name: "t2"}
	c := Table{Tenant: "x", Name: "t"}

	if TableRange(a).Contains(Encode(b, []byte("1"))) {
		t.Fatal("table t covers rows of t2")
	}
	if TableRange(a).Contains(Encode(c, []byte("1"))) {
		t.Fatal("table t covers rows of tenant x")
	}
	if _, err := Decode(a, Encode(b, []byte("1"))); !errors.Is(err, ErrForeignKey) {
		t.Fatalf("Decode of a foreign key: got %v", err)
	}
}

func TestNewTableValidation(t *testing.T) {
	cases := []struct {
		tenant, name string
		ok           bool
	}{
		{"", "users", true},
		{"acme", "users", true},
		{"", "", false},
		{"", "a|b", false},
		{"a|b", "users", false},
	}
	for _, tc := range cases {
		_, err := NewTable(tc.tenant, tc.name)
		if (err == nil) != tc.ok {
			t.Errorf("NewTable(%q, %q) error = %v, want ok=%v", tc.tenant, tc.name, err, tc.ok)
		}
	}
}

func TestDecodeRowIDRejectsShortKey(t *testing.T) {
	tbl := Table{Name: "t"}
	if _, err := DecodeRowID(tbl, Encode(tbl, []byte("abc"))); !errors.Is(err, ErrInvalidRowID) {
		t.Fatalf("got %v, want ErrInvalidRowID", err)
	}
}
