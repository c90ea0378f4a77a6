// Package rowkey lays out the keys the SQL layer stores rows under:
//
//	[tenant '|'] table '|' primary key
//
// Row ids are written big-endian so a table's rows sort by id.
package rowkey

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"strata/pkg/keys"
)

const Separator = '|'

var (
	ErrInvalidName  = errors.New("invalid table or tenant name")
	ErrForeignKey   = errors.New("key does not belong to the table")
	ErrInvalidRowID = errors.New("primary key is not a row id")
)

// Table names a table, optionally scoped to a tenant.
type Table struct {
	Tenant string
	Name   string
}

// NewTable validates the names. Neither may contain the separator and the
// table name must not be empty.
func NewTable(tenant, name string) (Table, error) {
	if name == "" || strings.ContainsRune(name, Separator) || strings.ContainsRune(tenant, Separator) {
		return Table{}, fmt.Errorf("%w: tenant %q, table %q", ErrInvalidName, tenant, name)
	}
	return Table{Tenant: tenant, Name: name}, nil
}

func (t Table) String() string {
	if t.Tenant == "" {
		return t.Name
	}
	return t.Tenant + string(Separator) + t.Name
}

func (t Table) prefix() []byte {
	out := make([]byte, 0, len(t.Tenant)+len(t.Name)+2)
	if t.Tenant != "" {
		out = append(out, t.Tenant...)
		out = append(out, Separator)
	}
	out = append(out, t.Name...)
	return append(out, Separator)
}

// Encode returns the key of the row with primary key pk.
func Encode(t Table, pk []byte) []byte {
	return append(t.prefix(), pk...)
}

// EncodeRowID returns the key of the row with a numeric row id.
func EncodeRowID(t Table, rowID uint64) []byte {
	return binary.BigEndian.AppendUint64(t.prefix(), rowID)
}

// Decode returns the primary key part of a key of table t.
func Decode(t Table, key []byte) ([]byte, error) {
	p := t.prefix()
	if !bytes.HasPrefix(key, p) {
		return nil, fmt.Errorf("%w: %s", ErrForeignKey, t)
	}
	return key[len(p):], nil
}

// DecodeRowID returns the row id stored in a key of table t.
func DecodeRowID(t Table, key []byte) (uint64, error) {
	pk, err := Decode(t, key)
	if err != nil {
		return 0, err
	}
	if len(pk) != 8 {
		return 0, fmt.Errorf("%w: %d bytes", ErrInvalidRowID, len(pk))
	}
	return binary.BigEndian.Uint64(pk), nil
}

// TableRange covers every row of table t.
func TableRange(t Table) keys.Range {
	return keys.Prefix(t.prefix())
}
