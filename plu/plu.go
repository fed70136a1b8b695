// Package plu defines the PLUInfo value type. spec.md treats PLUInfo as an
// external collaborator (owned by the domain layer, not the core), but the
// core's operations (ReadPLUInfo, WritePLUInfo, BroadcastPLUInfo, Transact)
// need a concrete type to compile against; this package is that contract.
// CSV import/export and persistence remain outside the core, per the
// Non-goals.
package plu

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

const (
	idMinLen    = 1
	idMaxLen    = 13
	nameMinLen  = 1
	nameMaxLen  = 21
)

var priceMin = decimal.NewFromFloat(0.01)
var priceMax = decimal.NewFromFloat(999999.99)

// Info is a single price-look-up code entry. Identity is Id; equality and
// ordering use ordinal comparison of Id.
type Info struct {
	Id         string
	Name       string
	Price      decimal.Decimal
	Department int
	Tax        int
	Macro      int
	Quantity   int

	// immutable, once true, rejects further mutation via WithQuantity; set
	// by transaction.Transaction on entering Completing.
	immutable bool
}

// New validates and constructs an Info.
func New(id, name string, price decimal.Decimal, department, tax, macro, quantity int) (Info, error) {
	p := Info{Id: id, Name: name, Price: price, Department: department, Tax: tax, Macro: macro, Quantity: quantity}
	if err := p.Validate(); err != nil {
		return Info{}, err
	}
	return p, nil
}

// restrictedAlphabet holds the printable-ASCII set allowed in Id/Name,
// excluding ':' and ';' (the field separators).
func restrictedAlphabet(s string) bool {
	for _, r := range s {
		if r < 0x20 || r > 0x7E || r == ':' || r == ';' {
			return false
		}
	}
	return true
}

func (p Info) Validate() error {
	if l := len(p.Id); l < idMinLen || l > idMaxLen {
		return fmt.Errorf("plu: id length %d out of range [%d,%d]", l, idMinLen, idMaxLen)
	}
	if !restrictedAlphabet(p.Id) {
		return fmt.Errorf("plu: id %q contains an unsupported character", p.Id)
	}
	if l := len(p.Name); l < nameMinLen || l > nameMaxLen {
		return fmt.Errorf("plu: name length %d out of range [%d,%d]", l, nameMinLen, nameMaxLen)
	}
	if !restrictedAlphabet(p.Name) {
		return fmt.Errorf("plu: name %q contains an unsupported character", p.Name)
	}
	if p.Price.LessThan(priceMin) || p.Price.GreaterThan(priceMax) {
		return fmt.Errorf("plu: price %s out of range [%s,%s]", p.Price, priceMin, priceMax)
	}
	if p.Department < 1 || p.Department > 250 {
		return fmt.Errorf("plu: department %d out of range [1,250]", p.Department)
	}
	if p.Tax < 1 || p.Tax > 9 {
		return fmt.Errorf("plu: tax %d out of range [1,9]", p.Tax)
	}
	if p.Macro < 0 || p.Macro > 250 {
		return fmt.Errorf("plu: macro %d out of range [0,250]", p.Macro)
	}
	if p.Quantity < 1 || p.Quantity > 99999 {
		return fmt.Errorf("plu: quantity %d out of range [1,99999]", p.Quantity)
	}
	return nil
}

// PriceCents rounds Price to whole cents, away from zero, as the wire
// protocol's integer-cent fields require.
func (p Info) PriceCents() int64 {
	return p.Price.Mul(decimal.NewFromInt(100)).Round(0).IntPart()
}

// Freeze returns an immutable copy of p; WithQuantity on the returned value
// reports an error instead of mutating.
func (p Info) Freeze() Info {
	p.immutable = true
	return p
}

func (p Info) Immutable() bool { return p.immutable }

// WithQuantity returns a copy of p with a new Quantity, or an error if p is
// frozen.
func (p Info) WithQuantity(q int) (Info, error) {
	if p.immutable {
		return p, fmt.Errorf("plu: %s is immutable", p.Id)
	}
	cp := p
	cp.Quantity = q
	return cp, cp.Validate()
}

// Less orders Info values ordinally by Id, for the ordinal-ascending sorts
// BroadcastPLUInfo and ReadPLUInfo range-normalisation require.
func Less(a, b Info) bool { return strings.Compare(a.Id, b.Id) < 0 }
