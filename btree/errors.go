package btree

import "errors"

var (
	errNilStore       = errors.New("btree: nil node store")
	errStructuralRace = errors.New("btree: structural race, descent restarted")
)
