// Package addressindex answers "is this a custodial sender" for the chain
// observer without a store round-trip for every transaction of every block.
package addressindex

import "context"

// Index provides fast custodial address membership testing for one chain.
type Index interface {
	// Contains reports whether address is a custodial sender. A false return
	// from the bloom tier is definitive.
	Contains(ctx context.Context, address string) bool

	// Add registers a freshly created account.
	Add(address string)

	// Reload rebuilds the index from the store.
	Reload(ctx context.Context) error
}
