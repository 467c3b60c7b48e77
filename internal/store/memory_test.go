package store_test

import (
	"testing"

	"github.com/atmx/settlement-engine/internal/store"
)

func TestMemoryStore(t *testing.T) {
	runStoreContract(t, func(t *testing.T) store.Store {
		return store.NewMemoryStore()
	})
}
