package memory

import (
	"testing"

	"github.com/vietddude/partywatch/internal/infra/storage"
	"github.com/vietddude/partywatch/internal/infra/storage/storagetest"
)

func TestStateStore(t *testing.T) {
	storagetest.RunSuite(t, func(t *testing.T) storage.StateStore {
		return NewStateStore()
	})
}
