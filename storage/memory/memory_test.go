package memory

import (
	"testing"

	"github.com/jmcleod/minica/storage/storagetest"
)

func TestMemoryRepository(t *testing.T) {
	storagetest.Run(t, NewRepository())
}
