package hybridtree

import (
	"os"

	"github.com/paladugu82/hybridshare/internal/errs"
	"github.com/paladugu82/hybridshare/internal/localstore"
)

// openDownloadedFile opens a BinaryCache blob for read access. The handle
// satisfies localstore.File even though callers are expected to treat it
// as read-only: a write would land in the cache's own blob file, not the
// HybridTree's local tree, so the processor's write path never reaches
// here.
func openDownloadedFile(path string) (localstore.File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errs.Wrap(errs.KindIO, path, "opening downloaded blob", err)
	}

	return f, nil
}
