package shuffle

import (
	"github.com/sakjain92/vpic-shuffle/ports/fabric"
	"github.com/sakjain92/vpic-shuffle/ports/storage"
)

// Storage is the local-store collaborator writes fast-path and
// delivered records into.
type Storage = storage.Store

// Fabric is the collective communicator EpochController's caller
// drives barriers through.
type Fabric = fabric.Fabric
