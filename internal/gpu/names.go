package gpu

import (
	"fmt"
	"sync"

	"github.com/jaypipes/pcidb"
)

var (
	pciOnce sync.Once
	pciDB   *pcidb.PCIDB
	pciErr  error
)

// lookupPCIName resolves a product name from NVML's combined PCI
// identifier (device id in the upper 16 bits, vendor id in the lower).
func lookupPCIName(combined uint32) string {
	vendorID := fmt.Sprintf("%04x", combined&0xffff)
	deviceID := fmt.Sprintf("%04x", combined>>16)

	db := loadPCIDatabase()
	if db == nil {
		return ""
	}

	product, ok := db.Products[vendorID+deviceID]
	if !ok || product == nil {
		return ""
	}
	return product.Name
}

func loadPCIDatabase() *pcidb.PCIDB {
	pciOnce.Do(func() {
		pciDB, pciErr = pcidb.New()
	})
	if pciErr != nil || pciDB == nil {
		return nil
	}
	return pciDB
}
