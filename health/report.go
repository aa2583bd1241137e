package health

import (
	"fmt"

	"github.com/dustin/go-humanize"

	"github.com/superfly/dmpool/thinpool"
	"github.com/superfly/dmpool/units"
)

// UsageReport renders a thin-pool's block usage as a human-readable
// line, the kind of text a status CLI or a log line prints alongside
// the structured PoolHealth. Grounded on the teacher's convention of
// formatting byte counts with go-humanize rather than raw integers.
func UsageReport(u thinpool.BlockUsage, dataBlockSectors units.Sector) string {
	dataBlockBytes := dataBlockSectors.Bytes()
	usedBytes := u.UsedData * dataBlockBytes
	totalBytes := u.TotalData * dataBlockBytes

	pct := 0.0
	if u.TotalData > 0 {
		pct = 100 * float64(u.UsedData) / float64(u.TotalData)
	}

	return fmt.Sprintf("data %s/%s (%.1f%%), metadata %d/%d blocks used",
		humanize.Bytes(usedBytes), humanize.Bytes(totalBytes), pct, u.UsedMeta, u.TotalMeta)
}
