package coordinator

import (
	"github.com/openlakehouse/mart-dispatcher/internal/partition"
)

// makeBatches splits candidate partitions into ordered day-aligned batches
// of at most maxSize days each. Candidates must already be sorted by date;
// batch boundaries never split a day, and batch i covers strictly earlier
// days than batch i+1.
func makeBatches(parts []partition.Partition, maxSize int) [][]partition.Partition {
	if maxSize < 1 {
		maxSize = 1
	}

	var out [][]partition.Partition
	for start := 0; start < len(parts); start += maxSize {
		end := start + maxSize
		if end > len(parts) {
			end = len(parts)
		}
		out = append(out, parts[start:end])
	}
	return out
}
