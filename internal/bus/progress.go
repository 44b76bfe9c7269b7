package bus

import (
	"time"

	"github.com/dustin/go-humanize"
)

// FormatProgress renders a human-readable "12.3 MB/71.4 MB @ 3.2 MB/s, ETA 18s"
// summary of a syncFileProgress/downloadProgress event, as written to the
// debug log for a long download.
func FormatProgress(read, total int64, rate float64) string {
	out := humanize.Bytes(uint64(read))

	if total > 0 {
		out += "/" + humanize.Bytes(uint64(total))
	}

	if rate <= 0 {
		return out
	}

	out += " @ " + humanize.Bytes(uint64(rate)) + "/s"

	if total > read {
		eta := time.Duration(float64(total-read)/rate) * time.Second
		out += ", ETA " + eta.String()
	}

	return out
}
