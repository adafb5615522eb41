package packaging

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"accession/internal/server/checksum"
	"accession/internal/server/database"
)

const (
	bagitVersion = "1.0"
	payloadDir   = "data"
)

// bagitTxt is the bag declaration.
func bagitTxt() []byte {
	return []byte("BagIt-Version: " + bagitVersion + "\nTag-File-Character-Encoding: UTF-8\n")
}

// bagInfoTxt renders bag-info.txt from the submission record. Values are
// folded onto one line; metadata keys are written in sorted order.
func bagInfoTxt(sub *database.Submission, entries []database.ManifestEntry, baggedAt time.Time) []byte {
	var total int64
	for _, e := range entries {
		total += e.Size
	}

	var b strings.Builder
	field := func(label, value string) {
		if value = oneLine(value); value != "" {
			fmt.Fprintf(&b, "%s: %s\n", label, value)
		}
	}

	field("Bagging-Date", baggedAt.UTC().Format(time.DateOnly))
	field("External-Identifier", sub.ID.String())
	field("Contact-Name", sub.Owner)
	field("Title", sub.Title)
	field("External-Description", sub.Description)

	keys := make([]string, 0, len(sub.Metadata))
	for k := range sub.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		field(oneLine(k), sub.Metadata[k])
	}

	field("Payload-Oxum", fmt.Sprintf("%d.%d", total, len(entries)))
	return []byte(b.String())
}

// manifestTxt renders "<digest>  <path>" lines for one algorithm.
func manifestTxt(alg checksum.Algorithm, entries []database.ManifestEntry) []byte {
	var b strings.Builder
	for _, e := range entries {
		fmt.Fprintf(&b, "%s  %s\n", e.Checksums[string(alg)], encodePath(e.Path))
	}
	return []byte(b.String())
}

func manifestName(alg checksum.Algorithm) string {
	return "manifest-" + string(alg) + ".txt"
}

func tagManifestName(alg checksum.Algorithm) string {
	return "tagmanifest-" + string(alg) + ".txt"
}

// encodePath percent-encodes the characters that cannot appear literally
// in a manifest line.
func encodePath(p string) string {
	return strings.NewReplacer("%", "%25", "\n", "%0A", "\r", "%0D").Replace(p)
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
