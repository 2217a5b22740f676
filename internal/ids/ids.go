// Package ids generates sortable identifiers for jobs and object-store keys.
package ids

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// New returns a lexicographically sortable job id: a millisecond timestamp
// prefix followed by a random suffix, so an id created in a later
// millisecond sorts after one created in an earlier millisecond, even
// across process restarts; ids created within the same millisecond sort
// in random order.
func New() string {
	var buf [5]byte
	_, _ = rand.Read(buf[:])
	return fmt.Sprintf("%013d-%s", time.Now().UnixMilli(), hex.EncodeToString(buf[:]))
}

// ObjectKey builds the csv-files/<YYYY>/<MM>/<DD>/<uuid>_<filename> key
// layout from SPEC_FULL.md section 6.
func ObjectKey(now time.Time, filename string) string {
	now = now.UTC()
	return fmt.Sprintf("csv-files/%04d/%02d/%02d/%s_%s",
		now.Year(), now.Month(), now.Day(), uuid.NewString(), filename)
}
