package collection

import "strconv"

func indexIDFor(collectionID string, seq int64) string {
	return collectionID + "#idx" + strconv.FormatInt(seq, 10)
}
