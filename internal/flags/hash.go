package flags

import (
	"crypto/sha1"
	"encoding/hex"
	"strconv"
)

// longScale is the maximum value of a 15-hex-digit integer. Dividing the
// digest prefix by it normalizes the bucket into [0, 1).
const longScale = 0xFFFFFFFFFFFFFFF

// variantSalt is appended to the digest input when selecting a
// multivariate bucket, so variant assignment is independent of the
// rollout decision for the same subject.
const variantSalt = "variant"

// hashBucket maps (flag key, bucketing value) onto a stable fraction in
// [0, 1). The algorithm is the server's: SHA-1 of "{key}.{value}{salt}",
// first 15 hex digits read as an integer, divided by longScale. Local and
// remote evaluation only agree while this stays bit-for-bit identical.
func hashBucket(key, bucketingValue, salt string) float64 {
	sum := sha1.Sum([]byte(key + "." + bucketingValue + salt))
	digest := hex.EncodeToString(sum[:])

	value, err := strconv.ParseUint(digest[:15], 16, 64)
	if err != nil {
		// 15 hex digits always parse; unreachable.
		return 0
	}
	return float64(value) / float64(uint64(longScale))
}
