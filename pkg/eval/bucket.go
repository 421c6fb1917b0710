package eval

import "github.com/twmb/murmur3"

// Buckets is the number of traffic buckets; rollout percentages and variant
// weights are expressed in the same unit.
const Buckets = 100

// Bucket deterministically maps a context to a bucket in [0,100). The flag key
// is part of the hash input so a context lands independently per flag.
func Bucket(flagKey, contextID string) int {
	return int(murmur3.StringSum32(flagKey+"/"+contextID) % Buckets)
}
