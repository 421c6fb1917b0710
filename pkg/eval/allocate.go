package eval

import "github.com/open-feature/flagops/pkg/model"

// Allocate returns the key of the variant whose range [start, start+weight)
// contains bucket. Ranges are laid out contiguously in list order.
func Allocate(variants []model.Variant, bucket int) (string, bool) {
	start := 0
	for _, v := range variants {
		end := start + v.Weight
		if bucket >= start && bucket < end {
			return v.Key, true
		}
		start = end
	}
	return "", false
}
