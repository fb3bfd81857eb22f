package curator

import "sort"

// BucketCount reports how many passed documents a bucket contributed to the
// final set and how many were available before quotas.
type BucketCount struct {
	Selected  int `json:"selected"`
	Available int `json:"available"`
}

// sampleStratified applies the five-step quota procedure: group passed
// documents by bucket, sort each bucket by score, take min(quota, available)
// in bucket-priority order, redistribute leftover capacity in priority order,
// and emit the final (bucketPriority asc, relevanceScore desc) ordering.
func sampleStratified(
	passed []CuratedDocument,
	quotas map[Bucket]int,
	maxResults int,
) ([]CuratedDocument, map[Bucket]BucketCount) {
	byBucket := make(map[Bucket][]CuratedDocument)
	for _, doc := range passed {
		byBucket[doc.Bucket] = append(byBucket[doc.Bucket], doc)
	}
	for _, docs := range byBucket {
		sort.Slice(docs, func(i, j int) bool {
			if docs[i].Score != docs[j].Score {
				return docs[i].Score > docs[j].Score
			}
			return docs[i].ID < docs[j].ID
		})
	}

	taken := make(map[Bucket]int, len(Buckets))
	total := 0
	for _, bucket := range Buckets {
		n := min(quotas[bucket], len(byBucket[bucket]))
		if total+n > maxResults {
			n = maxResults - total
		}
		taken[bucket] = n
		total += n
	}

	// Unused quota flows to buckets that still have documents, strongest
	// bucket first.
	leftover := maxResults - total
	for _, bucket := range Buckets {
		if leftover <= 0 {
			break
		}
		extra := min(leftover, len(byBucket[bucket])-taken[bucket])
		taken[bucket] += extra
		leftover -= extra
	}

	selected := make([]CuratedDocument, 0, maxResults)
	counts := make(map[Bucket]BucketCount, len(Buckets))
	for _, bucket := range Buckets {
		selected = append(selected, byBucket[bucket][:taken[bucket]]...)
		counts[bucket] = BucketCount{Selected: taken[bucket], Available: len(byBucket[bucket])}
	}
	return selected, counts
}
