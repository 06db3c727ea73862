package recdb

import "sort"

// childIndex returns the child of an internal node to descend into for key:
// the number of separators <= key. A key equal to a separator lives in the
// subtree to its right.
func childIndex(keys []int32, key int32) int {
	return sort.Search(len(keys), func(i int) bool { return key < keys[i] })
}

// searchRecords returns the position of the first record with ID >= key and
// whether that record holds key exactly.
func searchRecords(records []Record, key int32) (int, bool) {
	i := sort.Search(len(records), func(i int) bool { return records[i].ID >= key })
	return i, i < len(records) && records[i].ID == key
}
