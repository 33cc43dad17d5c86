package testutils

import "math/rand"

// MoveRandomElement moves a random element in `before`. Returns a new slice with the element
// moved, the item moved, and which index positions it was moved from/to. In `after` the item
// sits at toIndex, so the move is a Remove(fromIndex) followed by an insert at toIndex.
func MoveRandomElement(before []string) (after []string, item string, fromIndex, toIndex int) {
	fromIndex = rand.Intn(len(before))
	item = before[fromIndex]
	toIndex = rand.Intn(len(before))
	after = make([]string, 0, len(before))
	for j := range before {
		if j == fromIndex {
			if j == toIndex {
				after = append(after, before[j]) // no-op move
			}
			continue
		}
		if j == toIndex {
			if j > fromIndex {
				// item was skipped already, put it after the current element
				after = append(after, before[toIndex])
				after = append(after, item)
			} else {
				after = append(after, item)
				after = append(after, before[toIndex])
			}
			continue
		}
		after = append(after, before[j])
	}
	return
}
