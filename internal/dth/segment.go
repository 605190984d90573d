package dth

// Slice is one orbit's share of the input buffer.
type Slice struct {
	Index  int
	Offset int
	Length int
}

// Segment splits buf into OrbitCount equal slices. The division truncates;
// trailing remainder bytes belong to no slice.
func Segment(buf []byte) []Slice {
	size := len(buf) / OrbitCount
	slices := make([]Slice, OrbitCount)
	for i := range slices {
		slices[i] = Slice{Index: i, Offset: i * size, Length: size}
	}
	return slices
}

