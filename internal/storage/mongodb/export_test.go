package mongodb

// Collection exposes the collection seam for tests.
type Collection = collection

// NewWithCollection returns a storage over an arbitrary collection
// implementation, without connecting anywhere. Used in tests.
func NewWithCollection(c Collection) *Storage {
	return &Storage{coll: c}
}
