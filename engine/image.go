package engine

// Image is a validated guest binary. It is immutable and may back any
// number of instances.
type Image struct {
	wasm      []byte
	imports   []FuncDecl
	exports   []FuncDecl
	hasMemory bool
}

// Imports returns the guest's function imports in declaration order.
func (img *Image) Imports() []FuncDecl {
	return img.imports
}

// Exports returns the guest's function exports sorted by name.
func (img *Image) Exports() []FuncDecl {
	return img.exports
}

// Export finds an export by name.
func (img *Image) Export(name string) (FuncDecl, bool) {
	for _, d := range img.exports {
		if d.Name == name {
			return d, true
		}
	}
	return FuncDecl{}, false
}

// HasMemory reports whether the guest exports its memory as "memory".
func (img *Image) HasMemory() bool {
	return img.hasMemory
}

// Size returns the binary size in bytes.
func (img *Image) Size() int {
	return len(img.wasm)
}
