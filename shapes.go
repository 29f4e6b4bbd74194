package cudnnlstm

// A Shape holds the dimensions of one sub-tensor of the
// packed parameter buffer.
type Shape []int

// Product returns the number of elements in a tensor of
// this shape.
func (s Shape) Product() int {
	res := 1
	for _, x := range s {
		res *= x
	}
	return res
}

// Shapes returns the shape of every sub-tensor in the
// packed buffer, in packing order: W_ih then W_hh for
// every pseudo-layer, followed by b_ih then b_hh for
// every pseudo-layer.
func (c *Config) Shapes() []Shape {
	n := c.NumPseudoLayers()
	res := make([]Shape, 0, 4*n)
	for l := 0; l < n; l++ {
		res = append(res, Shape{4 * c.HiddenSize, c.inputSizeAt(l)},
			Shape{4 * c.HiddenSize, c.HiddenSize})
	}
	for l := 0; l < n; l++ {
		res = append(res, Shape{4 * c.HiddenSize}, Shape{4 * c.HiddenSize})
	}
	return res
}

// ParamCount returns the total number of elements in the
// packed buffer.
func (c *Config) ParamCount() int {
	var count int
	for _, s := range c.Shapes() {
		count += s.Product()
	}
	return count
}
