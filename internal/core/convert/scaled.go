package convert

// fullScale16 is the integer full scale the default scalars are defined
// against. Formats with a different full scale are rescaled to it so the
// default scalars map every integer format to [-1, 1].
const fullScale16 = 32767.0

type scaled struct {
	id     ID
	in     *itemFormat
	out    *itemFormat
	factor float64
}

func newScaled(id ID, in, out *itemFormat, scalar float64) *scaled {
	c := &scaled{id: id, in: in, out: out}
	c.SetScalar(scalar)
	return c
}

func (c *scaled) ID() ID { return c.id }

func (c *scaled) SetScalar(scalar float64) {
	switch {
	case c.in.full > 0 && c.out.full > 0:
		// integer to integer ignores the scalar
		c.factor = c.out.full / c.in.full
	case c.in.full > 0:
		c.factor = scalar * fullScale16 / c.in.full
	case c.out.full > 0:
		c.factor = scalar * c.out.full / fullScale16
	default:
		c.factor = scalar
	}
}

func (c *scaled) Convert(inputs [][]byte, inOff int, outputs [][]byte, outOff int, nsamps int) {
	f := c.factor
	switch {
	case len(inputs) == len(outputs):
		for ch := range inputs {
			src, dst := inputs[ch], outputs[ch]
			for i := 0; i < nsamps; i++ {
				re, im := c.in.load(src, inOff+i)
				c.out.store(dst, outOff+i, re*f, im*f)
			}
		}
	case len(inputs) == 1:
		src, n := inputs[0], len(outputs)
		for i := 0; i < nsamps; i++ {
			for ch, dst := range outputs {
				re, im := c.in.load(src, inOff+i*n+ch)
				c.out.store(dst, outOff+i, re*f, im*f)
			}
		}
	default:
		dst, n := outputs[0], len(inputs)
		for i := 0; i < nsamps; i++ {
			for ch, src := range inputs {
				re, im := c.in.load(src, inOff+i)
				c.out.store(dst, outOff+i*n+ch, re*f, im*f)
			}
		}
	}
}
