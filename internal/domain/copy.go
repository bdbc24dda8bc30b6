package domain

import "maps"

// CopyValue deep-copies the domain values kept in a run's context store.
// Other values are returned as is.
func CopyValue(v any) any {
	switch value := v.(type) {
	case Finding:
		return value.Clone()
	case []Contract:
		out := make([]Contract, len(value))
		for i, c := range value {
			out[i] = c.Clone()
		}
		return out
	case []Image:
		out := make([]Image, len(value))
		for i, img := range value {
			out[i] = img.Clone()
		}
		return out
	case []Planogram:
		out := make([]Planogram, len(value))
		for i, p := range value {
			out[i] = p.Clone()
		}
		return out
	}
	return v
}

// Clone returns a deep copy of the contract.
func (c Contract) Clone() Contract {
	out := c
	out.Rules = append([]Rule(nil), c.Rules...)
	out.Reported = maps.Clone(c.Reported)
	return out
}

// Clone returns a deep copy of the image.
func (img Image) Clone() Image {
	out := img
	out.Observations = maps.Clone(img.Observations)
	out.Products = append([]string(nil), img.Products...)
	return out
}

// Clone returns a deep copy of the planogram.
func (p Planogram) Clone() Planogram {
	out := p
	out.Products = append([]string(nil), p.Products...)
	return out
}
