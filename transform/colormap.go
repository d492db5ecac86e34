package transform

// The VOC palette assigns each class index a color by shuffling the bits of
// the index across the three channels: bit k of the index lands in bit 7-k/3
// of channel k%3. Index 255, the boundary label, comes out as (224, 224, 192).

var (
	colormap     = buildColormap()
	colorToClass = buildColorToClass()
)

func buildColormap() [256][3]uint8 {
	var cmap [256][3]uint8
	for i := 0; i < 256; i++ {
		var r, g, b uint8
		c := i
		for j := 0; j < 8; j++ {
			r |= uint8((c & 1) << (7 - j))
			g |= uint8(((c >> 1) & 1) << (7 - j))
			b |= uint8(((c >> 2) & 1) << (7 - j))
			c >>= 3
		}
		cmap[i] = [3]uint8{r, g, b}
	}
	return cmap
}

func buildColorToClass() map[[3]uint8]int {
	m := make(map[[3]uint8]int, 256)
	for i, c := range colormap {
		m[c] = i
	}
	return m
}

// Colormap returns the 256-entry VOC palette. Entry i is the RGB color of
// class index i.
func Colormap() [256][3]uint8 {
	return colormap
}

// ClassColor returns the palette color for a class index.
func ClassColor(class int) ([3]uint8, bool) {
	if class < 0 || class > 255 {
		return [3]uint8{}, false
	}
	return colormap[class], true
}

// ClassForColor maps a palette color back to its class index.
func ClassForColor(r, g, b uint8) (int, bool) {
	class, ok := colorToClass[[3]uint8{r, g, b}]
	return class, ok
}
