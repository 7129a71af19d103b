package imaging

// Tensor is a dense height x width x channels block of normalized pixel
// values. With ChannelsLast the layout is HWC (interleaved), otherwise CHW.
type Tensor struct {
	Height       int
	Width        int
	Channels     int
	ChannelsLast bool
	Data         []float32
}

// Shape returns the tensor dimensions in storage order.
func (t Tensor) Shape() []int64 {
	if t.ChannelsLast {
		return []int64{int64(t.Height), int64(t.Width), int64(t.Channels)}
	}
	return []int64{int64(t.Channels), int64(t.Height), int64(t.Width)}
}

// At returns the value of channel c at pixel (x, y).
func (t Tensor) At(x, y, c int) float32 {
	if t.ChannelsLast {
		return t.Data[(y*t.Width+x)*t.Channels+c]
	}
	return t.Data[c*t.Height*t.Width+y*t.Width+x]
}
