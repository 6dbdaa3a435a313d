package cnl

import (
	"bytes"
	"testing"

	"github.com/kstaniek/go-ctucan/internal/can"
)

// FuzzCodecDecode feeds arbitrary bytes to the decoder. Every frame it
// accepts must re-encode to the same size.
func FuzzCodecDecode(f *testing.F) {
	c := Codec{}
	seed := [][]can.Frame{
		{mkFrame(0x100, 0)},
		{mkFrame(0x200, 8)},
		{mkFrame(0x300, 3), mkFDFrame(0x301, 20, can.CANFD_BRS)},
	}
	for _, s := range seed {
		f.Add(c.Encode(s))
	}
	f.Add([]byte{0, 0, 0, 1, 0x89})
	f.Fuzz(func(t *testing.T, data []byte) {
		r := bytes.NewReader(data)
		for i := 0; i < 16; i++ {
			start := len(data) - r.Len()
			fr, err := c.Decode(r)
			if err != nil {
				return
			}
			consumed := data[start : len(data)-r.Len()]
			// reserved flag bits are dropped, so compare sizes only
			if again := c.Encode([]can.Frame{fr}); len(again) != len(consumed) {
				t.Fatalf("re-encode % X from % X", again, consumed)
			}
		}
	})
}
