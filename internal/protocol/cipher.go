package protocol

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"
)

// cfb8 is AES in 8-bit cipher feedback mode, which the protocol uses for
// connection encryption. The standard library only ships full-block CFB.
type cfb8 struct {
	block   cipher.Block
	shift   []byte
	out     []byte
	decrypt bool
}

func (x *cfb8) XORKeyStream(dst, src []byte) {
	if len(dst) < len(src) {
		panic("protocol: cfb8 output smaller than input")
	}
	for i, c := range src {
		x.block.Encrypt(x.out, x.shift)
		v := c ^ x.out[0]
		fb := v
		if x.decrypt {
			fb = c
		}
		copy(x.shift, x.shift[1:])
		x.shift[len(x.shift)-1] = fb
		dst[i] = v
	}
}

// newCFB8 returns encrypting and decrypting streams keyed by secret. The
// protocol uses the shared secret as both key and IV.
func newCFB8(secret []byte) (enc, dec cipher.Stream, err error) {
	block, err := aes.NewCipher(secret)
	if err != nil {
		return nil, nil, fmt.Errorf("aes cipher: %w", err)
	}
	mk := func(decrypt bool) *cfb8 {
		iv := make([]byte, block.BlockSize())
		copy(iv, secret)
		return &cfb8{block: block, shift: iv, out: make([]byte, block.BlockSize()), decrypt: decrypt}
	}
	return mk(false), mk(true), nil
}
