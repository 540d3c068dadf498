package engine

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Codec identifies how a chunk payload is compressed inside the cipher text.
type Codec byte

const (
	CodecNone Codec = 0
	CodecZstd Codec = 1
	CodecLZ4  Codec = 2
)

// ParseCodec maps a configured compression name to a codec.
func ParseCodec(name string) (Codec, error) {
	switch name {
	case "", "none":
		return CodecNone, nil
	case "zstd":
		return CodecZstd, nil
	case "lz4":
		return CodecLZ4, nil
	}
	return CodecNone, fmt.Errorf("unknown compression %q", name)
}

var (
	zstdEncoderPool sync.Pool
	zstdDecoderPool sync.Pool
)

func getZstdEncoder() *zstd.Encoder {
	if v := zstdEncoderPool.Get(); v != nil {
		return v.(*zstd.Encoder)
	}
	enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	return enc
}

func getZstdDecoder() *zstd.Decoder {
	if v := zstdDecoderPool.Get(); v != nil {
		return v.(*zstd.Decoder)
	}
	dec, _ := zstd.NewReader(nil)
	return dec
}

// compressPayload returns [codec byte][body]. LZ4 bodies carry the
// uncompressed length up front; incompressible LZ4 input is stored raw.
func compressPayload(data []byte, codec Codec) ([]byte, error) {
	switch codec {
	case CodecZstd:
		enc := getZstdEncoder()
		defer zstdEncoderPool.Put(enc)
		out := []byte{byte(CodecZstd)}
		return enc.EncodeAll(data, out), nil

	case CodecLZ4:
		block := make([]byte, lz4.CompressBlockBound(len(data)))
		n, err := lz4.CompressBlock(data, block, nil)
		if err != nil {
			return nil, fmt.Errorf("lz4 compression failed: %w", err)
		}
		if n > 0 {
			out := make([]byte, 5+n)
			out[0] = byte(CodecLZ4)
			binary.LittleEndian.PutUint32(out[1:], uint32(len(data)))
			copy(out[5:], block[:n])
			return out, nil
		}
	}

	out := make([]byte, 1+len(data))
	out[0] = byte(CodecNone)
	copy(out[1:], data)
	return out, nil
}

func decompressPayload(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, errors.New("empty chunk payload")
	}
	body := data[1:]
	switch Codec(data[0]) {
	case CodecNone:
		return body, nil

	case CodecZstd:
		dec := getZstdDecoder()
		defer zstdDecoderPool.Put(dec)
		out, err := dec.DecodeAll(body, nil)
		if err != nil {
			return nil, fmt.Errorf("zstd decompression failed: %w", err)
		}
		return out, nil

	case CodecLZ4:
		if len(body) < 4 {
			return nil, errors.New("lz4 payload too small for header")
		}
		size := binary.LittleEndian.Uint32(body)
		out := make([]byte, size)
		n, err := lz4.UncompressBlock(body[4:], out)
		if err != nil {
			return nil, fmt.Errorf("lz4 decompression failed: %w", err)
		}
		if uint32(n) != size {
			return nil, errors.New("lz4 decompressed size mismatch")
		}
		return out, nil
	}
	return nil, fmt.Errorf("unknown chunk codec %d", data[0])
}

// validateKey accepts AES-128, AES-192 and AES-256 key lengths.
func validateKey(key []byte) error {
	switch len(key) {
	case 16, 24, 32:
		return nil
	}
	return fmt.Errorf("encryption key must be 16, 24, or 32 bytes long, got %d", len(key))
}

// encryptCBC pads plaintext with PKCS#7 and encrypts it with AES-CBC under a
// fresh random IV, which is prepended to the result.
func encryptCBC(key, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	pad := aes.BlockSize - len(plaintext)%aes.BlockSize
	padded := make([]byte, len(plaintext)+pad)
	copy(padded, plaintext)
	copy(padded[len(plaintext):], bytes.Repeat([]byte{byte(pad)}, pad))

	out := make([]byte, aes.BlockSize+len(padded))
	iv := out[:aes.BlockSize]
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, fmt.Errorf("failed to generate IV: %w", err)
	}
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out[aes.BlockSize:], padded)
	return out, nil
}

func decryptCBC(key, data []byte) ([]byte, error) {
	if len(data) < aes.BlockSize {
		return nil, errors.New("encrypted data too short")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	iv, body := data[:aes.BlockSize], data[aes.BlockSize:]
	if len(body) == 0 || len(body)%aes.BlockSize != 0 {
		return nil, errors.New("encrypted data is not a whole number of blocks")
	}
	plain := make([]byte, len(body))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, body)

	pad := int(plain[len(plain)-1])
	if pad == 0 || pad > aes.BlockSize || pad > len(plain) {
		return nil, errors.New("invalid padding")
	}
	for _, b := range plain[len(plain)-pad:] {
		if int(b) != pad {
			return nil, errors.New("invalid padding")
		}
	}
	return plain[:len(plain)-pad], nil
}
