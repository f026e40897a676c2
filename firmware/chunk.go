package firmware

import (
	"encoding/hex"
	"strconv"

	"github.com/juju/errors"
)

type Chunk struct {
	Index   int
	Offset  int
	Length  int
	Payload []byte
}

// Wire form on data topic: "<index>:<lowercase hex payload>".
func (c Chunk) Message() []byte {
	prefix := strconv.Itoa(c.Index)
	b := make([]byte, 0, len(prefix)+1+hex.EncodedLen(len(c.Payload)))
	b = append(b, prefix...)
	b = append(b, ':')
	h := make([]byte, hex.EncodedLen(len(c.Payload)))
	hex.Encode(h, c.Payload)
	return append(b, h...)
}

// TotalChunks = ceil(size / chunkSize).
func TotalChunks(size, chunkSize int) int {
	if chunkSize <= 0 || size <= 0 {
		return 0
	}
	return (size + chunkSize - 1) / chunkSize
}

// Partition is deterministic, chunk i covers [i*chunkSize, min((i+1)*chunkSize, size)).
// Payloads share memory with image.
func Partition(image *Image, chunkSize int) ([]Chunk, error) {
	if chunkSize <= 0 {
		return nil, errors.NotValidf("chunk size=%d", chunkSize)
	}
	size := image.Size()
	total := TotalChunks(size, chunkSize)
	chunks := make([]Chunk, total)
	for i := range chunks {
		offset := i * chunkSize
		end := offset + chunkSize
		if end > size {
			end = size
		}
		chunks[i] = Chunk{
			Index:   i,
			Offset:  offset,
			Length:  end - offset,
			Payload: image.data[offset:end:end],
		}
	}
	return chunks, nil
}
