package backend

import (
	"fmt"
	"unicode/utf8"

	"nnbackend/internal/nnerr"
)

// TensorType is the element type of a tensor. Values are part of the ABI.
type TensorType uint8

const (
	FP16 TensorType = iota
	FP32
	FP64
	BF16
	U8
	I32
	I64
)

var tensorTypeNames = [...]string{"fp16", "fp32", "fp64", "bf16", "u8", "i32", "i64"}

func (t TensorType) String() string {
	if int(t) < len(tensorTypeNames) {
		return tensorTypeNames[t]
	}
	return fmt.Sprintf("tensor_type(%d)", uint8(t))
}

// Tensor carries raw data with its shape. Text travels as a U8 tensor.
type Tensor struct {
	Dimensions []uint32
	Type       TensorType
	Data       []byte
}

// Text wraps s in a one-dimensional U8 tensor.
func Text(s string) Tensor {
	return Tensor{Dimensions: []uint32{uint32(len(s))}, Type: U8, Data: []byte(s)}
}

// text validates t as a UTF-8 prompt.
func (t Tensor) text(op string) (string, error) {
	if t.Type != U8 {
		return "", nnerr.New(nnerr.InvalidArgument, op, "input tensor type %s, want u8", t.Type)
	}
	if len(t.Dimensions) > 0 {
		n := uint64(1)
		for _, d := range t.Dimensions {
			n *= uint64(d)
		}
		if n != uint64(len(t.Data)) {
			return "", nnerr.New(nnerr.InvalidArgument, op, "dimensions describe %d elements, data has %d", n, len(t.Data))
		}
	}
	if !utf8.Valid(t.Data) {
		return "", nnerr.New(nnerr.InvalidEncoding, op, "prompt is not valid UTF-8")
	}
	return string(t.Data), nil
}
