//go:build !llama

package engine

import "context"

// Llama is a stub that refuses to load models without the 'llama' build tag.
// Production binaries built without CGO never fall back to fake output.
type Llama struct{}

func NewLlama() *Llama { return &Llama{} }

// Available reports whether real llama support is compiled in.
func Available() bool { return false }

func (Llama) Load(ctx context.Context, spec LoadSpec) (Model, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return nil, ErrUnavailable
}
