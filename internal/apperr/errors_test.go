package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKind(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{fmt.Errorf("%w: empty", ErrValidation), "validation"},
		{fmt.Errorf("loading pdf: %w", fmt.Errorf("%w: bad xref", ErrParse)), "parse"},
		{fmt.Errorf("%w: qdrant down", ErrIndexWrite), "index_write"},
		{fmt.Errorf("%w: timeout", ErrRetrieval), "retrieval"},
		{fmt.Errorf("%w: 500", ErrGeneration), "generation"},
		{fmt.Errorf("%w: OPENAI_API_KEY", ErrConfig), "config"},
		{errors.New("boom"), "internal"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Kind(tt.err), "Kind(%v)", tt.err)
	}
}
