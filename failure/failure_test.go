package failure

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

type schemaErr struct{}

func (schemaErr) Error() string { return "invalid schema" }
func (schemaErr) Kind() Kind    { return KindFatal }

func TestKindOf(t *testing.T) {
	base := errors.New("boom")

	testCases := []struct {
		name string
		err  error
		want Kind
	}{
		{"plain error is transient", base, KindTransient},
		{"message text is ignored", errors.New("schema invalid"), KindTransient},
		{"fatal wrapper", Fatal(base), KindFatal},
		{"wrapped fatal", fmt.Errorf("handler: %w", Fatal(base)), KindFatal},
		{"transient wrapper", Transient(base), KindTransient},
		{"self classified", fmt.Errorf("decode: %w", schemaErr{}), KindFatal},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, KindOf(tc.err))
		})
	}
}

func TestWrappersKeepChain(t *testing.T) {
	base := errors.New("boom")

	assert.ErrorIs(t, Fatal(base), base)
	assert.ErrorIs(t, Transient(base), base)
	assert.Nil(t, Fatal(nil))
	assert.Nil(t, Transient(nil))
	assert.True(t, IsFatal(Fatal(base)))
	assert.False(t, IsFatal(nil))
	assert.Equal(t, "boom", Fatal(base).Error())
}
