package cmd

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidatePipeline(t *testing.T) {
	defer func(p string) { pipeline = p }(pipeline)

	for _, tc := range []struct {
		steps   string
		wantErr bool
	}{
		{"", false},
		{"rmp", false},
		{"RM", false},
		{"mp", false},
		{"rx", true},
		{"r p", true},
	} {
		pipeline = tc.steps
		err := validatePipeline()
		if tc.wantErr {
			assert.Error(t, err, tc.steps)
		} else {
			assert.NoError(t, err, tc.steps)
		}
	}
}

func TestFirstNonEmpty(t *testing.T) {
	assert.Equal(t, "b", firstNonEmpty("", "b", "c"))
	assert.Empty(t, firstNonEmpty("", ""))
}
