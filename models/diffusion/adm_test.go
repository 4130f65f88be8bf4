package diffusion

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncoderStages(t *testing.T) {
	stages := encoderStages(32, 3, 192, []int{1, 2, 3, 4}, 3, []int{32, 16, 8})

	var keys []string
	for _, s := range stages {
		keys = append(keys, s.key)
	}
	assert.Equal(t, []string{
		"32x32_conv", "32x32_block0", "32x32_block1", "32x32_block2",
		"16x16_down", "16x16_block0", "16x16_block1", "16x16_block2",
		"8x8_down", "8x8_block0", "8x8_block1", "8x8_block2",
		"4x4_down", "4x4_block0", "4x4_block1", "4x4_block2",
	}, keys)

	// Channel counts chain, and downsampling blocks preserve channels; the
	// channel growth happens in the first block of each level.
	prev := 3
	for _, s := range stages {
		assert.Equal(t, prev, s.inChannels, "stage %s", s.key)
		if s.kind == stageDown {
			assert.Equal(t, s.inChannels, s.outChannels, "stage %s", s.key)
		}
		prev = s.outChannels
	}
	assert.Equal(t, 4*192, prev)

	// Attention follows the resolution list; downsampling blocks never attend.
	attended := make(map[string]bool)
	for _, s := range stages {
		if s.attention {
			require.Equal(t, stageBlock, s.kind, "stage %s", s.key)
			attended[s.key] = true
		}
	}
	assert.True(t, attended["32x32_block0"])
	assert.True(t, attended["16x16_block2"])
	assert.True(t, attended["8x8_block0"])
	assert.False(t, attended["4x4_block0"])
}
