package utils

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadAllLimited(t *testing.T) {
	data, err := ReadAllLimited(strings.NewReader("abcd"), 4)
	require.NoError(t, err)
	assert.Equal(t, "abcd", string(data))

	_, err = ReadAllLimited(strings.NewReader("abcde"), 4)
	var sizeErr *SizeError
	require.ErrorAs(t, err, &sizeErr)
	assert.EqualValues(t, 4, sizeErr.Limit)
}

func TestValidateDomainLength(t *testing.T) {
	tests := []struct {
		name    string
		domain  string
		wantErr bool
	}{
		{"normal", "example.com", false},
		{"long label", strings.Repeat("a", 64) + ".com", true},
		{"max label", strings.Repeat("a", 63) + ".com", false},
		{"too long", strings.Repeat("abcdefghi.", 26) + "com", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateDomainLength(tt.domain)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestConcurrencyLimiter(t *testing.T) {
	cl := NewConcurrencyLimiter(1)
	require.True(t, cl.TryAcquire())
	require.False(t, cl.TryAcquire(), "second TryAcquire should fail while held")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, cl.AcquireContext(ctx), context.DeadlineExceeded)

	cl.Release()
	assert.NoError(t, cl.AcquireContext(context.Background()))
}
