package imgfactory

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestUserMessage(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		err    error
		prefix string
	}{
		{"nil", nil, ""},
		{"missing file", fmt.Errorf("open x.img: %w: %w", ErrIO, fs.ErrNotExist), "cannot open"},
		{"bad magic", fmt.Errorf("open x.img: %w", ErrBadMagic), "cannot open"},
		{"truncated", ErrTruncatedDirectory, "cannot open"},
		{"safe mismatch", fmt.Errorf("rebuild x.img: %w", ErrValidationFailed), "rebuild aborted, file unchanged"},
		{"write failure", fmt.Errorf("rebuild x.img: %w", ErrDiskWrite), "rebuild failed, file unchanged"},
		{"duplicate", fmt.Errorf("add A.DFF: %w", ErrDuplicateName), "an entry with that name already exists"},
		{"too long", ErrNameTooLong, "name must be at most 23 characters"},
		{"invalid", ErrInvalidName, "name must be non-empty printable ASCII"},
		{"operation", ErrRebuildInProgress, ErrRebuildInProgress.Error()},
		{"other", errors.New("boom"), "boom"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := UserMessage(tt.err)
			assert.True(t, strings.HasPrefix(got, tt.prefix), "UserMessage() = %q, want prefix %q", got, tt.prefix)
			if tt.err == nil {
				assert.Empty(t, got)
			}
		})
	}
}
