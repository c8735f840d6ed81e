package validation

import (
	"errors"
	"testing"

	derrors "depot/internal/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateName(t *testing.T) {
	valid := []string{"demo", "main", "feature/login", "v1.2", "a_b-c"}
	for _, name := range valid {
		assert.NoError(t, ValidateName("branch", name), name)
	}

	invalid := []string{"", "-x", "a:b", "a b", "../x", "x/", "/x", "a//b"}
	for _, name := range invalid {
		err := ValidateName("branch", name)
		require.Error(t, err, name)
		assert.True(t, errors.Is(err, derrors.ErrValidation), name)
	}
}

func TestCleanPath(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"a.txt", "a.txt", false},
		{"./dir/../b.txt", "b.txt", false},
		{"dir//c.txt", "dir/c.txt", false},
		{`win\path.txt`, "win/path.txt", false},
		{"", "", true},
		{".", "", true},
		{"/etc/passwd", "", true},
		{"../outside", "", true},
		{"a/../../b", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := CleanPath(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRequireText(t *testing.T) {
	assert.NoError(t, RequireText("message", "fix"))
	assert.Error(t, RequireText("message", "  \n"))
}
