package ipasim

import (
	"os"
	"strings"
	"testing"
)

func TestCoreErrorDetailed(t *testing.T) {
	os.Unsetenv("IPASIM_ENV")

	tests := []struct {
		name string
		err  *CoreError
		want string
	}{
		{
			name: "invalid binary type",
			err:  newErr(ErrInvalidBinaryType, "%s", "foo.ipa"),
			want: "ipasim: invalid binary type: foo.ipa",
		},
		{
			name: "unmapped fetch",
			err:  newErr(ErrUnmappedFetch, "0x%x", 0x1000),
			want: "ipasim: unmapped address fetched: 0x1000",
		},
		{
			name: "unknown code",
			err:  &CoreError{Code: ErrorCode(0xFFFF), message: "mystery"},
			want: "ipasim: unknown error (code 65535): mystery",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCoreErrorSanitizedInProduction(t *testing.T) {
	os.Setenv("IPASIM_ENV", "production")
	defer os.Unsetenv("IPASIM_ENV")

	err := newErr(ErrMissingSymbol, "leaked detail about %s", "internal/path")
	got := err.Error()

	if strings.Contains(got, "internal/path") {
		t.Errorf("production error message leaked detail: %q", got)
	}
	if !strings.Contains(got, "code") {
		t.Errorf("production error message should still name the code: %q", got)
	}
}

func TestSentinelErrorsDistinct(t *testing.T) {
	sentinels := []error{ErrLoaderClosed, ErrExecutorClosed, ErrContinuationSet, ErrNoLibrary}
	for i, a := range sentinels {
		for j, b := range sentinels {
			if i != j && a.Error() == b.Error() {
				t.Errorf("sentinel %d and %d have identical messages: %q", i, j, a.Error())
			}
		}
	}
}
