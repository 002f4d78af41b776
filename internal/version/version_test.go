package version_test

import (
	"testing"

	"taskrun/internal/version"
)

func TestStringIsSet(t *testing.T) {
	t.Parallel()

	if v := version.String(); v == "" {
		t.Fatal("version.String() must not be empty")
	}
}
