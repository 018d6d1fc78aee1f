package sanitize

import (
	"errors"
	"strings"
	"testing"
)

func TestClean(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
		err  error
	}{
		{name: "plain text passes through", in: "thank you for the school runs", want: "thank you for the school runs"},
		{name: "strips tags", in: "<script>alert(1)</script>thank you", want: "alert(1)thank you"},
		{name: "strips nested markup", in: "<p>thank <b>you</b></p>", want: "thank you"},
		{name: "trims whitespace", in: "  thank you \n", want: "thank you"},
		{name: "empty", in: "   ", err: ErrEmpty},
		{name: "only markup", in: "<br><hr>", err: ErrEmpty},
		{name: "too long", in: strings.Repeat("a", MaxLen+1), err: ErrTooLong},
		{name: "exactly max length", in: strings.Repeat("a", MaxLen), want: strings.Repeat("a", MaxLen)},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Clean(tc.in)
			if tc.err != nil {
				if !errors.Is(err, tc.err) {
					t.Fatalf("expected %v, got %v", tc.err, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tc.want {
				t.Fatalf("expected %q, got %q", tc.want, got)
			}
		})
	}
}

func TestClean_CountsRunesNotBytes(t *testing.T) {
	// 500 multibyte runes must pass even though the byte length exceeds 500.
	in := strings.Repeat("é", MaxLen)
	got, err := Clean(in)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != in {
		t.Fatal("multibyte text must survive cleaning unchanged")
	}
}
