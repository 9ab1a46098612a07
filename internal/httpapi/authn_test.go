package httpapi

import (
	"errors"
	"testing"
)

func TestExtractBearerToken(t *testing.T) {
	cases := []struct {
		header  string
		want    string
		missing bool
		wantErr bool
	}{
		{header: "Bearer abc.def.ghi", want: "abc.def.ghi"},
		{header: "bearer   tok  ", want: "tok"},
		{header: "", missing: true, wantErr: true},
		{header: "Bearer ", wantErr: true},
		{header: "Basic dXNlcjpwYXNz", wantErr: true},
	}
	for _, tc := range cases {
		got, err := extractBearerToken(tc.header)
		if (err != nil) != tc.wantErr {
			t.Fatalf("%q: unexpected error %v", tc.header, err)
		}
		if errors.Is(err, errMissingBearer) != tc.missing {
			t.Fatalf("%q: missing=%v, got err %v", tc.header, tc.missing, err)
		}
		if got != tc.want {
			t.Fatalf("%q: got %q want %q", tc.header, got, tc.want)
		}
	}
}
