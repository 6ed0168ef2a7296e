package ircwire

import (
	"reflect"
	"testing"
)

var testTable = ModeTable{
	List:        "beIq",
	AlwaysParam: "k",
	SetParam:    "lfj",
	Flag:        "imnprst",
	Prefix:      "ov",
}

func TestParseModes(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want []ModeChange
	}{
		{
			name: "mixed polarity with params",
			args: []string{"+mitl-o", "3", "person"},
			want: []ModeChange{
				{Add: true, Mode: 'm'},
				{Add: true, Mode: 'i'},
				{Add: true, Mode: 't'},
				{Add: true, Mode: 'l', Arg: "3"},
				{Add: false, Mode: 'o', Arg: "person"},
			},
		},
		{
			name: "setparam takes no arg on unset",
			args: []string{"-l+k", "secret"},
			want: []ModeChange{
				{Add: false, Mode: 'l'},
				{Add: true, Mode: 'k', Arg: "secret"},
			},
		},
		{
			name: "list mode always consumes",
			args: []string{"-b", "*!*@spam.example"},
			want: []ModeChange{
				{Add: false, Mode: 'b', Arg: "*!*@spam.example"},
			},
		},
		{
			name: "unknown modes skipped",
			args: []string{"+Zn"},
			want: []ModeChange{{Add: true, Mode: 'n'}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseModes(testTable, tt.args)
			if err != nil {
				t.Fatalf("ParseModes(%v): %v", tt.args, err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("ParseModes(%v) = %+v, want %+v", tt.args, got, tt.want)
			}
		})
	}
}

func TestParseModesMissingParam(t *testing.T) {
	if _, err := ParseModes(testTable, []string{"+o"}); err != ErrBadModeString {
		t.Fatalf("err = %v, want ErrBadModeString", err)
	}
	if _, err := ParseModes(testTable, nil); err != ErrBadModeString {
		t.Fatalf("err = %v, want ErrBadModeString", err)
	}
}

func TestFormatModes(t *testing.T) {
	changes := []ModeChange{
		{Add: true, Mode: 'n'},
		{Add: true, Mode: 't'},
		{Add: false, Mode: 'o', Arg: "42XAAAAAB"},
		{Add: false, Mode: 'l'},
		{Add: true, Mode: 'v', Arg: "42XAAAAAC"},
	}
	want := []string{"+nt-ol+v", "42XAAAAAB", "42XAAAAAC"}
	if got := FormatModes(changes); !reflect.DeepEqual(got, want) {
		t.Fatalf("FormatModes = %v, want %v", got, want)
	}

	// Parse of the formatted form yields the original changes.
	got, err := ParseModes(testTable, FormatModes(changes))
	if err != nil {
		t.Fatalf("reparse: %v", err)
	}
	if !reflect.DeepEqual(got, changes) {
		t.Fatalf("reparse = %+v, want %+v", got, changes)
	}
}
