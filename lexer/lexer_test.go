// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.
//
// The ProbeChain is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package lexer

import "testing"

func tokenize(t *testing.T, src string) []Token {
	t.Helper()
	l := New("test", src)
	var toks []Token
	for {
		tok, err := l.Next()
		if err != nil {
			t.Fatalf("unexpected lex error: %v", err)
		}
		toks = append(toks, tok)
		if tok.Kind == KEOF {
			return toks
		}
	}
}

func TestIdentifiersAndKeywords(t *testing.T) {
	toks := tokenize(t, "local x = foo_bar")
	want := []struct {
		kind Kind
		lit  string
	}{
		{KKeywordOrIdent, "local"},
		{KKeywordOrIdent, "x"},
		{KPunct, "="},
		{KKeywordOrIdent, "foo_bar"},
		{KEOF, ""},
	}
	if len(toks) != len(want) {
		t.Fatalf("got %d tokens, want %d: %+v", len(toks), len(want), toks)
	}
	for i, w := range want {
		if toks[i].Kind != w.kind || toks[i].Literal != w.lit {
			t.Errorf("token %d = %+v, want kind=%v lit=%q", i, toks[i], w.kind, w.lit)
		}
	}
}

func TestNumberLiterals(t *testing.T) {
	cases := []struct {
		src     string
		isFloat bool
	}{
		{"42", false},
		{"3.14", true},
		{"1e10", true},
		{"0x1F", false},
		{"0x1p4", true},
		{"0x.1p-2", true},
	}
	for _, c := range cases {
		toks := tokenize(t, c.src)
		if len(toks) != 2 || toks[0].Kind != KNumber {
			t.Fatalf("%q: got %+v", c.src, toks)
		}
		if toks[0].NumIsFloat != c.isFloat {
			t.Errorf("%q: isFloat = %v, want %v", c.src, toks[0].NumIsFloat, c.isFloat)
		}
		if toks[0].Literal != c.src {
			t.Errorf("%q: literal = %q", c.src, toks[0].Literal)
		}
	}
}

func TestMalformedNumber(t *testing.T) {
	l := New("test", "1.2.3")
	if _, err := l.Next(); err != nil {
		t.Fatalf("unexpected error on first token: %v", err)
	}
	// "1.2" lexes as a float, then ".3" is a separate token; this case
	// instead checks that a digit run followed immediately by an
	// identifier-start byte is rejected.
	l2 := New("test", "123abc")
	if _, err := l2.Next(); err == nil {
		t.Fatalf("expected malformed number error")
	}
}

func TestShortStringEscapes(t *testing.T) {
	toks := tokenize(t, `"a\tb\nc\065\x41\u{48}"`)
	if toks[0].Kind != KString {
		t.Fatalf("got %+v", toks[0])
	}
	want := "a\tb\ncAA" + "H"
	if toks[0].Literal != want {
		t.Errorf("literal = %q, want %q", toks[0].Literal, want)
	}
}

func TestLongBracketString(t *testing.T) {
	toks := tokenize(t, "[==[\nhello ]] world]==]")
	if toks[0].Kind != KString {
		t.Fatalf("got %+v", toks[0])
	}
	if toks[0].Literal != "hello ]] world" {
		t.Errorf("literal = %q", toks[0].Literal)
	}
}

func TestLongComment(t *testing.T) {
	toks := tokenize(t, "--[[ ignored\nstill ignored ]] local x = 1")
	want := []string{"local", "x", "=", "1"}
	if len(toks) != len(want)+1 {
		t.Fatalf("got %+v", toks)
	}
	for i, w := range want {
		if toks[i].Literal != w {
			t.Errorf("token %d = %q, want %q", i, toks[i].Literal, w)
		}
	}
}

func TestUnterminatedString(t *testing.T) {
	l := New("test", "\"abc")
	if _, err := l.Next(); err == nil {
		t.Fatalf("expected unterminated string error")
	}
}

func TestLookaheadIsStable(t *testing.T) {
	l := New("test", "a b")
	first, err := l.Lookahead()
	if err != nil {
		t.Fatal(err)
	}
	second, err := l.Lookahead()
	if err != nil {
		t.Fatal(err)
	}
	if first != second {
		t.Fatalf("lookahead not idempotent: %+v vs %+v", first, second)
	}
	consumed, _ := l.Next()
	if consumed != first {
		t.Fatalf("Next() after Lookahead() = %+v, want %+v", consumed, first)
	}
	next, _ := l.Next()
	if next.Literal != "b" {
		t.Fatalf("second token = %+v, want 'b'", next)
	}
}

func TestNewlineVariants(t *testing.T) {
	for _, nl := range []string{"\n", "\r", "\r\n", "\n\r"} {
		src := "a" + nl + "b"
		toks := tokenize(t, src)
		if len(toks) != 3 {
			t.Fatalf("nl=%q: got %+v", nl, toks)
		}
	}
}
