// Copyright (C) 2025 Kittiwake Observability (dev@kittiwake.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package stacktrace parses browser stack-trace text into frames.
//
// Three line shapes are recognized:
//
//	at fn (https://x.test/a.js:10:5)    V8 with parens
//	at https://x.test/a.js:10:5         V8 without parens
//	fn@https://x.test/a.js:10:5         Firefox / Safari
//
// Lines matching none of the shapes are discarded silently; malformed
// line/column numbers drop the line. Line and column are base-1.
package stacktrace

import (
	"regexp"
	"strconv"
	"strings"
)

// Frame is one parsed stack frame. Function may be empty.
type Frame struct {
	Function string `json:"function,omitempty"`
	File     string `json:"file"`
	Line     int    `json:"line"`
	Column   int    `json:"column"`
}

var (
	// at fn (file:line:col)
	reV8Paren = regexp.MustCompile(`^\s*at\s+(.+?)\s+\((.+?):(\d+):(\d+)\)\s*$`)
	// at file:line:col
	reV8Bare = regexp.MustCompile(`^\s*at\s+(.+?):(\d+):(\d+)\s*$`)
	// fn@file:line:col  (fn may be empty)
	reGecko = regexp.MustCompile(`^\s*(.*?)@(.+?):(\d+):(\d+)\s*$`)
)

// Parse extracts frames from raw stack text. Returns an empty slice
// when nothing matches, never nil.
func Parse(stackText string) []Frame {
	frames := []Frame{}
	for _, line := range strings.Split(stackText, "\n") {
		if frame, ok := parseLine(line); ok {
			frames = append(frames, frame)
		}
	}
	return frames
}

func parseLine(line string) (Frame, bool) {
	if m := reV8Paren.FindStringSubmatch(line); m != nil {
		return buildFrame(m[1], m[2], m[3], m[4])
	}
	if m := reV8Bare.FindStringSubmatch(line); m != nil {
		return buildFrame("", m[1], m[2], m[3])
	}
	if m := reGecko.FindStringSubmatch(line); m != nil {
		return buildFrame(m[1], m[2], m[3], m[4])
	}
	return Frame{}, false
}

func buildFrame(fn, file, lineStr, colStr string) (Frame, bool) {
	line, err := strconv.Atoi(lineStr)
	if err != nil || line < 1 {
		return Frame{}, false
	}
	col, err := strconv.Atoi(colStr)
	if err != nil || col < 1 {
		return Frame{}, false
	}
	return Frame{
		Function: strings.TrimSpace(fn),
		File:     strings.TrimSpace(file),
		Line:     line,
		Column:   col,
	}, true
}
