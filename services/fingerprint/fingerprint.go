// Copyright (C) 2025 Kittiwake Observability (dev@kittiwake.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package fingerprint computes the stable structural hash that groups
// same-shape errors into one aggregation.
//
// The fingerprint is deterministic: two occurrences of the same logical
// error hash identically even when line formatting, literal values or
// memory addresses differ between them.
package fingerprint

import (
	"crypto/md5"
	"encoding/hex"
	"regexp"
	"strconv"
	"strings"

	"github.com/kittiwakehq/kittiwake/services/stacktrace"
)

const maxMessageLen = 200

var (
	reQuoted  = regexp.MustCompile(`"[^"]*"|'[^']*'` + "|`[^`]*`")
	reHex     = regexp.MustCompile(`0x[0-9a-fA-F]+`)
	reHexBlob = regexp.MustCompile(`\b[0-9a-fA-F]{8,}\b`)
	reNumber  = regexp.MustCompile(`\d+(\.\d+)?`)
)

// Third-party path markers whose frames keep the file but drop the line
// number. Bundled vendor code shifts lines on every build; the frame
// identity is the file itself.
var thirdPartyMarkers = []string{"/node_modules/", "/.git/"}

// Fingerprint computes the hex digest identifying the error structure.
//
// Canonicalization:
//   - each frame reduces to "function@file:line" (column dropped)
//   - anonymous and native frames collapse to the literal "<anon>"
//   - file paths are lowercased
//   - frames from third-party directories drop the line number
//   - the message is truncated to 200 chars with numeric literals,
//     quoted strings, hex blobs and addresses stripped
//
// The digest covers ordered canonical frames, the canonical message and
// the reporting source file. Pure function, no I/O.
func Fingerprint(stack, message, sourceFile string) string {
	frames := stacktrace.Parse(stack)

	var b strings.Builder
	for _, f := range frames {
		b.WriteString(canonicalFrame(f))
		b.WriteByte('\n')
	}
	b.WriteByte('|')
	b.WriteString(CanonicalMessage(message))
	b.WriteByte('|')
	b.WriteString(strings.ToLower(sourceFile))

	sum := md5.Sum([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

func canonicalFrame(f stacktrace.Frame) string {
	fn := f.Function
	if fn == "" || isAnonymous(fn) {
		fn = "<anon>"
	}

	file := strings.ToLower(f.File)
	for _, marker := range thirdPartyMarkers {
		if strings.Contains(file, marker) {
			return fn + "@" + file
		}
	}
	return fn + "@" + file + ":" + strconv.Itoa(f.Line)
}

func isAnonymous(fn string) bool {
	switch fn {
	case "<anonymous>", "anonymous", "eval", "[native code]", "native":
		return true
	}
	return strings.Contains(fn, "<anonymous>") || strings.Contains(fn, "[native code]")
}

// CanonicalMessage strips volatile literals from an error message so
// that e.g. "timeout after 503ms for id \"abc\"" and "timeout after
// 287ms for id \"xyz\"" canonicalize identically.
func CanonicalMessage(message string) string {
	if len(message) > maxMessageLen {
		message = message[:maxMessageLen]
	}
	message = reQuoted.ReplaceAllString(message, `""`)
	message = reHex.ReplaceAllString(message, "0x0")
	message = reHexBlob.ReplaceAllString(message, "")
	message = reNumber.ReplaceAllString(message, "0")
	return strings.TrimSpace(message)
}
